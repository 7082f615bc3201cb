package converter

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DeltaConverter turns cumulative series into per-report increments. The
// first report of a series only primes its state.
type DeltaConverter struct {
	mu         sync.Mutex
	stateStore map[uint64]*conversionState
	staleAfter time.Duration
	lastPrune  time.Time
}

type conversionState struct {
	lastValue     float64
	lastTimestamp time.Time
	lastSeen      time.Time
}

// NewDeltaConverter forgets series that have not reported for staleAfter.
// Zero keeps them forever.
func NewDeltaConverter(staleAfter time.Duration) *DeltaConverter {
	return &DeltaConverter{
		stateStore: make(map[uint64]*conversionState),
		staleAfter: staleAfter,
	}
}

// SeriesHash identifies a series by name and attributes, independent of
// attribute order.
func SeriesHash(name string, attrs map[string]string) uint64 {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	_, _ = h.WriteString(name)
	for _, k := range keys {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(attrs[k])
	}
	return h.Sum64()
}

// Delta returns the increment of a cumulative value since the previous
// report of the same series. It returns false for the first report and for
// out-of-order reports. A monotonic series that goes down is treated as
// restarted and its full value is the increment.
func (c *DeltaConverter) Delta(series uint64, value float64, monotonic bool, ts, now time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)

	state, exists := c.stateStore[series]
	if !exists {
		c.stateStore[series] = &conversionState{
			lastValue:     value,
			lastTimestamp: ts,
			lastSeen:      now,
		}
		return 0, false
	}

	if ts.Before(state.lastTimestamp) {
		return 0, false
	}

	delta := value - state.lastValue
	if monotonic && value < state.lastValue {
		delta = value
	}

	state.lastValue = value
	state.lastTimestamp = ts
	state.lastSeen = now
	return delta, true
}

// Len counts tracked series.
func (c *DeltaConverter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stateStore)
}

func (c *DeltaConverter) pruneLocked(now time.Time) {
	if c.staleAfter <= 0 || now.Sub(c.lastPrune) < c.staleAfter {
		return
	}
	c.lastPrune = now

	cutoff := now.Add(-c.staleAfter)
	for k, s := range c.stateStore {
		if s.lastSeen.Before(cutoff) {
			delete(c.stateStore, k)
		}
	}
}
