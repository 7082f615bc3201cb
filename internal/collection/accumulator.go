package collection

import (
	"sync"
	"time"

	"github.com/kloudmate/live-metrics-agent/internal/aggregation"
	"github.com/kloudmate/live-metrics-agent/internal/models"
)

// Accumulator binds one configuration to the per-metric accumulators of a
// single collection interval. It is flushed once and then discarded.
type Accumulator struct {
	configuration *Configuration
	metrics       []*Metric
	accumulators  []*aggregation.Accumulator

	// Record holds the read side while it updates; FlushAll takes the
	// write side, so no Record straddles the flush.
	mu      sync.RWMutex
	flushed bool
}

func NewAccumulator(cfg *Configuration) *Accumulator {
	metrics := cfg.Metrics()
	a := &Accumulator{
		configuration: cfg,
		metrics:       metrics,
		accumulators:  make([]*aggregation.Accumulator, len(metrics)),
	}
	for i, m := range metrics {
		a.accumulators[i] = aggregation.NewAccumulator(m.ID, m.Aggregation)
	}
	return a
}

func (a *Accumulator) Configuration() *Configuration {
	return a.configuration
}

// MetricAccumulators maps metric id to its accumulator.
func (a *Accumulator) MetricAccumulators() map[string]*aggregation.Accumulator {
	result := make(map[string]*aggregation.Accumulator, len(a.accumulators))
	for _, acc := range a.accumulators {
		result[acc.MetricID()] = acc
	}
	return result
}

// Record feeds a document to every metric whose filters match it. It returns
// false when the accumulator has already been flushed; the caller should
// retry against the current accumulator.
func (a *Accumulator) Record(doc *models.Document) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.flushed {
		return false
	}

	for i, m := range a.metrics {
		if !m.Matches(doc) {
			continue
		}
		if v, ok := m.Project(doc); ok {
			a.accumulators[i].Update(v)
		}
	}
	return true
}

// FlushAll returns one sample per metric in configuration order. Only the
// first call returns samples.
func (a *Accumulator) FlushAll(now time.Time) []models.Sample {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.flushed {
		return nil
	}
	a.flushed = true

	samples := make([]models.Sample, 0, len(a.accumulators))
	for _, acc := range a.accumulators {
		samples = append(samples, acc.Flush(now))
	}
	return samples
}
