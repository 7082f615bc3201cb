package aggregation

import (
	"math"
	"sync"
	"time"

	"github.com/kloudmate/live-metrics-agent/internal/models"
)

// Accumulator keeps a running aggregate for one metric over one collection
// interval. Update and Flush share one lock, so an update either lands in
// the flushed sample or in the next interval, never in neither.
type Accumulator struct {
	metricID    string
	aggregation models.AggregationType

	mu    sync.Mutex
	count uint64
	sum   float64
	min   float64
	max   float64
}

func NewAccumulator(metricID string, aggregation models.AggregationType) *Accumulator {
	a := &Accumulator{
		metricID:    metricID,
		aggregation: aggregation,
	}
	a.resetLocked()
	return a
}

func (a *Accumulator) MetricID() string {
	return a.metricID
}

func (a *Accumulator) Aggregation() models.AggregationType {
	return a.aggregation
}

func (a *Accumulator) Update(value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 {
		a.min = value
		a.max = value
	} else {
		if value < a.min {
			a.min = value
		}
		if value > a.max {
			a.max = value
		}
	}
	a.count++
	a.sum += value
}

// Flush returns the aggregate accumulated so far and resets the accumulator.
func (a *Accumulator) Flush(now time.Time) models.Sample {
	a.mu.Lock()
	sample := models.Sample{
		MetricID:    a.metricID,
		Aggregation: a.aggregation,
		Count:       a.count,
		Sum:         a.sum,
		Min:         a.min,
		Max:         a.max,
		Timestamp:   now,
	}
	a.resetLocked()
	a.mu.Unlock()

	sample.Value = value(sample)
	return sample
}

func (a *Accumulator) resetLocked() {
	a.count = 0
	a.sum = 0
	a.min = math.Inf(1)
	a.max = math.Inf(-1)
}

// value reports zero for an empty sample regardless of the aggregation kind.
func value(s models.Sample) float64 {
	if s.Count == 0 {
		return 0
	}

	switch s.Aggregation {
	case models.AggregationSum:
		return s.Sum
	case models.AggregationCount:
		return float64(s.Count)
	case models.AggregationMin:
		return s.Min
	case models.AggregationMax:
		return s.Max
	case models.AggregationAvg:
		return s.Sum / float64(s.Count)
	default:
		return 0
	}
}
