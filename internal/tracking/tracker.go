package tracking

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kloudmate/live-metrics-agent/internal/correlation"
	"github.com/kloudmate/live-metrics-agent/internal/models"
	"github.com/kloudmate/live-metrics-agent/internal/telemetry"
)

// DocumentSink receives finished operations.
type DocumentSink interface {
	Record(doc *models.Document)
}

// Operation describes an incoming request or an outgoing dependency call.
// Type must be TelemetryTypeRequest or TelemetryTypeDependency.
type Operation struct {
	Type           models.TelemetryType
	Name           string
	URL            string
	Target         string
	DependencyType string
	Data           string
	Dimensions     map[string]string
}

type Result struct {
	ResultCode string
	Success    bool
}

type inFlight struct {
	op    Operation
	start time.Time
}

// Tracker pairs the begin and end of an operation and turns the pair into a
// telemetry document.
type Tracker struct {
	logger *zap.Logger
	cache  *correlation.Cache[inFlight]
	sink   DocumentSink
	clock  clock.Clock
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func NewTracker(cfg *correlation.Config, sink DocumentSink, metrics *telemetry.Metrics, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		logger: logger,
		cache:  correlation.NewCache[inFlight](cfg, metrics, logger),
		sink:   sink,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start runs the sweep that drops operations whose end never arrived.
func (t *Tracker) Start() {
	t.cache.Start()
}

func (t *Tracker) Stop() {
	t.cache.Stop()
}

// Pending counts operations begun but not yet ended or swept.
func (t *Tracker) Pending() int {
	return t.cache.Len()
}

// Begin records the start of an operation. Beginning an id twice keeps the
// later operation.
func (t *Tracker) Begin(id string, op Operation) {
	if op.Type != models.TelemetryTypeRequest && op.Type != models.TelemetryTypeDependency {
		t.logger.Warn("Ignoring operation of unsupported type",
			zap.String("id", id),
			zap.Stringer("type", op.Type))
		return
	}
	t.cache.Put(id, inFlight{op: op, start: t.clock.Now()})
}

// End completes the operation begun under id. It returns false when no live
// operation exists, for example because it expired.
func (t *Tracker) End(id string, result Result) bool {
	f, ok := t.cache.Take(id)
	if !ok {
		t.logger.Debug("End without a matching begin", zap.String("id", id))
		return false
	}

	end := t.clock.Now()
	t.sink.Record(buildDocument(f, result, end))
	return true
}

func buildDocument(f inFlight, result Result, end time.Time) *models.Document {
	duration := end.Sub(f.start)
	if duration < 0 {
		duration = 0
	}

	fields := map[string]any{
		"Name":     f.op.Name,
		"Success":  result.Success,
		"Duration": duration,
	}

	switch f.op.Type {
	case models.TelemetryTypeRequest:
		fields["Url"] = f.op.URL
		fields["ResponseCode"] = result.ResultCode
	case models.TelemetryTypeDependency:
		fields["Target"] = f.op.Target
		fields["Type"] = f.op.DependencyType
		fields["Data"] = f.op.Data
		fields["ResultCode"] = result.ResultCode
	}

	for k, v := range f.op.Dimensions {
		fields[models.CustomDimensionsPrefix+k] = v
	}

	return models.NewDocument(f.op.Type, f.start, fields)
}
