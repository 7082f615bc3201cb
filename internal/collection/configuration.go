package collection

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/kloudmate/live-metrics-agent/internal/filter"
	"github.com/kloudmate/live-metrics-agent/internal/models"
)

// CountProjection counts matched documents instead of reading a field.
const CountProjection = "Count()"

// Metric is one compiled metric definition.
type Metric struct {
	ID            string
	TelemetryType models.TelemetryType
	Projection    string
	Aggregation   models.AggregationType

	filters *filter.Group
}

func (m *Metric) Matches(doc *models.Document) bool {
	return m.filters.Matches(doc)
}

// Project reads the metric value out of a matched document.
func (m *Metric) Project(doc *models.Document) (float64, bool) {
	if m.Projection == CountProjection {
		return 1, true
	}
	v, ok := doc.Field(m.Projection)
	if !ok {
		return 0, false
	}
	return filter.ToFloat(v)
}

// Configuration is an immutable compiled snapshot of the collection rules.
type Configuration struct {
	version string
	metrics []*Metric
	errors  []models.ConfigurationError
}

func Empty() *Configuration {
	return &Configuration{}
}

// Compile turns a configuration payload into a usable configuration. Invalid
// metrics and filters are dropped and reported, never fatal.
func Compile(info *models.ConfigurationInfo) (*Configuration, []models.ConfigurationError) {
	if info == nil {
		errs := []models.ConfigurationError{{
			Type:    models.ErrorTypeConfigurationPayloadNil,
			Message: "configuration payload is missing",
		}}
		return &Configuration{errors: errs}, errs
	}

	cfg := &Configuration{
		version: info.ETag,
		metrics: make([]*Metric, 0, len(info.Metrics)),
	}
	seen := make(map[string]struct{}, len(info.Metrics))

	for _, mi := range info.Metrics {
		m, errs := compileMetric(mi)
		cfg.errors = append(cfg.errors, errs...)
		if m == nil {
			continue
		}

		if _, dup := seen[m.ID]; dup {
			cfg.errors = append(cfg.errors, models.ConfigurationError{
				Type:     models.ErrorTypeMetricDuplicateIDs,
				Message:  fmt.Sprintf("metric id %q is defined more than once, only the first definition is used", m.ID),
				MetricID: m.ID,
			})
			continue
		}
		seen[m.ID] = struct{}{}
		cfg.metrics = append(cfg.metrics, m)
	}

	return cfg, cfg.errors
}

func compileMetric(mi models.MetricInfo) (*Metric, []models.ConfigurationError) {
	fail := func(errType models.ConfigurationErrorType, format string, args ...any) (*Metric, []models.ConfigurationError) {
		return nil, []models.ConfigurationError{{
			Type:     errType,
			Message:  fmt.Sprintf(format, args...),
			MetricID: mi.ID,
		}}
	}

	if strings.TrimSpace(mi.ID) == "" {
		return fail(models.ErrorTypeMetricMissingID, "metric id is empty")
	}

	t, ok := models.ParseTelemetryType(mi.TelemetryType)
	if !ok {
		return fail(models.ErrorTypeMetricTelemetryType, "telemetry type %q is not supported", mi.TelemetryType)
	}

	agg, ok := models.ParseAggregationType(mi.Aggregation)
	if !ok {
		return fail(models.ErrorTypeMetricAggregation, "aggregation %q is not supported", mi.Aggregation)
	}

	if mi.Projection != CountProjection && !filter.IsProjectable(t, mi.Projection) {
		return fail(models.ErrorTypeMetricProjection, "projection %q is not a numeric field of %s", mi.Projection, t)
	}

	group, errs := filter.Compile(t, mi.FilterGroups)
	for i := range errs {
		errs[i].MetricID = mi.ID
	}

	return &Metric{
		ID:            mi.ID,
		TelemetryType: t,
		Projection:    mi.Projection,
		Aggregation:   agg,
		filters:       group,
	}, errs
}

func (c *Configuration) Version() string {
	return c.version
}

func (c *Configuration) Metrics() []*Metric {
	return c.metrics
}

func (c *Configuration) Errors() []models.ConfigurationError {
	return c.errors
}

// Err combines the compile errors into a single error, nil when there are none.
func (c *Configuration) Err() error {
	var err error
	for _, e := range c.errors {
		err = multierr.Append(err, e)
	}
	return err
}

// Equal compares version tags only.
func (c *Configuration) Equal(other *Configuration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.version == other.version
}
