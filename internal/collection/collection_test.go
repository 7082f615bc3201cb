package collection

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kloudmate/live-metrics-agent/internal/models"
)

func metricInfo(id, telemetryType, projection, aggregation string, groups ...models.FilterConjunctionGroupInfo) models.MetricInfo {
	return models.MetricInfo{
		ID:            id,
		TelemetryType: telemetryType,
		Projection:    projection,
		Aggregation:   aggregation,
		FilterGroups:  groups,
	}
}

func request(name string, duration time.Duration, success bool) *models.Document {
	return models.NewDocument(models.TelemetryTypeRequest, time.Now(), map[string]any{
		"Name":     name,
		"Duration": duration,
		"Success":  success,
	})
}

func TestCompileConfiguration(t *testing.T) {
	cfg, errs := Compile(&models.ConfigurationInfo{
		ETag: "v1",
		Metrics: []models.MetricInfo{
			metricInfo("Metric1", "Request", "Name", "Min"),
			metricInfo("Metric1", "Request", "Duration", "Max"),
			metricInfo("", "Request", "Duration", "Max"),
			metricInfo("Metric2", "Heartbeat", "Duration", "Max"),
			metricInfo("Metric3", "Request", "Duration", "Median"),
			metricInfo("Metric4", "Request", "Success", "Sum"),
			metricInfo("Metric5", "metric", "Value", "average"),
			metricInfo("Metric6", "Dependency", CountProjection, "Sum",
				models.FilterConjunctionGroupInfo{Filters: []models.FilterInfo{{FieldName: "Bogus", Predicate: "Equal", Comparand: "x"}}}),
		},
	})

	require.Equal(t, "v1", cfg.Version())

	ids := make([]string, 0, len(cfg.Metrics()))
	for _, m := range cfg.Metrics() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"Metric1", "Metric5", "Metric6"}, ids)
	assert.Equal(t, models.AggregationAvg, cfg.Metrics()[1].Aggregation)

	types := make([]models.ConfigurationErrorType, 0, len(errs))
	for _, e := range errs {
		types = append(types, e.Type)
	}
	assert.Equal(t, []models.ConfigurationErrorType{
		models.ErrorTypeMetricDuplicateIDs,
		models.ErrorTypeMetricMissingID,
		models.ErrorTypeMetricTelemetryType,
		models.ErrorTypeMetricAggregation,
		models.ErrorTypeMetricProjection,
		models.ErrorTypeFilterFieldUnknown,
	}, types)
	assert.Equal(t, "Metric6", errs[5].MetricID)
	assert.Equal(t, errs, cfg.Errors())
	assert.Error(t, cfg.Err())
}

func TestCompileNilPayload(t *testing.T) {
	cfg, errs := Compile(nil)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ErrorTypeConfigurationPayloadNil, errs[0].Type)
	assert.Empty(t, cfg.Metrics())
}

func TestConfigurationEqualByVersion(t *testing.T) {
	a, _ := Compile(&models.ConfigurationInfo{ETag: "v1"})
	b, _ := Compile(&models.ConfigurationInfo{ETag: "v1", Metrics: []models.MetricInfo{metricInfo("m", "Request", "Duration", "Sum")}})
	c, _ := Compile(&models.ConfigurationInfo{ETag: "v2"})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.NoError(t, a.Err())
}

func TestAccumulatorPreparesMetricAccumulators(t *testing.T) {
	cfg, errs := Compile(&models.ConfigurationInfo{Metrics: []models.MetricInfo{
		metricInfo("Metric1", "Request", "Duration", "Min"),
	}})
	require.Empty(t, errs)

	acc := NewAccumulator(cfg)

	assert.Same(t, cfg, acc.Configuration())
	accs := acc.MetricAccumulators()
	require.Len(t, accs, 1)
	assert.Equal(t, models.AggregationMin, accs["Metric1"].Aggregation())
}

func TestAccumulatorRecordAndFlush(t *testing.T) {
	cfg, errs := Compile(&models.ConfigurationInfo{ETag: "v1", Metrics: []models.MetricInfo{
		metricInfo("AllRequests", "Request", CountProjection, "Sum"),
		metricInfo("FailedDuration", "Request", "Duration", "Avg",
			models.FilterConjunctionGroupInfo{Filters: []models.FilterInfo{{FieldName: "Success", Predicate: "Equal", Comparand: "false"}}}),
		metricInfo("EmptyConjunction", "Request", "Duration", "Max", models.FilterConjunctionGroupInfo{}),
		metricInfo("Never", "Request", "Duration", "Sum",
			models.FilterConjunctionGroupInfo{Filters: []models.FilterInfo{{FieldName: "Name", Predicate: "Equal", Comparand: "never"}}}),
		metricInfo("Traces", "Trace", CountProjection, "Count"),
	}})
	require.Empty(t, errs)

	acc := NewAccumulator(cfg)
	require.True(t, acc.Record(request("a", 100*time.Millisecond, true)))
	require.True(t, acc.Record(request("b", 300*time.Millisecond, false)))
	require.True(t, acc.Record(request("c", 500*time.Millisecond, false)))
	require.True(t, acc.Record(models.NewDocument(models.TelemetryTypeEvent, time.Now(), map[string]any{"Name": "e"})))

	samples := acc.FlushAll(time.Now())
	require.Len(t, samples, 5)

	assert.Equal(t, "AllRequests", samples[0].MetricID)
	assert.Equal(t, 3.0, samples[0].Value)

	assert.Equal(t, "FailedDuration", samples[1].MetricID)
	assert.Equal(t, uint64(2), samples[1].Count)
	assert.InDelta(t, 400.0, samples[1].Value, 1e-9)

	assert.Equal(t, "EmptyConjunction", samples[2].MetricID)
	assert.Equal(t, uint64(3), samples[2].Count)
	assert.InDelta(t, 500.0, samples[2].Value, 1e-9)

	assert.Equal(t, "Never", samples[3].MetricID)
	assert.Equal(t, uint64(0), samples[3].Count)

	assert.Equal(t, "Traces", samples[4].MetricID)
	assert.Equal(t, 0.0, samples[4].Value)
}

func TestAccumulatorRejectsRecordAfterFlush(t *testing.T) {
	cfg, _ := Compile(&models.ConfigurationInfo{Metrics: []models.MetricInfo{
		metricInfo("m", "Request", CountProjection, "Sum"),
	}})
	acc := NewAccumulator(cfg)

	require.NotEmpty(t, acc.FlushAll(time.Now()))
	assert.False(t, acc.Record(request("late", time.Millisecond, true)))
	assert.Nil(t, acc.FlushAll(time.Now()), "second flush returns nothing")
}

func TestAccumulatorSwapIsolation(t *testing.T) {
	v1, _ := Compile(&models.ConfigurationInfo{ETag: "v1", Metrics: []models.MetricInfo{
		metricInfo("m", "Request", CountProjection, "Sum"),
	}})
	v2, _ := Compile(&models.ConfigurationInfo{ETag: "v2", Metrics: []models.MetricInfo{
		metricInfo("m", "Request", CountProjection, "Sum"),
	}})

	a := NewAccumulator(v1)
	b := NewAccumulator(v2)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.Record(request("a", time.Millisecond, true))
		}()
		go func() {
			defer wg.Done()
			b.Record(request("b", time.Millisecond, true))
			b.Record(request("b", time.Millisecond, true))
		}()
	}
	wg.Wait()

	sa := a.FlushAll(time.Now())
	sb := b.FlushAll(time.Now())
	assert.Equal(t, 100.0, sa[0].Value)
	assert.Equal(t, 200.0, sb[0].Value)
}

func TestStoreSwap(t *testing.T) {
	store := NewStore(zaptest.NewLogger(t))
	assert.Equal(t, "", store.Version())

	assert.False(t, store.Swap(nil))

	info := &models.ConfigurationInfo{ETag: "v1", Metrics: []models.MetricInfo{metricInfo("m", "Request", "Duration", "Sum")}}
	require.True(t, store.Swap(info))
	first := store.Load()
	assert.Equal(t, "v1", first.Version())

	assert.False(t, store.Swap(&models.ConfigurationInfo{ETag: "v1"}), "same version is a no-op")
	assert.Same(t, first, store.Load())

	require.True(t, store.Swap(&models.ConfigurationInfo{ETag: "v2", Metrics: []models.MetricInfo{metricInfo("", "Request", "Duration", "Sum")}}))
	assert.Equal(t, "v2", store.Version())
	assert.Len(t, store.Load().Errors(), 1)
	assert.Equal(t, uint64(2), store.Swaps())
}

func TestStoreConcurrentReaders(t *testing.T) {
	store := NewStore(zaptest.NewLogger(t))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					cfg := store.Load()
					// a configuration is either the empty one or fully compiled
					if cfg.Version() != "" {
						assert.Len(t, cfg.Metrics(), 2)
					}
				}
			}
		}()
	}

	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		store.Swap(&models.ConfigurationInfo{ETag: v, Metrics: []models.MetricInfo{
			metricInfo("a", "Request", "Duration", "Sum"),
			metricInfo("b", "Request", "Duration", "Max"),
		}})
	}
	close(stop)
	wg.Wait()
}
