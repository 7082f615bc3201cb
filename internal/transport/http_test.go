package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kloudmate/live-metrics-agent/internal/models"
	"github.com/kloudmate/live-metrics-agent/internal/telemetry"
)

type fakeCollector struct {
	mu         sync.Mutex
	subscribed string
	etag       string
	omitETag   bool
	config     string
	status     int
	delay      time.Duration

	paths    []string
	ikeys    []string
	etags    []string
	received [][]monitoringPoint
}

func (f *fakeCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.paths = append(f.paths, r.URL.Path)
	f.ikeys = append(f.ikeys, r.URL.Query().Get("ikey"))
	f.etags = append(f.etags, r.Header.Get(HeaderConfigurationETag))

	zr, err := gzip.NewReader(r.Body)
	if err == nil {
		raw, _ := io.ReadAll(zr)
		if r.URL.Path == submitPath {
			var points []monitoringPoint
			_ = json.Unmarshal(raw, &points)
			f.received = append(f.received, points)
		}
	}

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	if f.subscribed != "" {
		w.Header().Set(HeaderSubscribed, f.subscribed)
	}
	if f.config != "" && r.Header.Get(HeaderConfigurationETag) != f.etag {
		if !f.omitETag {
			w.Header().Set(HeaderConfigurationETag, f.etag)
		}
		_, _ = io.WriteString(w, f.config)
	}
}

func newTestClient(t *testing.T, handler http.Handler, timeout time.Duration) (*HTTPClient, *telemetry.Metrics) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	client, err := NewHTTPClient(&Config{
		Endpoint:       srv.URL + "/live/",
		RequestTimeout: timeout,
		Instance:       "test-host",
		AgentVersion:   "test",
	}, metrics, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client, metrics
}

func TestPingOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		subscribed string
		expected   models.Outcome
	}{
		{"subscribed", "true", models.OutcomeExpected},
		{"not subscribed", "false", models.OutcomeNotExpected},
		{"missing header", "", models.OutcomeUnknown},
		{"garbage header", "perhaps", models.OutcomeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := &fakeCollector{subscribed: tt.subscribed}
			client, _ := newTestClient(t, collector, time.Second)

			resp := client.Ping(context.Background(), PingRequest{InstrumentationKey: "ikey-1", Timestamp: time.Now()})
			assert.Equal(t, tt.expected, resp.Outcome)
			assert.Nil(t, resp.Configuration)
			assert.Equal(t, []string{"/live/ping"}, collector.paths)
			assert.Equal(t, []string{"ikey-1"}, collector.ikeys)
		})
	}
}

func TestConfigurationOnlyWhenVersionDiffers(t *testing.T) {
	collector := &fakeCollector{
		subscribed: "true",
		etag:       "v2",
		config:     `{"Metrics":[{"Id":"m","TelemetryType":"Request","Projection":"Duration","Aggregation":"Avg"}]}`,
	}
	client, _ := newTestClient(t, collector, time.Second)

	resp := client.Ping(context.Background(), PingRequest{Timestamp: time.Now(), ConfigurationETag: "v1"})
	require.NotNil(t, resp.Configuration)
	assert.Equal(t, "v2", resp.Configuration.ETag)
	require.Len(t, resp.Configuration.Metrics, 1)
	assert.Equal(t, "m", resp.Configuration.Metrics[0].ID)

	resp = client.Ping(context.Background(), PingRequest{Timestamp: time.Now(), ConfigurationETag: "v2"})
	assert.Equal(t, models.OutcomeExpected, resp.Outcome)
	assert.Nil(t, resp.Configuration)
}

func TestConfigurationWithoutETagIsFingerprinted(t *testing.T) {
	body := `{"Metrics":[]}`
	collector := &fakeCollector{subscribed: "true", config: body, omitETag: true, etag: "unused"}
	client, _ := newTestClient(t, collector, time.Second)

	resp := client.Ping(context.Background(), PingRequest{Timestamp: time.Now()})
	require.NotNil(t, resp.Configuration)
	assert.Equal(t, Fingerprint([]byte(body)), resp.Configuration.ETag)

	resp = client.Ping(context.Background(), PingRequest{Timestamp: time.Now(), ConfigurationETag: Fingerprint([]byte(body))})
	assert.Nil(t, resp.Configuration, "same content means same version")
}

func TestSubmitPayload(t *testing.T) {
	collector := &fakeCollector{subscribed: "true"}
	client, metrics := newTestClient(t, collector, time.Second)

	resp := client.Submit(context.Background(), SubmitRequest{
		InstrumentationKey: "ikey-1",
		Timestamp:          time.Now(),
		ConfigurationETag:  "v7",
		Samples: []models.Sample{
			{MetricID: "requests", Value: 12, Count: 12},
			{MetricID: "latency", Value: 250.5, Count: 3},
		},
		TopCPUProcesses: []models.ProcessCPU{{Name: "db", CPUPercent: 40}},
		Errors:          []models.ConfigurationError{{Type: models.ErrorTypeFilterFieldUnknown, Message: "bad field", MetricID: "x"}},
	})
	assert.Equal(t, models.OutcomeExpected, resp.Outcome)

	require.Len(t, collector.received, 1)
	require.Len(t, collector.received[0], 1)
	point := collector.received[0][0]
	assert.Equal(t, "test-host", point.Instance)
	assert.Equal(t, []metricPoint{{Name: "requests", Value: 12, Weight: 12}, {Name: "latency", Value: 250.5, Weight: 3}}, point.Metrics)
	assert.Equal(t, []models.ProcessCPU{{Name: "db", CPUPercent: 40}}, point.TopCPUProcesses)
	require.Len(t, point.CollectionConfigurationErrors, 1)
	assert.Equal(t, "bad field", point.CollectionConfigurationErrors[0].Message)
	assert.Equal(t, []string{"v7"}, collector.etags)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TransportRequests.WithLabelValues("submit", "expected")))
}

func TestFailuresAreUnknown(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		client, metrics := newTestClient(t, &fakeCollector{status: http.StatusInternalServerError, subscribed: "true"}, time.Second)
		resp := client.Submit(context.Background(), SubmitRequest{Timestamp: time.Now()})
		assert.Equal(t, models.OutcomeUnknown, resp.Outcome)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TransportRequests.WithLabelValues("submit", "unknown")))
	})

	t.Run("malformed configuration", func(t *testing.T) {
		client, _ := newTestClient(t, &fakeCollector{subscribed: "true", etag: "v1", config: "{not json"}, time.Second)
		resp := client.Ping(context.Background(), PingRequest{Timestamp: time.Now()})
		assert.Equal(t, models.OutcomeUnknown, resp.Outcome)
		assert.Nil(t, resp.Configuration)
	})

	t.Run("timeout", func(t *testing.T) {
		client, _ := newTestClient(t, &fakeCollector{subscribed: "true", delay: 200 * time.Millisecond}, 20*time.Millisecond)
		start := time.Now()
		resp := client.Ping(context.Background(), PingRequest{Timestamp: time.Now()})
		assert.Equal(t, models.OutcomeUnknown, resp.Outcome)
		assert.Less(t, time.Since(start), 200*time.Millisecond)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		endpoint := srv.URL
		srv.Close()

		client, err := NewHTTPClient(&Config{Endpoint: endpoint, RequestTimeout: time.Second},
			telemetry.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeUnknown, client.Ping(context.Background(), PingRequest{Timestamp: time.Now()}).Outcome)
	})
}

func TestNewHTTPClientRejectsRelativeEndpoint(t *testing.T) {
	_, err := NewHTTPClient(&Config{Endpoint: "collector.local/live"}, telemetry.NewMetrics(prometheus.NewRegistry()), zaptest.NewLogger(t))
	assert.Error(t, err)
}
