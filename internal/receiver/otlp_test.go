package receiver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/kloudmate/live-metrics-agent/internal/models"
	"github.com/kloudmate/live-metrics-agent/internal/tracking"
)

type recordingSink struct {
	mu   sync.Mutex
	docs []*models.Document
}

func (s *recordingSink) Record(doc *models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
}

func (s *recordingSink) snapshot() []*models.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Document(nil), s.docs...)
}

type fakeTracker struct {
	mu      sync.Mutex
	begun   map[string]tracking.Operation
	results map[string]tracking.Result
}

func (f *fakeTracker) Begin(id string, op tracking.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun[id] = op
}

func (f *fakeTracker) End(id string, result tracking.Result) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = result
	_, ok := f.begun[id]
	return ok
}

func newTestReceiver(t *testing.T, opts ...Option) (*OTLPReceiver, *recordingSink) {
	sink := &recordingSink{}
	return NewOTLPReceiver(&Config{Address: "127.0.0.1:0"}, sink, zaptest.NewLogger(t), opts...), sink
}

func TestSpansBecomeRequestsAndDependencies(t *testing.T) {
	r, sink := newTestReceiver(t)
	start := time.Unix(1700000000, 0)

	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr("service.name", "shop")
	spans := rs.ScopeSpans().AppendEmpty().Spans()

	server := spans.AppendEmpty()
	server.SetName("GET /orders")
	server.SetKind(ptrace.SpanKindServer)
	server.SetStartTimestamp(pcommon.NewTimestampFromTime(start))
	server.SetEndTimestamp(pcommon.NewTimestampFromTime(start.Add(120 * time.Millisecond)))
	server.Attributes().PutStr("url.full", "http://shop/orders")
	server.Attributes().PutInt("http.response.status_code", 500)
	server.Status().SetCode(ptrace.StatusCodeError)
	event := server.Events().AppendEmpty()
	event.SetName("exception")
	event.SetTimestamp(pcommon.NewTimestampFromTime(start.Add(100 * time.Millisecond)))
	event.Attributes().PutStr("exception.type", "TimeoutError")
	event.Attributes().PutStr("exception.message", "db timed out")

	client := spans.AppendEmpty()
	client.SetName("SELECT orders")
	client.SetKind(ptrace.SpanKindClient)
	client.SetStartTimestamp(pcommon.NewTimestampFromTime(start))
	client.SetEndTimestamp(pcommon.NewTimestampFromTime(start.Add(90 * time.Millisecond)))
	client.Attributes().PutStr("db.system", "postgresql")
	client.Attributes().PutStr("server.address", "db")
	client.Attributes().PutStr("db.statement", "SELECT * FROM orders")

	internal := spans.AppendEmpty()
	internal.SetName("compute")
	internal.SetKind(ptrace.SpanKindInternal)

	_, err := (&traceService{receiver: r}).Export(context.Background(), ptraceotlp.NewExportRequestFromTraces(td))
	require.NoError(t, err)

	docs := sink.snapshot()
	require.Len(t, docs, 3)

	req := docs[0]
	assert.Equal(t, models.TelemetryTypeRequest, req.Type)
	assert.Equal(t, start.UTC(), req.Timestamp)
	assert.Equal(t, "GET /orders", req.Fields["Name"])
	assert.Equal(t, 120*time.Millisecond, req.Fields["Duration"])
	assert.Equal(t, false, req.Fields["Success"])
	assert.Equal(t, "500", req.Fields["ResponseCode"])
	assert.Equal(t, "http://shop/orders", req.Fields["Url"])
	assert.Equal(t, "shop", req.Fields["CustomDimensions.service.name"])

	exc := docs[1]
	assert.Equal(t, models.TelemetryTypeException, exc.Type)
	assert.Equal(t, "TimeoutError", exc.Fields["Exception"])
	assert.Equal(t, "db timed out", exc.Fields["Message"])

	dep := docs[2]
	assert.Equal(t, models.TelemetryTypeDependency, dep.Type)
	assert.Equal(t, "db", dep.Fields["Target"])
	assert.Equal(t, "postgresql", dep.Fields["Type"])
	assert.Equal(t, "SELECT * FROM orders", dep.Fields["Data"])
	assert.Equal(t, true, dep.Fields["Success"])
}

func TestMetricsBecomeMetricDocuments(t *testing.T) {
	r, sink := newTestReceiver(t)
	ts := time.Unix(1700000000, 0)

	build := func(cumulativeValue int64, at time.Time) pmetric.Metrics {
		md := pmetric.NewMetrics()
		ms := md.ResourceMetrics().AppendEmpty().ScopeMetrics().AppendEmpty().Metrics()

		gauge := ms.AppendEmpty()
		gauge.SetName("queue.depth")
		dp := gauge.SetEmptyGauge().DataPoints().AppendEmpty()
		dp.SetDoubleValue(7.5)
		dp.SetTimestamp(pcommon.NewTimestampFromTime(at))

		sum := ms.AppendEmpty()
		sum.SetName("requests")
		s := sum.SetEmptySum()
		s.SetIsMonotonic(true)
		s.SetAggregationTemporality(pmetric.AggregationTemporalityCumulative)
		sdp := s.DataPoints().AppendEmpty()
		sdp.SetIntValue(cumulativeValue)
		sdp.SetTimestamp(pcommon.NewTimestampFromTime(at))
		sdp.Attributes().PutStr("route", "/orders")

		hist := ms.AppendEmpty()
		hist.SetName("latency")
		hist.SetEmptyHistogram().DataPoints().AppendEmpty().SetCount(3)
		return md
	}

	svc := &metricService{receiver: r}
	_, err := svc.Export(context.Background(), pmetricotlp.NewExportRequestFromMetrics(build(100, ts)))
	require.NoError(t, err)

	docs := sink.snapshot()
	require.Len(t, docs, 1, "cumulative sum only primes on first report")
	assert.Equal(t, models.TelemetryTypeMetric, docs[0].Type)
	assert.Equal(t, "queue.depth", docs[0].Fields["Name"])
	assert.Equal(t, 7.5, docs[0].Fields["Value"])

	_, err = svc.Export(context.Background(), pmetricotlp.NewExportRequestFromMetrics(build(130, ts.Add(time.Second))))
	require.NoError(t, err)

	docs = sink.snapshot()
	require.Len(t, docs, 3)
	assert.Equal(t, "requests", docs[2].Fields["Name"])
	assert.Equal(t, 30.0, docs[2].Fields["Value"])
	assert.Equal(t, "/orders", docs[2].Fields["CustomDimensions.route"])
}

func TestLogsBecomeTraces(t *testing.T) {
	r, sink := newTestReceiver(t)
	observed := time.Unix(1700000000, 0)

	ld := plog.NewLogs()
	records := ld.ResourceLogs().AppendEmpty().ScopeLogs().AppendEmpty().LogRecords()

	lr := records.AppendEmpty()
	lr.Body().SetStr("payment failed")
	lr.SetSeverityText("ERROR")
	lr.SetObservedTimestamp(pcommon.NewTimestampFromTime(observed))
	lr.Attributes().PutStr("order", "42")

	_, err := (&logService{receiver: r}).Export(context.Background(), plogotlp.NewExportRequestFromLogs(ld))
	require.NoError(t, err)

	docs := sink.snapshot()
	require.Len(t, docs, 1)
	assert.Equal(t, models.TelemetryTypeTrace, docs[0].Type)
	assert.Equal(t, observed.UTC(), docs[0].Timestamp)
	assert.Equal(t, "payment failed", docs[0].Fields["Message"])
	assert.Equal(t, "ERROR", docs[0].Fields["SeverityLevel"])
	assert.Equal(t, "42", docs[0].Fields["CustomDimensions.order"])
}

func TestServeOverGRPC(t *testing.T) {
	tracker := &fakeTracker{begun: map[string]tracking.Operation{}, results: map[string]tracking.Result{}}
	r, sink := newTestReceiver(t, WithTracker(tracker))
	lis := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, lis) }()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	ld := plog.NewLogs()
	ld.ResourceLogs().AppendEmpty().ScopeLogs().AppendEmpty().LogRecords().AppendEmpty().Body().SetStr("hello")

	_, err = plogotlp.NewGRPCClient(conn).Export(context.Background(), plogotlp.NewExportRequestFromLogs(ld))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}

	docs := sink.snapshot()
	require.Len(t, docs, 1)
	assert.Equal(t, "hello", docs[0].Fields["Message"])

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	require.Contains(t, tracker.begun, "otlp-1")
	assert.Equal(t, models.TelemetryTypeRequest, tracker.begun["otlp-1"].Type)
	assert.Equal(t, "/opentelemetry.proto.collector.logs.v1.LogsService/Export", tracker.begun["otlp-1"].Name)
	assert.Equal(t, tracking.Result{ResultCode: "OK", Success: true}, tracker.results["otlp-1"])
}

func TestStopBeforeServe(t *testing.T) {
	r, _ := newTestReceiver(t)
	require.NoError(t, r.Stop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, bufconn.Listen(1<<20)) }()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stopped receiver kept serving")
	}
}
