package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/kloudmate/live-metrics-agent/internal/converter"
	"github.com/kloudmate/live-metrics-agent/internal/models"
	"github.com/kloudmate/live-metrics-agent/internal/tracking"
)

// DocumentSink receives every document the receiver produces.
type DocumentSink interface {
	Record(doc *models.Document)
}

// OperationTracker measures each export as an incoming request.
type OperationTracker interface {
	Begin(id string, op tracking.Operation)
	End(id string, result tracking.Result) bool
}

// OTLPReceiver accepts OTLP traces, metrics and logs over gRPC and turns
// them into telemetry documents.
type OTLPReceiver struct {
	logger  *zap.Logger
	sink    DocumentSink
	tracker OperationTracker
	server  *grpc.Server
	address string
	deltas  *converter.DeltaConverter
	nextID  *atomic.Uint64
}

type Option func(*OTLPReceiver)

func WithTracker(t OperationTracker) Option {
	return func(r *OTLPReceiver) { r.tracker = t }
}

type Config struct {
	Address        string
	MaxMessageSize int
	// SeriesTTL bounds how long cumulative sums are remembered between
	// reports.
	SeriesTTL time.Duration
}

func NewOTLPReceiver(cfg *Config, sink DocumentSink, logger *zap.Logger, opts ...Option) *OTLPReceiver {
	maxMsg := cfg.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = 16 * 1024 * 1024
	}
	r := &OTLPReceiver{
		logger:  logger,
		sink:    sink,
		address: cfg.Address,
		deltas:  converter.NewDeltaConverter(cfg.SeriesTTL),
		nextID:  atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(r)
	}

	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsg),
		grpc.MaxSendMsgSize(maxMsg),
	}
	if r.tracker != nil {
		serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(r.trackExport))
	}
	r.server = grpc.NewServer(serverOpts...)
	r.Register(r.server)

	return r
}

// Start serves until ctx is cancelled or Stop is called.
func (r *OTLPReceiver) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", r.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return r.Serve(ctx, lis)
}

// Serve accepts connections on lis. It returns nil once the receiver is
// stopped, including when Stop ran before Serve.
func (r *OTLPReceiver) Serve(ctx context.Context, lis net.Listener) error {
	r.logger.Info("Starting OTLP receiver", zap.String("address", lis.Addr().String()))

	go func() {
		<-ctx.Done()
		r.logger.Info("Shutting down OTLP receiver")
		r.server.GracefulStop()
	}()

	if err := r.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Register adds the trace, metric and log services to s.
func (r *OTLPReceiver) Register(s *grpc.Server) {
	ptraceotlp.RegisterGRPCServer(s, &traceService{receiver: r})
	pmetricotlp.RegisterGRPCServer(s, &metricService{receiver: r})
	plogotlp.RegisterGRPCServer(s, &logService{receiver: r})
}

func (r *OTLPReceiver) Stop() error {
	r.server.GracefulStop()
	return nil
}

func (r *OTLPReceiver) trackExport(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	id := "otlp-" + strconv.FormatUint(r.nextID.Inc(), 10)
	r.tracker.Begin(id, tracking.Operation{
		Type: models.TelemetryTypeRequest,
		Name: info.FullMethod,
		URL:  info.FullMethod,
	})

	resp, err := handler(ctx, req)

	r.tracker.End(id, tracking.Result{
		ResultCode: status.Code(err).String(),
		Success:    err == nil,
	})
	return resp, err
}

type traceService struct {
	ptraceotlp.UnimplementedGRPCServer
	receiver *OTLPReceiver
}

func (s *traceService) Export(_ context.Context, req ptraceotlp.ExportRequest) (ptraceotlp.ExportResponse, error) {
	s.receiver.record(spanDocuments(req.Traces()))
	return ptraceotlp.NewExportResponse(), nil
}

type metricService struct {
	pmetricotlp.UnimplementedGRPCServer
	receiver *OTLPReceiver
}

func (s *metricService) Export(_ context.Context, req pmetricotlp.ExportRequest) (pmetricotlp.ExportResponse, error) {
	md := req.Metrics()
	if md.DataPointCount() == 0 {
		return pmetricotlp.NewExportResponse(), nil
	}
	s.receiver.record(s.receiver.metricDocuments(md, time.Now()))
	return pmetricotlp.NewExportResponse(), nil
}

type logService struct {
	plogotlp.UnimplementedGRPCServer
	receiver *OTLPReceiver
}

func (s *logService) Export(_ context.Context, req plogotlp.ExportRequest) (plogotlp.ExportResponse, error) {
	s.receiver.record(logDocuments(req.Logs()))
	return plogotlp.NewExportResponse(), nil
}

func (r *OTLPReceiver) record(docs []*models.Document) {
	for _, doc := range docs {
		r.sink.Record(doc)
	}
}

func spanDocuments(td ptrace.Traces) []*models.Document {
	var result []*models.Document

	resourceSpans := td.ResourceSpans()
	for i := 0; i < resourceSpans.Len(); i++ {
		rs := resourceSpans.At(i)
		resourceAttrs := rs.Resource().Attributes()

		scopeSpans := rs.ScopeSpans()
		for j := 0; j < scopeSpans.Len(); j++ {
			spans := scopeSpans.At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				span := spans.At(k)
				if doc := spanDocument(span, resourceAttrs); doc != nil {
					result = append(result, doc)
				}
				result = append(result, exceptionDocuments(span, resourceAttrs)...)
			}
		}
	}

	return result
}

func spanDocument(span ptrace.Span, resourceAttrs pcommon.Map) *models.Document {
	attrs := span.Attributes()
	start := span.StartTimestamp().AsTime()
	duration := span.EndTimestamp().AsTime().Sub(start)
	if duration < 0 {
		duration = 0
	}

	fields := dimensions(resourceAttrs, attrs)
	fields["Name"] = span.Name()
	fields["Duration"] = duration
	fields["Success"] = span.Status().Code() != ptrace.StatusCodeError

	switch span.Kind() {
	case ptrace.SpanKindServer, ptrace.SpanKindConsumer:
		fields["Url"] = firstString(attrs, "url.full", "http.url", "http.target", "url.path")
		fields["ResponseCode"] = firstString(attrs, "http.response.status_code", "http.status_code", "rpc.grpc.status_code")
		return models.NewDocument(models.TelemetryTypeRequest, start, fields)

	case ptrace.SpanKindClient, ptrace.SpanKindProducer:
		fields["Target"] = firstString(attrs, "server.address", "net.peer.name", "peer.service", "messaging.destination.name")
		fields["Type"] = dependencyType(attrs)
		fields["Data"] = firstString(attrs, "db.statement", "db.query.text", "url.full", "http.url")
		fields["ResultCode"] = firstString(attrs, "http.response.status_code", "http.status_code", "rpc.grpc.status_code")
		return models.NewDocument(models.TelemetryTypeDependency, start, fields)

	default:
		return nil
	}
}

func dependencyType(attrs pcommon.Map) string {
	if v := firstString(attrs, "db.system", "rpc.system", "messaging.system"); v != "" {
		return v
	}
	if firstString(attrs, "http.request.method", "http.method") != "" {
		return "HTTP"
	}
	return ""
}

func exceptionDocuments(span ptrace.Span, resourceAttrs pcommon.Map) []*models.Document {
	var result []*models.Document

	events := span.Events()
	for i := 0; i < events.Len(); i++ {
		event := events.At(i)
		if event.Name() != "exception" {
			continue
		}
		attrs := event.Attributes()
		fields := dimensions(resourceAttrs, span.Attributes())
		fields["Exception"] = firstString(attrs, "exception.type")
		fields["Message"] = firstString(attrs, "exception.message")
		result = append(result, models.NewDocument(models.TelemetryTypeException, event.Timestamp().AsTime(), fields))
	}

	return result
}

func (r *OTLPReceiver) metricDocuments(md pmetric.Metrics, now time.Time) []*models.Document {
	var result []*models.Document

	resourceMetrics := md.ResourceMetrics()
	for i := 0; i < resourceMetrics.Len(); i++ {
		rm := resourceMetrics.At(i)
		resourceAttrs := rm.Resource().Attributes()

		scopeMetrics := rm.ScopeMetrics()
		for j := 0; j < scopeMetrics.Len(); j++ {
			metrics := scopeMetrics.At(j).Metrics()
			for k := 0; k < metrics.Len(); k++ {
				metric := metrics.At(k)

				switch metric.Type() {
				case pmetric.MetricTypeGauge:
					result = append(result, r.numberDocuments(metric.Name(), metric.Gauge().DataPoints(), resourceAttrs, false, false, now)...)
				case pmetric.MetricTypeSum:
					sum := metric.Sum()
					cumulative := sum.AggregationTemporality() == pmetric.AggregationTemporalityCumulative
					result = append(result, r.numberDocuments(metric.Name(), sum.DataPoints(), resourceAttrs, cumulative, sum.IsMonotonic(), now)...)
				default:
					r.logger.Debug("Skipping unsupported metric type",
						zap.String("metric", metric.Name()),
						zap.String("type", metric.Type().String()))
				}
			}
		}
	}

	return result
}

func (r *OTLPReceiver) numberDocuments(name string, points pmetric.NumberDataPointSlice, resourceAttrs pcommon.Map, cumulative, monotonic bool, now time.Time) []*models.Document {
	result := make([]*models.Document, 0, points.Len())

	for i := 0; i < points.Len(); i++ {
		dp := points.At(i)

		var value float64
		switch dp.ValueType() {
		case pmetric.NumberDataPointValueTypeInt:
			value = float64(dp.IntValue())
		case pmetric.NumberDataPointValueTypeDouble:
			value = dp.DoubleValue()
		default:
			continue
		}

		ts := dp.Timestamp().AsTime()
		if cumulative {
			series := converter.SeriesHash(name, mergeAttributes(resourceAttrs, dp.Attributes()))
			delta, ok := r.deltas.Delta(series, value, monotonic, ts, now)
			if !ok {
				continue
			}
			value = delta
		}

		fields := dimensions(resourceAttrs, dp.Attributes())
		fields["Name"] = name
		fields["Value"] = value
		result = append(result, models.NewDocument(models.TelemetryTypeMetric, ts, fields))
	}

	return result
}

func logDocuments(ld plog.Logs) []*models.Document {
	var result []*models.Document

	resourceLogs := ld.ResourceLogs()
	for i := 0; i < resourceLogs.Len(); i++ {
		rl := resourceLogs.At(i)
		resourceAttrs := rl.Resource().Attributes()

		scopeLogs := rl.ScopeLogs()
		for j := 0; j < scopeLogs.Len(); j++ {
			records := scopeLogs.At(j).LogRecords()
			for k := 0; k < records.Len(); k++ {
				lr := records.At(k)

				ts := lr.Timestamp().AsTime()
				if lr.Timestamp() == 0 {
					ts = lr.ObservedTimestamp().AsTime()
				}

				severity := lr.SeverityText()
				if severity == "" && lr.SeverityNumber() != plog.SeverityNumberUnspecified {
					severity = lr.SeverityNumber().String()
				}

				fields := dimensions(resourceAttrs, lr.Attributes())
				fields["Message"] = lr.Body().AsString()
				fields["SeverityLevel"] = severity
				result = append(result, models.NewDocument(models.TelemetryTypeTrace, ts, fields))
			}
		}
	}

	return result
}

// dimensions copies attributes into custom dimension fields. Item attributes
// override resource attributes with the same key.
func dimensions(resourceAttrs, attrs pcommon.Map) map[string]any {
	merged := mergeAttributes(resourceAttrs, attrs)
	fields := make(map[string]any, len(merged)+6)
	for k, v := range merged {
		fields[models.CustomDimensionsPrefix+k] = v
	}
	return fields
}

func mergeAttributes(resourceAttrs, attrs pcommon.Map) map[string]string {
	result := make(map[string]string, resourceAttrs.Len()+attrs.Len())

	resourceAttrs.Range(func(k string, v pcommon.Value) bool {
		result[k] = v.AsString()
		return true
	})
	attrs.Range(func(k string, v pcommon.Value) bool {
		result[k] = v.AsString()
		return true
	})

	return result
}

func firstString(attrs pcommon.Map, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs.Get(k); ok {
			return v.AsString()
		}
	}
	return ""
}
