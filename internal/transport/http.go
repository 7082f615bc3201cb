package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/kloudmate/live-metrics-agent/internal/models"
	"github.com/kloudmate/live-metrics-agent/internal/telemetry"
)

const (
	HeaderTransmissionTime  = "X-Live-Transmission-Time"
	HeaderConfigurationETag = "X-Live-Configuration-ETag"
	HeaderSubscribed        = "X-Live-Subscribed"
	HeaderInstanceName      = "X-Live-Instance-Name"

	pingPath   = "/ping"
	submitPath = "/post"

	maxResponseBytes = 4 << 20
)

type Config struct {
	Endpoint       string
	RequestTimeout time.Duration
	Instance       string
	AgentVersion   string
}

// HTTPClient implements ServiceClient over HTTP with gzip-compressed JSON
// bodies.
type HTTPClient struct {
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	client   *http.Client
	endpoint *url.URL
	timeout  time.Duration
	instance string
	version  string
}

func NewHTTPClient(cfg *Config, metrics *telemetry.Metrics, logger *zap.Logger) (*HTTPClient, error) {
	endpoint, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid collector endpoint: %w", err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("collector endpoint %q must be an absolute URL", cfg.Endpoint)
	}

	instance := cfg.Instance
	if instance == "" {
		instance, _ = os.Hostname()
	}

	return &HTTPClient{
		logger:   logger,
		metrics:  metrics,
		client:   &http.Client{},
		endpoint: endpoint,
		timeout:  cfg.RequestTimeout,
		instance: instance,
		version:  cfg.AgentVersion,
	}, nil
}

type monitoringPoint struct {
	Instance                      string                      `json:"Instance"`
	Version                       string                      `json:"Version"`
	Timestamp                     time.Time                   `json:"Timestamp"`
	Metrics                       []metricPoint               `json:"Metrics,omitempty"`
	TopCPUProcesses               []models.ProcessCPU         `json:"TopCpuProcesses,omitempty"`
	CollectionConfigurationErrors []models.ConfigurationError `json:"CollectionConfigurationErrors,omitempty"`
}

type metricPoint struct {
	Name   string  `json:"Name"`
	Value  float64 `json:"Value"`
	Weight uint64  `json:"Weight"`
}

func (c *HTTPClient) Ping(ctx context.Context, req PingRequest) Response {
	point := monitoringPoint{
		Instance:  c.instance,
		Version:   c.version,
		Timestamp: req.Timestamp.UTC(),
	}
	return c.exchange(ctx, "ping", pingPath, req.InstrumentationKey, req.Timestamp, req.ConfigurationETag, point)
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) Response {
	point := monitoringPoint{
		Instance:                      c.instance,
		Version:                       c.version,
		Timestamp:                     req.Timestamp.UTC(),
		Metrics:                       make([]metricPoint, 0, len(req.Samples)),
		TopCPUProcesses:               req.TopCPUProcesses,
		CollectionConfigurationErrors: req.Errors,
	}
	for _, s := range req.Samples {
		point.Metrics = append(point.Metrics, metricPoint{
			Name:   s.MetricID,
			Value:  s.Value,
			Weight: s.Count,
		})
	}
	return c.exchange(ctx, "submit", submitPath, req.InstrumentationKey, req.Timestamp, req.ConfigurationETag, []monitoringPoint{point})
}

func (c *HTTPClient) exchange(ctx context.Context, operation, path, ikey string, ts time.Time, etag string, payload any) Response {
	start := time.Now()
	resp, err := c.do(ctx, path, ikey, ts, etag, payload)
	c.metrics.TransportLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Warn("Collector exchange failed",
			zap.String("operation", operation),
			zap.Error(err))
		resp = Response{Outcome: models.OutcomeUnknown}
	}

	c.metrics.TransportRequests.WithLabelValues(operation, resp.Outcome.String()).Inc()
	return resp
}

func (c *HTTPClient) do(ctx context.Context, path, ikey string, ts time.Time, etag string, payload any) (Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := encodeBody(payload)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	u := *c.endpoint
	u.Path += path
	q := u.Query()
	q.Set("ikey", ikey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set(HeaderTransmissionTime, strconv.FormatInt(ts.UTC().UnixMilli(), 10))
	req.Header.Set(HeaderConfigurationETag, etag)
	req.Header.Set(HeaderInstanceName, c.instance)

	httpResp, err := c.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, maxResponseBytes))
		return Response{}, fmt.Errorf("unexpected status code %d", httpResp.StatusCode)
	}

	result := Response{Outcome: parseSubscribed(httpResp.Header.Get(HeaderSubscribed))}

	raw, err := readBody(httpResp)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	cfg, err := decodeConfiguration(raw, httpResp.Header.Get(HeaderConfigurationETag))
	if err != nil {
		return Response{}, err
	}
	if cfg != nil && cfg.ETag != etag {
		result.Configuration = cfg
	}

	return result, nil
}

func parseSubscribed(v string) models.Outcome {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return models.OutcomeUnknown
	}
	if b {
		return models.OutcomeExpected
	}
	return models.OutcomeNotExpected
}

func encodeBody(payload any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = io.LimitReader(resp.Body, maxResponseBytes)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	return io.ReadAll(r)
}

// decodeConfiguration returns nil when the collector sent no body. A
// configuration without a version tag is versioned by its content.
func decodeConfiguration(raw []byte, etag string) (*models.ConfigurationInfo, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	var info models.ConfigurationInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if etag != "" {
		info.ETag = etag
	}
	if info.ETag == "" {
		info.ETag = Fingerprint(raw)
	}
	return &info, nil
}

func Fingerprint(raw []byte) string {
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}
