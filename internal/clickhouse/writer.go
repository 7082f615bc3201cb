package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/kloudmate/live-metrics-agent/internal/models"
)

const createTable = `CREATE TABLE IF NOT EXISTS live_metrics_samples (
	instance           LowCardinality(String),
	configuration_etag LowCardinality(String),
	series_hash        UInt64,
	metric_id          String,
	aggregation        LowCardinality(String),
	timestamp          DateTime64(3),
	value              Float64,
	count              UInt64,
	sum                Float64,
	min                Float64,
	max                Float64
) ENGINE = MergeTree
ORDER BY (metric_id, series_hash, timestamp)
TTL toDateTime(timestamp) + INTERVAL 7 DAY`

const insertSamples = `INSERT INTO live_metrics_samples (
	instance,
	configuration_etag,
	series_hash,
	metric_id,
	aggregation,
	timestamp,
	value,
	count,
	sum,
	min,
	max
)`

type sampleRow struct {
	version string
	sample  models.Sample
}

// rowSender ships one batch of rows. It is the seam between buffering and
// the ClickHouse driver.
type rowSender interface {
	send(ctx context.Context, instance string, rows []sampleRow) error
	close() error
}

// Writer mirrors flushed samples into ClickHouse. Rows are buffered and
// sent when the batch is full, on every flush interval and on Close.
type Writer struct {
	sender        rowSender
	logger        *zap.Logger
	instance      string
	batchSize     int
	flushInterval time.Duration

	mu        sync.Mutex
	batch     []sampleRow
	lastFlush time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

type Config struct {
	Addresses     []string
	Database      string
	Username      string
	Password      string
	Instance      string
	BatchSize     int
	FlushInterval time.Duration
	MaxIdleConns  int
	MaxOpenConns  int
}

func NewWriter(cfg *Config, logger *zap.Logger) (*Writer, error) {
	options := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     time.Second * 10,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Hour,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTable); err != nil {
		return nil, fmt.Errorf("failed to create samples table: %w", err)
	}

	return newWriter(cfg, &driverSender{conn: conn}, logger), nil
}

func newWriter(cfg *Config, sender rowSender, logger *zap.Logger) *Writer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	w := &Writer{
		sender:        sender,
		logger:        logger,
		instance:      cfg.Instance,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		batch:         make([]sampleRow, 0, batchSize),
		lastFlush:     time.Now(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	go w.periodicFlush()

	return w
}

// Write buffers samples flushed under the given configuration version.
func (w *Writer) Write(ctx context.Context, version string, samples []models.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, s := range samples {
		w.batch = append(w.batch, sampleRow{version: version, sample: s})

		if len(w.batch) >= w.batchSize {
			if err := w.flushLocked(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

func (w *Writer) periodicFlush() {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	defer close(w.doneCh)

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if time.Since(w.lastFlush) >= w.flushInterval && len(w.batch) > 0 {
				if err := w.flushLocked(context.Background()); err != nil {
					w.logger.Error("periodic flush failed", zap.Error(err))
				}
			}
			w.mu.Unlock()

		case <-w.stopCh:
			w.mu.Lock()
			if len(w.batch) > 0 {
				if err := w.flushLocked(context.Background()); err != nil {
					w.logger.Error("final flush failed", zap.Error(err))
				}
			}
			w.mu.Unlock()
			return
		}
	}
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}

	rows := w.batch
	w.batch = make([]sampleRow, 0, w.batchSize)
	w.lastFlush = time.Now()

	// A failed batch is dropped; the mirror is best effort.
	if err := w.sender.send(ctx, w.instance, rows); err != nil {
		return fmt.Errorf("failed to send %d samples: %w", len(rows), err)
	}

	w.logger.Debug("flushed samples batch", zap.Int("batch_size", len(rows)))
	return nil
}

func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *Writer) Close() error {
	close(w.stopCh)
	<-w.doneCh
	return w.sender.close()
}

// SeriesHash identifies the series of one metric on one instance.
func SeriesHash(instance, metricID string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(instance)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(metricID)
	return h.Sum64()
}

type driverSender struct {
	conn driver.Conn
}

func (d *driverSender) send(ctx context.Context, instance string, rows []sampleRow) error {
	batch, err := d.conn.PrepareBatch(ctx, insertSamples)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range rows {
		s := r.sample
		err := batch.Append(
			instance,
			r.version,
			SeriesHash(instance, s.MetricID),
			s.MetricID,
			s.Aggregation.String(),
			s.Timestamp,
			s.Value,
			s.Count,
			s.Sum,
			s.Min,
			s.Max,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append sample to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (d *driverSender) close() error {
	return d.conn.Close()
}
