package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kloudmate/live-metrics-agent/internal/collection"
	"github.com/kloudmate/live-metrics-agent/internal/models"
	"github.com/kloudmate/live-metrics-agent/internal/telemetry"
	"github.com/kloudmate/live-metrics-agent/internal/transport"
)

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateCollecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateCollecting:
		return "collecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	InstrumentationKey string
	PingInterval       time.Duration
	CollectionInterval time.Duration
	MaxBackoff         time.Duration
	TopCPUProcesses    int
	ShutdownTimeout    time.Duration
}

// SampleSink receives every flushed batch alongside the collector.
type SampleSink interface {
	Write(ctx context.Context, version string, samples []models.Sample) error
}

// CPUSampler ranks the busiest processes. It is only called from the
// collection loop.
type CPUSampler interface {
	Initialize()
	TopProcesses(ctx context.Context, n int) []models.ProcessCPU
	Close() error
}

type Option func(*LiveMetrics)

func WithClock(c clock.Clock) Option {
	return func(p *LiveMetrics) { p.clock = c }
}

func WithSampler(s CPUSampler) Option {
	return func(p *LiveMetrics) { p.sampler = s }
}

func WithSampleSink(s SampleSink) Option {
	return func(p *LiveMetrics) { p.sink = s }
}

// LiveMetrics drives the exchange with the collector. While the collector is
// interested it aggregates recorded documents and submits one batch per
// collection interval; otherwise it only pings.
type LiveMetrics struct {
	logger  *zap.Logger
	config  *Config
	client  transport.ServiceClient
	store   *collection.Store
	metrics *telemetry.Metrics
	clock   clock.Clock
	sampler CPUSampler
	sink    SampleSink

	state   *atomic.Int32
	current *atomic.Pointer[collection.Accumulator]
	backoff *backoff.ExponentialBackOff

	startOnce sync.Once
	stopOnce  sync.Once
	started   *atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewLiveMetrics(cfg *Config, client transport.ServiceClient, store *collection.Store, metrics *telemetry.Metrics, logger *zap.Logger, opts ...Option) *LiveMetrics {
	p := &LiveMetrics{
		logger:  logger,
		config:  cfg,
		client:  client,
		store:   store,
		metrics: metrics,
		clock:   clock.New(),
		state:   atomic.NewInt32(int32(StateIdle)),
		current: atomic.NewPointer[collection.Accumulator](nil),
		started: atomic.NewBool(false),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.backoff = backoff.NewExponentialBackOff()
	p.backoff.InitialInterval = cfg.PingInterval
	p.backoff.MaxInterval = cfg.MaxBackoff
	p.backoff.MaxElapsedTime = 0
	p.backoff.Clock = p.clock
	p.backoff.Reset()

	return p
}

func (p *LiveMetrics) State() State {
	return State(p.state.Load())
}

// Record feeds a document into the current collection interval. Documents
// arriving while nothing is being collected are dropped.
func (p *LiveMetrics) Record(doc *models.Document) {
	for {
		acc := p.current.Load()
		if acc == nil {
			p.metrics.DocumentsIgnored.Inc()
			return
		}
		if acc.Record(doc) {
			p.metrics.DocumentsRecorded.Inc()
			return
		}
		// acc was flushed after we loaded it; its successor is already
		// installed.
	}
}

// Start begins polling the collector in the background.
func (p *LiveMetrics) Start() {
	p.startOnce.Do(func() {
		p.begin()
		p.started.Store(true)
		go p.run()
	})
}

func (p *LiveMetrics) begin() {
	if p.sampler != nil {
		p.sampler.Initialize()
	}
	p.setState(StatePolling)
	p.logger.Info("Live metrics started",
		zap.Duration("ping_interval", p.config.PingInterval),
		zap.Duration("collection_interval", p.config.CollectionInterval))
}

func (p *LiveMetrics) run() {
	defer close(p.doneCh)

	// In-flight calls are bounded by the transport timeout, not by Stop.
	ctx := context.Background()

	timer := p.clock.Timer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			timer.Reset(p.tick(ctx))
		case <-p.stopCh:
			return
		}
	}
}

// tick performs one exchange with the collector and returns the delay until
// the next one.
func (p *LiveMetrics) tick(ctx context.Context) time.Duration {
	if p.State() == StateCollecting {
		return p.collect(ctx)
	}
	return p.ping(ctx)
}

func (p *LiveMetrics) ping(ctx context.Context) time.Duration {
	resp := p.client.Ping(ctx, transport.PingRequest{
		InstrumentationKey: p.config.InstrumentationKey,
		Timestamp:          p.clock.Now(),
		ConfigurationETag:  p.store.Version(),
	})
	p.applyConfiguration(resp.Configuration)
	return p.transition(resp.Outcome)
}

func (p *LiveMetrics) collect(ctx context.Context) time.Duration {
	now := p.clock.Now()
	samples, cfg := p.rotate(now)

	var top []models.ProcessCPU
	if p.sampler != nil && p.config.TopCPUProcesses > 0 {
		top = p.sampler.TopProcesses(ctx, p.config.TopCPUProcesses)
	}

	resp := p.submit(ctx, now, cfg, samples, top)
	p.applyConfiguration(resp.Configuration)
	return p.transition(resp.Outcome)
}

// rotate installs a fresh accumulator for the active configuration and
// flushes the one it replaces. The returned configuration is the one the
// flushed samples were collected under.
func (p *LiveMetrics) rotate(now time.Time) ([]models.Sample, *collection.Configuration) {
	active := p.store.Load()
	previous := p.current.Swap(collection.NewAccumulator(active))
	if previous == nil {
		return nil, active
	}
	return previous.FlushAll(now), previous.Configuration()
}

func (p *LiveMetrics) submit(ctx context.Context, now time.Time, cfg *collection.Configuration, samples []models.Sample, top []models.ProcessCPU) transport.Response {

	if p.sink != nil && len(samples) > 0 {
		if err := p.sink.Write(ctx, cfg.Version(), samples); err != nil {
			p.logger.Warn("Failed to mirror samples", zap.Error(err))
		}
	}

	resp := p.client.Submit(ctx, transport.SubmitRequest{
		InstrumentationKey: p.config.InstrumentationKey,
		Timestamp:          now,
		ConfigurationETag:  cfg.Version(),
		Samples:            samples,
		TopCPUProcesses:    top,
		Errors:             cfg.Errors(),
	})

	if resp.Outcome == models.OutcomeUnknown {
		p.metrics.SamplesDropped.Add(float64(len(samples)))
	} else {
		p.metrics.SamplesSubmitted.Add(float64(len(samples)))
	}
	return resp
}

func (p *LiveMetrics) applyConfiguration(info *models.ConfigurationInfo) {
	if !p.store.Swap(info) {
		return
	}
	cfg := p.store.Load()
	p.metrics.ConfigurationSwaps.Inc()
	p.metrics.ConfigurationErrors.Set(float64(len(cfg.Errors())))
	// The interval in progress finishes under the configuration it started
	// with; the next rotation picks up this one.
}

func (p *LiveMetrics) transition(outcome models.Outcome) time.Duration {
	switch outcome {
	case models.OutcomeExpected:
		p.backoff.Reset()
		if p.setState(StateCollecting) != StateCollecting {
			p.current.Store(collection.NewAccumulator(p.store.Load()))
		}
		return p.config.CollectionInterval

	case models.OutcomeNotExpected:
		p.backoff.Reset()
		if p.setState(StateIdle) == StateCollecting {
			if previous := p.current.Swap(nil); previous != nil {
				previous.FlushAll(p.clock.Now())
			}
		}
		return p.config.PingInterval

	default:
		return p.nextBackoff()
	}
}

func (p *LiveMetrics) nextBackoff() time.Duration {
	d := p.backoff.NextBackOff()
	if d == backoff.Stop || d > p.config.MaxBackoff {
		d = p.config.MaxBackoff
	}
	p.logger.Debug("Collector state unknown, backing off", zap.Duration("delay", d))
	return d
}

// setState returns the previous state.
func (p *LiveMetrics) setState(s State) State {
	previous := State(p.state.Swap(int32(s)))
	if previous != s {
		p.metrics.CollectorState.Set(float64(s))
		p.logger.Info("Live metrics state changed",
			zap.Stringer("from", previous),
			zap.Stringer("to", s))
	}
	return previous
}

// Stop halts the loop after its current exchange, submits whatever was
// collected so far once, and closes the sampler.
func (p *LiveMetrics) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.started.Load() {
			<-p.doneCh
		}

		if previous := p.current.Swap(nil); previous != nil {
			now := p.clock.Now()
			if samples := previous.FlushAll(now); len(samples) > 0 {
				if p.config.ShutdownTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, p.config.ShutdownTimeout)
					defer cancel()
				}
				resp := p.submit(ctx, now, previous.Configuration(), samples, nil)
				p.logger.Info("Submitted final samples",
					zap.Int("count", len(samples)),
					zap.Stringer("outcome", resp.Outcome))
			}
		}
		p.setState(StateIdle)

		if p.sampler != nil {
			if cerr := p.sampler.Close(); cerr != nil {
				err = fmt.Errorf("failed to close cpu sampler: %w", cerr)
			}
		}
	})
	return err
}
