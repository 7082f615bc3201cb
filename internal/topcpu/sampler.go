package topcpu

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kloudmate/live-metrics-agent/internal/models"
	"github.com/kloudmate/live-metrics-agent/internal/telemetry"
)

// AccessDeniedRetryInterval is how long the sampler stays quiet after the
// provider reports a permission failure.
const AccessDeniedRetryInterval = time.Minute

var ErrAccessDenied = errors.New("access to process information denied")

// Provider enumerates live processes. The optional total duration is the
// system-wide processor time across all cores, when the platform has one.
type Provider interface {
	Initialize() error
	Processes(ctx context.Context) ([]models.ProcessObservation, *time.Duration, error)
	Close() error
}

type Option func(*Sampler)

func WithClock(c clock.Clock) Option {
	return func(s *Sampler) { s.clock = c }
}

func WithNumCPU(n int) Option {
	return func(s *Sampler) { s.numCPU = n }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Sampler) { s.metrics = m }
}

// Sampler ranks processes by CPU usage since its previous scan. It is
// meant to be driven by a single goroutine and holds no locks.
type Sampler struct {
	logger   *zap.Logger
	provider Provider
	clock    clock.Clock
	metrics  *telemetry.Metrics
	numCPU   int

	previous      map[string]time.Duration
	lastScan      time.Time
	lastTotalTime *time.Duration

	initialized          bool
	initializationFailed bool
	accessDenied         bool
	retryAt              time.Time
}

func NewSampler(provider Provider, logger *zap.Logger, opts ...Option) *Sampler {
	s := &Sampler{
		logger:   logger,
		provider: provider,
		clock:    clock.New(),
		numCPU:   runtime.NumCPU(),
		previous: make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.numCPU < 1 {
		s.numCPU = 1
	}
	return s
}

// Initialize opens the provider. A failure disables the sampler for good.
func (s *Sampler) Initialize() {
	if s.initialized || s.initializationFailed {
		return
	}
	if err := s.provider.Initialize(); err != nil {
		s.initializationFailed = true
		s.accessDenied = errors.Is(err, ErrAccessDenied) || errors.Is(err, os.ErrPermission)
		s.countFailure("initialization")
		s.logger.Warn("Top CPU sampling disabled", zap.Error(err))
		return
	}
	s.initialized = true
}

func (s *Sampler) AccessDenied() bool {
	return s.accessDenied
}

func (s *Sampler) InitializationFailed() bool {
	return s.initializationFailed
}

// TopProcesses returns up to n processes ordered by CPU percentage, highest
// first. Processes seen for the first time are not ranked.
func (s *Sampler) TopProcesses(ctx context.Context, n int) []models.ProcessCPU {
	if n <= 0 || s.initializationFailed || !s.initialized {
		return nil
	}

	now := s.clock.Now()
	if s.accessDenied {
		if now.Before(s.retryAt) {
			return nil
		}
		s.accessDenied = false
	}

	observations, totalTime, err := s.provider.Processes(ctx)
	if err != nil {
		if errors.Is(err, ErrAccessDenied) || errors.Is(err, os.ErrPermission) {
			s.accessDenied = true
			s.retryAt = now.Add(AccessDeniedRetryInterval)
			s.countFailure("access_denied")
			s.logger.Warn("Process scan denied, retrying later",
				zap.Time("retry_at", s.retryAt),
				zap.Error(err))
			return nil
		}
		s.countFailure("transient")
		s.logger.Debug("Process scan failed", zap.Error(err))
		return nil
	}

	current := make(map[string]time.Duration, len(observations))
	order := make([]string, 0, len(observations))
	for _, o := range observations {
		if _, ok := current[o.Name]; !ok {
			order = append(order, o.Name)
		}
		current[o.Name] += o.TotalProcessorTime
	}

	elapsed := s.elapsed(now, totalTime)

	type usage struct {
		name    string
		percent float64
	}
	usages := make([]usage, 0, len(order))
	if elapsed > 0 {
		for _, name := range order {
			prev, ok := s.previous[name]
			if !ok {
				continue
			}
			delta := current[name] - prev
			if delta < 0 {
				delta = 0
			}
			usages = append(usages, usage{name: name, percent: float64(delta) * 100 / float64(elapsed)})
		}
	}

	s.previous = current
	s.lastScan = now
	s.lastTotalTime = totalTime

	// Rank on the exact usage; percentages are truncated only for reporting.
	sort.SliceStable(usages, func(i, j int) bool {
		return usages[i].percent > usages[j].percent
	})
	if len(usages) > n {
		usages = usages[:n]
	}

	ranked := make([]models.ProcessCPU, 0, len(usages))
	for _, u := range usages {
		ranked = append(ranked, models.ProcessCPU{Name: u.name, CPUPercent: int(u.percent)})
	}
	return ranked
}

// elapsed is the processor time available since the previous scan: the
// total-time delta if both scans had one, otherwise wall time times cores.
func (s *Sampler) elapsed(now time.Time, totalTime *time.Duration) time.Duration {
	if s.lastScan.IsZero() {
		return 0
	}
	if totalTime != nil && s.lastTotalTime != nil {
		return *totalTime - *s.lastTotalTime
	}
	return now.Sub(s.lastScan) * time.Duration(s.numCPU)
}

func (s *Sampler) Close() error {
	if !s.initialized {
		return nil
	}
	s.initialized = false
	s.previous = make(map[string]time.Duration)
	s.lastScan = time.Time{}
	s.lastTotalTime = nil
	return s.provider.Close()
}

func (s *Sampler) countFailure(reason string) {
	if s.metrics != nil {
		s.metrics.TopCPUScanFailures.WithLabelValues(reason).Inc()
	}
}
