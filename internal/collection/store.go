package collection

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kloudmate/live-metrics-agent/internal/models"
)

// Store holds the active configuration. Readers always observe a complete
// configuration; writers replace it with a single pointer swap.
type Store struct {
	logger  *zap.Logger
	current *atomic.Pointer[Configuration]
	swaps   *atomic.Uint64
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:  logger,
		current: atomic.NewPointer(Empty()),
		swaps:   atomic.NewUint64(0),
	}
}

func (s *Store) Load() *Configuration {
	return s.current.Load()
}

func (s *Store) Version() string {
	return s.current.Load().Version()
}

// Swap compiles info and makes it active unless its version tag matches the
// active one. It reports whether a swap happened.
func (s *Store) Swap(info *models.ConfigurationInfo) bool {
	if info == nil || info.ETag == s.Version() {
		return false
	}

	cfg, errs := Compile(info)
	previous := s.current.Swap(cfg)
	s.swaps.Inc()

	fields := []zap.Field{
		zap.String("previous_version", previous.Version()),
		zap.String("version", cfg.Version()),
		zap.Int("metrics", len(cfg.Metrics())),
		zap.Int("errors", len(errs)),
	}
	if len(errs) > 0 {
		s.logger.Warn("Collection configuration compiled with errors", append(fields, zap.Error(cfg.Err()))...)
	} else {
		s.logger.Info("Collection configuration updated", fields...)
	}

	return true
}

// Swaps returns how many configurations have been activated.
func (s *Store) Swaps() uint64 {
	return s.swaps.Load()
}
