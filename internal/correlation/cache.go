package correlation

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/kloudmate/live-metrics-agent/internal/telemetry"
)

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Cache holds in-flight operations keyed by a caller-chosen id. Each entry
// can be taken at most once. Entries that are never taken expire after TTL
// and are reclaimed by the background sweep.
type Cache[T any] struct {
	logger  *zap.Logger
	metrics *telemetry.Metrics
	config  *Config

	// mu makes Take an atomic get-and-delete.
	mu    sync.Mutex
	items *gocache.Cache

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	once    sync.Once
}

func NewCache[T any](cfg *Config, metrics *telemetry.Metrics, logger *zap.Logger) *Cache[T] {
	return &Cache[T]{
		logger:  logger,
		metrics: metrics,
		config:  cfg,
		// go-cache's own janitor is disabled; Start runs the sweep so Stop
		// can wait for it.
		items:  gocache.New(cfg.TTL, 0),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Put stores value under id. An id that is still live is overwritten and the
// previous value is lost.
func (c *Cache[T]) Put(id string, value T) {
	c.mu.Lock()
	_, existed := c.items.Get(id)
	c.items.SetDefault(id, value)
	n := c.items.ItemCount()
	c.mu.Unlock()

	if existed {
		c.logger.Warn("Operation begun twice, keeping the latest", zap.String("id", id))
		if c.metrics != nil {
			c.metrics.CorrelationDuplicates.Inc()
		}
	}
	c.setEntries(n)
}

// Take removes and returns the value for id. Expired entries are absent.
func (c *Cache[T]) Take(id string) (T, bool) {
	var zero T

	c.mu.Lock()
	v, ok := c.items.Get(id)
	c.items.Delete(id)
	n := c.items.ItemCount()
	c.mu.Unlock()

	c.setEntries(n)
	if !ok {
		c.logger.Debug("No live operation for id", zap.String("id", id))
		if c.metrics != nil {
			c.metrics.CorrelationMisses.Inc()
		}
		return zero, false
	}
	value, ok := v.(T)
	if !ok {
		return zero, false
	}
	return value, true
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache[T]) Len() int {
	return c.items.ItemCount()
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	c.mu.Lock()
	before := c.items.ItemCount()
	c.items.DeleteExpired()
	after := c.items.ItemCount()
	c.mu.Unlock()

	evicted := before - after
	if evicted > 0 {
		c.logger.Debug("Evicted expired operations", zap.Int("count", evicted))
		if c.metrics != nil {
			c.metrics.CorrelationEvictions.Add(float64(evicted))
		}
	}
	c.setEntries(after)
	return evicted
}

func (c *Cache[T]) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.sweepLoop()
}

// Stop ends the sweep and waits for a running sweep to finish.
func (c *Cache[T]) Stop() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	c.once.Do(func() {
		close(c.stopCh)
	})
	if started {
		<-c.doneCh
	}
}

func (c *Cache[T]) sweepLoop() {
	defer close(c.doneCh)

	interval := c.config.SweepInterval
	if interval <= 0 {
		interval = c.config.TTL
	}
	if interval <= 0 {
		<-c.stopCh
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache[T]) setEntries(n int) {
	if c.metrics != nil {
		c.metrics.CorrelationEntries.Set(float64(n))
	}
}
