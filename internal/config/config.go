package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent struct {
		InstrumentationKey string        `yaml:"instrumentation_key"`
		Endpoint           string        `yaml:"endpoint"`
		Instance           string        `yaml:"instance"`
		PingInterval       time.Duration `yaml:"ping_interval"`
		CollectionInterval time.Duration `yaml:"collection_interval"`
		MaxBackoff         time.Duration `yaml:"max_backoff"`
		RequestTimeout     time.Duration `yaml:"request_timeout"`
		ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
		// TopCPUProcesses is how many processes each submit reports; 0
		// disables sampling. Unset means the default.
		TopCPUProcesses *int `yaml:"top_cpu_processes"`
	} `yaml:"agent"`

	Correlation struct {
		TTL           time.Duration `yaml:"ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"correlation"`

	Receiver struct {
		OTLP struct {
			Address        string        `yaml:"address"`
			MaxMessageSize int           `yaml:"max_message_size"`
			SeriesTTL      time.Duration `yaml:"series_ttl"`
		} `yaml:"otlp"`
	} `yaml:"receiver"`

	ClickHouse struct {
		Enabled       bool          `yaml:"enabled"`
		Addresses     []string      `yaml:"addresses"`
		Database      string        `yaml:"database"`
		Username      string        `yaml:"username"`
		Password      string        `yaml:"password"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		MaxIdleConns  int           `yaml:"max_idle_conns"`
		MaxOpenConns  int           `yaml:"max_open_conns"`
	} `yaml:"clickhouse"`

	Metrics struct {
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Agent.PingInterval == 0 {
		cfg.Agent.PingInterval = 5 * time.Second
	}

	if cfg.Agent.CollectionInterval == 0 {
		cfg.Agent.CollectionInterval = time.Second
	}

	if cfg.Agent.MaxBackoff == 0 {
		cfg.Agent.MaxBackoff = time.Minute
	}

	if cfg.Agent.RequestTimeout == 0 {
		cfg.Agent.RequestTimeout = 5 * time.Second
	}

	if cfg.Agent.ShutdownTimeout == 0 {
		cfg.Agent.ShutdownTimeout = 5 * time.Second
	}

	if cfg.Agent.TopCPUProcesses == nil {
		topCPU := 5
		cfg.Agent.TopCPUProcesses = &topCPU
	}

	if cfg.Correlation.TTL == 0 {
		cfg.Correlation.TTL = 2 * time.Minute
	}

	if cfg.Correlation.SweepInterval == 0 {
		cfg.Correlation.SweepInterval = 30 * time.Second
	}

	if cfg.Receiver.OTLP.Address == "" {
		cfg.Receiver.OTLP.Address = ":4317"
	}

	if cfg.Receiver.OTLP.MaxMessageSize == 0 {
		cfg.Receiver.OTLP.MaxMessageSize = 16 * 1024 * 1024
	}

	if cfg.Receiver.OTLP.SeriesTTL == 0 {
		cfg.Receiver.OTLP.SeriesTTL = 10 * time.Minute
	}

	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "default"
	}

	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 1000
	}

	if cfg.ClickHouse.FlushInterval == 0 {
		cfg.ClickHouse.FlushInterval = 10 * time.Second
	}

	if cfg.ClickHouse.MaxIdleConns == 0 {
		cfg.ClickHouse.MaxIdleConns = 5
	}

	if cfg.ClickHouse.MaxOpenConns == 0 {
		cfg.ClickHouse.MaxOpenConns = 10
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9464"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error

	if c.Agent.InstrumentationKey == "" {
		err = multierr.Append(err, errors.New("agent.instrumentation_key is required"))
	}

	if u, perr := url.Parse(c.Agent.Endpoint); perr != nil || u.Scheme == "" || u.Host == "" {
		err = multierr.Append(err, fmt.Errorf("agent.endpoint %q must be an absolute URL", c.Agent.Endpoint))
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"agent.ping_interval", c.Agent.PingInterval},
		{"agent.collection_interval", c.Agent.CollectionInterval},
		{"agent.request_timeout", c.Agent.RequestTimeout},
		{"correlation.ttl", c.Correlation.TTL},
		{"correlation.sweep_interval", c.Correlation.SweepInterval},
	} {
		if d.value < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", d.name))
		}
	}

	if c.Agent.MaxBackoff < c.Agent.PingInterval {
		err = multierr.Append(err, fmt.Errorf("agent.max_backoff %s is shorter than agent.ping_interval %s",
			c.Agent.MaxBackoff, c.Agent.PingInterval))
	}

	if c.Agent.TopCPUProcesses != nil && *c.Agent.TopCPUProcesses < 0 {
		err = multierr.Append(err, errors.New("agent.top_cpu_processes must not be negative"))
	}

	if c.ClickHouse.Enabled && len(c.ClickHouse.Addresses) == 0 {
		err = multierr.Append(err, errors.New("clickhouse.addresses is required when clickhouse is enabled"))
	}

	return err
}
