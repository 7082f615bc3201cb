package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kloudmate/live-metrics-agent/internal/clickhouse"
	"github.com/kloudmate/live-metrics-agent/internal/collection"
	"github.com/kloudmate/live-metrics-agent/internal/config"
	"github.com/kloudmate/live-metrics-agent/internal/correlation"
	"github.com/kloudmate/live-metrics-agent/internal/processor"
	"github.com/kloudmate/live-metrics-agent/internal/receiver"
	"github.com/kloudmate/live-metrics-agent/internal/telemetry"
	"github.com/kloudmate/live-metrics-agent/internal/topcpu"
	"github.com/kloudmate/live-metrics-agent/internal/tracking"
	"github.com/kloudmate/live-metrics-agent/internal/transport"
)

var version = "dev"

func main() {
	configFile := pflag.StringP("config", "c", "config.yaml", "Path to configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Live metrics agent stopped with errors", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	metricsServer := telemetry.NewServer(cfg.Metrics.Address, registry, logger)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics endpoint: %w", err)
	}

	client, err := transport.NewHTTPClient(&transport.Config{
		Endpoint:       cfg.Agent.Endpoint,
		RequestTimeout: cfg.Agent.RequestTimeout,
		Instance:       cfg.Agent.Instance,
		AgentVersion:   version,
	}, metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create collector client: %w", err)
	}

	var opts []processor.Option
	if *cfg.Agent.TopCPUProcesses > 0 {
		sampler := topcpu.NewSampler(topcpu.NewGopsutilProvider(logger), logger, topcpu.WithMetrics(metrics))
		opts = append(opts, processor.WithSampler(sampler))
	}

	var chWriter *clickhouse.Writer
	if cfg.ClickHouse.Enabled {
		chWriter, err = clickhouse.NewWriter(&clickhouse.Config{
			Addresses:     cfg.ClickHouse.Addresses,
			Database:      cfg.ClickHouse.Database,
			Username:      cfg.ClickHouse.Username,
			Password:      cfg.ClickHouse.Password,
			Instance:      cfg.Agent.Instance,
			BatchSize:     cfg.ClickHouse.BatchSize,
			FlushInterval: cfg.ClickHouse.FlushInterval,
			MaxIdleConns:  cfg.ClickHouse.MaxIdleConns,
			MaxOpenConns:  cfg.ClickHouse.MaxOpenConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse writer: %w", err)
		}
		opts = append(opts, processor.WithSampleSink(chWriter))
	}

	liveMetrics := processor.NewLiveMetrics(&processor.Config{
		InstrumentationKey: cfg.Agent.InstrumentationKey,
		PingInterval:       cfg.Agent.PingInterval,
		CollectionInterval: cfg.Agent.CollectionInterval,
		MaxBackoff:         cfg.Agent.MaxBackoff,
		TopCPUProcesses:    *cfg.Agent.TopCPUProcesses,
		ShutdownTimeout:    cfg.Agent.ShutdownTimeout,
	}, client, collection.NewStore(logger), metrics, logger, opts...)

	tracker := tracking.NewTracker(&correlation.Config{
		TTL:           cfg.Correlation.TTL,
		SweepInterval: cfg.Correlation.SweepInterval,
	}, liveMetrics, metrics, logger)

	otlpReceiver := receiver.NewOTLPReceiver(&receiver.Config{
		Address:        cfg.Receiver.OTLP.Address,
		MaxMessageSize: cfg.Receiver.OTLP.MaxMessageSize,
		SeriesTTL:      cfg.Receiver.OTLP.SeriesTTL,
	}, liveMetrics, logger, receiver.WithTracker(tracker))

	receiverErr := make(chan error, 1)
	go func() {
		receiverErr <- otlpReceiver.Start(ctx)
	}()

	tracker.Start()
	liveMetrics.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Live metrics agent started successfully", zap.String("version", version))

	select {
	case <-sigChan:
	case rerr := <-receiverErr:
		err = multierr.Append(err, fmt.Errorf("OTLP receiver: %w", rerr))
	}
	logger.Info("Shutting down live metrics agent...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*cfg.Agent.ShutdownTimeout)
	defer shutdownCancel()

	cancel()
	err = multierr.Append(err, otlpReceiver.Stop())
	tracker.Stop()
	err = multierr.Append(err, liveMetrics.Stop(shutdownCtx))
	if chWriter != nil {
		err = multierr.Append(err, chWriter.Close())
	}
	err = multierr.Append(err, metricsServer.Stop(shutdownCtx))

	logger.Info("Live metrics agent shutdown complete")
	return err
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zapLevel
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapConfig.Build()
}
