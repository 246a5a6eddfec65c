package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/lapitskiy/sonya-front/internal/config"
	"github.com/lapitskiy/sonya-front/internal/loop"
	"github.com/lapitskiy/sonya-front/internal/metrics"
	"github.com/lapitskiy/sonya-front/internal/output"
	"github.com/lapitskiy/sonya-front/internal/server"
	"github.com/lapitskiy/sonya-front/internal/session"
	"github.com/lapitskiy/sonya-front/internal/transport"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "sonya-watchd"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("link", cfg.Link.Type),
		slog.Int("window_bytes", cfg.Session.WindowBytes),
		slog.Int("stall_timeout_ms", cfg.Session.StallTimeoutMs),
		slog.String("crc_policy", cfg.Session.CRCPolicy),
		slog.Int("queue_capacity", cfg.Queue.Capacity),
		slog.Bool("output_enabled", cfg.Output.Enabled),
		slog.String("output_directory", cfg.Output.Directory),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	sessCfg, err := sessionConfig(cfg)
	if err != nil {
		return err
	}

	// Prometheus metrics on a dedicated registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)

	sched := loop.New(logger.With(slog.String("component", "loop")), 1024)

	link, err := newLink(cfg.Link, logger.With(slog.String("component", "link")))
	if err != nil {
		return err
	}

	queue := transport.NewWriteQueue(link, sched, transport.QueueConfig{
		Capacity:         cfg.Queue.Capacity,
		RetryDelay:       cfg.Queue.GetRetryDelay(),
		Lease:            cfg.Queue.GetLease(),
		StatsLogInterval: cfg.Queue.GetStatsLogInterval(),
	}, logger.With(slog.String("component", "queue")), appMetrics)

	var sink *output.WAVSink
	var consumer session.Consumer = session.ConsumerFunc(func(rec *session.Recording) {
		logger.Info("Recording received, output disabled", slog.String("id", rec.ID.String()))
	})
	if cfg.Output.Enabled {
		sink = output.NewWAVSink(output.SinkConfig{
			Directory:      cfg.Output.Directory,
			FilenamePrefix: cfg.Output.FilenamePrefix,
			SilenceMaxAbs:  cfg.Output.SilenceMaxAbs,
			QueueSize:      cfg.Output.QueueSize,
		}, logger.With(slog.String("component", "output")), appMetrics)
		consumer = sink
	}

	machine := session.NewMachine(sessCfg, sched, queue, consumer,
		logger.With(slog.String("component", "session")), appMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Setup signal handling for graceful shutdown
	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session loop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := link.Run(ctx, transport.OnLoop(sched, machine)); err != nil {
			return fmt.Errorf("%s link: %w", cfg.Link.Type, err)
		}
		return nil
	})

	if sink != nil {
		g.Go(func() error { return sink.Run(ctx) })
	}

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg.HTTP, logger.With(slog.String("component", "http")), cfg,
			server.Deps{
				Session:  machine,
				Queue:    queue,
				Link:     link,
				Sink:     sink,
				Gatherer: reg,
			}, appMetrics)
		g.Go(func() error { return httpServer.Run(ctx) })
	}

	logger.Info("Service started successfully, waiting for the watch...")

	err = g.Wait()

	snap := machine.Snapshot()
	qs := queue.Stats()
	logger.Info("Final statistics",
		slog.Uint64("recordings_completed", snap.Completed),
		slog.Uint64("recordings_aborted", snap.Aborted),
		slog.Uint64("decoder_resets", snap.DecoderResets),
		slog.Uint64("commands_sent", qs.Sent),
		slog.Uint64("queue_overflows", qs.Overflows),
	)
	return err
}

// newLink builds the configured watch link
func newLink(cfg config.LinkConfig, logger *slog.Logger) (transport.Link, error) {
	switch cfg.Type {
	case "udp":
		return transport.NewUDPLink(transport.UDPConfig{
			BindAddress: cfg.UDP.BindAddress,
			Port:        cfg.UDP.Port,
			BufferSize:  cfg.UDP.BufferSize,
			PeerTimeout: cfg.UDP.GetPeerTimeout(),
		}, logger), nil
	case "serial":
		return transport.NewSerialLink(transport.SerialConfig{
			Port:           cfg.Serial.Port,
			BaudRate:       cfg.Serial.BaudRate,
			ReconnectDelay: cfg.Serial.GetReconnectDelay(),
		}, logger, nil), nil
	default:
		return nil, fmt.Errorf("unknown link type %q", cfg.Type)
	}
}

// sessionConfig maps the YAML session section
func sessionConfig(cfg *config.Config) (session.Config, error) {
	policy, err := session.ParseCRCPolicy(cfg.Session.CRCPolicy)
	if err != nil {
		return session.Config{}, err
	}

	return session.Config{
		WindowBytes:      uint32(cfg.Session.WindowBytes),
		StallTimeout:     cfg.Session.GetStallTimeout(),
		StallThreshold:   cfg.Session.GetStallThreshold(),
		LiveGapMax:       uint32(cfg.Session.LiveGapMaxBytes),
		MaxTotalBytes:    uint32(cfg.Session.MaxTotalBytes),
		MaxStallRetries:  cfg.Session.MaxStallRetries,
		CRCPolicy:        policy,
		CRCMaxRepulls:    cfg.Session.CRCMaxRepulls,
		ThroughputReport: cfg.Session.GetThroughputReport(),
		MaxPayload:       cfg.Protocol.MaxPayloadLen,
		HistorySize:      cfg.Session.HistorySize,
	}, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
