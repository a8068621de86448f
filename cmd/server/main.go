package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/audio"
	"github.com/skypro1111/convo-memory-service/internal/config"
	"github.com/skypro1111/convo-memory-service/internal/diff"
	"github.com/skypro1111/convo-memory-service/internal/engine"
	"github.com/skypro1111/convo-memory-service/internal/metrics"
	"github.com/skypro1111/convo-memory-service/internal/queue"
	"github.com/skypro1111/convo-memory-service/internal/segment"
	"github.com/skypro1111/convo-memory-service/internal/server"
	"github.com/skypro1111/convo-memory-service/internal/store"
	"github.com/skypro1111/convo-memory-service/internal/supervisor"
	"github.com/skypro1111/convo-memory-service/internal/vector"
	"github.com/skypro1111/convo-memory-service/internal/worker"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "convo-memory-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

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
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_devices", cfg.Server.MaxConcurrentDevices),
		slog.Int("sample_rate", cfg.Segmenter.SampleRate),
		slog.Float64("silence_timeout", cfg.Segmenter.SilenceTimeout),
		slog.Int("worker_count", cfg.Workers.Count),
		slog.Bool("diarization_enabled", cfg.Workers.DiarizationOn),
		slog.String("transcription_endpoint", cfg.Engines.Transcription.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Storage and queue share one SQLite handle.
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("Failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Store opened", slog.String("path", cfg.Storage.Path))

	q := queue.New(st.DB(), queue.Options{
		MaxAttempts:      cfg.Queue.MaxAttempts,
		BackoffBase:      cfg.Queue.GetBackoffBase(),
		BackoffCap:       cfg.Queue.GetBackoffCap(),
		LeaseTimeout:     cfg.Queue.GetLeaseTimeout(),
		BacklogThreshold: cfg.Queue.BacklogThreshold,
		StageConcurrency: cfg.Queue.StageConcurrency,
		Metrics:          appMetrics,
	}, logger)
	logger.Info("Job queue initialized",
		slog.Int("max_attempts", cfg.Queue.MaxAttempts),
		slog.Int("backlog_threshold", cfg.Queue.BacklogThreshold),
	)

	// External engine clients.
	transcriber, err := engine.NewTranscriptionClient(engineConfig(cfg.Engines.Transcription, appMetrics))
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var diarizer engine.Diarizer
	if cfg.Workers.DiarizationOn {
		client, err := engine.NewDiarizationClient(engineConfig(cfg.Engines.Diarization, appMetrics))
		if err != nil {
			logger.Error("Failed to create diarization client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		diarizer = client
	}

	extractor, err := engine.NewExtractionClient(engineConfig(cfg.Engines.Extraction, appMetrics))
	if err != nil {
		logger.Error("Failed to create extraction client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	embedder, err := engine.NewEmbeddingClient(engineConfig(cfg.Engines.Embedding, appMetrics))
	if err != nil {
		logger.Error("Failed to create embedding client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	vectors, err := vector.NewHTTPClient(vector.Config{
		Endpoint: cfg.Vector.Endpoint,
		APIKey:   cfg.Vector.APIKey,
		Timeout:  cfg.Vector.GetTimeoutDuration(),
	})
	if err != nil {
		logger.Error("Failed to create vector client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Engine clients initialized",
		slog.String("vector_endpoint", cfg.Vector.Endpoint),
	)

	diffEngine := diff.New(embedder, vectors, st, extractor, diff.Options{
		TopK:                 cfg.Diff.TopK,
		Similarity:           cfg.Diff.SimilarityThreshold,
		Update:               cfg.Diff.UpdateThreshold,
		NearDuplicate:        cfg.Diff.NearDuplicate,
		ContradictionEnabled: cfg.Diff.ContradictionEnabled,
		ContradictionMin:     cfg.Diff.ContradictionMin,
		Metrics:              appMetrics,
	}, logger)

	// Segmenter: one session per device, closes feed the queue.
	pipeline := segment.NewPipeline(st, q, cfg.Segmenter.DefaultLanguage, logger)
	segmenter := segment.NewManager(segment.Config{
		SampleRate:      cfg.Segmenter.SampleRate,
		SilenceTimeout:  cfg.Segmenter.GetSilenceTimeout(),
		MaxDuration:     cfg.Segmenter.GetMaxDuration(),
		TickInterval:    cfg.Segmenter.GetTickInterval(),
		MaxDevices:      cfg.Server.MaxConcurrentDevices,
		DefaultLanguage: cfg.Segmenter.DefaultLanguage,
		Metrics:         appMetrics,
	}, audio.NewEnergyDetector(cfg.Voice.EnergyThreshold), pipeline, logger)
	logger.Info("Segmenter initialized",
		slog.Duration("silence_timeout", cfg.Segmenter.GetSilenceTimeout()),
		slog.Duration("max_duration", cfg.Segmenter.GetMaxDuration()),
	)

	// Supervisor: lease reclaim, stuck workers, retention, stale sessions.
	sup := supervisor.New(q, segmenter, supervisor.Options{
		HeartbeatTimeout: cfg.Workers.GetHeartbeatTimeout(),
		SessionMaxAge:    cfg.Workers.GetSessionMaxAge(),
		JobRetention:     cfg.Queue.GetRetention(),
		Metrics:          appMetrics,
	}, logger)
	sup.Start(ctx)

	// Worker pool.
	handler := worker.NewHandler(st, q, transcriber, diarizer, extractor, diffEngine,
		worker.NullAnomalyDetector{}, worker.HandlerConfig{
			SampleRate:       cfg.Segmenter.SampleRate,
			DiarizationOn:    cfg.Workers.DiarizationOn,
			AnomalyThreshold: cfg.Workers.AnomalyThreshold,
		}, logger)
	pool := worker.NewPool(q, st, handler, sup, worker.PoolConfig{
		Count:             cfg.Workers.Count,
		PollInterval:      cfg.Workers.GetPollInterval(),
		HeartbeatInterval: cfg.Workers.GetHeartbeatInterval(),
	}, logger)
	pool.Start(ctx)
	logger.Info("Worker pool started", slog.Int("count", cfg.Workers.Count))

	udpServer := server.NewUDPServer(&cfg.Server, logger, segmenter, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, st, q, segmenter, sup,
			udpServer, vectors, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := udpServer.Start(); err != nil {
		logger.Error("Failed to start UDP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.UDPPort)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop accepting new requests first.
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	// Segmenter flushes its sessions into the store and queue before the
	// workers go away.
	segmenter.Shutdown()
	pool.Stop()
	sup.Stop()

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	if err := st.Close(); err != nil {
		logger.Error("Error closing store", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
}

// engineConfig converts a config section to an engine client configuration
func engineConfig(e config.EngineConfig, m *metrics.Metrics) engine.Config {
	return engine.Config{
		Endpoint:      e.Endpoint,
		APIKey:        e.APIKey,
		Timeout:       e.GetTimeoutDuration(),
		MaxConcurrent: e.MaxConcurrent,
		Metrics:       m,
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
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
