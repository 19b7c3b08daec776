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

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ameerhamza-spec/voxionAIBot/internal/config"
	"github.com/ameerhamza-spec/voxionAIBot/internal/generation"
	"github.com/ameerhamza-spec/voxionAIBot/internal/metrics"
	"github.com/ameerhamza-spec/voxionAIBot/internal/server"
	"github.com/ameerhamza-spec/voxionAIBot/internal/storage"
	"github.com/ameerhamza-spec/voxionAIBot/internal/stream"
	"github.com/ameerhamza-spec/voxionAIBot/internal/synthesis"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcoder"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voxion-voice-bot"
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

	// Configuration summary without secrets
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.String("media_path", cfg.Server.MediaPath),
		slog.Int("inbound_sample_rate", cfg.Audio.SampleRate),
		slog.String("transcoder", cfg.Audio.Transcoder),
		slog.Bool("transcription_enabled", cfg.Transcription.Enabled),
		slog.String("transcription_encoding", cfg.Transcription.Encoding),
		slog.Int("transcription_sample_rate", cfg.Transcription.SampleRate),
		slog.String("generation_model", cfg.Generation.Model),
		slog.String("synthesis_format", cfg.Synthesis.OutputFormat),
		slog.Bool("recording_enabled", cfg.Recording.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promRegistry := prometheus.NewRegistry()
	appMetrics := metrics.NewMetrics(promRegistry, cfg.Metrics.Namespace)
	logger.Info("Prometheus metrics initialized", slog.String("namespace", cfg.Metrics.Namespace))

	deps, cleanup, err := buildDependencies(ctx, cfg, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to initialize providers", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer cleanup()

	registry, err := stream.NewRegistry(stream.Config{
		InboundRate:           cfg.Audio.SampleRate,
		TranscriptionRate:     cfg.Transcription.SampleRate,
		TranscriptionEncoding: cfg.Transcription.Encoding,
		Bridge: transcription.BridgeConfig{
			PendingFrames:       cfg.Audio.PendingFrames,
			KeepaliveInterval:   cfg.Transcription.GetKeepaliveIntervalDuration(),
			KeepaliveFrameBytes: cfg.Transcription.KeepaliveFrameBytes,
			SendTimeout:         cfg.Transcription.GetSendTimeoutDuration(),
		},
		ConnectTimeout: cfg.Transcription.GetConnectTimeoutDuration(),
		Turn: stream.TurnConfig{
			SystemPrompt: cfg.Generation.SystemPrompt,
			HistoryTurns: cfg.Generation.HistoryTurns,
			Streaming:    cfg.Synthesis.Streaming,
		},
		GreetingPattern:  cfg.Turns.GreetingPattern,
		RecordingEnabled: cfg.Recording.Enabled,
		RecordingDir:     cfg.Recording.Dir,
		UploadTimeout:    cfg.Recording.Upload.GetTimeoutDuration(),
		StreamTimeout:    cfg.Audio.GetStreamTimeoutDuration(),
		ReapInterval:     cfg.Audio.GetReapIntervalDuration(),
	}, deps)
	if err != nil {
		logger.Error("Failed to create session registry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session registry initialized",
		slog.String("codec_mode", registry.Stats().Mode),
		slog.Duration("stream_timeout", cfg.Audio.GetStreamTimeoutDuration()),
	)

	mediaServer := server.NewMediaServer(server.MediaServerConfig{
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
	}, registry, logger)

	httpServer := server.NewHTTPServer(cfg, logger, registry, mediaServer, appMetrics, promRegistry)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new calls first
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if err := mediaServer.Close(); err != nil {
		logger.Error("Error stopping media server", slog.String("error", err.Error()))
	}

	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping session registry", slog.String("error", err.Error()))
	}

	stats := mediaServer.GetStatistics()
	registryStats := registry.Stats()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("calls_created", registryStats.Created),
	)

	logger.Info("Service stopped")
}

// buildDependencies constructs the provider adapters and the turn pool. The
// returned cleanup releases the pool.
func buildDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	m *metrics.Metrics) (stream.Dependencies, func(), error) {
	deps := stream.Dependencies{Metrics: m, Logger: logger}
	cleanup := func() {}

	if cfg.Transcription.Enabled {
		client, err := transcription.NewDeepgramClient(transcription.DeepgramConfig{
			URL:            cfg.Transcription.URL,
			APIKey:         cfg.Transcription.APIKey,
			Model:          cfg.Transcription.Model,
			Language:       cfg.Transcription.Language,
			Encoding:       cfg.Transcription.Encoding,
			SampleRate:     cfg.Transcription.SampleRate,
			InterimResults: cfg.Transcription.InterimResults,
			Endpointing:    cfg.Transcription.GetEndpointingDuration(),
			ConnectTimeout: cfg.Transcription.GetConnectTimeoutDuration(),
			MaxRetries:     cfg.Transcription.MaxRetries,
		}, logger)
		if err != nil {
			return deps, cleanup, fmt.Errorf("transcription: %w", err)
		}
		deps.Transcription = client

		if cfg.Transcription.SampleRate != cfg.Audio.SampleRate {
			factory, err := transcoder.NewFactory(transcoder.Options{
				Kind:        cfg.Audio.Transcoder,
				Command:     cfg.Audio.TranscoderCommand,
				Args:        cfg.Audio.TranscoderArgs,
				InputRate:   cfg.Audio.SampleRate,
				OutputRate:  cfg.Transcription.SampleRate,
				QueueFrames: cfg.Audio.PendingFrames,
			}, logger)
			if err != nil {
				return deps, cleanup, fmt.Errorf("transcoder: %w", err)
			}
			deps.Transcoders = factory
		}
	} else {
		logger.Warn("Transcription disabled, calls will be recorded but not answered")
	}

	generator, err := generation.NewOpenAIGenerator(generation.OpenAIConfig{
		APIKey:      cfg.Generation.APIKey,
		BaseURL:     cfg.Generation.BaseURL,
		Model:       cfg.Generation.Model,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
		Timeout:     cfg.Generation.GetTimeoutDuration(),
		MaxRetries:  cfg.Generation.MaxRetries,
	})
	if err != nil {
		return deps, cleanup, fmt.Errorf("generation: %w", err)
	}
	deps.Generator = generator

	synthesizer, err := synthesis.NewElevenLabs(synthesis.ElevenLabsConfig{
		APIKey:          cfg.Synthesis.APIKey,
		BaseURL:         cfg.Synthesis.BaseURL,
		VoiceID:         cfg.Synthesis.VoiceID,
		Model:           cfg.Synthesis.Model,
		OutputFormat:    cfg.Synthesis.OutputFormat,
		Stability:       cfg.Synthesis.Stability,
		SimilarityBoost: cfg.Synthesis.SimilarityBoost,
		Timeout:         cfg.Synthesis.GetTimeoutDuration(),
		ChunkBytes:      cfg.Synthesis.ChunkBytes,
	})
	if err != nil {
		return deps, cleanup, fmt.Errorf("synthesis: %w", err)
	}
	deps.Synthesizer = synthesizer

	if cfg.Recording.Upload.Enabled {
		client, err := storage.NewS3Client(ctx, cfg.Recording.Upload.Region, cfg.Recording.Upload.Endpoint)
		if err != nil {
			return deps, cleanup, fmt.Errorf("recording upload: %w", err)
		}
		deps.Uploader = storage.NewS3Uploader(client, cfg.Recording.Upload.Bucket,
			cfg.Recording.Upload.Prefix, cfg.Recording.Upload.DeleteLocal)
		logger.Info("Recording upload enabled",
			slog.String("bucket", cfg.Recording.Upload.Bucket),
			slog.String("prefix", cfg.Recording.Upload.Prefix))
	}

	// Nonblocking: a saturated pool rejects the turn instead of stalling the
	// transcription read loop
	pool, err := ants.NewPool(cfg.Turns.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return deps, cleanup, fmt.Errorf("turn pool: %w", err)
	}
	deps.Pool = pool
	cleanup = pool.Release

	return deps, cleanup, nil
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
