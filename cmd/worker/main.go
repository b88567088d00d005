package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/PBaumfalk/ai-lawyer/internal/ai"
	"github.com/PBaumfalk/ai-lawyer/internal/config"
	"github.com/PBaumfalk/ai-lawyer/internal/pipeline"
	"github.com/PBaumfalk/ai-lawyer/internal/queue"
	"github.com/PBaumfalk/ai-lawyer/internal/registry"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func main() {
	fs := pflag.NewFlagSet("docintel-worker", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("component", "worker").Logger()
	zlog.Logger = logger
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	defer reg.Close()

	st, err := reg.Store(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	st.WriteTimeout = cfg.DBWriteTimeout
	if err := st.Migrate(ctx, cfg.Dim); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	backend, err := reg.Backend(cfg.ClientConfig())
	if err != nil {
		log.Fatalf("Failed to create embedding backend: %v", err)
	}
	embedder := ai.NewEmbedder(backend, cfg.EmbedderConfig())

	nc, err := reg.NATS(cfg.NatsURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	var flags pipeline.FlagReader = pipeline.FlagFunc(st.FlagEnabled)
	if cfg.Analysis.FlagSource == config.FlagSourceStatic {
		flags = pipeline.StaticFlags{cfg.Analysis.Flag: cfg.Analysis.Enabled}
	}
	orch := pipeline.New(embedder, st, queue.NewAnalysisEnqueuer(nc), flags, pipeline.Config{AnalysisFlag: cfg.Analysis.Flag})

	logger.Info().
		Str("provider", cfg.Provider).
		Str("model_version", embedder.ModelVersion()).
		Int("workers", cfg.Workers).
		Str("flag_source", cfg.Analysis.FlagSource).
		Msg("starting docintel worker")

	consumer := queue.NewConsumer(nc, orch, queue.ConsumerOptions{Workers: cfg.Workers, Deleter: st})
	if err := consumer.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("consumer failed")
	}
	logger.Info().Msg("worker stopped")
}
