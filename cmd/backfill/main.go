package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/PBaumfalk/ai-lawyer/internal/ai"
	"github.com/PBaumfalk/ai-lawyer/internal/backfill"
	"github.com/PBaumfalk/ai-lawyer/internal/config"
	"github.com/PBaumfalk/ai-lawyer/internal/pipeline"
	"github.com/PBaumfalk/ai-lawyer/internal/queue"
	"github.com/PBaumfalk/ai-lawyer/internal/registry"
	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func main() {
	fs := pflag.NewFlagSet("docintel-backfill", pflag.ExitOnError)
	inline := fs.Bool("inline", false, "Run the pipeline in this process instead of enqueueing jobs")
	caseFilter := fs.String("case", "", "Only backfill documents of this case")
	follow := fs.Bool("follow", false, "Log worker progress events while enqueueing")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("component", "backfill").Logger()
	zlog.Logger = logger
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	defer reg.Close()

	var sink backfill.Sink
	if *inline {
		sink = inlineSink(ctx, reg, cfg)
	} else {
		nc, err := reg.NATS(cfg.NatsURL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		if *follow {
			sub, err := queue.Subscribe(nc, queue.SubjectProgress, func(_ context.Context, p models.JobProgress) {
				logger.Info().Str("job_id", p.JobID).Str("document_id", p.DocumentID).Int("progress", p.Progress).Msg("progress")
			})
			if err != nil {
				log.Fatalf("Failed to subscribe to progress: %v", err)
			}
			defer func() { _ = sub.Unsubscribe() }()
		}
		sink = backfill.QueueSink{Queue: queue.NewJobPublisher(nc)}
	}

	b := backfill.New(cfg.BackfillRoot, sink, cfg.Workers)
	b.CaseFilter = *caseFilter

	sum, err := b.Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("backfill failed")
	}
	if sum.Failed > 0 {
		logger.Warn().Int64("failed", sum.Failed).Msg("some documents were not submitted")
		reg.Close()
		os.Exit(1)
	}
}

// inlineSink wires the pipeline in-process. The analysis trigger still needs
// NATS and is left out when none is reachable.
func inlineSink(ctx context.Context, reg *registry.Registry, cfg config.Specification) backfill.Sink {
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

	var flags pipeline.FlagReader = pipeline.FlagFunc(st.FlagEnabled)
	if cfg.Analysis.FlagSource == config.FlagSourceStatic {
		flags = pipeline.StaticFlags{cfg.Analysis.Flag: cfg.Analysis.Enabled}
	}

	var analysis pipeline.AnalysisQueue
	if nc, err := reg.NATS(cfg.NatsURL); err != nil {
		zlog.Warn().Err(err).Msg("nats unavailable, analysis trigger disabled")
	} else {
		analysis = queue.NewAnalysisEnqueuer(nc)
	}

	orch := pipeline.New(embedder, st, analysis, flags, pipeline.Config{AnalysisFlag: cfg.Analysis.Flag})
	return backfill.InlineSink{Processor: orch}
}
