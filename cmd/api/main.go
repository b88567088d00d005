package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PBaumfalk/ai-lawyer/internal/ai"
	"github.com/PBaumfalk/ai-lawyer/internal/auth"
	"github.com/PBaumfalk/ai-lawyer/internal/config"
	"github.com/PBaumfalk/ai-lawyer/internal/registry"
	"github.com/PBaumfalk/ai-lawyer/internal/rerank"
	"github.com/PBaumfalk/ai-lawyer/internal/retrieval"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func main() {
	fs := pflag.NewFlagSet("docintel-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger
	otel.SetTextMapPropagator(propagation.TraceContext{})
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting docintel api")

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

	clientConfig := cfg.ClientConfig()
	backend, err := reg.Backend(clientConfig)
	if err != nil {
		log.Fatalf("Failed to create embedding backend: %v", err)
	}
	embedder := ai.NewEmbedder(backend, cfg.EmbedderConfig())
	logger.Info().Int("embedding_dim", backend.Dim()).Str("model_version", embedder.ModelVersion()).Msg("embedder initialized")

	// A nil reranker caps fused results instead of reranking them.
	var rr retrieval.Reranker
	if !cfg.Rerank.Disabled {
		gen, err := reg.Generator(clientConfig)
		if err != nil {
			log.Fatalf("Failed to create generator: %v", err)
		}
		rr = rerank.New(gen, cfg.RerankOptions())
	}

	svc := retrieval.NewService(embedder, st, st, rr, st, cfg.RetrievalOptions())

	if cfg.Auth.Enabled {
		logger.Info().Msg("Authentication is ENABLED")
	} else {
		logger.Info().Msg("Authentication is DISABLED - running in open mode")
	}
	srv := &server{
		retrieval: svc,
		store:     st,
		embedder:  embedder,
		auth: auth.New(auth.Config{
			JwtSecret: cfg.Auth.JwtSecret,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			Enabled:   cfg.Auth.Enabled,
		}),
		logger:  logger,
		timeout: 10 * time.Second,
	}

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: srv.routes(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("api server failed")
	}
	logger.Info().Msg("api server stopped")
}
