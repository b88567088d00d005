package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// EmbedderConfig controls how an Embedder talks to its backend.
type EmbedderConfig struct {
	// PassagePrefix and QueryPrefix mark the role of the text for asymmetric
	// models such as the e5 family.
	PassagePrefix string
	QueryPrefix   string
	// BatchSize is how many texts EmbedBatch sends before moving on.
	BatchSize int
	// Timeout bounds every single embedding call.
	Timeout time.Duration
	// ProbeTimeout bounds IsAvailable.
	ProbeTimeout time.Duration
	// RequestsPerSecond caps backend calls; zero disables the limiter.
	RequestsPerSecond float64
	// ModelVersion is stamped on every stored embedding.
	ModelVersion string
}

// DefaultEmbedderConfig returns the documented defaults.
func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{
		PassagePrefix: "passage: ",
		QueryPrefix:   "query: ",
		BatchSize:     5,
		Timeout:       10 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Embedder applies role prefixes, timeouts and rate limiting on top of a Backend.
type Embedder struct {
	backend Backend
	cfg     EmbedderConfig
	limiter *rate.Limiter
}

// NewEmbedder wraps backend. Zero-valued fields in cfg take their defaults.
func NewEmbedder(backend Backend, cfg EmbedderConfig) *Embedder {
	def := DefaultEmbedderConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	e := &Embedder{backend: backend, cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BatchSize)
	}
	return e
}

// IsAvailable probes the backend with ProbeTimeout.
func (e *Embedder) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()
	if err := e.backend.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("embedding backend probe failed")
		return false
	}
	return true
}

// EmbedPassage embeds document content.
func (e *Embedder) EmbedPassage(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, e.cfg.PassagePrefix+text, RolePassage)
}

// EmbedQuery embeds a search query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, e.cfg.QueryPrefix+text, RoleQuery)
}

// EmbedBatch embeds passages one at a time, BatchSize texts per round.
// The first failing item aborts the whole batch.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.cfg.BatchSize {
		end := i + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		for j := i; j < end; j++ {
			vec, err := e.EmbedPassage(ctx, texts[j])
			if err != nil {
				return nil, fmt.Errorf("embed batch [%d]: %w", j, err)
			}
			out = append(out, vec)
		}
		log.Debug().Int("done", end).Int("total", len(texts)).Msg("embedded batch")
	}
	return out, nil
}

func (e *Embedder) BatchSize() int { return e.cfg.BatchSize }

// ModelVersion returns the tag stored alongside every embedding.
func (e *Embedder) ModelVersion() string { return e.cfg.ModelVersion }

func (e *Embedder) Dim() int { return e.backend.Dim() }

func (e *Embedder) embed(ctx context.Context, text string, role Role) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed: rate limit: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	vec, err := e.backend.Embed(ctx, text, role)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if dim := e.backend.Dim(); dim > 0 && len(vec) != dim {
		return nil, fmt.Errorf("embed: got %d dimensions, want %d", len(vec), dim)
	}
	return vec, nil
}
