package main

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/PBaumfalk/ai-lawyer/internal/auth"
	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type retriever interface {
	Retrieve(ctx context.Context, query, caseID string) ([]models.Candidate, error)
}

type chunkStats interface {
	Stats(ctx context.Context) (models.Stats, error)
	Ping(ctx context.Context) error
}

type availability interface {
	IsAvailable(ctx context.Context) bool
}

type server struct {
	retrieval retriever
	store     chunkStats
	embedder  availability
	auth      *auth.Authenticator
	logger    zerolog.Logger
	timeout   time.Duration
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/retrieve", s.auth.Middleware(http.HandlerFunc(s.handleRetrieve)))
	mux.Handle("/stats", s.auth.Middleware(http.HandlerFunc(s.handleStats)))

	handler := hlog.NewHandler(s.logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			s.logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)
	return otelhttp.NewHandler(handler, "docintel-api")
}

func (s *server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	caseID := strings.TrimSpace(r.URL.Query().Get("case"))
	if caseID == "" {
		http.Error(w, "missing query parameter case", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := s.retrieval.Retrieve(ctx, q, caseID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("case_id", caseID).Msg("retrieve failed")
		http.Error(w, "retrieval failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, r, sanitize(res))

	hlog.FromRequest(r).Info().Str("path", "/retrieve").Str("case_id", caseID).Int("results", len(res)).Dur("dur", time.Since(start)).Msg("served")
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	st, err := s.store.Stats(ctx)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("stats failed")
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	if st.ModelVersions == nil {
		st.ModelVersions = []string{}
	}
	writeJSON(w, r, st)
}

type readiness struct {
	Database bool `json:"database"`
	Embedder bool `json:"embedder"`
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	rd := readiness{
		Database: s.store.Ping(r.Context()) == nil,
		Embedder: s.embedder.IsAvailable(r.Context()),
	}
	// Only the database is required; retrieval falls back to lexical search.
	if !rd.Database {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(rd)
		return
	}
	writeJSON(w, r, rd)
}

// sanitize replaces scores JSON cannot encode and never returns nil.
func sanitize(res []models.Candidate) []models.Candidate {
	if res == nil {
		return []models.Candidate{}
	}
	for i := range res {
		c := &res[i]
		c.Similarity = finite(c.Similarity)
		c.LexicalScore = finite(c.LexicalScore)
		c.FusedScore = finite(c.FusedScore)
		if c.RerankScore != nil && (math.IsNaN(*c.RerankScore) || math.IsInf(*c.RerankScore, 0)) {
			c.RerankScore = nil
		}
	}
	return res
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}
