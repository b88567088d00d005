package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PBaumfalk/ai-lawyer/internal/auth"
	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/rs/zerolog"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type MockRetriever struct {
	RetrieveFunc func(ctx context.Context, query, caseID string) ([]models.Candidate, error)
	gotQuery     string
	gotCase      string
}

func (m *MockRetriever) Retrieve(ctx context.Context, query, caseID string) ([]models.Candidate, error) {
	m.gotQuery, m.gotCase = query, caseID
	if m.RetrieveFunc != nil {
		return m.RetrieveFunc(ctx, query, caseID)
	}
	return nil, nil
}

type MockStats struct {
	StatsFunc func(ctx context.Context) (models.Stats, error)
	PingErr   error
}

func (m *MockStats) Stats(ctx context.Context) (models.Stats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx)
	}
	return models.Stats{}, nil
}

func (m *MockStats) Ping(context.Context) error { return m.PingErr }

type mockAvailability bool

func (m mockAvailability) IsAvailable(context.Context) bool { return bool(m) }

func newTestServer(r retriever, st chunkStats, emb availability, a *auth.Authenticator) http.Handler {
	s := &server{
		retrieval: r,
		store:     st,
		embedder:  emb,
		auth:      a,
		logger:    zerolog.Nop(),
		timeout:   time.Second,
	}
	return s.routes()
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRetrieveEndpoint(t *testing.T) {
	score := 8.0
	r := &MockRetriever{RetrieveFunc: func(context.Context, string, string) ([]models.Candidate, error) {
		return []models.Candidate{
			{ChunkID: "c1", DocumentID: "d1", CaseID: "case-1", Content: "Die Klage wird abgewiesen.", FusedScore: 0.03, RerankScore: &score,
				Sources: []models.RetrievalSource{models.SourceLexical, models.SourceVector}},
			{ChunkID: "c2", DocumentID: "d1", CaseID: "case-1", FusedScore: math.NaN()},
		}, nil
	}}
	h := newTestServer(r, &MockStats{}, mockAvailability(true), nil)

	w := get(t, h, "/retrieve?q=+Klage+abgewiesen+&case=case-1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if r.gotQuery != "Klage abgewiesen" || r.gotCase != "case-1" {
		t.Errorf("retriever got %q / %q", r.gotQuery, r.gotCase)
	}
	var got []models.Candidate
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ChunkID != "c1" || got[0].RerankScore == nil || *got[0].RerankScore != 8 {
		t.Errorf("unexpected body %+v", got)
	}
	if got[1].FusedScore != 0 {
		t.Errorf("NaN score should be zeroed, got %v", got[1].FusedScore)
	}
}

func TestRetrieveEndpointErrors(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		method   string
		retrieve func(context.Context, string, string) ([]models.Candidate, error)
		wantCode int
		wantBody string
	}{
		{name: "missing case", target: "/retrieve?q=Klage", wantCode: http.StatusBadRequest},
		{name: "wrong method", target: "/retrieve?q=Klage&case=c", method: http.MethodPost, wantCode: http.StatusMethodNotAllowed},
		{
			name:   "both sources down",
			target: "/retrieve?q=Klage&case=c",
			retrieve: func(context.Context, string, string) ([]models.Candidate, error) {
				return nil, errors.New("lexical: down; vector: down")
			},
			wantCode: http.StatusBadGateway,
		},
		{name: "empty result is an array", target: "/retrieve?q=&case=c", wantCode: http.StatusOK, wantBody: "[]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&MockRetriever{RetrieveFunc: tt.retrieve}, &MockStats{}, mockAvailability(true), nil)
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, tt.target, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	st := &MockStats{StatsFunc: func(context.Context) (models.Stats, error) {
		return models.Stats{EmbeddedChunks: 12, Documents: 2}, nil
	}}
	w := get(t, newTestServer(&MockRetriever{}, st, mockAvailability(true), nil), "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["embedded_chunks"] != float64(12) || got["documents"] != float64(2) {
		t.Errorf("unexpected stats %v", got)
	}
	if versions, ok := got["model_versions"].([]any); !ok || len(versions) != 0 {
		t.Errorf("model_versions should be an empty array, got %v", got["model_versions"])
	}

	failing := &MockStats{StatsFunc: func(context.Context) (models.Stats, error) { return models.Stats{}, errors.New("db down") }}
	w = get(t, newTestServer(&MockRetriever{}, failing, mockAvailability(true), nil), "/stats")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		embedder bool
		wantCode int
		wantEmb  bool
	}{
		{"all up", nil, true, http.StatusOK, true},
		{"embedder down", nil, false, http.StatusOK, false},
		{"database down", errors.New("refused"), true, http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&MockRetriever{}, &MockStats{PingErr: tt.pingErr}, mockAvailability(tt.embedder), nil)
			if w := get(t, h, "/healthz"); w.Code != http.StatusOK {
				t.Errorf("/healthz = %d", w.Code)
			}
			w := get(t, h, "/readyz")
			if w.Code != tt.wantCode {
				t.Errorf("/readyz = %d, want %d", w.Code, tt.wantCode)
			}
			var rd readiness
			if err := json.Unmarshal(w.Body.Bytes(), &rd); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if rd.Embedder != tt.wantEmb || rd.Database != (tt.pingErr == nil) {
				t.Errorf("readiness = %+v", rd)
			}
		})
	}
}

func TestAuthOnRetrieve(t *testing.T) {
	a := auth.New(auth.Config{JwtSecret: "secret", Enabled: true})
	token, err := a.GenerateJWT(auth.User{ID: "u-1"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	h := newTestServer(&MockRetriever{}, &MockStats{}, mockAvailability(true), a)

	if w := get(t, h, "/retrieve?q=x&case=c"); w.Code != http.StatusUnauthorized {
		t.Errorf("without token = %d, want 401", w.Code)
	}
	if w := get(t, h, "/retrieve?q=x&case=c", "Authorization", "Bearer "+token); w.Code != http.StatusOK {
		t.Errorf("with token = %d, want 200", w.Code)
	}
	// Probes stay open.
	if w := get(t, h, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("/healthz with auth = %d", w.Code)
	}
}
