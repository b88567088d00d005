package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PBaumfalk/ai-lawyer/internal/fusion"
	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/rs/zerolog/log"
)

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
}

type VectorSearcher interface {
	Search(ctx context.Context, queryVec []float32, caseID string, limit int, modelVersion string) ([]models.Candidate, error)
}

type LexicalSearcher interface {
	LexicalSearch(ctx context.Context, query, caseID string, limit int) ([]models.Candidate, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []models.Candidate) []models.Candidate
}

// MetadataLookup resolves display names for a document and its case.
type MetadataLookup interface {
	Lookup(ctx context.Context, documentID, caseID string) (documentName, caseLabel string, err error)
}

type Options struct {
	// CandidateLimit is how many hits each source contributes before fusion.
	CandidateLimit int
	// RRFK is the fusion constant.
	RRFK int
}

type Service struct {
	Embedder QueryEmbedder
	Vector   VectorSearcher
	Lexical  LexicalSearcher
	Reranker Reranker
	Metadata MetadataLookup
	Options  Options
}

// NewService creates a new retrieval service. metadata may be nil.
func NewService(emb QueryEmbedder, vec VectorSearcher, lex LexicalSearcher, rr Reranker, metadata MetadataLookup, opts Options) *Service {
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 50
	}
	if opts.RRFK <= 0 {
		opts.RRFK = fusion.DefaultK
	}
	return &Service{
		Embedder: emb,
		Vector:   vec,
		Lexical:  lex,
		Reranker: rr,
		Metadata: metadata,
		Options:  opts,
	}
}

// Retrieve runs lexical and vector search for query within caseID in
// parallel, fuses both rankings and reranks the result. A failing source is
// dropped; only both failing is an error.
func (s *Service) Retrieve(ctx context.Context, query, caseID string) ([]models.Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.Candidate{}, nil
	}
	if strings.TrimSpace(caseID) == "" {
		return nil, errors.New("retrieve: case id is required")
	}
	logger := log.With().Str("case_id", caseID).Logger()

	var lexical, vector []models.Candidate
	var lexErr, vecErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lexical, lexErr = s.Lexical.LexicalSearch(ctx, query, caseID, s.Options.CandidateLimit)
	}()
	go func() {
		defer wg.Done()
		vector, vecErr = s.vectorSearch(ctx, query, caseID)
	}()
	wg.Wait()

	if lexErr != nil && vecErr != nil {
		return nil, fmt.Errorf("retrieve: lexical: %w; vector: %w", lexErr, vecErr)
	}
	if lexErr != nil {
		logger.Warn().Err(lexErr).Msg("lexical search failed, using vector results only")
		lexical = nil
	}
	if vecErr != nil {
		logger.Warn().Err(vecErr).Msg("vector search failed, using lexical results only")
		vector = nil
	}

	fused := fusion.Fuse(lexical, vector, s.Options.RRFK)
	logger.Debug().Int("lexical", len(lexical)).Int("vector", len(vector)).Int("fused", len(fused)).Msg("fused candidates")
	if len(fused) == 0 {
		return fused, nil
	}
	s.enrich(ctx, fused)

	if s.Reranker == nil {
		if len(fused) > 10 {
			fused = fused[:10]
		}
		return fused, nil
	}
	return s.Reranker.Rerank(ctx, query, fused), nil
}

func (s *Service) vectorSearch(ctx context.Context, query, caseID string) ([]models.Candidate, error) {
	vec, err := s.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.Vector.Search(ctx, vec, caseID, s.Options.CandidateLimit, s.Embedder.ModelVersion())
}

// enrich fills missing display names. Lookup failures leave names empty.
func (s *Service) enrich(ctx context.Context, cands []models.Candidate) {
	if s.Metadata == nil {
		return
	}
	type names struct{ doc, label string }
	cache := map[string]names{}
	for i := range cands {
		c := &cands[i]
		if c.DocumentName != "" && c.CaseLabel != "" {
			continue
		}
		n, ok := cache[c.DocumentID]
		if !ok {
			doc, label, err := s.Metadata.Lookup(ctx, c.DocumentID, c.CaseID)
			if err != nil {
				log.Debug().Err(err).Str("document_id", c.DocumentID).Msg("metadata lookup failed")
			}
			n = names{doc, label}
			cache[c.DocumentID] = n
		}
		if c.DocumentName == "" {
			c.DocumentName = n.doc
		}
		if c.CaseLabel == "" {
			c.CaseLabel = n.label
		}
	}
}
