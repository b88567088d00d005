package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// DefaultWriteTimeout bounds one Reindex or DeleteDocument call.
const DefaultWriteTimeout = 30 * time.Second

// pgvector refuses HNSW indexes above these dimensions.
const (
	maxVectorIndexDim  = 2000
	maxHalfvecIndexDim = 4000
)

// ErrDimensionMismatch means the existing embedding column was created for a
// different dimension than the one configured.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
	dim  int

	// WriteTimeout bounds each document write. Zero disables the bound.
	WriteTimeout time.Duration
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, WriteTimeout: DefaultWriteTimeout}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate applies necessary database migrations and schema setup. An
// existing embedding column of another dimension is an error; changing the
// dimension needs a fresh table and a full backfill.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("migrate: invalid embedding dimension %d", dim)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schema, dim)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var existing int
	err := s.pool.QueryRow(ctx, `
SELECT atttypmod FROM pg_attribute
WHERE attrelid = 'document_chunks'::regclass AND attname = 'embedding'`).Scan(&existing)
	if err != nil {
		return fmt.Errorf("migrate: read embedding dimension: %w", err)
	}
	if existing != dim {
		return fmt.Errorf("migrate: column has %d dimensions, configured %d: %w", existing, dim, ErrDimensionMismatch)
	}

	if idx := indexSchema(dim); idx != "" {
		if _, err := s.pool.Exec(ctx, idx); err != nil {
			return fmt.Errorf("migrate: embedding index: %w", err)
		}
	}
	s.dim = dim
	return nil
}

// indexSchema returns the ANN index statement for dim. Dimensions past the
// vector limit are indexed as halfvec; past the halfvec limit there is no
// index and search falls back to a sequential scan.
func indexSchema(dim int) string {
	switch {
	case dim <= maxVectorIndexDim:
		return `CREATE INDEX IF NOT EXISTS document_chunks_embedding_idx
  ON document_chunks USING hnsw (embedding vector_cosine_ops);`
	case dim <= maxHalfvecIndexDim:
		return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS document_chunks_embedding_idx
  ON document_chunks USING hnsw ((embedding::halfvec(%d)) halfvec_cosine_ops);`, dim)
	default:
		return ""
	}
}

// writeContext applies WriteTimeout to ctx.
func (s *Store) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.WriteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.WriteTimeout)
}

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_chunks (
  id            UUID PRIMARY KEY,
  document_id   TEXT NOT NULL,
  case_id       TEXT NOT NULL,
  document_name TEXT NOT NULL DEFAULT '',
  case_label    TEXT NOT NULL DEFAULT '',
  kind          TEXT NOT NULL CHECK (kind IN ('PARENT','CHILD')),
  parent_id     UUID REFERENCES document_chunks (id) ON DELETE CASCADE,
  chunk_index   INT NOT NULL,
  start_offset  INT NOT NULL,
  end_offset    INT NOT NULL,
  content       TEXT NOT NULL,
  embedding     vector(%d),
  model_version TEXT NOT NULL DEFAULT '',
  created_at    TIMESTAMP WITH TIME ZONE DEFAULT now(),
  ts            tsvector GENERATED ALWAYS AS (to_tsvector('german', content)) STORED,
  CHECK ((kind = 'PARENT') = (parent_id IS NULL))
);

CREATE INDEX IF NOT EXISTS document_chunks_document_idx
  ON document_chunks (document_id);
CREATE INDEX IF NOT EXISTS document_chunks_case_kind_idx
  ON document_chunks (case_id, kind);
CREATE INDEX IF NOT EXISTS document_chunks_model_version_idx
  ON document_chunks (model_version);
CREATE INDEX IF NOT EXISTS document_chunks_ts_gin
  ON document_chunks USING GIN (ts);

CREATE TABLE IF NOT EXISTS feature_flags (
  key        TEXT PRIMARY KEY,
  enabled    BOOLEAN NOT NULL DEFAULT false,
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);
`

const insertChunk = `
INSERT INTO document_chunks (
  id, document_id, case_id, document_name, case_label, kind, parent_id,
  chunk_index, start_offset, end_offset, content, embedding, model_version
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

// Reindex replaces every chunk of ref.DocumentID with groups. The delete and
// the inserts share one transaction, so readers see either the old set or
// the new one.
func (s *Store) Reindex(ctx context.Context, ref models.DocumentRef, groups []models.ParentGroup, modelVersion string) error {
	if strings.TrimSpace(ref.DocumentID) == "" {
		return errors.New("reindex: document id is required")
	}
	b, err := buildInsertBatch(ref, groups, modelVersion)
	if err != nil {
		return err
	}

	ctx, cancel := s.writeContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reindex %s: %w", ref.DocumentID, err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, ref.DocumentID); err != nil {
			return fmt.Errorf("reindex: delete: %w", err)
		}
		if b.Len() == 0 {
			return nil
		}
		br := tx.SendBatch(ctx, b)
		for i := 0; i < b.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("reindex: insert %d: %w", i, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return fmt.Errorf("reindex %s: %w", ref.DocumentID, err)
	}
	return nil
}

// buildInsertBatch queues parents before their children so the parent_id
// foreign key always resolves.
func buildInsertBatch(ref models.DocumentRef, groups []models.ParentGroup, modelVersion string) (*pgx.Batch, error) {
	b := &pgx.Batch{}
	for gi, g := range groups {
		parentID := uuid.NewString()
		p := g.Parent
		b.Queue(insertChunk,
			parentID, ref.DocumentID, ref.CaseID, ref.DocumentName, ref.CaseLabel,
			string(models.ChunkParent), nil,
			p.Index, p.Start, p.End, p.Content, (*pgvector.Vector)(nil), modelVersion,
		)
		for _, c := range g.Children {
			if len(c.Embedding) == 0 {
				return nil, fmt.Errorf("reindex: child %d of parent %d has no embedding", c.Index, gi)
			}
			b.Queue(insertChunk,
				uuid.NewString(), ref.DocumentID, ref.CaseID, ref.DocumentName, ref.CaseLabel,
				string(models.ChunkChild), parentID,
				c.Index, c.Start, c.End, c.Content, pgvector.NewVector(c.Embedding), modelVersion,
			)
		}
	}
	return b, nil
}

const candidateColumns = `id::text, document_id, document_name, case_id, case_label, content, kind, COALESCE(parent_id::text, '')`

// searchQuery builds the nearest-neighbour query. Arguments are
// $1 query vector, $2 case id, $3 limit and, when filtered, $4 model version.
// Above the vector index limit the distance is computed on halfvec so the
// planner can use the expression index created by Migrate.
func searchQuery(filterModel bool, dim int) string {
	where := "kind = 'CHILD' AND embedding IS NOT NULL AND case_id = $2"
	if filterModel {
		where += " AND model_version = $4"
	}
	distance := "embedding <=> $1"
	if dim > maxVectorIndexDim && dim <= maxHalfvecIndexDim {
		distance = fmt.Sprintf("embedding::halfvec(%d) <=> ($1::vector)::halfvec(%d)", dim, dim)
	}
	return fmt.Sprintf(`
SELECT %s, 1 - (%s) AS similarity
FROM document_chunks
WHERE %s
ORDER BY %s
LIMIT $3`, candidateColumns, distance, where, distance)
}

// Search returns the limit child chunks of caseID nearest to queryVec. A
// non-empty modelVersion restricts the search to embeddings of that version.
func (s *Store) Search(ctx context.Context, queryVec []float32, caseID string, limit int, modelVersion string) ([]models.Candidate, error) {
	if len(queryVec) == 0 || limit <= 0 {
		return []models.Candidate{}, nil
	}
	args := []any{pgvector.NewVector(queryVec), caseID, limit}
	if modelVersion != "" {
		args = append(args, modelVersion)
	}

	rows, err := s.pool.Query(ctx, searchQuery(modelVersion != "", s.dim), args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return collectCandidates(rows, models.SourceVector)
}

const lexicalQuery = `
WITH q AS (SELECT websearch_to_tsquery('german', $1) AS tq)
SELECT ` + candidateColumns + `, ts_rank_cd(ts, q.tq) AS rank
FROM document_chunks, q
WHERE kind = 'CHILD' AND case_id = $2 AND ts @@ q.tq
ORDER BY rank DESC, document_id, chunk_index
LIMIT $3`

// LexicalSearch ranks child chunks of caseID against a web-style query
// using the German full-text configuration.
func (s *Store) LexicalSearch(ctx context.Context, query, caseID string, limit int) ([]models.Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return []models.Candidate{}, nil
	}
	rows, err := s.pool.Query(ctx, lexicalQuery, query, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return collectCandidates(rows, models.SourceLexical)
}

func collectCandidates(rows pgx.Rows, src models.RetrievalSource) ([]models.Candidate, error) {
	defer rows.Close()

	out := []models.Candidate{}
	for rows.Next() {
		var c models.Candidate
		var kind string
		var score float64
		if err := rows.Scan(
			&c.ChunkID, &c.DocumentID, &c.DocumentName, &c.CaseID, &c.CaseLabel,
			&c.Content, &kind, &c.ParentChunkID, &score,
		); err != nil {
			return nil, err
		}
		c.ChunkKind = models.ChunkKind(kind)
		c.Sources = []models.RetrievalSource{src}
		if src == models.SourceVector {
			c.Similarity = score
		} else {
			c.LexicalScore = score
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats reports how much embedded content the store holds.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	const q = `
SELECT
  count(*) FILTER (WHERE embedding IS NOT NULL),
  count(DISTINCT document_id),
  COALESCE(array_agg(DISTINCT model_version ORDER BY model_version)
           FILTER (WHERE embedding IS NOT NULL AND model_version <> ''), '{}')
FROM document_chunks`
	var st models.Stats
	if err := s.pool.QueryRow(ctx, q).Scan(&st.EmbeddedChunks, &st.Documents, &st.ModelVersions); err != nil {
		return models.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// DocumentChunks returns every stored chunk of a document, parents first,
// each tier in index order.
func (s *Store) DocumentChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	const q = `
SELECT id::text, document_id, kind, COALESCE(parent_id::text, ''), chunk_index,
       start_offset, end_offset, content, model_version, created_at
FROM document_chunks
WHERE document_id = $1
ORDER BY kind DESC, chunk_index`
	rows, err := s.pool.Query(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var kind string
		if err := rows.Scan(&c.ID, &c.DocumentID, &kind, &c.ParentID, &c.Index,
			&c.Start, &c.End, &c.Content, &c.ModelVersion, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Kind = models.ChunkKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteDocument removes all chunks of a document and reports how many rows went.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (int64, error) {
	if strings.TrimSpace(documentID) == "" {
		return 0, errors.New("delete: document id is required")
	}
	ctx, cancel := s.writeContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("delete %s: %w", documentID, err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", documentID, err)
	}
	return tag.RowsAffected(), nil
}

// FlagEnabled reads a runtime feature flag. Unknown flags are disabled.
func (s *Store) FlagEnabled(ctx context.Context, key string) (bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx, `SELECT enabled FROM feature_flags WHERE key = $1`, key).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return enabled, nil
}

// SetFlag creates or updates a feature flag.
func (s *Store) SetFlag(ctx context.Context, key string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO feature_flags (key, enabled, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`, key, enabled)
	return err
}

// Lookup returns the display names recorded for a document. Missing
// documents yield empty strings.
func (s *Store) Lookup(ctx context.Context, documentID, caseID string) (string, string, error) {
	const q = `
SELECT COALESCE(max(document_name), ''), COALESCE(max(case_label), '')
FROM document_chunks
WHERE document_id = $1 AND case_id = $2`
	var name, label string
	if err := s.pool.QueryRow(ctx, q, documentID, caseID).Scan(&name, &label); err != nil {
		return "", "", fmt.Errorf("lookup %s: %w", documentID, err)
	}
	return name, label, nil
}
