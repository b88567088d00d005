package models

import "time"

type ChunkKind string

const (
	ChunkParent ChunkKind = "PARENT"
	ChunkChild  ChunkKind = "CHILD"
)

// Chunk is a span of document text. Only CHILD chunks carry an embedding.
type Chunk struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	Kind         ChunkKind `json:"kind"`
	ParentID     string    `json:"parent_id,omitempty"`
	Index        int       `json:"index"`
	Start        int       `json:"start"`
	End          int       `json:"end"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"-"`
	ModelVersion string    `json:"model_version,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ParentGroup is one parent chunk together with the children split from it.
type ParentGroup struct {
	Parent   Chunk   `json:"parent"`
	Children []Chunk `json:"children"`
}

// DocumentRef identifies the document a chunk set belongs to.
type DocumentRef struct {
	DocumentID   string `json:"document_id"`
	CaseID       string `json:"case_id"`
	DocumentName string `json:"document_name,omitempty"`
	CaseLabel    string `json:"case_label,omitempty"`
}

type RetrievalSource string

const (
	SourceLexical RetrievalSource = "lexical"
	SourceVector  RetrievalSource = "vector"
)

// Candidate is a query-scoped retrieval result. It is never persisted.
type Candidate struct {
	ChunkID       string            `json:"chunk_id"`
	DocumentID    string            `json:"document_id"`
	DocumentName  string            `json:"document_name"`
	CaseID        string            `json:"case_id"`
	CaseLabel     string            `json:"case_label"`
	Content       string            `json:"content"`
	ChunkKind     ChunkKind         `json:"chunk_kind"`
	ParentChunkID string            `json:"parent_chunk_id,omitempty"`
	Similarity    float64           `json:"similarity,omitempty"`
	LexicalScore  float64           `json:"lexical_score,omitempty"`
	FusedScore    float64           `json:"fused_score"`
	Sources       []RetrievalSource `json:"sources"`
	RerankScore   *float64          `json:"rerank_score,omitempty"`
}

// HasSource reports whether src surfaced the candidate.
func (c Candidate) HasSource(src RetrievalSource) bool {
	for _, s := range c.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// PipelineJob is the queue record consumed by the pipeline worker.
type PipelineJob struct {
	JobID        string `json:"job_id"`
	DocumentID   string `json:"document_id"`
	CaseID       string `json:"case_id"`
	DocumentName string `json:"document_name,omitempty"`
	CaseLabel    string `json:"case_label,omitempty"`
	Text         string `json:"text"`
}

// Ref returns the document reference carried by the job.
func (j PipelineJob) Ref() DocumentRef {
	return DocumentRef{
		DocumentID:   j.DocumentID,
		CaseID:       j.CaseID,
		DocumentName: j.DocumentName,
		CaseLabel:    j.CaseLabel,
	}
}

type JobProgress struct {
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	Progress   int       `json:"progress"`
	At         time.Time `json:"at"`
}

// AnalysisJob is the follow-on job enqueued after a document has been embedded.
type AnalysisJob struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	CaseID   string            `json:"case_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DocumentDeletion asks the workers to drop every chunk of a document.
type DocumentDeletion struct {
	DocumentID string `json:"document_id"`
	CaseID     string `json:"case_id,omitempty"`
}

type Stats struct {
	EmbeddedChunks int64    `json:"embedded_chunks"`
	Documents      int64    `json:"documents"`
	ModelVersions  []string `json:"model_versions"`
}
