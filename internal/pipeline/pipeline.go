package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PBaumfalk/ai-lawyer/internal/chunker"
	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInvalidJob marks jobs that can never succeed, so retrying is pointless.
var ErrInvalidJob = errors.New("invalid pipeline job")

type Stage string

const (
	StageReceived            Stage = "RECEIVED"
	StageChunked             Stage = "CHUNKED"
	StageEmbedding           Stage = "EMBEDDING"
	StageStored              Stage = "STORED"
	StageDownstreamTriggered Stage = "DOWNSTREAM_TRIGGERED"
)

const (
	DefaultAnalysisFlag    = "document_analysis"
	DefaultAnalysisJobType = "document-analysis"
)

type Embedder interface {
	IsAvailable(ctx context.Context) bool
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	BatchSize() int
	ModelVersion() string
}

type Indexer interface {
	Reindex(ctx context.Context, ref models.DocumentRef, groups []models.ParentGroup, modelVersion string) error
}

type ProgressReporter interface {
	ReportProgress(ctx context.Context, jobID string, percent int) error
}

type AnalysisQueue interface {
	EnqueueAnalysis(ctx context.Context, job models.AnalysisJob) error
}

type FlagReader interface {
	Enabled(ctx context.Context, key string) (bool, error)
}

type Config struct {
	AnalysisFlag    string
	AnalysisJobType string
}

// Orchestrator drives one document through chunk, embed and store, then
// optionally triggers the analysis stage.
type Orchestrator struct {
	embedder Embedder
	indexer  Indexer
	analysis AnalysisQueue
	flags    FlagReader
	cfg      Config
	chunk    func(text string) []models.ParentGroup
}

// New returns an Orchestrator. analysis and flags may be nil, which disables
// the downstream trigger.
func New(emb Embedder, idx Indexer, analysis AnalysisQueue, flags FlagReader, cfg Config) *Orchestrator {
	if cfg.AnalysisFlag == "" {
		cfg.AnalysisFlag = DefaultAnalysisFlag
	}
	if cfg.AnalysisJobType == "" {
		cfg.AnalysisJobType = DefaultAnalysisJobType
	}
	return &Orchestrator{
		embedder: emb,
		indexer:  idx,
		analysis: analysis,
		flags:    flags,
		cfg:      cfg,
		chunk:    chunker.ChunkParentChild,
	}
}

// Result describes how far a job got.
type Result struct {
	Stage    Stage  `json:"stage"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
	Parents  int    `json:"parents"`
	Children int    `json:"children"`
}

// Process runs the pipeline for job. Skips (backend down, nothing to chunk)
// return a nil error; embedding and storage failures are returned so the
// queue can retry, and nothing is stored in that case.
func (o *Orchestrator) Process(ctx context.Context, job models.PipelineJob, reporter ProgressReporter) (Result, error) {
	logger := log.With().
		Str("job_id", job.JobID).
		Str("document_id", job.DocumentID).
		Str("case_id", job.CaseID).
		Logger()
	res := Result{Stage: StageReceived}

	if strings.TrimSpace(job.DocumentID) == "" {
		return res, fmt.Errorf("%w: missing document id", ErrInvalidJob)
	}

	if !o.embedder.IsAvailable(ctx) {
		logger.Warn().Msg("embedding backend unavailable, skipping document")
		res.Skipped, res.Reason = true, "embedding backend unavailable"
		return res, nil
	}

	groups := o.chunk(job.Text)
	if len(groups) == 0 {
		logger.Info().Msg("no text to chunk, skipping document")
		res.Skipped, res.Reason = true, "no chunks"
		return res, nil
	}
	res.Stage = StageChunked
	res.Parents = len(groups)
	for _, g := range groups {
		res.Children += len(g.Children)
	}
	logger.Debug().Int("parents", res.Parents).Int("children", res.Children).Str("stage", string(res.Stage)).Msg("chunked")

	res.Stage = StageEmbedding
	if err := o.embedAll(ctx, job.JobID, groups, res.Children, reporter, logger); err != nil {
		return res, err
	}

	modelVersion := o.embedder.ModelVersion()
	if err := o.indexer.Reindex(ctx, job.Ref(), groups, modelVersion); err != nil {
		return res, fmt.Errorf("store chunks: %w", err)
	}
	res.Stage = StageStored
	o.report(ctx, reporter, job.JobID, 100, logger)
	logger.Info().Int("children", res.Children).Str("model_version", modelVersion).Msg("document embedded")

	if o.triggerAnalysis(ctx, job, groups, modelVersion, logger) {
		res.Stage = StageDownstreamTriggered
	}
	return res, nil
}

// embedAll fills in every child's embedding in place, reporting progress
// after each batch.
func (o *Orchestrator) embedAll(ctx context.Context, jobID string, groups []models.ParentGroup, total int, reporter ProgressReporter, logger zerolog.Logger) error {
	size := o.embedder.BatchSize()
	if size <= 0 {
		size = 1
	}
	done := 0
	for gi := range groups {
		children := groups[gi].Children
		for start := 0; start < len(children); start += size {
			end := start + size
			if end > len(children) {
				end = len(children)
			}
			texts := make([]string, 0, end-start)
			for _, c := range children[start:end] {
				texts = append(texts, c.Content)
			}
			vecs, err := o.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return fmt.Errorf("embed parent %d: %w", gi, err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embed parent %d: got %d vectors for %d texts", gi, len(vecs), len(texts))
			}
			for i, v := range vecs {
				children[start+i].Embedding = v
			}
			done += len(texts)
			o.report(ctx, reporter, jobID, done*100/total, logger)
		}
	}
	return nil
}

func (o *Orchestrator) report(ctx context.Context, reporter ProgressReporter, jobID string, pct int, logger zerolog.Logger) {
	if reporter == nil {
		return
	}
	if err := reporter.ReportProgress(ctx, jobID, pct); err != nil {
		logger.Warn().Err(err).Int("progress", pct).Msg("progress report failed")
	}
}

func (o *Orchestrator) triggerAnalysis(ctx context.Context, job models.PipelineJob, groups []models.ParentGroup, modelVersion string, logger zerolog.Logger) bool {
	if o.analysis == nil || o.flags == nil {
		return false
	}
	enabled := false
	BestEffort(ctx, "read analysis flag", func(ctx context.Context) error {
		on, err := o.flags.Enabled(ctx, o.cfg.AnalysisFlag)
		if err != nil {
			return err
		}
		enabled = on
		return nil
	})
	if !enabled {
		return false
	}

	aj := models.AnalysisJob{
		Type:    o.cfg.AnalysisJobType,
		ID:      job.DocumentID,
		CaseID:  job.CaseID,
		Content: childText(groups),
		Metadata: map[string]string{
			"document_id":   job.DocumentID,
			"document_name": job.DocumentName,
			"case_label":    job.CaseLabel,
			"job_id":        job.JobID,
			"model_version": modelVersion,
		},
	}
	ok := BestEffort(ctx, "enqueue analysis", func(ctx context.Context) error {
		return o.analysis.EnqueueAnalysis(ctx, aj)
	})
	if ok {
		logger.Info().Str("type", aj.Type).Msg("analysis job enqueued")
	}
	return ok
}

// childText joins all child chunks in index order.
func childText(groups []models.ParentGroup) string {
	var parts []string
	for _, g := range groups {
		for _, c := range g.Children {
			parts = append(parts, c.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
