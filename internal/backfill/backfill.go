// Package backfill re-indexes a directory tree of extracted document texts.
//
// The expected layout is <root>/<caseID>/<documentID>.txt. Hidden directories
// and files without a .txt extension are ignored.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PBaumfalk/ai-lawyer/internal/pipeline"
	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/google/uuid"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Sink receives one job per discovered document.
type Sink interface {
	Submit(ctx context.Context, job models.PipelineJob) error
}

// Enqueuer is satisfied by *queue.JobPublisher.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.PipelineJob) (string, error)
}

// QueueSink hands jobs to the worker fleet.
type QueueSink struct {
	Queue Enqueuer
}

func (s QueueSink) Submit(ctx context.Context, job models.PipelineJob) error {
	id, err := s.Queue.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	log.Debug().Str("job_id", id).Str("document_id", job.DocumentID).Msg("job enqueued")
	return nil
}

// Processor is satisfied by *pipeline.Orchestrator.
type Processor interface {
	Process(ctx context.Context, job models.PipelineJob, reporter pipeline.ProgressReporter) (pipeline.Result, error)
}

// InlineSink runs the pipeline in-process. Skipped documents are not errors.
type InlineSink struct {
	Processor Processor
	Reporter  pipeline.ProgressReporter
}

func (s InlineSink) Submit(ctx context.Context, job models.PipelineJob) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	res, err := s.Processor.Process(ctx, job, s.Reporter)
	if err != nil {
		return err
	}
	log.Info().
		Str("document_id", job.DocumentID).
		Str("stage", string(res.Stage)).
		Bool("skipped", res.Skipped).
		Int("children", res.Children).
		Msg("document processed")
	return nil
}

// Summary counts what a run did.
type Summary struct {
	Files     int64 `json:"files"`
	Submitted int64 `json:"submitted"`
	Failed    int64 `json:"failed"`
	Ignored   int64 `json:"ignored"`
}

// Backfill walks Root and submits every document it finds.
type Backfill struct {
	Root       string
	Sink       Sink
	Workers    int
	CaseFilter string
	Walker     FileSystemWalker
	FileReader FileReader
}

// New creates a Backfill over root using the real file system.
func New(root string, sink Sink, workers int) *Backfill {
	return &Backfill{
		Root:       root,
		Sink:       sink,
		Workers:    workers,
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

// workItem represents a file to be processed
type workItem struct {
	path string
	job  models.PipelineJob
}

// Run walks the tree and feeds a worker pool. Individual submit failures are
// logged and counted; Run only fails when the walk itself fails or ctx ends.
func (b *Backfill) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	if b.Sink == nil {
		return sum, errors.New("backfill: no sink configured")
	}

	numWorkers := b.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
		if numWorkers > 8 {
			numWorkers = 8 // Cap at 8 to avoid overwhelming the embedding backend
		}
	}
	log.Info().Int("workers", numWorkers).Str("root", b.Root).Msg("starting backfill")

	workChan := make(chan workItem, numWorkers*2)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")
			for item := range workChan {
				if err := b.Sink.Submit(ctx, item.job); err != nil {
					atomic.AddInt64(&sum.Failed, 1)
					log.Error().Err(err).Str("path", item.path).Str("document_id", item.job.DocumentID).Msg("submit failed")
					continue
				}
				atomic.AddInt64(&sum.Submitted, 1)
			}
		}(i)
	}

	walkErr := b.Walker.Walk(b.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// de is nil when driven by a test walker
			if de != nil && de.IsDir() {
				if path != b.Root && isHidden(de.Name()) {
					return godirwalk.SkipThis
				}
				return nil
			}

			job, ok := b.jobFor(path)
			if !ok {
				atomic.AddInt64(&sum.Ignored, 1)
				return nil
			}
			atomic.AddInt64(&sum.Files, 1)

			content, err := b.FileReader.ReadFile(path)
			if err != nil {
				atomic.AddInt64(&sum.Failed, 1)
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			job.Text = string(content)

			select {
			case workChan <- workItem{path: path, job: job}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	close(workChan)
	wg.Wait()

	log.Info().
		Int64("files", sum.Files).
		Int64("submitted", sum.Submitted).
		Int64("failed", sum.Failed).
		Int64("ignored", sum.Ignored).
		Msg("backfill finished")

	if walkErr != nil {
		return sum, fmt.Errorf("walk %s: %w", b.Root, walkErr)
	}
	return sum, nil
}

// jobFor maps <root>/<case>/<doc>.txt onto a job. Anything else is ignored.
func (b *Backfill) jobFor(path string) (models.PipelineJob, bool) {
	if !strings.EqualFold(filepath.Ext(path), ".txt") {
		return models.PipelineJob{}, false
	}
	relPath, err := filepath.Rel(b.Root, path)
	if err != nil {
		return models.PipelineJob{}, false
	}
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) != 2 {
		return models.PipelineJob{}, false
	}
	for _, p := range parts {
		if isHidden(p) || p == ".." {
			return models.PipelineJob{}, false
		}
	}
	caseID := parts[0]
	if b.CaseFilter != "" && caseID != b.CaseFilter {
		return models.PipelineJob{}, false
	}
	name := parts[1]
	docID := strings.TrimSuffix(name, filepath.Ext(name))
	if docID == "" {
		return models.PipelineJob{}, false
	}
	return models.PipelineJob{
		DocumentID:   docID,
		CaseID:       caseID,
		DocumentName: name,
	}, true
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
