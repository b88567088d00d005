package backfill

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/PBaumfalk/ai-lawyer/internal/pipeline"
	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockFileSystemWalker calls the callback once per file with a nil Dirent.
type MockFileSystemWalker struct {
	FilesToProcess []string
	WalkError      error
}

func (m *MockFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	if m.WalkError != nil {
		return m.WalkError
	}
	for _, filePath := range m.FilesToProcess {
		if err := options.Callback(filePath, nil); err != nil {
			return err
		}
	}
	return nil
}

// MockFileReader implements FileReader for testing
type MockFileReader struct {
	ReadFileFunc func(filename string) ([]byte, error)
	Files        map[string]string // path -> content
}

func (m *MockFileReader) ReadFile(filename string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(filename)
	}
	if content, exists := m.Files[filename]; exists {
		return []byte(content), nil
	}
	return nil, errors.New("file not found")
}

// MockSink records submitted jobs.
type MockSink struct {
	SubmitFunc func(ctx context.Context, job models.PipelineJob) error

	mu   sync.Mutex
	Jobs []models.PipelineJob
}

func (m *MockSink) Submit(ctx context.Context, job models.PipelineJob) error {
	if m.SubmitFunc != nil {
		if err := m.SubmitFunc(ctx, job); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Jobs = append(m.Jobs, job)
	return nil
}

func (m *MockSink) sorted() []models.PipelineJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.PipelineJob(nil), m.Jobs...)
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

func TestBackfill_Run(t *testing.T) {
	files := map[string]string{
		"/data/case-1/doc-a.txt":     "Tenor\nDie Klage wird abgewiesen.",
		"/data/case-1/doc-b.TXT":     "Tatbestand\nDer Kläger begehrt Schadensersatz.",
		"/data/case-2/doc-c.txt":     "Gründe\nDie Berufung ist unbegründet.",
		"/data/case-1/scan.pdf":      "%PDF",
		"/data/notes.txt":            "top-level file without a case",
		"/data/case-1/sub/doc-d.txt": "too deep",
		"/data/.trash/doc-e.txt":     "hidden dir",
		"/data/case-2/.draft.txt":    "hidden file",
	}
	var paths []string
	for p := range files {
		paths = append(paths, p)
	}

	sink := &MockSink{}
	b := &Backfill{
		Root:       "/data",
		Sink:       sink,
		Workers:    2,
		Walker:     &MockFileSystemWalker{FilesToProcess: paths},
		FileReader: &MockFileReader{Files: files},
	}

	sum, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Files != 3 || sum.Submitted != 3 || sum.Failed != 0 || sum.Ignored != 5 {
		t.Errorf("unexpected summary %+v", sum)
	}

	got := sink.sorted()
	want := []models.PipelineJob{
		{DocumentID: "doc-a", CaseID: "case-1", DocumentName: "doc-a.txt", Text: files["/data/case-1/doc-a.txt"]},
		{DocumentID: "doc-b", CaseID: "case-1", DocumentName: "doc-b.TXT", Text: files["/data/case-1/doc-b.TXT"]},
		{DocumentID: "doc-c", CaseID: "case-2", DocumentName: "doc-c.txt", Text: files["/data/case-2/doc-c.txt"]},
	}
	if len(got) != len(want) {
		t.Fatalf("submitted %d jobs, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("job %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBackfill_CaseFilter(t *testing.T) {
	files := map[string]string{
		"/data/case-1/doc-a.txt": "a",
		"/data/case-2/doc-b.txt": "b",
	}
	sink := &MockSink{}
	b := &Backfill{
		Root:       "/data",
		Sink:       sink,
		Workers:    1,
		CaseFilter: "case-2",
		Walker:     &MockFileSystemWalker{FilesToProcess: []string{"/data/case-1/doc-a.txt", "/data/case-2/doc-b.txt"}},
		FileReader: &MockFileReader{Files: files},
	}
	if _, err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got := sink.sorted()
	if len(got) != 1 || got[0].CaseID != "case-2" {
		t.Errorf("CaseFilter let through %+v", got)
	}
}

func TestBackfill_Failures(t *testing.T) {
	tests := []struct {
		name          string
		walker        *MockFileSystemWalker
		reader        *MockFileReader
		submit        func(ctx context.Context, job models.PipelineJob) error
		wantErr       bool
		wantSubmitted int64
		wantFailed    int64
	}{
		{
			name:    "walk error",
			walker:  &MockFileSystemWalker{WalkError: errors.New("permission denied")},
			reader:  &MockFileReader{},
			wantErr: true,
		},
		{
			name:       "read error is counted",
			walker:     &MockFileSystemWalker{FilesToProcess: []string{"/data/c/d1.txt", "/data/c/d2.txt"}},
			reader:     &MockFileReader{Files: map[string]string{"/data/c/d1.txt": "x"}},
			wantFailed: 1, wantSubmitted: 1,
		},
		{
			name:   "submit error is counted",
			walker: &MockFileSystemWalker{FilesToProcess: []string{"/data/c/d1.txt", "/data/c/d2.txt"}},
			reader: &MockFileReader{Files: map[string]string{"/data/c/d1.txt": "x", "/data/c/d2.txt": "y"}},
			submit: func(_ context.Context, job models.PipelineJob) error {
				if job.DocumentID == "d2" {
					return errors.New("nats: timeout")
				}
				return nil
			},
			wantFailed: 1, wantSubmitted: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Backfill{
				Root:       "/data",
				Sink:       &MockSink{SubmitFunc: tt.submit},
				Workers:    2,
				Walker:     tt.walker,
				FileReader: tt.reader,
			}
			sum, err := b.Run(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if sum.Submitted != tt.wantSubmitted || sum.Failed != tt.wantFailed {
				t.Errorf("summary = %+v", sum)
			}
		})
	}
}

func TestBackfill_NoSink(t *testing.T) {
	b := New("/data", nil, 1)
	if _, err := b.Run(context.Background()); err == nil {
		t.Fatal("expected error without a sink")
	}
}

func TestBackfill_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &MockSink{SubmitFunc: func(ctx context.Context, _ models.PipelineJob) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	var paths []string
	for _, d := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		paths = append(paths, "/data/c/"+d+".txt")
	}
	b := &Backfill{
		Root:    "/data",
		Sink:    sink,
		Workers: 1,
		Walker:  &MockFileSystemWalker{FilesToProcess: paths},
		FileReader: &MockFileReader{ReadFileFunc: func(name string) ([]byte, error) {
			if name == paths[1] {
				cancel()
			}
			return []byte(name), nil
		}},
	}
	sum, err := b.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if sum.Files > 2 {
		t.Errorf("walk continued after cancellation: %+v", sum)
	}
}

func TestBackfill_RealFileSystem(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		t.Helper()
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("case-1/doc-a.txt", "Leitsatz\nEin Satz.")
	write("case-1/doc-a.json", "{}")
	write(".cache/case-x/doc-z.txt", "hidden")
	write("case-2/doc-b.txt", "Tenor\nDie Klage wird abgewiesen.")

	sink := &MockSink{}
	sum, err := New(root, sink, 2).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got := sink.sorted()
	if len(got) != 2 || got[0].DocumentID != "doc-a" || got[1].CaseID != "case-2" {
		t.Errorf("unexpected jobs %+v", got)
	}
	if sum.Submitted != 2 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

type mockEnqueuer struct {
	jobs []models.PipelineJob
	err  error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, job models.PipelineJob) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.jobs = append(m.jobs, job)
	return "job-1", nil
}

func TestQueueSink(t *testing.T) {
	q := &mockEnqueuer{}
	if err := (QueueSink{Queue: q}).Submit(context.Background(), models.PipelineJob{DocumentID: "d"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0].DocumentID != "d" {
		t.Errorf("enqueued %+v", q.jobs)
	}
	q.err = errors.New("no responders")
	if err := (QueueSink{Queue: q}).Submit(context.Background(), models.PipelineJob{DocumentID: "d"}); err == nil {
		t.Error("expected enqueue error")
	}
}

type mockProcessor struct {
	res pipeline.Result
	err error
}

func (m mockProcessor) Process(context.Context, models.PipelineJob, pipeline.ProgressReporter) (pipeline.Result, error) {
	return m.res, m.err
}

func TestInlineSink(t *testing.T) {
	skipped := InlineSink{Processor: mockProcessor{res: pipeline.Result{Stage: pipeline.StageReceived, Skipped: true}}}
	if err := skipped.Submit(context.Background(), models.PipelineJob{DocumentID: "d"}); err != nil {
		t.Errorf("skipped document should not fail: %v", err)
	}
	failing := InlineSink{Processor: mockProcessor{err: errors.New("store down")}}
	if err := failing.Submit(context.Background(), models.PipelineJob{DocumentID: "d"}); err == nil {
		t.Error("expected processing error")
	}
}
