package queue

import (
	"context"
	"time"

	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/google/uuid"
)

// JobPublisher enqueues pipeline jobs.
type JobPublisher struct {
	pub     Publisher
	subject string
}

func NewJobPublisher(pub Publisher) *JobPublisher {
	return &JobPublisher{pub: pub, subject: SubjectJobs}
}

// Enqueue publishes job, assigning a job id when it has none. It returns the id.
func (p *JobPublisher) Enqueue(ctx context.Context, job models.PipelineJob) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	return job.JobID, Publish(ctx, p.pub, p.subject, job)
}

// ProgressPublisher reports job progress on SubjectProgress.
type ProgressPublisher struct {
	pub     Publisher
	subject string
	now     func() time.Time
}

func NewProgressPublisher(pub Publisher) *ProgressPublisher {
	return &ProgressPublisher{pub: pub, subject: SubjectProgress, now: time.Now}
}

// ForJob binds the publisher to one job's document.
func (p *ProgressPublisher) ForJob(job models.PipelineJob) *JobReporter {
	return &JobReporter{p: p, documentID: job.DocumentID}
}

// JobReporter reports the progress of a single job.
type JobReporter struct {
	p          *ProgressPublisher
	documentID string
}

func (r *JobReporter) ReportProgress(ctx context.Context, jobID string, percent int) error {
	return Publish(ctx, r.p.pub, r.p.subject, models.JobProgress{
		JobID:      jobID,
		DocumentID: r.documentID,
		Progress:   percent,
		At:         r.p.now().UTC(),
	})
}

// AnalysisEnqueuer hands embedded documents to the analysis stage.
type AnalysisEnqueuer struct {
	pub     Publisher
	subject string
}

func NewAnalysisEnqueuer(pub Publisher) *AnalysisEnqueuer {
	return &AnalysisEnqueuer{pub: pub, subject: SubjectAnalysis}
}

func (a *AnalysisEnqueuer) EnqueueAnalysis(ctx context.Context, job models.AnalysisJob) error {
	return Publish(ctx, a.pub, a.subject, job)
}
