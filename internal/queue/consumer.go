package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/PBaumfalk/ai-lawyer/internal/pipeline"
	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Processor runs one pipeline job.
type Processor interface {
	Process(ctx context.Context, job models.PipelineJob, reporter pipeline.ProgressReporter) (pipeline.Result, error)
}

// Conn is the part of *nats.Conn the consumer needs.
type Conn interface {
	Publisher
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Deleter removes every stored chunk of a document.
type Deleter interface {
	DeleteDocument(ctx context.Context, documentID string) (int64, error)
}

type ConsumerOptions struct {
	Workers      int
	MaxRetries   int
	DrainTimeout time.Duration

	// Deleter, when set, also consumes SubjectDelete.
	Deleter Deleter
}

// Consumer pulls pipeline jobs from SubjectJobs, and deletions from
// SubjectDelete, and hands them to a pool of workers. Work for the same
// document never runs concurrently.
type Consumer struct {
	conn     Conn
	proc     Processor
	progress *ProgressPublisher
	opts     ConsumerOptions
	locks    *keyedMutex
}

func NewConsumer(conn Conn, proc Processor, opts ConsumerOptions) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = MaxRetries
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	return &Consumer{
		conn:     conn,
		proc:     proc,
		progress: NewProgressPublisher(conn),
		opts:     opts,
		locks:    newKeyedMutex(),
	}
}

type dlqMessage struct {
	Job      *models.PipelineJob      `json:"job,omitempty"`
	Deletion *models.DocumentDeletion `json:"deletion,omitempty"`
	Subject  string                   `json:"subject"`
	Raw      string                   `json:"raw,omitempty"`
	Error    string                   `json:"error"`
	Retries  int                      `json:"retries"`
}

// Run consumes until ctx is cancelled, then drains the subscriptions and
// waits for in-flight jobs to finish.
func (c *Consumer) Run(ctx context.Context) error {
	work := make(chan *nats.Msg, c.opts.Workers*2)
	stop := make(chan struct{})

	enqueue := enqueuer(work, stop)

	subjects := []string{SubjectJobs}
	if c.opts.Deleter != nil {
		subjects = append(subjects, SubjectDelete)
	}
	var subs []*nats.Subscription
	for _, subject := range subjects {
		sub, err := c.conn.QueueSubscribe(subject, QueueGroup, enqueue)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	log.Info().Int("workers", c.opts.Workers).Strs("subjects", subjects).Msg("pipeline consumer started")

	// In-flight jobs outlive ctx so shutdown does not abort a half-embedded document.
	jobCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")
			for {
				select {
				case msg := <-work:
					c.dispatch(jobCtx, msg)
				case <-stop:
					for {
						select {
						case msg := <-work:
							c.dispatch(jobCtx, msg)
						default:
							log.Debug().Int("worker", workerID).Msg("worker finished")
							return
						}
					}
				}
			}
		}(i)
	}

	<-ctx.Done()
	log.Info().Msg("draining pipeline consumer")
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("drain failed")
		}
	}
	deadline := time.Now().Add(c.opts.DrainTimeout)
	for anyValid(subs) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	close(stop)
	wg.Wait()
	return nil
}

// enqueuer hands messages to the workers. It must not block once stop is
// closed, or Drain never completes.
func enqueuer(work chan<- *nats.Msg, stop <-chan struct{}) nats.MsgHandler {
	return func(msg *nats.Msg) {
		select {
		case work <- msg:
		case <-stop:
			log.Warn().Str("subject", msg.Subject).Msg("consumer stopped, message not processed")
		}
	}
}

func anyValid(subs []*nats.Subscription) bool {
	for _, s := range subs {
		if s.IsValid() {
			return true
		}
	}
	return false
}

func (c *Consumer) dispatch(ctx context.Context, msg *nats.Msg) {
	if msg.Subject == SubjectDelete {
		c.handleDelete(ctx, msg)
		return
	}
	c.handle(ctx, msg)
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	retries := retryCount(msg)

	var job models.PipelineJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		log.Error().Err(err).Msg("malformed pipeline job")
		c.deadLetter(ctx, dlqMessage{Subject: msg.Subject, Raw: string(msg.Data), Error: err.Error(), Retries: retries})
		return
	}

	ctx = extractContext(ctx, msg)
	logger := log.With().Str("job_id", job.JobID).Str("document_id", job.DocumentID).Logger()

	unlock := c.locks.Lock(job.DocumentID)
	res, err := c.proc.Process(ctx, job, c.progress.ForJob(job))
	unlock()

	if err == nil {
		logger.Info().Str("stage", string(res.Stage)).Bool("skipped", res.Skipped).Msg("pipeline job done")
		return
	}

	retries++
	logger.Error().Err(err).Int("retry", retries).Str("stage", string(res.Stage)).Msg("pipeline job failed")
	if errors.Is(err, pipeline.ErrInvalidJob) || retries > c.opts.MaxRetries {
		c.deadLetter(ctx, dlqMessage{Job: &job, Subject: msg.Subject, Error: err.Error(), Retries: retries})
		return
	}
	c.retry(msg, retries)
}

// handleDelete removes a document's chunks under the same per-document lock
// that guards reindexing, so a delete cannot interleave with a running job.
func (c *Consumer) handleDelete(ctx context.Context, msg *nats.Msg) {
	retries := retryCount(msg)

	var del models.DocumentDeletion
	if err := json.Unmarshal(msg.Data, &del); err != nil || del.DocumentID == "" {
		if err == nil {
			err = errors.New("document id is required")
		}
		log.Error().Err(err).Msg("malformed deletion")
		c.deadLetter(ctx, dlqMessage{Subject: msg.Subject, Raw: string(msg.Data), Error: err.Error(), Retries: retries})
		return
	}

	ctx = extractContext(ctx, msg)
	logger := log.With().Str("document_id", del.DocumentID).Str("case_id", del.CaseID).Logger()

	unlock := c.locks.Lock(del.DocumentID)
	n, err := c.opts.Deleter.DeleteDocument(ctx, del.DocumentID)
	unlock()

	if err == nil {
		logger.Info().Int64("chunks", n).Msg("document deleted")
		return
	}

	retries++
	logger.Error().Err(err).Int("retry", retries).Msg("document delete failed")
	if retries > c.opts.MaxRetries {
		c.deadLetter(ctx, dlqMessage{Deletion: &del, Subject: msg.Subject, Error: err.Error(), Retries: retries})
		return
	}
	c.retry(msg, retries)
}

// retry republishes msg to its own subject with the retry count bumped.
func (c *Consumer) retry(msg *nats.Msg, retries int) {
	retry := nats.NewMsg(msg.Subject)
	retry.Data = msg.Data
	retry.Header = nats.Header{}
	for k, v := range msg.Header {
		retry.Header[k] = v
	}
	retry.Header.Set(RetryHeader, strconv.Itoa(retries))
	if err := c.conn.PublishMsg(retry); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("retry publish failed")
	}
}

func (c *Consumer) deadLetter(ctx context.Context, m dlqMessage) {
	if err := Publish(ctx, c.conn, SubjectDLQ, m); err != nil {
		log.Error().Err(err).Msg("dead-letter publish failed")
	}
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
