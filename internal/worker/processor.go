package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

// JobStore is the subset of store operations the processor drives.
type JobStore interface {
	ClaimQueued(ctx context.Context, jobID string) (*domain.Job, error)
	SetCompletedIfRunning(ctx context.Context, jobID string) (bool, error)
	SetFailed(ctx context.Context, jobID, errorMessage string) error
	RequeueDelayed(ctx context.Context, jobID string) error
	OrganizationExists(ctx context.Context, organizationID string) (bool, error)
	AppendExecutionDetail(ctx context.Context, detail *domain.ExecutionDetail) error
}

// LastFailedJobHandler drives the fallback path when a retryable job
// exhausts its retries.
type LastFailedJobHandler interface {
	HandleLastFailedJob(ctx context.Context, job *domain.Job) error
}

// DelayedPublisher schedules a redelivery of the raw message body after the
// given delay, using the queue's native retry scheduling.
type DelayedPublisher interface {
	PublishDelayed(ctx context.Context, body []byte, delay time.Duration) error
}

// Processor executes one claimed job and resolves its terminal status.
type Processor struct {
	store       JobStore
	executors   *Registry
	backoff     BackoffStrategy
	lastFailed  LastFailedJobHandler
	publisher   DelayedPublisher
	maxAttempts int
	jobTimeout  time.Duration
	logger      *slog.Logger
}

// ProcessorConfig holds Processor dependencies.
type ProcessorConfig struct {
	Store       JobStore
	Executors   *Registry
	Backoff     BackoffStrategy
	LastFailed  LastFailedJobHandler
	Publisher   DelayedPublisher
	MaxAttempts int
	JobTimeout  time.Duration
	Logger      *slog.Logger
}

// NewProcessor creates a new Processor.
func NewProcessor(cfg *ProcessorConfig) *Processor {
	return &Processor{
		store:       cfg.Store,
		executors:   cfg.Executors,
		backoff:     cfg.Backoff,
		lastFailed:  cfg.LastFailed,
		publisher:   cfg.Publisher,
		maxAttempts: cfg.MaxAttempts,
		jobTimeout:  cfg.JobTimeout,
		logger:      cfg.Logger,
	}
}

// Process runs one job message end to end. A nil return acks the message;
// an error nacks it for redelivery so a recovered dependency can finish the
// job. Step retries are scheduled through the delayed queue, never through
// blind redelivery.
func (p *Processor) Process(ctx context.Context, msg *JobMessage, rawBody []byte) error {
	// The organization may have been deleted after scheduling; its jobs are
	// dropped without error.
	exists, err := p.store.OrganizationExists(ctx, msg.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to verify organization: %w", err)
	}
	if !exists {
		p.logger.Info("Dropping job of deleted organization",
			slog.String("job_id", msg.JobID),
			slog.String("organization_id", msg.OrganizationID),
		)
		return nil
	}

	job, err := p.store.ClaimQueued(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			p.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", msg.JobID),
			)
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}

	if execErr := p.execute(ctx, job); execErr != nil {
		return p.handleFailure(ctx, job, rawBody, execErr)
	}

	changed, err := p.store.SetCompletedIfRunning(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if !changed {
		// Canceled mid-flight by another actor; cancellation wins.
		p.recordDetail(ctx, job.JobID, "Completion skipped, job no longer running", domain.DetailStatusSuccess, "")
		return nil
	}

	p.recordDetail(ctx, job.JobID, "Step execution completed", domain.DetailStatusSuccess, "")
	return nil
}

// execute runs the step's business logic inside a traced unit of work.
func (p *Processor) execute(ctx context.Context, job *domain.Job) error {
	executor, err := p.executors.Get(job.Type)
	if err != nil {
		return err
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	span := startSpan(p.logger, "job.execute",
		slog.String("job_id", job.JobID),
		slog.String("type", string(job.Type)),
		slog.String("transaction_id", job.TransactionID),
	)
	execErr := executor.Execute(jobCtx, job)
	span.End(execErr)

	return execErr
}

// handleFailure classifies the execution error and resolves the job. A
// non-retryable error, or a retryable one out of attempts, marks the job
// FAILED; exhausted retryables additionally run the last-failed-job handler;
// everything else gets a delayed redelivery.
func (p *Processor) handleFailure(ctx context.Context, job *domain.Job, rawBody []byte, execErr error) error {
	retryable := p.backoff.ShouldRetry(execErr)
	hasReachedMaxAttempts := job.Attempts >= p.maxAttempts
	decision := DecideFailure(retryable, hasReachedMaxAttempts)

	p.logger.Error("Job execution failed",
		slog.String("job_id", job.JobID),
		slog.String("type", string(job.Type)),
		slog.Int("attempts", job.Attempts),
		slog.Bool("retryable", retryable),
		slog.Any("error", execErr),
	)

	if decision.Retry {
		delay := p.backoff.Delay(job.Attempts, execErr)

		if err := p.store.RequeueDelayed(ctx, job.JobID); err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		if err := p.publisher.PublishDelayed(ctx, rawBody, delay); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}

		p.recordDetail(ctx, job.JobID,
			fmt.Sprintf("Retry %d/%d scheduled in %s", job.Attempts, p.maxAttempts, delay),
			domain.DetailStatusFailed, execErr.Error())
		return nil
	}

	if decision.SetAsFailed {
		if err := p.store.SetFailed(ctx, job.JobID, execErr.Error()); err != nil {
			return fmt.Errorf("failed to mark job failed: %w", err)
		}
		p.recordDetail(ctx, job.JobID, "Step execution failed", domain.DetailStatusFailed, execErr.Error())
	}

	if decision.HandleLastFailedJob && p.lastFailed != nil {
		if err := p.lastFailed.HandleLastFailedJob(ctx, job); err != nil {
			p.logger.Error("Last failed job handler failed",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

func (p *Processor) recordDetail(ctx context.Context, jobID, detail, status, raw string) {
	err := p.store.AppendExecutionDetail(ctx, &domain.ExecutionDetail{
		JobID:     jobID,
		Detail:    detail,
		Status:    status,
		Source:    domain.DetailSourceWorker,
		Raw:       raw,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error("Failed to append execution detail",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}
