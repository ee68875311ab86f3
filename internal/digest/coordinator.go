package digest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

// JobStore is the subset of store operations the coordinator drives.
type JobStore interface {
	CreateJobs(ctx context.Context, jobs []*domain.Job) error
	JobsByTransactionStatuses(ctx context.Context, environmentID, transactionID string, statuses []string) ([]domain.Job, error)
	ActiveDigestJob(ctx context.Context, environmentID, subscriberID, stepID, digestKey string) (*domain.Job, error)
	CancelJobs(ctx context.Context, jobIDs []string) (int64, error)
	EarliestMergedFollower(ctx context.Context, environmentID, subscriberID, mainJobID string) (*domain.Job, error)
	PromoteMergedFollower(ctx context.Context, jobID string) (bool, error)
	ResetDescendantsToPending(ctx context.Context, jobID string) (int64, error)
	ReparentMergedFollowers(ctx context.Context, oldMainID, newMainID string) (int64, error)
	AppendExecutionDetail(ctx context.Context, detail *domain.ExecutionDetail) error
}

// Coordinator groups repeated triggers for the same digest step, subscriber
// and window into one main job, and re-homes merged followers when the main
// job is canceled or exhausts its retries.
//
// Multi-row sequences are serialized per transaction with striped locks on
// top of the store's conditional updates, so two concurrent cancellations of
// the same transaction cannot produce two main jobs or orphan followers.
type Coordinator struct {
	store  JobStore
	logger *slog.Logger
	locks  [64]sync.Mutex
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(store JobStore, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		logger: logger,
	}
}

// MergeOrCreate stores a digest job for intake. The first trigger of an open
// window becomes the DELAYED main job; later triggers are stored MERGED into
// it. Reports whether the job was merged.
func (c *Coordinator) MergeOrCreate(ctx context.Context, job *domain.Job) (bool, error) {
	if !job.Type.IsDigest() {
		return false, fmt.Errorf("job %s is not a digest step", job.JobID)
	}

	lock := c.lockFor(job.EnvironmentID + ":" + job.SubscriberID + ":" + job.StepID + ":" + job.DigestKey.String)
	lock.Lock()
	defer lock.Unlock()

	main, err := c.store.ActiveDigestJob(ctx, job.EnvironmentID, job.SubscriberID, job.StepID, job.DigestKey.String)
	switch {
	case err == nil:
		job.Status = domain.JobStatusMerged
		job.MergedDigestID = sql.NullString{String: main.JobID, Valid: true}
	case errors.Is(err, domain.ErrJobNotFound):
		job.Status = domain.JobStatusDelayed
		job.MergedDigestID = sql.NullString{}
	default:
		return false, err
	}

	if err := c.store.CreateJobs(ctx, []*domain.Job{job}); err != nil {
		return false, err
	}

	merged := job.Status == domain.JobStatusMerged
	if merged {
		c.recordDetail(ctx, job.JobID, "Trigger merged into open digest window", domain.DetailStatusSuccess, "")
	}

	c.logger.Debug("Digest job stored",
		slog.String("job_id", job.JobID),
		slog.String("status", job.Status),
		slog.String("subscriber_id", job.SubscriberID),
	)

	return merged, nil
}

// CancelDelayed cancels every delayed and merged job of a transaction and,
// when the canceled set contained the main digest job, promotes the earliest
// merged follower so the digest group survives the cancellation. Returns
// whether anything changed; canceling a transaction with nothing to cancel
// is not an error.
func (c *Coordinator) CancelDelayed(ctx context.Context, environmentID, transactionID string) (bool, error) {
	lock := c.lockFor(transactionID)
	lock.Lock()
	defer lock.Unlock()

	jobs, err := c.store.JobsByTransactionStatuses(ctx, environmentID, transactionID,
		[]string{domain.JobStatusDelayed, domain.JobStatusMerged})
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		return false, nil
	}

	// Downstream action steps may already sit PENDING behind the digest's
	// outcome; they have to go too.
	if containsActionStep(jobs) {
		pending, err := c.store.JobsByTransactionStatuses(ctx, environmentID, transactionID,
			[]string{domain.JobStatusPending})
		if err != nil {
			return false, err
		}
		jobs = append(jobs, pending...)
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.JobID)
	}

	changed, err := c.store.CancelJobs(ctx, ids)
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		c.recordDetail(ctx, job.JobID, "Job canceled by cancel-delayed request", domain.DetailStatusSuccess, "")
	}

	main := findMainDigest(jobs)
	if main == nil {
		return changed > 0, nil
	}

	if err := c.promoteNextFollower(ctx, main); err != nil {
		return changed > 0, err
	}

	return changed > 0, nil
}

// HandleLastFailedJob drives the fallback path when a retryable job exhausts
// its attempts: a failed main digest job hands its window over to the
// earliest merged follower so the notification still fires through a
// different trigger instance.
func (c *Coordinator) HandleLastFailedJob(ctx context.Context, job *domain.Job) error {
	if !job.Type.IsDigest() {
		return nil
	}

	lock := c.lockFor(job.TransactionID)
	lock.Lock()
	defer lock.Unlock()

	return c.promoteNextFollower(ctx, job)
}

// promoteNextFollower runs the re-homing sequence: pick the earliest-created
// follower still merged into the dead main job, promote it to DELAYED,
// reset its descendant steps to PENDING, and re-point the remaining
// followers at it. Caller holds the transaction lock.
func (c *Coordinator) promoteNextFollower(ctx context.Context, main *domain.Job) error {
	follower, err := c.store.EarliestMergedFollower(ctx, main.EnvironmentID, main.SubscriberID, main.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// Only one trigger ever existed for this digest window.
			return nil
		}
		return err
	}

	promoted, err := c.store.PromoteMergedFollower(ctx, follower.JobID)
	if err != nil {
		return err
	}
	if !promoted {
		// A concurrent re-homing already moved the group on.
		c.logger.Warn("Follower promotion lost the race",
			slog.String("job_id", follower.JobID),
			slog.String("main_job_id", main.JobID),
		)
		return nil
	}

	if _, err := c.store.ResetDescendantsToPending(ctx, follower.JobID); err != nil {
		return err
	}

	if _, err := c.store.ReparentMergedFollowers(ctx, main.JobID, follower.JobID); err != nil {
		return err
	}

	c.recordDetail(ctx, follower.JobID, "Merged follower promoted to main digest job", domain.DetailStatusSuccess, "")

	c.logger.Info("Digest group re-homed",
		slog.String("old_main_job_id", main.JobID),
		slog.String("new_main_job_id", follower.JobID),
		slog.String("subscriber_id", main.SubscriberID),
	)

	return nil
}

func (c *Coordinator) recordDetail(ctx context.Context, jobID, detail, status, raw string) {
	err := c.store.AppendExecutionDetail(ctx, &domain.ExecutionDetail{
		JobID:     jobID,
		Detail:    detail,
		Status:    status,
		Source:    domain.DetailSourceDigest,
		Raw:       raw,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("Failed to append execution detail",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (c *Coordinator) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.locks[h.Sum32()%uint32(len(c.locks))]
}

func containsActionStep(jobs []domain.Job) bool {
	for _, job := range jobs {
		if job.Type.IsAction() {
			return true
		}
	}
	return false
}

// findMainDigest picks the main digest job out of a canceled set: digest
// kind, and not one of the merged followers.
func findMainDigest(jobs []domain.Job) *domain.Job {
	for i := range jobs {
		job := &jobs[i]
		if job.Type.IsDigest() && !job.MergedDigestID.Valid {
			return job
		}
	}
	return nil
}
