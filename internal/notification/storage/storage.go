package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

// Store handles all database operations on jobs, messages and execution
// details. Status transitions that race with other writers are expressed as
// conditional updates so the database is the arbiter, never a read-then-write
// in application code.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, transaction_id, environment_id, organization_id, subscriber_id,
	user_id, step_id, type, status, merged_digest_id, parent_id, digest_key,
	payload, control_variables, bridge, error, attempts, created_at, updated_at
`

// CreateJobs inserts one row per workflow step of a triggered event in a
// single transaction.
func (s *Store) CreateJobs(ctx context.Context, jobs []*domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	query := `
		INSERT INTO jobs (
			job_id, transaction_id, environment_id, organization_id, subscriber_id,
			user_id, step_id, type, status, merged_digest_id, parent_id, digest_key,
			payload, control_variables, bridge, attempts, created_at, updated_at
		) VALUES (
			:job_id, :transaction_id, :environment_id, :organization_id, :subscriber_id,
			:user_id, :step_id, :type, :status, :merged_digest_id, :parent_id, :digest_key,
			:payload, :control_variables, :bridge, :attempts, :created_at, :updated_at
		)
	`

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, job := range jobs {
		if _, err := tx.NamedExecContext(ctx, query, job); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job insert: %w", err)
	}

	return nil
}

// JobByID retrieves a job scoped to an environment.
func (s *Store) JobByID(ctx context.Context, jobID, environmentID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 AND environment_id = $2`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID, environmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// JobsByTransactionStatuses loads all jobs of a transaction whose status is
// in the given set, ordered by creation time.
func (s *Store) JobsByTransactionStatuses(ctx context.Context, environmentID, transactionID string, statuses []string) ([]domain.Job, error) {
	query, args, err := sqlx.In(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE environment_id = ? AND transaction_id = ? AND status IN (?)
		ORDER BY created_at ASC, job_id ASC
	`, environmentID, transactionID, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction query: %w", err)
	}

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to select transaction jobs: %w", err)
	}

	return jobs, nil
}

// ActiveDigestJob finds the main digest job of a digest group, i.e. the
// DELAYED digest job for the same step, subscriber and digest key. Returns
// ErrJobNotFound when no window is open.
func (s *Store) ActiveDigestJob(ctx context.Context, environmentID, subscriberID, stepID, digestKey string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE environment_id = $1
		  AND subscriber_id = $2
		  AND step_id = $3
		  AND COALESCE(digest_key, '') = $4
		  AND type = $5
		  AND status = $6
		ORDER BY created_at ASC
		LIMIT 1
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		environmentID, subscriberID, stepID, digestKey,
		string(domain.StepKindDigest), domain.JobStatusDelayed,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find active digest job: %w", err)
	}

	return &job, nil
}

// CancelJobs bulk-transitions the given jobs to CANCELED. Jobs that already
// reached a terminal status are left untouched.
func (s *Store) CancelJobs(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`
		UPDATE jobs
		SET status = ?, updated_at = NOW()
		WHERE job_id IN (?) AND status NOT IN (?)
	`, domain.JobStatusCanceled, jobIDs,
		[]string{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCanceled})
	if err != nil {
		return 0, fmt.Errorf("failed to build cancel query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}

	return result.RowsAffected()
}

// ClaimQueued attempts to claim a queued job using optimistic locking
// (QUEUED to RUNNING). Returns ErrJobAlreadyClaimed if another worker got
// there first or the job was canceled before pickup.
func (s *Store) ClaimQueued(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusRunning, jobID, domain.JobStatusQueued)
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - already claimed or not queued",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return &job, nil
}

// SetCompletedIfRunning conditionally transitions RUNNING to COMPLETED.
// A job canceled mid-flight by another actor stays CANCELED: the update
// matches zero rows and the call reports changed=false without error.
func (s *Store) SetCompletedIfRunning(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, jobID, domain.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		s.logger.Info("Job no longer RUNNING, completion skipped",
			slog.String("job_id", jobID),
		)
	}

	return rows > 0, nil
}

// SetFailed marks a job FAILED and records the triggering error.
func (s *Store) SetFailed(ctx context.Context, jobID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1, error = $2, updated_at = NOW()
		WHERE job_id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errorMessage, jobID); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return nil
}

// RequeueDelayed transitions a job back to QUEUED ahead of a scheduled retry.
func (s *Store) RequeueDelayed(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusQueued, jobID, domain.JobStatusRunning); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	return nil
}

// EarliestMergedFollower finds the oldest job still MERGED into the given
// main digest job for the same environment and subscriber. Creation order is
// the promotion order; job id breaks exact-timestamp ties deterministically.
func (s *Store) EarliestMergedFollower(ctx context.Context, environmentID, subscriberID, mainJobID string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE environment_id = $1
		  AND subscriber_id = $2
		  AND merged_digest_id = $3
		  AND status = $4
		ORDER BY created_at ASC, job_id ASC
		LIMIT 1
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, environmentID, subscriberID, mainJobID, domain.JobStatusMerged)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find merged follower: %w", err)
	}

	return &job, nil
}

// PromoteMergedFollower makes a merged follower the new main digest job:
// status DELAYED, merge back-reference cleared. Conditional on the job still
// being MERGED so two concurrent cancellations cannot both promote.
func (s *Store) PromoteMergedFollower(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, merged_digest_id = NULL, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusDelayed, jobID, domain.JobStatusMerged)
	if err != nil {
		return false, fmt.Errorf("failed to promote follower: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ResetDescendantsToPending resets every descendant step of the given job to
// PENDING so the chain re-schedules when the new main digest fires.
// Descendants that already reached a terminal status are left untouched.
func (s *Store) ResetDescendantsToPending(ctx context.Context, jobID string) (int64, error) {
	query, args, err := sqlx.In(`
		WITH RECURSIVE descendants AS (
			SELECT job_id FROM jobs WHERE parent_id = ?
			UNION ALL
			SELECT j.job_id FROM jobs j JOIN descendants d ON j.parent_id = d.job_id
		)
		UPDATE jobs
		SET status = ?, updated_at = NOW()
		WHERE job_id IN (SELECT job_id FROM descendants) AND status NOT IN (?)
	`, jobID, domain.JobStatusPending,
		[]string{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCanceled})
	if err != nil {
		return 0, fmt.Errorf("failed to build descendant reset query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset descendant jobs: %w", err)
	}

	return result.RowsAffected()
}

// ReparentMergedFollowers re-points every job still merged into oldMainID at
// newMainID, preserving the merge group across a cancellation.
func (s *Store) ReparentMergedFollowers(ctx context.Context, oldMainID, newMainID string) (int64, error) {
	query := `
		UPDATE jobs
		SET merged_digest_id = $1, updated_at = NOW()
		WHERE merged_digest_id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, newMainID, oldMainID, domain.JobStatusMerged)
	if err != nil {
		return 0, fmt.Errorf("failed to reparent merged followers: %w", err)
	}

	return result.RowsAffected()
}

// AppendExecutionDetail writes one append-only audit record.
func (s *Store) AppendExecutionDetail(ctx context.Context, detail *domain.ExecutionDetail) error {
	if detail.DetailID == "" {
		detail.DetailID = uuid.NewString()
	}
	if detail.CreatedAt.IsZero() {
		detail.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO execution_details (detail_id, job_id, detail, status, source, raw, created_at)
		VALUES (:detail_id, :job_id, :detail, :status, :source, :raw, :created_at)
	`

	if _, err := s.db.NamedExecContext(ctx, query, detail); err != nil {
		return fmt.Errorf("failed to append execution detail: %w", err)
	}

	return nil
}

// OrganizationExists reports whether the owning organization is still around.
func (s *Store) OrganizationExists(ctx context.Context, organizationID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM organizations WHERE organization_id = $1)`

	var exists bool
	if err := s.db.GetContext(ctx, &exists, query, organizationID); err != nil {
		return false, fmt.Errorf("failed to check organization: %w", err)
	}

	return exists, nil
}
