package storage

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

func seedJob(t *testing.T, store *MemoryStore, status string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		JobID:          uuid.NewString(),
		TransactionID:  uuid.NewString(),
		EnvironmentID:  "env-1",
		OrganizationID: "org-1",
		SubscriberID:   "sub-1",
		StepID:         "step-1",
		Type:           domain.StepKindInApp,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateJobs(context.Background(), []*domain.Job{job}))
	return job
}

func TestClaimQueued(t *testing.T) {
	t.Run("claims a queued job exactly once", func(t *testing.T) {
		store := NewMemoryStore()
		job := seedJob(t, store, domain.JobStatusQueued)

		claimed, err := store.ClaimQueued(context.Background(), job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)

		_, err = store.ClaimQueued(context.Background(), job.JobID)
		assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	})

	t.Run("refuses non-queued jobs", func(t *testing.T) {
		store := NewMemoryStore()
		for _, status := range []string{
			domain.JobStatusPending,
			domain.JobStatusDelayed,
			domain.JobStatusCompleted,
			domain.JobStatusCanceled,
		} {
			job := seedJob(t, store, status)
			_, err := store.ClaimQueued(context.Background(), job.JobID)
			assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed, "status %s", status)
		}
	})
}

func TestSetCompletedIfRunning(t *testing.T) {
	t.Run("completes a running job", func(t *testing.T) {
		store := NewMemoryStore()
		job := seedJob(t, store, domain.JobStatusRunning)

		changed, err := store.SetCompletedIfRunning(context.Background(), job.JobID)
		require.NoError(t, err)
		assert.True(t, changed)

		stored, err := store.JobByID(context.Background(), job.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	})

	t.Run("cancellation mid-flight wins", func(t *testing.T) {
		store := NewMemoryStore()
		job := seedJob(t, store, domain.JobStatusRunning)

		// Another actor cancels while the worker is executing.
		_, err := store.CancelJobs(context.Background(), []string{job.JobID})
		require.NoError(t, err)

		changed, err := store.SetCompletedIfRunning(context.Background(), job.JobID)
		require.NoError(t, err)
		assert.False(t, changed)

		stored, err := store.JobByID(context.Background(), job.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCanceled, stored.Status)
	})
}

func TestCancelJobs(t *testing.T) {
	store := NewMemoryStore()
	delayed := seedJob(t, store, domain.JobStatusDelayed)
	completed := seedJob(t, store, domain.JobStatusCompleted)
	failed := seedJob(t, store, domain.JobStatusFailed)

	changed, err := store.CancelJobs(context.Background(),
		[]string{delayed.JobID, completed.JobID, failed.JobID})
	require.NoError(t, err)

	// Terminal jobs never change status.
	assert.Equal(t, int64(1), changed)

	stored, err := store.JobByID(context.Background(), completed.JobID, "env-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
}

func TestResetDescendantsToPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedChild := func(status, parentID string) *domain.Job {
		job := &domain.Job{
			JobID:         uuid.NewString(),
			EnvironmentID: "env-1",
			SubscriberID:  "sub-1",
			Type:          domain.StepKindEmail,
			Status:        status,
			ParentID:      sql.NullString{String: parentID, Valid: true},
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, store.CreateJobs(ctx, []*domain.Job{job}))
		return job
	}

	root := seedJob(t, store, domain.JobStatusDelayed)
	child := seedChild(domain.JobStatusCanceled, root.JobID)
	grandchildPending := seedChild(domain.JobStatusCanceled, child.JobID)
	grandchildDone := seedChild(domain.JobStatusCompleted, child.JobID)

	changed, err := store.ResetDescendantsToPending(ctx, root.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	for _, want := range []struct {
		jobID  string
		status string
	}{
		{child.JobID, domain.JobStatusPending},
		{grandchildPending.JobID, domain.JobStatusPending},
		// Finished work stays finished and is never re-executed.
		{grandchildDone.JobID, domain.JobStatusCompleted},
	} {
		stored, err := store.JobByID(ctx, want.jobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, want.status, stored.Status)
	}
}

func TestJobsByTransactionStatuses(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	transactionID := uuid.NewString()
	var ids []string
	for i := 0; i < 3; i++ {
		job := &domain.Job{
			JobID:         fmt.Sprintf("job-%d", i),
			TransactionID: transactionID,
			EnvironmentID: "env-1",
			SubscriberID:  "sub-1",
			Type:          domain.StepKindEmail,
			Status:        domain.JobStatusDelayed,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.CreateJobs(ctx, []*domain.Job{job}))
		ids = append(ids, job.JobID)
	}
	seedJob(t, store, domain.JobStatusDelayed) // different transaction

	jobs, err := store.JobsByTransactionStatuses(ctx, "env-1", transactionID,
		[]string{domain.JobStatusDelayed})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	// Creation order is the promotion order.
	for i, job := range jobs {
		assert.Equal(t, ids[i], job.JobID)
	}
}

func TestReactivateMessage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)

	msg := &domain.Message{
		MessageID:     uuid.NewString(),
		JobID:         uuid.NewString(),
		EnvironmentID: "env-1",
		SubscriberID:  "sub-1",
		Read:          true,
		LastReadAt:    sql.NullTime{Time: created, Valid: true},
		SnoozedUntil:  sql.NullTime{Time: created.Add(2 * time.Hour), Valid: true},
		DeliveredAt:   domain.TimeSequence{created},
		CreatedAt:     created,
	}
	require.NoError(t, store.CreateMessage(ctx, msg))

	reactivated, err := store.ReactivateMessage(ctx, msg.MessageID)
	require.NoError(t, err)

	assert.False(t, reactivated.SnoozedUntil.Valid)
	assert.False(t, reactivated.Read)
	assert.False(t, reactivated.LastReadAt.Valid)
	assert.True(t, reactivated.CreatedAt.After(created))
	require.Len(t, reactivated.DeliveredAt, 2)
	assert.Equal(t, created, reactivated.DeliveredAt[0])

	// Only snoozed messages reactivate.
	_, err = store.ReactivateMessage(ctx, msg.MessageID)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestCountsExcludeSnoozed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := &domain.Message{
			MessageID:     uuid.NewString(),
			JobID:         uuid.NewString(),
			EnvironmentID: "env-1",
			SubscriberID:  "sub-1",
			CreatedAt:     time.Now().UTC(),
		}
		if i == 2 {
			msg.SnoozedUntil = sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true}
		}
		require.NoError(t, store.CreateMessage(ctx, msg))
	}

	unseen, err := store.CountUnseen(ctx, "env-1", "sub-1", domain.MaxCountedMessages+1)
	require.NoError(t, err)
	assert.Equal(t, 2, unseen)

	unread, err := store.CountUnread(ctx, "env-1", "sub-1", domain.MaxCountedMessages+1)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)
}

func TestCountStopsAtLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < domain.MaxCountedMessages+10; i++ {
		msg := &domain.Message{
			MessageID:     uuid.NewString(),
			JobID:         uuid.NewString(),
			EnvironmentID: "env-1",
			SubscriberID:  "sub-1",
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, store.CreateMessage(ctx, msg))
	}

	count, err := store.CountUnread(ctx, "env-1", "sub-1", domain.MaxCountedMessages+1)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxCountedMessages+1, count)
}
