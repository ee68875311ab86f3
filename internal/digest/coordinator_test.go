package digest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/notifier/internal/notification/domain"
	"github.com/relaypoint/notifier/internal/notification/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewCoordinator(store, slog.New(slog.DiscardHandler)), store
}

func digestJob(transactionID string, createdAt time.Time) *domain.Job {
	return &domain.Job{
		JobID:          uuid.NewString(),
		TransactionID:  transactionID,
		EnvironmentID:  "env-1",
		OrganizationID: "org-1",
		SubscriberID:   "sub-1",
		StepID:         "step-digest",
		Type:           domain.StepKindDigest,
		Status:         domain.JobStatusPending,
		DigestKey:      sql.NullString{String: "daily", Valid: true},
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func childJob(parent *domain.Job, kind domain.StepKind) *domain.Job {
	return &domain.Job{
		JobID:          uuid.NewString(),
		TransactionID:  parent.TransactionID,
		EnvironmentID:  parent.EnvironmentID,
		OrganizationID: parent.OrganizationID,
		SubscriberID:   parent.SubscriberID,
		StepID:         "step-" + string(kind),
		Type:           kind,
		Status:         domain.JobStatusPending,
		ParentID:       sql.NullString{String: parent.JobID, Valid: true},
		CreatedAt:      parent.CreatedAt.Add(time.Microsecond),
		UpdatedAt:      parent.CreatedAt.Add(time.Microsecond),
	}
}

func TestMergeOrCreate(t *testing.T) {
	t.Run("first trigger opens the window", func(t *testing.T) {
		coordinator, store := newTestCoordinator(t)
		ctx := context.Background()

		job := digestJob("tx-1", time.Now().UTC())
		merged, err := coordinator.MergeOrCreate(ctx, job)
		require.NoError(t, err)

		assert.False(t, merged)
		stored, err := store.JobByID(ctx, job.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDelayed, stored.Status)
		assert.False(t, stored.MergedDigestID.Valid)
	})

	t.Run("later triggers merge into the open window", func(t *testing.T) {
		coordinator, store := newTestCoordinator(t)
		ctx := context.Background()
		base := time.Now().UTC()

		main := digestJob("tx-1", base)
		_, err := coordinator.MergeOrCreate(ctx, main)
		require.NoError(t, err)

		const followers = 4
		for i := 1; i <= followers; i++ {
			follower := digestJob(fmt.Sprintf("tx-%d", i+1), base.Add(time.Duration(i)*time.Second))
			merged, err := coordinator.MergeOrCreate(ctx, follower)
			require.NoError(t, err)
			assert.True(t, merged)

			stored, err := store.JobByID(ctx, follower.JobID, "env-1")
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusMerged, stored.Status)
			assert.Equal(t, main.JobID, stored.MergedDigestID.String)
		}

		// Exactly one main job per open window, no matter how many triggers.
		active, err := store.ActiveDigestJob(ctx, "env-1", "sub-1", "step-digest", "daily")
		require.NoError(t, err)
		assert.Equal(t, main.JobID, active.JobID)
	})

	t.Run("distinct digest keys open distinct windows", func(t *testing.T) {
		coordinator, _ := newTestCoordinator(t)
		ctx := context.Background()

		first := digestJob("tx-1", time.Now().UTC())
		_, err := coordinator.MergeOrCreate(ctx, first)
		require.NoError(t, err)

		second := digestJob("tx-2", time.Now().UTC())
		second.DigestKey = sql.NullString{String: "weekly", Valid: true}
		merged, err := coordinator.MergeOrCreate(ctx, second)
		require.NoError(t, err)
		assert.False(t, merged)
	})

	t.Run("rejects non-digest jobs", func(t *testing.T) {
		coordinator, _ := newTestCoordinator(t)

		job := digestJob("tx-1", time.Now().UTC())
		job.Type = domain.StepKindEmail
		_, err := coordinator.MergeOrCreate(context.Background(), job)
		assert.Error(t, err)
	})
}

func TestCancelDelayed(t *testing.T) {
	t.Run("nothing to cancel", func(t *testing.T) {
		coordinator, _ := newTestCoordinator(t)

		changed, err := coordinator.CancelDelayed(context.Background(), "env-1", uuid.NewString())
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("canceling the main promotes the earliest follower", func(t *testing.T) {
		coordinator, store := newTestCoordinator(t)
		ctx := context.Background()
		base := time.Now().UTC()

		// Three triggers of the same digest group, one second apart.
		main := digestJob("tx-1", base)
		second := digestJob("tx-2", base.Add(time.Second))
		third := digestJob("tx-3", base.Add(2*time.Second))

		_, err := coordinator.MergeOrCreate(ctx, main)
		require.NoError(t, err)
		_, err = coordinator.MergeOrCreate(ctx, second)
		require.NoError(t, err)
		_, err = coordinator.MergeOrCreate(ctx, third)
		require.NoError(t, err)

		// The promoted follower's downstream step must reopen as PENDING.
		downstream := childJob(second, domain.StepKindInApp)
		downstream.Status = domain.JobStatusCanceled
		require.NoError(t, store.CreateJobs(ctx, []*domain.Job{downstream}))

		changed, err := coordinator.CancelDelayed(ctx, "env-1", "tx-1")
		require.NoError(t, err)
		assert.True(t, changed)

		canceled, err := store.JobByID(ctx, main.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCanceled, canceled.Status)

		promoted, err := store.JobByID(ctx, second.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDelayed, promoted.Status)
		assert.False(t, promoted.MergedDigestID.Valid)

		reparented, err := store.JobByID(ctx, third.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusMerged, reparented.Status)
		assert.Equal(t, second.JobID, reparented.MergedDigestID.String)

		reopened, err := store.JobByID(ctx, downstream.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, reopened.Status)
	})

	t.Run("canceling the last trigger closes the window", func(t *testing.T) {
		coordinator, store := newTestCoordinator(t)
		ctx := context.Background()

		main := digestJob("tx-1", time.Now().UTC())
		_, err := coordinator.MergeOrCreate(ctx, main)
		require.NoError(t, err)

		changed, err := coordinator.CancelDelayed(ctx, "env-1", "tx-1")
		require.NoError(t, err)
		assert.True(t, changed)

		canceled, err := store.JobByID(ctx, main.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCanceled, canceled.Status)

		_, err = store.ActiveDigestJob(ctx, "env-1", "sub-1", "step-digest", "daily")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("canceling a follower leaves the main alone", func(t *testing.T) {
		coordinator, store := newTestCoordinator(t)
		ctx := context.Background()
		base := time.Now().UTC()

		main := digestJob("tx-1", base)
		follower := digestJob("tx-2", base.Add(time.Second))
		_, err := coordinator.MergeOrCreate(ctx, main)
		require.NoError(t, err)
		_, err = coordinator.MergeOrCreate(ctx, follower)
		require.NoError(t, err)

		changed, err := coordinator.CancelDelayed(ctx, "env-1", "tx-2")
		require.NoError(t, err)
		assert.True(t, changed)

		kept, err := store.JobByID(ctx, main.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDelayed, kept.Status)
	})

	t.Run("action steps cancel pending downstream jobs", func(t *testing.T) {
		coordinator, store := newTestCoordinator(t)
		ctx := context.Background()
		base := time.Now().UTC()

		action := digestJob("tx-1", base)
		action.Type = domain.StepKindAction
		action.Status = domain.JobStatusDelayed
		require.NoError(t, store.CreateJobs(ctx, []*domain.Job{action}))

		pending := childJob(action, domain.StepKindEmail)
		require.NoError(t, store.CreateJobs(ctx, []*domain.Job{pending}))

		changed, err := coordinator.CancelDelayed(ctx, "env-1", "tx-1")
		require.NoError(t, err)
		assert.True(t, changed)

		stored, err := store.JobByID(ctx, pending.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCanceled, stored.Status)
	})
}

func TestHandleLastFailedJob(t *testing.T) {
	t.Run("failed main hands the window to the earliest follower", func(t *testing.T) {
		coordinator, store := newTestCoordinator(t)
		ctx := context.Background()
		base := time.Now().UTC()

		main := digestJob("tx-1", base)
		follower := digestJob("tx-2", base.Add(time.Second))
		_, err := coordinator.MergeOrCreate(ctx, main)
		require.NoError(t, err)
		_, err = coordinator.MergeOrCreate(ctx, follower)
		require.NoError(t, err)

		require.NoError(t, store.SetFailed(ctx, main.JobID, "provider unreachable"))

		require.NoError(t, coordinator.HandleLastFailedJob(ctx, main))

		promoted, err := store.JobByID(ctx, follower.JobID, "env-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDelayed, promoted.Status)
	})

	t.Run("non-digest jobs are ignored", func(t *testing.T) {
		coordinator, _ := newTestCoordinator(t)

		job := digestJob("tx-1", time.Now().UTC())
		job.Type = domain.StepKindEmail
		assert.NoError(t, coordinator.HandleLastFailedJob(context.Background(), job))
	})
}
