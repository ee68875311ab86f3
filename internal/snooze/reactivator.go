package snooze

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaypoint/notifier/internal/notification/domain"
	"github.com/relaypoint/notifier/internal/realtime"
)

// Store is the subset of store operations snooze reactivation drives.
type Store interface {
	JobByID(ctx context.Context, jobID, environmentID string) (*domain.Job, error)
	SnoozedMessageForJob(ctx context.Context, jobID, environmentID string) (*domain.Message, error)
	ReactivateMessage(ctx context.Context, messageID string) (*domain.Message, error)
	AppendExecutionDetail(ctx context.Context, detail *domain.ExecutionDetail) error
}

// Fanout pushes realtime events to subscriber websocket connections.
type Fanout interface {
	Route(ctx context.Context, event string, subscriberID, environmentID string, payload interface{})
}

// CacheInvalidator drops a subscriber's cached feed and message counts.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, subscriberID, environmentID string)
}

// Reactivator reopens snoozed in-app notifications when their snooze
// deadline elapses. It is a short-lived synchronous handler invoked by the
// scheduler, not a long-running task.
type Reactivator struct {
	store  Store
	fanout Fanout
	cache  CacheInvalidator
	logger *slog.Logger
}

// NewReactivator creates a new Reactivator.
func NewReactivator(store Store, fanout Fanout, cache CacheInvalidator, logger *slog.Logger) *Reactivator {
	return &Reactivator{
		store:  store,
		fanout: fanout,
		cache:  cache,
		logger: logger,
	}
}

// Unsnooze reopens the snoozed message of the given job: snooze cleared,
// message re-sorted to the top of the inbox, read state reset, and a new
// delivery timestamp appended. The subscriber gets a received event and
// their feed and count caches are invalidated.
//
// Failures past the initial loads are recorded as a failure execution detail
// and surfaced to the caller; this operation is never silently swallowed.
func (r *Reactivator) Unsnooze(ctx context.Context, jobID, environmentID string) error {
	job, err := r.store.JobByID(ctx, jobID, environmentID)
	if err != nil {
		return err
	}

	snoozed, err := r.store.SnoozedMessageForJob(ctx, jobID, environmentID)
	if err != nil {
		r.recordDetail(ctx, jobID, "No snoozed message to reactivate", domain.DetailStatusFailed, err.Error())
		return err
	}

	msg, err := r.store.ReactivateMessage(ctx, snoozed.MessageID)
	if err != nil {
		r.recordDetail(ctx, jobID, "Failed to reactivate snoozed message", domain.DetailStatusFailed, err.Error())
		return fmt.Errorf("failed to reactivate message %s: %w", snoozed.MessageID, err)
	}

	r.fanout.Route(ctx, realtime.EventReceived, job.SubscriberID, job.EnvironmentID,
		realtime.MessageRef{MessageID: msg.MessageID})
	r.cache.Invalidate(ctx, job.SubscriberID, job.EnvironmentID)

	r.recordDetail(ctx, jobID, "Snoozed message reactivated", domain.DetailStatusSuccess, "")

	r.logger.Info("Message unsnoozed",
		slog.String("job_id", jobID),
		slog.String("message_id", msg.MessageID),
		slog.String("subscriber_id", job.SubscriberID),
	)

	return nil
}

func (r *Reactivator) recordDetail(ctx context.Context, jobID, detail, status, raw string) {
	err := r.store.AppendExecutionDetail(ctx, &domain.ExecutionDetail{
		JobID:     jobID,
		Detail:    detail,
		Status:    status,
		Source:    domain.DetailSourceSnooze,
		Raw:       raw,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error("Failed to append execution detail",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}
