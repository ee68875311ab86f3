package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/notifier/internal/notification/domain"
	"github.com/relaypoint/notifier/internal/realtime"
)

// StepExecutor runs the business logic of one step kind. Rendering and
// provider dispatch live behind executors, outside the execution engine.
type StepExecutor interface {
	Execute(ctx context.Context, job *domain.Job) error
}

// Registry maps step kinds to executors.
type Registry struct {
	executors map[domain.StepKind]StepExecutor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[domain.StepKind]StepExecutor),
	}
}

// Register binds an executor to a step kind.
func (r *Registry) Register(kind domain.StepKind, executor StepExecutor) {
	r.executors[kind] = executor
}

// Get returns the executor for a step kind.
func (r *Registry) Get(kind domain.StepKind) (StepExecutor, error) {
	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for step kind %q", kind)
	}
	return executor, nil
}

// Fanout pushes realtime events to subscriber websocket connections.
// Failures never propagate into the write path.
type Fanout interface {
	Route(ctx context.Context, event string, subscriberID, environmentID string, payload interface{})
}

// CacheInvalidator drops a subscriber's cached feed and message counts.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, subscriberID, environmentID string)
}

// MessageStore is the persistence surface of the in-app executor.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *domain.Message) error
}

// InAppExecutor projects a job into the subscriber's in-app inbox and pushes
// the received event to any live connection.
type InAppExecutor struct {
	store  MessageStore
	fanout Fanout
	cache  CacheInvalidator
	logger *slog.Logger
}

// NewInAppExecutor creates a new InAppExecutor.
func NewInAppExecutor(store MessageStore, fanout Fanout, cache CacheInvalidator, logger *slog.Logger) *InAppExecutor {
	return &InAppExecutor{
		store:  store,
		fanout: fanout,
		cache:  cache,
		logger: logger,
	}
}

func (e *InAppExecutor) Execute(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	msg := &domain.Message{
		MessageID:     uuid.NewString(),
		JobID:         job.JobID,
		EnvironmentID: job.EnvironmentID,
		SubscriberID:  job.SubscriberID,
		Content:       job.Payload,
		Severity:      severityFromPayload(job.Payload),
		DeliveredAt:   domain.TimeSequence{now},
		CreatedAt:     now,
	}

	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return domain.NewRetryableError(err)
	}

	e.cache.Invalidate(ctx, job.SubscriberID, job.EnvironmentID)
	e.fanout.Route(ctx, realtime.EventReceived, job.SubscriberID, job.EnvironmentID, msg)

	return nil
}

func severityFromPayload(payload string) string {
	var fields struct {
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil || fields.Severity == "" {
		return domain.SeverityNone
	}
	switch fields.Severity {
	case domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow:
		return fields.Severity
	}
	return domain.SeverityNone
}

// NoopExecutor stands in for step kinds whose effect lives outside the
// execution engine (delay windows elapse in the queue's scheduling layer,
// provider channels dispatch through external adapters).
type NoopExecutor struct {
	logger *slog.Logger
}

// NewNoopExecutor creates a new NoopExecutor.
func NewNoopExecutor(logger *slog.Logger) *NoopExecutor {
	return &NoopExecutor{logger: logger}
}

func (e *NoopExecutor) Execute(ctx context.Context, job *domain.Job) error {
	e.logger.Debug("Step has no in-engine effect",
		slog.String("job_id", job.JobID),
		slog.String("type", string(job.Type)),
	)
	return nil
}
