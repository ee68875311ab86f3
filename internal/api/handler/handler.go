package handler

import (
	"context"
	"log/slog"

	"github.com/relaypoint/notifier/internal/digest"
	"github.com/relaypoint/notifier/internal/notification/domain"
	"github.com/relaypoint/notifier/internal/ratelimit"
	"github.com/relaypoint/notifier/internal/realtime"
	"github.com/relaypoint/notifier/internal/snooze"
)

// JobStore is the subset of store operations the intake handlers drive.
type JobStore interface {
	CreateJobs(ctx context.Context, jobs []*domain.Job) error
}

// Publisher puts a job message on the work queue.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       JobStore
	Publisher   Publisher
	Limiter     *ratelimit.Limiter
	Coordinator *digest.Coordinator
	Reactivator *snooze.Reactivator
	Hub         *realtime.Hub
	// DBHealth reports database reachability for the health endpoint;
	// nil means the check is skipped.
	DBHealth func(ctx context.Context) error
}

// EventHandler handles trigger intake, cancellation, unsnooze and websocket
// registration.
type EventHandler struct {
	logger      *slog.Logger
	store       JobStore
	publisher   Publisher
	limiter     *ratelimit.Limiter
	coordinator *digest.Coordinator
	reactivator *snooze.Reactivator
	hub         *realtime.Hub
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	return &EventHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		publisher:   deps.Publisher,
		limiter:     deps.Limiter,
		coordinator: deps.Coordinator,
		reactivator: deps.Reactivator,
		hub:         deps.Hub,
	}
}
