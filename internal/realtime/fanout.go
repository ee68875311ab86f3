package realtime

import (
	"context"
	"log/slog"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

// Websocket event names pushed to subscriber inboxes.
const (
	EventReceived = "RECEIVED"
	EventUnseen   = "UNSEEN"
	EventUnread   = "UNREAD"
)

// MessageRef is a RECEIVED payload carrying only the message id; the fanout
// fetches the full message before forwarding.
type MessageRef struct {
	MessageID string `json:"messageId"`
}

// UnseenPayload is the UNSEEN event body.
type UnseenPayload struct {
	domain.CountResult
}

// UnreadPayload is the UNREAD event body. Severity is present only when the
// environment's severity flag is enabled.
type UnreadPayload struct {
	domain.CountResult
	Severity *domain.SeverityCounts `json:"severity,omitempty"`
}

// ConnectionRegistry answers whether a subscriber has a live socket and
// delivers events to it.
type ConnectionRegistry interface {
	IsConnected(room string) bool
	Send(room, event string, payload interface{}) error
}

// MessageStore is the read surface the fanout recomputes counts from.
type MessageStore interface {
	MessageByID(ctx context.Context, messageID, environmentID string) (*domain.Message, error)
	CountUnseen(ctx context.Context, environmentID, subscriberID string, limit int) (int, error)
	CountUnread(ctx context.Context, environmentID, subscriberID string, limit int) (int, error)
	UnreadSeverityCounts(ctx context.Context, environmentID, subscriberID string, limit int) (domain.SeverityCounts, error)
}

// FeatureFlags gates per-environment behavior.
type FeatureFlags interface {
	SeverityEnabled(environmentID string) bool
}

// severitySampleLimit bounds the per-severity aggregation.
const severitySampleLimit = 99

// Fanout pushes unread/unseen count deltas and message payloads to
// subscriber websocket connections. All sends are fire-and-forget relative
// to the triggering write path: failures are logged, never propagated.
type Fanout struct {
	registry ConnectionRegistry
	store    MessageStore
	flags    FeatureFlags
	logger   *slog.Logger
}

// NewFanout creates a new Fanout.
func NewFanout(registry ConnectionRegistry, store MessageStore, flags FeatureFlags, logger *slog.Logger) *Fanout {
	return &Fanout{
		registry: registry,
		store:    store,
		flags:    flags,
		logger:   logger,
	}
}

// Route delivers one event to the subscriber's room. When the subscriber has
// no live connection nothing is computed and nothing is sent.
func (f *Fanout) Route(ctx context.Context, event string, subscriberID, environmentID string, payload interface{}) {
	room := Room(environmentID, subscriberID)
	if !f.registry.IsConnected(room) {
		return
	}

	switch event {
	case EventReceived:
		f.routeReceived(ctx, room, subscriberID, environmentID, payload)
	case EventUnseen:
		f.sendUnseen(ctx, room, subscriberID, environmentID)
	case EventUnread:
		f.sendUnread(ctx, room, subscriberID, environmentID)
	default:
		f.logger.Warn("Unknown realtime event",
			slog.String("event", event),
			slog.String("room", room),
		)
	}
}

// routeReceived forwards the message and then recomputes both badge counts,
// which can change together on a delivery.
func (f *Fanout) routeReceived(ctx context.Context, room, subscriberID, environmentID string, payload interface{}) {
	message := payload
	if ref, ok := payload.(MessageRef); ok {
		full, err := f.store.MessageByID(ctx, ref.MessageID, environmentID)
		if err != nil {
			f.logger.Error("Failed to load message for fanout",
				slog.String("message_id", ref.MessageID),
				slog.Any("error", err),
			)
			return
		}
		message = full
	}

	f.send(room, EventReceived, message)
	f.sendUnseen(ctx, room, subscriberID, environmentID)
	f.sendUnread(ctx, room, subscriberID, environmentID)
}

func (f *Fanout) sendUnseen(ctx context.Context, room, subscriberID, environmentID string) {
	count, err := f.store.CountUnseen(ctx, environmentID, subscriberID, domain.MaxCountedMessages+1)
	if err != nil {
		f.logger.Error("Failed to count unseen messages",
			slog.String("room", room),
			slog.Any("error", err),
		)
		return
	}

	f.send(room, EventUnseen, UnseenPayload{CountResult: capCount(count)})
}

func (f *Fanout) sendUnread(ctx context.Context, room, subscriberID, environmentID string) {
	count, err := f.store.CountUnread(ctx, environmentID, subscriberID, domain.MaxCountedMessages+1)
	if err != nil {
		f.logger.Error("Failed to count unread messages",
			slog.String("room", room),
			slog.Any("error", err),
		)
		return
	}

	payload := UnreadPayload{CountResult: capCount(count)}

	if f.flags.SeverityEnabled(environmentID) {
		severity, err := f.store.UnreadSeverityCounts(ctx, environmentID, subscriberID, severitySampleLimit)
		if err != nil {
			f.logger.Error("Failed to aggregate severity counts",
				slog.String("room", room),
				slog.Any("error", err),
			)
		} else {
			payload.Severity = &severity
		}
	}

	f.send(room, EventUnread, payload)
}

func (f *Fanout) send(room, event string, payload interface{}) {
	if err := f.registry.Send(room, event, payload); err != nil {
		f.logger.Warn("Realtime send failed",
			slog.String("room", room),
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}

// capCount applies the badge ceiling: a true count past the ceiling reports
// the ceiling with HasMore set; exactly at the ceiling is an exact count.
func capCount(count int) domain.CountResult {
	if count > domain.MaxCountedMessages {
		return domain.CountResult{Count: domain.MaxCountedMessages, HasMore: true}
	}
	return domain.CountResult{Count: count, HasMore: false}
}

// StaticFlags is a config-backed FeatureFlags implementation.
type StaticFlags struct {
	SeverityEnvironments map[string]bool
}

// NewStaticFlags builds flags from the list of environments with severity
// badges enabled.
func NewStaticFlags(severityEnvironments []string) *StaticFlags {
	enabled := make(map[string]bool, len(severityEnvironments))
	for _, id := range severityEnvironments {
		enabled[id] = true
	}
	return &StaticFlags{SeverityEnvironments: enabled}
}

func (f *StaticFlags) SeverityEnabled(environmentID string) bool {
	return f.SeverityEnvironments[environmentID]
}
