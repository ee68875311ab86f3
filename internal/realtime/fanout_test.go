package realtime

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

type sentEvent struct {
	room    string
	event   string
	payload interface{}
}

type fakeRegistry struct {
	connected map[string]bool
	sent      []sentEvent
}

func (r *fakeRegistry) IsConnected(room string) bool {
	return r.connected[room]
}

func (r *fakeRegistry) Send(room, event string, payload interface{}) error {
	r.sent = append(r.sent, sentEvent{room, event, payload})
	return nil
}

type countingStore struct {
	unseen   int
	unread   int
	severity domain.SeverityCounts
	message  *domain.Message
	queries  int
}

func (s *countingStore) MessageByID(ctx context.Context, messageID, environmentID string) (*domain.Message, error) {
	s.queries++
	return s.message, nil
}

func (s *countingStore) CountUnseen(ctx context.Context, environmentID, subscriberID string, limit int) (int, error) {
	s.queries++
	if s.unseen > limit {
		return limit, nil
	}
	return s.unseen, nil
}

func (s *countingStore) CountUnread(ctx context.Context, environmentID, subscriberID string, limit int) (int, error) {
	s.queries++
	if s.unread > limit {
		return limit, nil
	}
	return s.unread, nil
}

func (s *countingStore) UnreadSeverityCounts(ctx context.Context, environmentID, subscriberID string, limit int) (domain.SeverityCounts, error) {
	s.queries++
	return s.severity, nil
}

func newTestFanout(registry *fakeRegistry, store *countingStore, severityEnvs []string) *Fanout {
	return NewFanout(registry, store, NewStaticFlags(severityEnvs), slog.New(slog.DiscardHandler))
}

func TestRouteWithoutConnection(t *testing.T) {
	registry := &fakeRegistry{connected: map[string]bool{}}
	store := &countingStore{}
	fanout := newTestFanout(registry, store, nil)

	fanout.Route(context.Background(), EventReceived, "sub-1", "env-1", MessageRef{MessageID: "msg-1"})

	// No live socket, no queries, no sends.
	assert.Zero(t, store.queries)
	assert.Empty(t, registry.sent)
}

func TestRouteReceived(t *testing.T) {
	room := Room("env-1", "sub-1")
	msg := &domain.Message{MessageID: "msg-1", EnvironmentID: "env-1", SubscriberID: "sub-1"}
	registry := &fakeRegistry{connected: map[string]bool{room: true}}
	store := &countingStore{unseen: 3, unread: 5, message: msg}
	fanout := newTestFanout(registry, store, nil)

	fanout.Route(context.Background(), EventReceived, "sub-1", "env-1", MessageRef{MessageID: "msg-1"})

	require.Len(t, registry.sent, 3)

	assert.Equal(t, EventReceived, registry.sent[0].event)
	assert.Equal(t, msg, registry.sent[0].payload)

	assert.Equal(t, EventUnseen, registry.sent[1].event)
	assert.Equal(t, UnseenPayload{CountResult: domain.CountResult{Count: 3}}, registry.sent[1].payload)

	assert.Equal(t, EventUnread, registry.sent[2].event)
	unread := registry.sent[2].payload.(UnreadPayload)
	assert.Equal(t, 5, unread.Count)
	assert.Nil(t, unread.Severity)
}

func TestRouteReceivedForwardsFullMessage(t *testing.T) {
	room := Room("env-1", "sub-1")
	registry := &fakeRegistry{connected: map[string]bool{room: true}}
	store := &countingStore{}
	fanout := newTestFanout(registry, store, nil)

	msg := &domain.Message{MessageID: "msg-1"}
	fanout.Route(context.Background(), EventReceived, "sub-1", "env-1", msg)

	// Already a full message, nothing to fetch: only the two count queries.
	assert.Equal(t, 2, store.queries)
	require.NotEmpty(t, registry.sent)
	assert.Equal(t, msg, registry.sent[0].payload)
}

func TestCountCapping(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  domain.CountResult
	}{
		{
			name:  "under the ceiling",
			count: 7,
			want:  domain.CountResult{Count: 7, HasMore: false},
		},
		{
			name:  "exactly at the ceiling",
			count: domain.MaxCountedMessages,
			want:  domain.CountResult{Count: domain.MaxCountedMessages, HasMore: false},
		},
		{
			name:  "past the ceiling",
			count: domain.MaxCountedMessages + 1,
			want:  domain.CountResult{Count: domain.MaxCountedMessages, HasMore: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := Room("env-1", "sub-1")
			registry := &fakeRegistry{connected: map[string]bool{room: true}}
			store := &countingStore{unseen: tt.count}
			fanout := newTestFanout(registry, store, nil)

			fanout.Route(context.Background(), EventUnseen, "sub-1", "env-1", nil)

			require.Len(t, registry.sent, 1)
			assert.Equal(t, UnseenPayload{CountResult: tt.want}, registry.sent[0].payload)
		})
	}
}

func TestSeverityBreakdown(t *testing.T) {
	room := Room("env-1", "sub-1")

	t.Run("enabled environment", func(t *testing.T) {
		registry := &fakeRegistry{connected: map[string]bool{room: true}}
		store := &countingStore{
			unread:   4,
			severity: domain.SeverityCounts{High: 2, Low: 1, None: 1},
		}
		fanout := newTestFanout(registry, store, []string{"env-1"})

		fanout.Route(context.Background(), EventUnread, "sub-1", "env-1", nil)

		require.Len(t, registry.sent, 1)
		payload := registry.sent[0].payload.(UnreadPayload)
		require.NotNil(t, payload.Severity)
		assert.Equal(t, 2, payload.Severity.High)
		assert.Equal(t, 1, payload.Severity.None)
	})

	t.Run("disabled environment", func(t *testing.T) {
		registry := &fakeRegistry{connected: map[string]bool{room: true}}
		store := &countingStore{unread: 4}
		fanout := newTestFanout(registry, store, []string{"env-other"})

		fanout.Route(context.Background(), EventUnread, "sub-1", "env-1", nil)

		require.Len(t, registry.sent, 1)
		payload := registry.sent[0].payload.(UnreadPayload)
		assert.Nil(t, payload.Severity)

		// The severity aggregation never ran.
		assert.Equal(t, 1, store.queries)
	})
}

func TestRoom(t *testing.T) {
	assert.Equal(t, "env-1:sub-1", Room("env-1", "sub-1"))
}
