package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/notifier/internal/notification/domain"
	"github.com/relaypoint/notifier/internal/realtime"
)

type fakeMessageStore struct {
	created []*domain.Message
	err     error
}

func (s *fakeMessageStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, msg)
	return nil
}

type fakeFanout struct {
	events []string
}

func (f *fakeFanout) Route(ctx context.Context, event string, subscriberID, environmentID string, payload interface{}) {
	f.events = append(f.events, event)
}

type fakeInvalidator struct {
	calls int
}

func (c *fakeInvalidator) Invalidate(ctx context.Context, subscriberID, environmentID string) {
	c.calls++
}

func TestInAppExecutor(t *testing.T) {
	newJob := func(payload string) *domain.Job {
		return &domain.Job{
			JobID:         uuid.NewString(),
			EnvironmentID: "env-1",
			SubscriberID:  "sub-1",
			Type:          domain.StepKindInApp,
			Payload:       payload,
		}
	}

	t.Run("projects the job into the inbox", func(t *testing.T) {
		store := &fakeMessageStore{}
		fanout := &fakeFanout{}
		invalidator := &fakeInvalidator{}
		executor := NewInAppExecutor(store, fanout, invalidator, slog.New(slog.DiscardHandler))

		job := newJob(`{"severity":"high","title":"hi"}`)
		require.NoError(t, executor.Execute(context.Background(), job))

		require.Len(t, store.created, 1)
		msg := store.created[0]
		assert.Equal(t, job.JobID, msg.JobID)
		assert.Equal(t, domain.SeverityHigh, msg.Severity)
		assert.Len(t, msg.DeliveredAt, 1)
		assert.False(t, msg.Read)
		assert.False(t, msg.Seen)

		assert.Equal(t, []string{realtime.EventReceived}, fanout.events)
		assert.Equal(t, 1, invalidator.calls)
	})

	t.Run("store failure is retryable", func(t *testing.T) {
		store := &fakeMessageStore{err: errors.New("connection refused")}
		executor := NewInAppExecutor(store, &fakeFanout{}, &fakeInvalidator{}, slog.New(slog.DiscardHandler))

		err := executor.Execute(context.Background(), newJob(`{}`))
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))
	})
}

func TestSeverityFromPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "high", payload: `{"severity":"high"}`, want: domain.SeverityHigh},
		{name: "medium", payload: `{"severity":"medium"}`, want: domain.SeverityMedium},
		{name: "low", payload: `{"severity":"low"}`, want: domain.SeverityLow},
		{name: "absent", payload: `{}`, want: domain.SeverityNone},
		{name: "unknown label", payload: `{"severity":"critical"}`, want: domain.SeverityNone},
		{name: "not json", payload: `oops`, want: domain.SeverityNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, severityFromPayload(tt.payload))
		})
	}
}
