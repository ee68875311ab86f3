package worker

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

func TestShouldRequeueJob(t *testing.T) {
	w := &Worker{logger: slog.New(slog.DiscardHandler)}

	tests := []struct {
		name    string
		err     error
		requeue bool
	}{
		{
			name:    "database failure is redelivered",
			err:     fmt.Errorf("failed to claim job: %w", fmt.Errorf("connection refused")),
			requeue: true,
		},
		{
			name:    "publisher failure is redelivered",
			err:     fmt.Errorf("failed to schedule retry: %w", fmt.Errorf("channel closed")),
			requeue: true,
		},
		{
			name:    "malformed message is dropped",
			err:     domain.ErrInvalidJobMessage,
			requeue: false,
		},
		{
			name:    "wrapped malformed message is dropped",
			err:     fmt.Errorf("dispatch: %w", domain.ErrInvalidJobMessage),
			requeue: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.requeue, w.shouldRequeueJob(tt.err))
		})
	}
}
