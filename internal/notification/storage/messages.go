package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

const messageColumns = `
	message_id, job_id, environment_id, subscriber_id, content, severity,
	read, seen, last_read_at, snoozed_until, delivered_at, created_at
`

// CreateMessage inserts the in-app projection of a delivered job.
func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (
			message_id, job_id, environment_id, subscriber_id, content, severity,
			read, seen, last_read_at, snoozed_until, delivered_at, created_at
		) VALUES (
			:message_id, :job_id, :environment_id, :subscriber_id, :content, :severity,
			:read, :seen, :last_read_at, :snoozed_until, :delivered_at, :created_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, msg); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// MessageByID retrieves a message scoped to an environment.
func (s *Store) MessageByID(ctx context.Context, messageID, environmentID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE message_id = $1 AND environment_id = $2`

	var msg domain.Message
	err := s.db.GetContext(ctx, &msg, query, messageID, environmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// SnoozedMessageForJob finds the in-app message of a job's notification that
// is currently snoozed. ErrMessageNotFound when the message was deleted or
// already reactivated.
func (s *Store) SnoozedMessageForJob(ctx context.Context, jobID, environmentID string) (*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE job_id = $1 AND environment_id = $2 AND snoozed_until IS NOT NULL
		LIMIT 1
	`

	var msg domain.Message
	err := s.db.GetContext(ctx, &msg, query, jobID, environmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get snoozed message: %w", err)
	}

	return &msg, nil
}

// ReactivateMessage reopens a snoozed message in one conditional update:
// snooze cleared, creation time bumped to now so the message re-sorts to the
// top of the inbox, read state reset, and the current timestamp appended to
// the delivery sequence (seeded with the original creation time when the
// sequence is empty). Conditional on snoozed_until still being set so a
// concurrent reactivation cannot double-append.
func (s *Store) ReactivateMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	query := `
		UPDATE messages
		SET snoozed_until = NULL,
		    read = FALSE,
		    last_read_at = NULL,
		    delivered_at = CASE
		        WHEN delivered_at IS NULL OR jsonb_array_length(delivered_at) = 0
		            THEN jsonb_build_array(to_jsonb(created_at), to_jsonb(NOW()))
		        ELSE delivered_at || jsonb_build_array(to_jsonb(NOW()))
		    END,
		    created_at = NOW()
		WHERE message_id = $1 AND snoozed_until IS NOT NULL
		RETURNING ` + messageColumns

	var msg domain.Message
	err := s.db.GetContext(ctx, &msg, query, messageID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to reactivate message: %w", err)
	}

	return &msg, nil
}

// CountUnseen counts unseen, unsnoozed messages for a subscriber, bounded by
// limit rows. Callers pass one past the badge ceiling to detect overflow.
func (s *Store) CountUnseen(ctx context.Context, environmentID, subscriberID string, limit int) (int, error) {
	query := `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM messages
			WHERE environment_id = $1 AND subscriber_id = $2
			  AND seen = FALSE AND snoozed_until IS NULL
			LIMIT $3
		) bounded
	`

	var count int
	if err := s.db.GetContext(ctx, &count, query, environmentID, subscriberID, limit); err != nil {
		return 0, fmt.Errorf("failed to count unseen messages: %w", err)
	}

	return count, nil
}

// CountUnread counts unread, unsnoozed messages for a subscriber, bounded by
// limit rows.
func (s *Store) CountUnread(ctx context.Context, environmentID, subscriberID string, limit int) (int, error) {
	query := `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM messages
			WHERE environment_id = $1 AND subscriber_id = $2
			  AND read = FALSE AND snoozed_until IS NULL
			LIMIT $3
		) bounded
	`

	var count int
	if err := s.db.GetContext(ctx, &count, query, environmentID, subscriberID, limit); err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}

	return count, nil
}

// UnreadSeverityCounts computes the per-severity unread breakdown over a
// bounded sample of limit rows.
func (s *Store) UnreadSeverityCounts(ctx context.Context, environmentID, subscriberID string, limit int) (domain.SeverityCounts, error) {
	query := `
		SELECT severity, COUNT(*) AS total FROM (
			SELECT severity FROM messages
			WHERE environment_id = $1 AND subscriber_id = $2
			  AND read = FALSE AND snoozed_until IS NULL
			LIMIT $3
		) bounded
		GROUP BY severity
	`

	rows, err := s.db.QueryxContext(ctx, query, environmentID, subscriberID, limit)
	if err != nil {
		return domain.SeverityCounts{}, fmt.Errorf("failed to aggregate severity counts: %w", err)
	}
	defer rows.Close()

	var counts domain.SeverityCounts
	for rows.Next() {
		var severity string
		var total int
		if err := rows.Scan(&severity, &total); err != nil {
			return domain.SeverityCounts{}, fmt.Errorf("failed to scan severity count: %w", err)
		}
		switch severity {
		case domain.SeverityHigh:
			counts.High = total
		case domain.SeverityMedium:
			counts.Medium = total
		case domain.SeverityLow:
			counts.Low = total
		default:
			counts.None += total
		}
	}

	if err := rows.Err(); err != nil {
		return domain.SeverityCounts{}, fmt.Errorf("failed to read severity counts: %w", err)
	}

	return counts, nil
}
