package domain

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Message severity labels used by the unread breakdown.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
	SeverityNone   = "none"
)

// Message is the in-app channel projection of a delivered job. Read/seen
// state belongs to the subscriber inbox; DeliveredAt is the ordered sequence
// of delivery timestamps (a snoozed message that reactivates is delivered
// again).
type Message struct {
	MessageID     string       `db:"message_id"`
	JobID         string       `db:"job_id"`
	EnvironmentID string       `db:"environment_id"`
	SubscriberID  string       `db:"subscriber_id"`
	Content       string       `db:"content"` // JSON string
	Severity      string       `db:"severity"`
	Read          bool         `db:"read"`
	Seen          bool         `db:"seen"`
	LastReadAt    sql.NullTime `db:"last_read_at"`
	SnoozedUntil  sql.NullTime `db:"snoozed_until"`
	DeliveredAt   TimeSequence `db:"delivered_at"`
	CreatedAt     time.Time    `db:"created_at"`
}

// TimeSequence is an ordered list of timestamps stored as a JSONB array.
type TimeSequence []time.Time

// Scan implements sql.Scanner.
func (s *TimeSequence) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into TimeSequence", src)
	}
	return json.Unmarshal(data, s)
}

// Value implements driver.Valuer.
func (s TimeSequence) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// CountResult is a bounded inbox count. Counting queries are capped at
// MaxCountedMessages+1 rows; anything past the cap reports HasMore instead
// of an exact total.
type CountResult struct {
	Count   int  `json:"count"`
	HasMore bool `json:"hasMore"`
}

// SeverityCounts is the per-severity unread breakdown.
type SeverityCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
	None   int `json:"none"`
}

// MaxCountedMessages is the badge-count ceiling. Clients render "99+"/"100+"
// style badges, so exact totals above this are never computed.
const MaxCountedMessages = 100
