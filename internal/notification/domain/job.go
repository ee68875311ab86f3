package domain

import (
	"database/sql"
	"time"
)

// Job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusDelayed   = "DELAYED"
	JobStatusMerged    = "MERGED"
	JobStatusQueued    = "QUEUED"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusCanceled  = "CANCELED"
	JobStatusFailed    = "FAILED"
)

// StepKind identifies what a job executes when it runs.
type StepKind string

const (
	StepKindTrigger StepKind = "trigger"
	StepKindDigest  StepKind = "digest"
	StepKindDelay   StepKind = "delay"
	StepKindEmail   StepKind = "email"
	StepKindSMS     StepKind = "sms"
	StepKindPush    StepKind = "push"
	StepKindChat    StepKind = "chat"
	StepKindInApp   StepKind = "in_app"
	StepKindAction  StepKind = "action"
)

// IsDigest reports whether the step batches repeated triggers into one delivery.
func (k StepKind) IsDigest() bool {
	return k == StepKindDigest
}

// IsAction reports whether the step gates downstream steps on a prior outcome.
func (k StepKind) IsAction() bool {
	return k == StepKindAction
}

// IsChannel reports whether the step delivers to a subscriber channel.
func (k StepKind) IsChannel() bool {
	switch k {
	case StepKindEmail, StepKindSMS, StepKindPush, StepKindChat, StepKindInApp:
		return true
	}
	return false
}

// Job is one schedulable unit of work: one workflow step of one triggered event.
type Job struct {
	JobID            string         `db:"job_id"`
	TransactionID    string         `db:"transaction_id"`
	EnvironmentID    string         `db:"environment_id"`
	OrganizationID   string         `db:"organization_id"`
	SubscriberID     string         `db:"subscriber_id"`
	UserID           string         `db:"user_id"`
	StepID           string         `db:"step_id"`
	Type             StepKind       `db:"type"`
	Status           string         `db:"status"`
	MergedDigestID   sql.NullString `db:"merged_digest_id"`
	ParentID         sql.NullString `db:"parent_id"`
	DigestKey        sql.NullString `db:"digest_key"`
	Payload          string         `db:"payload"` // JSON string
	ControlVariables string         `db:"control_variables"`
	Bridge           string         `db:"bridge"`
	Error            sql.NullString `db:"error"`
	Attempts         int            `db:"attempts"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// IsTerminal reports whether the job can no longer change status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCanceled, JobStatusFailed:
		return true
	}
	return false
}

// IsMainDigest reports whether the job is the active job of a digest group,
// i.e. the one all siblings within the window are merged into.
func (j *Job) IsMainDigest() bool {
	return j.Type.IsDigest() && j.Status != JobStatusMerged
}
