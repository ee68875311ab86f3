package domain

import "time"

// Execution detail outcome constants
const (
	DetailStatusSuccess = "SUCCESS"
	DetailStatusFailed  = "FAILED"
)

// Execution detail source constants
const (
	DetailSourceWorker = "worker"
	DetailSourceDigest = "digest"
	DetailSourceSnooze = "snooze"
	DetailSourceIntake = "intake"
)

// ExecutionDetail is an append-only audit record written alongside every
// meaningful job state transition. Duplicates on queue redelivery are
// acceptable; records are never updated or deleted.
type ExecutionDetail struct {
	DetailID  string    `db:"detail_id"`
	JobID     string    `db:"job_id"`
	Detail    string    `db:"detail"`
	Status    string    `db:"status"`
	Source    string    `db:"source"`
	Raw       string    `db:"raw"` // serialized error or payload, optional
	CreatedAt time.Time `db:"created_at"`
}
