package worker

import (
	"encoding/json"
	"fmt"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

// JobMessage is the minimal identity of one queued job, extracted from the
// wire payload.
type JobMessage struct {
	JobID          string
	EnvironmentID  string
	OrganizationID string
	UserID         string
	DeliveryTag    uint64 `json:"-"`
}

// wireMessage is the current wire shape published by trigger intake.
type wireMessage struct {
	EnvironmentID  string          `json:"_environmentId"`
	JobID          string          `json:"_id"`
	OrganizationID string          `json:"_organizationId"`
	UserID         string          `json:"_userId"`
	Payload        json.RawMessage `json:"payload"`
	UserIDLegacy   string          `json:"userId"`
}

// legacyPayload is the nested shape older producers publish, with the job
// identity folded into payload.message.
type legacyPayload struct {
	Message struct {
		EnvironmentID  string `json:"_environmentId"`
		JobID          string `json:"_jobId"`
		OrganizationID string `json:"_organizationId"`
	} `json:"message"`
}

// ParseJobMessage extracts the identifying fields from either the top-level
// shape or the nested legacy shape. A message that yields an incomplete
// identity from both is malformed and must not be retried.
func ParseJobMessage(body []byte) (*JobMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidJobMessage, err)
	}

	msg := &JobMessage{
		JobID:          wire.JobID,
		EnvironmentID:  wire.EnvironmentID,
		OrganizationID: wire.OrganizationID,
		UserID:         wire.UserID,
	}

	if msg.complete() {
		return msg, nil
	}

	if len(wire.Payload) > 0 {
		var legacy legacyPayload
		if err := json.Unmarshal(wire.Payload, &legacy); err == nil {
			if msg.JobID == "" {
				msg.JobID = legacy.Message.JobID
			}
			if msg.EnvironmentID == "" {
				msg.EnvironmentID = legacy.Message.EnvironmentID
			}
			if msg.OrganizationID == "" {
				msg.OrganizationID = legacy.Message.OrganizationID
			}
		}
	}
	if msg.UserID == "" {
		msg.UserID = wire.UserIDLegacy
	}

	if !msg.complete() {
		return nil, fmt.Errorf("%w: missing identifying fields", domain.ErrInvalidJobMessage)
	}

	return msg, nil
}

func (m *JobMessage) complete() bool {
	return m.JobID != "" && m.EnvironmentID != "" && m.OrganizationID != "" && m.UserID != ""
}
