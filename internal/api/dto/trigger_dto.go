package dto

import "encoding/json"

// TriggerStep is one workflow step of the triggered event, as resolved by
// the workflow control plane.
type TriggerStep struct {
	StepID    string `json:"step_id" binding:"required"`
	Type      string `json:"type" binding:"required"`
	DigestKey string `json:"digest_key,omitempty"`
}

// TriggerEventRequest starts one workflow execution for one subscriber.
type TriggerEventRequest struct {
	Name         string          `json:"name" binding:"required"`
	SubscriberID string          `json:"subscriber_id" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	Bulk         int             `json:"bulk,omitempty"`
	Steps        []TriggerStep   `json:"steps" binding:"required,min=1"`
}

// TriggerEventResponse acknowledges an admitted trigger.
type TriggerEventResponse struct {
	Acknowledged  bool   `json:"acknowledged"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

// CancelResponse reports whether a cancellation changed anything.
type CancelResponse struct {
	Acknowledged  bool   `json:"acknowledged"`
	Canceled      bool   `json:"canceled"`
	TransactionID string `json:"transaction_id"`
}
