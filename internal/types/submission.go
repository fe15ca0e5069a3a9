package types

import (
	"encoding/json"
	"time"
)

// SubmissionRecord is one completed form submission. Read many times for
// reporting, deleted only by retention expiry.
type SubmissionRecord struct {
	Reference       string
	FormID          string
	FormVersion     string
	Meta            json.RawMessage
	Data            json.RawMessage
	Result          json.RawMessage
	RecordCreatedAt time.Time
	ExpireAt        time.Time
}

// SubmissionMeta is the envelope metadata carried inside a submission event.
type SubmissionMeta struct {
	ReferenceNumber string `json:"referenceNumber" validate:"required"`
	FormID          string `json:"formId" validate:"required"`
	FormVersion     string `json:"formVersion" validate:"required"`
	SchemaVersion   string `json:"schemaVersion"`
	Timestamp       string `json:"timestamp"`
}

// SubmissionEvent is the queue payload for a completed submission. The
// reference number is the idempotency key for redelivery.
type SubmissionEvent struct {
	Meta   SubmissionMeta  `json:"meta" validate:"required"`
	Data   json.RawMessage `json:"data" validate:"required"`
	Result json.RawMessage `json:"result" validate:"required"`
}
