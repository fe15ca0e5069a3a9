package types

import (
	"encoding/json"
	"time"
)

// SaveAndExitRecord is a saved-in-progress form reachable through a magic
// link. Version only increases, under the expiry-lock compare-and-set.
type SaveAndExitRecord struct {
	MagicLinkID        string
	FormID             string
	Email              string
	SecurityQuestion   string
	SecurityAnswerHash string
	State              json.RawMessage
	InvalidAttempts    int
	Version            int
	ExpireLockOwner    string
	ExpireLockAt       *time.Time
	ExpireEmailSentAt  *time.Time
	CreatedAt          time.Time
	ExpireAt           time.Time
}

// SaveAndExitEvent is the queue payload for a save-and-exit request. The
// producer mints the magic link id, which doubles as the idempotency key
// when the message is redelivered.
type SaveAndExitEvent struct {
	MagicLinkID      string          `json:"magicLinkId" validate:"required"`
	FormID           string          `json:"formId" validate:"required"`
	Email            string          `json:"email" validate:"required,email"`
	SecurityQuestion string          `json:"securityQuestion" validate:"required"`
	SecurityAnswer   string          `json:"securityAnswer" validate:"required"`
	State            json.RawMessage `json:"state" validate:"required"`
}
