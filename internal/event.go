package internal

import "time"

// Event is a webhook delivery whose signature has been verified.
// Events reaching the relay come from the signature verifier.
type Event struct {
	Provider   string                 `json:"provider"`
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
	RawPayload []byte                 `json:"-"`
}
