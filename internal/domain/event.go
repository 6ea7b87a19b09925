package domain

import (
	"encoding/json"
	"time"
)

// Event is an immutable record of a domain occurrence. The engine treats the
// payload as opaque bytes; only EventType participates in routing.
type Event struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Source     string          `json:"source,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	CreatedAt  time.Time       `json:"created_at"`
}
