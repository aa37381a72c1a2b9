// Package transcript stores per-session interview event fragments and
// reconstructs a causally ordered transcript from out-of-order, possibly
// duplicated deliveries.
package transcript

import (
	"encoding/json"
	"time"
)

// Item is one fragment of the conversational event log. Items link to their
// predecessor via PreviousItemID, forming a singly-linked chain built
// backward; an empty PreviousItemID marks a chain head.
type Item struct {
	ID             string          `json:"id"`
	PreviousItemID string          `json:"previous_item_id,omitempty"`
	Role           string          `json:"role,omitempty"`
	Status         string          `json:"status,omitempty"`
	Type           string          `json:"type,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	MessageID      string          `json:"message_id,omitempty"`
	MessageKey     string          `json:"message_key,omitempty"`
	Text           string          `json:"text,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Record owns the ordered item list for one (project, session) pair. It is
// created on the first fragment, merged on every subsequent one, and
// finalized exactly once when the session closes.
type Record struct {
	ProjectID   string     `json:"project_id"`
	SessionID   string     `json:"session_id"`
	Items       []Item     `json:"items"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Finalized reports whether the session transcript has been closed.
func (r *Record) Finalized() bool {
	return r.FinalizedAt != nil
}
