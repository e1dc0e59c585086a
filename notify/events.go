// Package notify delivers settlement events to external subscribers. The
// engines emit events fire-and-forget; delivery never gates a state
// transition.
package notify

import "time"

// Event types published by the settlement engines.
const (
	EventReleaseRequested = "release_requested"
	EventReleaseApproved  = "release_approved"
	EventReleaseRejected  = "release_rejected"
	EventDeadlineExtended = "deadline_extended"
	EventDisputeOpened    = "dispute_opened"
	EventDecisionIssued   = "decision_issued"
)

// Event represents a queued notification for a single recipient party.
type Event struct {
	Sequence   int64             `json:"sequence,omitempty"`
	Type       string            `json:"type"`
	ContractID string            `json:"contractId,omitempty"`
	HoldID     string            `json:"holdId,omitempty"`
	DisputeID  string            `json:"disputeId,omitempty"`
	Recipient  string            `json:"recipient"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Emitter receives events produced by the engines.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events. Engines fall back to it when no queue is
// configured.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}
