// Package signaling carries call events between users over per-user
// broadcast topics. Delivery is best-effort and at-least-once: a sender may
// retry, so the same event can arrive 0, 1 or N times and consumers must be
// idempotent.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one of the five call event types. The set is closed;
// anything else on the wire is rejected at decode time.
type Kind string

const (
	KindIncomingCall Kind = "incoming_call"
	KindCallAnswered Kind = "call_answered"
	KindCallDeclined Kind = "call_declined"
	KindCallEnded    Kind = "call_ended"
	KindCallStatus   Kind = "call_status"
)

// Event is the wire payload for every kind. Which fields are required
// depends on the kind; Validate enforces that on receipt so handlers never
// see a half-formed event.
type Event struct {
	Kind       Kind   `json:"kind"`
	CallID     string `json:"call_id"`
	CallerID   string `json:"caller_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
	CallType   string `json:"call_type,omitempty"` // "audio" | "video"
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	SentAtMs   int64  `json:"sent_at_ms"` // sender clock, unix milliseconds
}

// SentAt returns the sender timestamp as a time.Time.
func (e *Event) SentAt() time.Time {
	return time.UnixMilli(e.SentAtMs)
}

// Validate checks the closed kind set and the required fields per kind.
func (e *Event) Validate() error {
	switch e.Kind {
	case KindIncomingCall:
		if e.CallerID == "" || e.ReceiverID == "" {
			return fmt.Errorf("incoming_call missing participants (call %q)", e.CallID)
		}
		if e.CallType != "audio" && e.CallType != "video" {
			return fmt.Errorf("incoming_call has invalid call_type %q", e.CallType)
		}
	case KindCallAnswered, KindCallDeclined, KindCallEnded:
		// id is enough; reason is optional
	case KindCallStatus:
		if e.Status == "" {
			return fmt.Errorf("call_status missing status (call %q)", e.CallID)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.CallID == "" {
		return fmt.Errorf("%s missing call_id", e.Kind)
	}
	if e.SentAtMs <= 0 {
		return fmt.Errorf("%s missing sent_at_ms", e.Kind)
	}
	return nil
}

// Encode marshals the event for the wire.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a wire payload.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshaling event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
