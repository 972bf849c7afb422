// Package store persists call session rows and enforces their lifecycle.
//
// A row is created in status "ringing" and may only move forward:
// ringing → accepted|declined → ended. "ended" is terminal; updates against
// a terminal row match zero rows and surface ErrTerminal so callers can
// tell a settled call from a missing one.
package store

import (
	"errors"
	"time"
)

// CallType distinguishes audio-only from video calls.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallStatus is the durable lifecycle state of a call session.
// The schema constrains the column to exactly these four values; internal
// reasons such as "timeout" are recorded in the Reason column instead.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusAccepted CallStatus = "accepted"
	StatusDeclined CallStatus = "declined"
	StatusEnded    CallStatus = "ended"
)

// CallSession is one durable call record.
type CallSession struct {
	ID         string
	CallerID   string
	ReceiverID string
	CallType   CallType
	Status     CallStatus
	Reason     string // original end reason: "", "busy", "timeout", "hangup", ...
	CreatedAt  time.Time
	AcceptedAt time.Time // zero until accepted
	EndedAt    time.Time // zero until declined/ended
}

// Duration returns the connected time of the call, 0 if it never connected.
func (s *CallSession) Duration() time.Duration {
	if s.AcceptedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	d := s.EndedAt.Sub(s.AcceptedAt)
	if d < 0 {
		return 0
	}
	return d
}

var (
	// ErrNotFound is returned when no row matches a lookup.
	ErrNotFound = errors.New("call session not found")

	// ErrTerminal is returned when an update targets a row whose status
	// already settled past the requested transition.
	ErrTerminal = errors.New("call session already settled")
)
