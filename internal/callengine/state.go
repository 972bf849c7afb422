package callengine

import (
	"time"

	"github.com/davisonwt/ringline/internal/store"
)

// Call is the local projection of one call session. It may transiently
// disagree with the durable row: transitions here are applied optimistically
// and the persisted record catches up in the background.
type Call struct {
	ID       string
	PeerID   string
	PeerName string
	CallType store.CallType
	Status   store.CallStatus

	// IsIncoming marks which side must originate the downstream media
	// offer: true on the acceptor, false on the caller.
	IsIncoming bool

	// StartTime is set when the call turns Active.
	StartTime time.Time

	CreatedAt time.Time
}

// callState holds the at-most-one transient call per slot. All three nil
// means Idle. Guarded by the engine mutex.
type callState struct {
	Incoming *Call
	Outgoing *Call
	Active   *Call
}

func (s *callState) idle() bool {
	return s.Incoming == nil && s.Outgoing == nil && s.Active == nil
}

// holds reports whether any slot refers to the given call id.
func (s *callState) holds(id string) bool {
	return s.find(id) != nil
}

func (s *callState) find(id string) *Call {
	for _, c := range []*Call{s.Incoming, s.Outgoing, s.Active} {
		if c != nil && c.ID == id {
			return c
		}
	}
	return nil
}

func (s *callState) clear() {
	s.Incoming = nil
	s.Outgoing = nil
	s.Active = nil
}

// Snapshot is a copy of the transient state for callers outside the engine.
type Snapshot struct {
	Incoming *Call
	Outgoing *Call
	Active   *Call
}

// Idle reports whether no call is held.
func (s Snapshot) Idle() bool {
	return s.Incoming == nil && s.Outgoing == nil && s.Active == nil
}
