package callengine

import (
	"sync"
	"time"

	"github.com/davisonwt/ringline/internal/store"
)

// DefaultHistoryLimit caps the in-memory call history.
const DefaultHistoryLimit = 50

// HistoryEntry is one completed call, as shown to the user.
type HistoryEntry struct {
	ID           string
	CallType     store.CallType
	Duration     time.Duration
	Timestamp    time.Time
	Participants [2]string // caller, receiver
	Status       store.CallStatus
}

// History is an append-only, newest-first log of completed calls, capped at
// a fixed size with the oldest entry evicted on overflow.
type History struct {
	mu      sync.Mutex
	max     int
	entries []HistoryEntry
}

// NewHistory creates a history log holding at most max entries.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistoryLimit
	}
	return &History{max: max}
}

// Append prepends an entry, evicting the oldest when over capacity.
func (h *History) Append(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append([]HistoryEntry{e}, h.entries...)
	if len(h.entries) > h.max {
		h.entries = h.entries[:h.max]
	}
}

// Entries returns a copy of the log, newest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Rehydrate replaces the log from durable rows (newest first, as returned by
// the store). Duration is computed from accepted/ended stamps, 0 when either
// is missing.
func (h *History) Rehydrate(rows []*store.CallSession) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = h.entries[:0]
	for _, cs := range rows {
		if len(h.entries) >= h.max {
			break
		}
		h.entries = append(h.entries, HistoryEntry{
			ID:           cs.ID,
			CallType:     cs.CallType,
			Duration:     cs.Duration(),
			Timestamp:    cs.CreatedAt,
			Participants: [2]string{cs.CallerID, cs.ReceiverID},
			Status:       cs.Status,
		})
	}
}
