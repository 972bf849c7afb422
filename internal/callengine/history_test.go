package callengine

import (
	"fmt"
	"testing"
	"time"

	"github.com/davisonwt/ringline/internal/store"
)

// TestHistoryNewestFirst tests prepend ordering
func TestHistoryNewestFirst(t *testing.T) {
	h := NewHistory(50)
	h.Append(HistoryEntry{ID: "first"})
	h.Append(HistoryEntry{ID: "second"})

	entries := h.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != "second" || entries[1].ID != "first" {
		t.Errorf("ordering wrong: %s, %s", entries[0].ID, entries[1].ID)
	}
}

// TestHistoryEviction tests the cap and oldest-out eviction
func TestHistoryEviction(t *testing.T) {
	h := NewHistory(50)
	for i := 0; i < 55; i++ {
		h.Append(HistoryEntry{ID: fmt.Sprintf("c%d", i)})
	}

	if h.Len() != 50 {
		t.Fatalf("got %d entries, want 50", h.Len())
	}
	entries := h.Entries()
	if entries[0].ID != "c54" {
		t.Errorf("newest entry: got %s, want c54", entries[0].ID)
	}
	if entries[49].ID != "c5" {
		t.Errorf("oldest surviving entry: got %s, want c5", entries[49].ID)
	}
}

// TestHistoryRehydrate tests duration computation from durable rows
func TestHistoryRehydrate(t *testing.T) {
	now := time.Now().UTC()
	rows := []*store.CallSession{
		{
			ID: "done", CallerID: "alice", ReceiverID: "bob",
			CallType: store.CallTypeVideo, Status: store.StatusEnded,
			CreatedAt:  now,
			AcceptedAt: now.Add(2 * time.Second),
			EndedAt:    now.Add(62 * time.Second),
		},
		{
			// Never connected: no accepted_at, duration must be 0.
			ID: "missed", CallerID: "carol", ReceiverID: "alice",
			CallType: store.CallTypeAudio, Status: store.StatusEnded,
			CreatedAt: now.Add(-time.Minute),
			EndedAt:   now.Add(-30 * time.Second),
		},
	}

	h := NewHistory(50)
	h.Append(HistoryEntry{ID: "stale-local"})
	h.Rehydrate(rows)

	entries := h.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != "done" {
		t.Errorf("expected store order preserved, got %s first", entries[0].ID)
	}
	if entries[0].Duration != time.Minute {
		t.Errorf("duration: got %v, want 1m", entries[0].Duration)
	}
	if entries[1].Duration != 0 {
		t.Errorf("unconnected call duration: got %v, want 0", entries[1].Duration)
	}
}
