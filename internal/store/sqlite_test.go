package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRingingSession(id string) *CallSession {
	return &CallSession{
		ID:         id,
		CallerID:   "alice",
		ReceiverID: "bob",
		CallType:   CallTypeAudio,
	}
}

// TestCreateAndGet tests round-tripping a ringing session
func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newRingingSession("c1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := s.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusRinging {
		t.Errorf("status mismatch: got %s, want %s", got.Status, StatusRinging)
	}
	if got.CallerID != "alice" || got.ReceiverID != "bob" {
		t.Errorf("participants mismatch: %s → %s", got.CallerID, got.ReceiverID)
	}
	if !got.AcceptedAt.IsZero() || !got.EndedAt.IsZero() {
		t.Error("fresh session should have zero accepted_at/ended_at")
	}
}

// TestMonotonicTransitions verifies ringing → accepted → ended ordering and
// that ended is terminal for the same id.
func TestMonotonicTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newRingingSession("c1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := s.MarkAccepted(ctx, "c1", time.Now()); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	// A second accept must not apply: the row is no longer ringing.
	if err := s.MarkAccepted(ctx, "c1", time.Now()); !errors.Is(err, ErrTerminal) {
		t.Errorf("second accept: got %v, want ErrTerminal", err)
	}

	// Decline after accept must not apply either.
	if err := s.MarkDeclined(ctx, "c1", "busy", time.Now()); !errors.Is(err, ErrTerminal) {
		t.Errorf("decline after accept: got %v, want ErrTerminal", err)
	}

	if err := s.MarkEnded(ctx, "c1", "hangup", time.Now()); err != nil {
		t.Fatalf("end failed: %v", err)
	}

	// Ended is terminal: nothing moves it again.
	if err := s.MarkEnded(ctx, "c1", "hangup", time.Now()); !errors.Is(err, ErrTerminal) {
		t.Errorf("second end: got %v, want ErrTerminal", err)
	}
	if err := s.MarkAccepted(ctx, "c1", time.Now()); !errors.Is(err, ErrTerminal) {
		t.Errorf("accept after end: got %v, want ErrTerminal", err)
	}

	got, err := s.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusEnded {
		t.Errorf("final status: got %s, want %s", got.Status, StatusEnded)
	}
}

// TestDeclineKeepsReason verifies the timeout reason survives in the reason
// column while status stays within the canonical four values.
func TestDeclineKeepsReason(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newRingingSession("c1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.MarkDeclined(ctx, "c1", "timeout", time.Now()); err != nil {
		t.Fatalf("decline failed: %v", err)
	}

	got, err := s.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusDeclined {
		t.Errorf("status: got %s, want %s", got.Status, StatusDeclined)
	}
	if got.Reason != "timeout" {
		t.Errorf("reason: got %q, want %q", got.Reason, "timeout")
	}
}

func TestUpdateMissingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.MarkAccepted(ctx, "nope", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// TestLatestRinging exercises the polling fallback query.
func TestLatestRinging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := newRingingSession("old")
	old.CreatedAt = now.Add(-2 * time.Minute)
	recent := newRingingSession("recent")
	recent.CreatedAt = now.Add(-5 * time.Second)
	newest := newRingingSession("newest")
	newest.CreatedAt = now.Add(-1 * time.Second)

	for _, cs := range []*CallSession{old, recent, newest} {
		if err := s.Create(ctx, cs); err != nil {
			t.Fatalf("create %s failed: %v", cs.ID, err)
		}
	}

	got, err := s.LatestRinging(ctx, "bob", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("latest ringing failed: %v", err)
	}
	if got.ID != "newest" {
		t.Errorf("got %s, want newest", got.ID)
	}

	// A settled call no longer shows up.
	if err := s.MarkDeclined(ctx, "newest", "", time.Now()); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	got, err = s.LatestRinging(ctx, "bob", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("latest ringing failed: %v", err)
	}
	if got.ID != "recent" {
		t.Errorf("got %s, want recent", got.ID)
	}

	// No ringing calls addressed to someone else.
	if _, err := s.LatestRinging(ctx, "carol", now.Add(-time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// TestHistory verifies only ended sessions are returned, newest first.
func TestHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"h1", "h2", "h3"} {
		cs := newRingingSession(id)
		cs.CreatedAt = now.Add(time.Duration(i) * time.Second)
		if err := s.Create(ctx, cs); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if err := s.MarkAccepted(ctx, id, cs.CreatedAt.Add(time.Second)); err != nil {
			t.Fatalf("accept failed: %v", err)
		}
		if err := s.MarkEnded(ctx, id, "hangup", cs.CreatedAt.Add(31*time.Second)); err != nil {
			t.Fatalf("end failed: %v", err)
		}
	}
	// One still ringing; must not appear.
	if err := s.Create(ctx, newRingingSession("live")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	hist, err := s.History(ctx, "alice", 50)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length: got %d, want 3", len(hist))
	}
	if hist[0].ID != "h3" {
		t.Errorf("newest first: got %s, want h3", hist[0].ID)
	}
	if d := hist[0].Duration(); d != 30*time.Second {
		t.Errorf("duration: got %v, want 30s", d)
	}
}
