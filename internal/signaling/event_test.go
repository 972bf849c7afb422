package signaling

import (
	"testing"
	"time"
)

func validIncoming() *Event {
	return &Event{
		Kind:       KindIncomingCall,
		CallID:     "c1",
		CallerID:   "alice",
		ReceiverID: "bob",
		CallType:   "audio",
		SentAtMs:   time.Now().UnixMilli(),
	}
}

// TestEventRoundTrip tests encode/decode of a valid event
func TestEventRoundTrip(t *testing.T) {
	ev := validIncoming()
	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Kind != KindIncomingCall || got.CallID != "c1" || got.CallerID != "alice" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

// TestValidateRejects covers the closed kind set and per-kind required fields
func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"unknown kind", func(e *Event) { e.Kind = "ring_ring" }},
		{"empty kind", func(e *Event) { e.Kind = "" }},
		{"missing call id", func(e *Event) { e.CallID = "" }},
		{"missing caller", func(e *Event) { e.CallerID = "" }},
		{"missing receiver", func(e *Event) { e.ReceiverID = "" }},
		{"bad call type", func(e *Event) { e.CallType = "hologram" }},
		{"missing sent_at", func(e *Event) { e.SentAtMs = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validIncoming()
			tc.mutate(ev)
			if err := ev.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidateStatusEvent(t *testing.T) {
	ev := &Event{Kind: KindCallStatus, CallID: "c1", SentAtMs: 1}
	if err := ev.Validate(); err == nil {
		t.Error("call_status without status should be rejected")
	}
	ev.Status = "ended"
	if err := ev.Validate(); err != nil {
		t.Errorf("valid call_status rejected: %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("expected error decoding malformed JSON")
	}
	if _, err := Decode([]byte(`{"kind":"call_ended"}`)); err == nil {
		t.Error("expected error for call_ended without call_id")
	}
}
