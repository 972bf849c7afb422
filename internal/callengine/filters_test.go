package callengine

import (
	"testing"
	"time"
)

// TestIsStale checks the staleness predicate around the threshold
func TestIsStale(t *testing.T) {
	threshold := 60 * time.Second

	cases := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"fresh", 0, false},
		{"inside window", 30 * time.Second, false},
		{"well past window", 2 * time.Minute, true},
		{"future timestamp", -10 * time.Second, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := time.Now().Add(-tc.age)
			if got := IsStale(ts, threshold); got != tc.want {
				t.Errorf("IsStale(age=%v) = %v, want %v", tc.age, got, tc.want)
			}
		})
	}
}

// TestIsDuplicate checks the duplicate suppression predicate
func TestIsDuplicate(t *testing.T) {
	window := 15 * time.Second

	if !IsDuplicate("c1", "c1", time.Now().Add(-2*time.Second), window) {
		t.Error("same id inside window should be duplicate")
	}
	if IsDuplicate("c1", "c1", time.Now().Add(-20*time.Second), window) {
		t.Error("same id outside window should not be duplicate")
	}
	if IsDuplicate("c1", "c2", time.Now(), window) {
		t.Error("different ids are never duplicates")
	}
	if IsDuplicate("", "", time.Now(), window) {
		t.Error("empty id should never be treated as duplicate")
	}
}
