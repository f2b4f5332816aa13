package channel

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff()

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		got := b.Next()
		if got != w {
			t.Errorf("attempt %d: expected %v, got %v", i, w, got)
		}
	}

	// Successful reconnect resets to the base delay
	b.Reset()
	if got := b.Next(); got != 1*time.Second {
		t.Errorf("after reset: expected 1s, got %v", got)
	}
}

func TestBackoffCap(t *testing.T) {
	b := NewBackoff()

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.Next()
		if last > DefaultBackoffCap {
			t.Fatalf("delay %v exceeds cap %v", last, DefaultBackoffCap)
		}
	}
	if last != DefaultBackoffCap {
		t.Errorf("expected delay to settle at cap %v, got %v", DefaultBackoffCap, last)
	}
}

func TestBackoffZeroValueDefaults(t *testing.T) {
	var b Backoff
	if got := b.Next(); got != DefaultBackoffBase {
		t.Errorf("zero-value backoff: expected %v, got %v", DefaultBackoffBase, got)
	}
}
