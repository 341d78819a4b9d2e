package router

import (
	"testing"
	"time"
)

func TestRateLimiter_WindowBudget(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("message %d should be allowed", i+1)
		}
	}
	if rl.Allow("alice") {
		t.Error("fourth message inside the window should be rejected")
	}
	if !rl.Allow("bob") {
		t.Error("budgets are per user")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("alice") {
		t.Error("new window should reset the budget")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("alice")
	now = now.Add(3 * time.Minute)
	rl.Allow("bob")

	now = now.Add(3 * time.Minute)
	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("expected 1 stale entry removed, got %d", removed)
	}
	if rl.Size() != 1 {
		t.Errorf("expected bob to remain, size = %d", rl.Size())
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.limit != defaultRateLimit || rl.window != defaultRateWindow {
		t.Errorf("defaults = %d/%v", rl.limit, rl.window)
	}
}

func TestExtractMentions(t *testing.T) {
	got := extractMentions("@Bob hi @bob, @carol. mail me at x@y.com @c_d-e")
	want := []string{"bob", "carol", "c_d-e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}
