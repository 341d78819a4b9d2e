// Package testutil holds fakes and fixtures shared by package tests
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"campuschat/internal/database"
	dbconfig "campuschat/pkg/database"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

var (
	ErrFakeClosed = errors.New("fake connection closed")
	ErrFakeFull   = errors.New("fake connection buffer full")
)

// Claim builds a valid student claim for the given batch
func Claim(userID string, year int, branch string) types.IdentityClaim {
	return types.IdentityClaim{
		UserID:      userID,
		Email:       userID + "@campus.edu",
		Role:        types.RoleStudent,
		BatchYear:   year,
		BatchBranch: branch,
	}
}

// FakeConn is an in-memory interfaces.Connection that records frames
type FakeConn struct {
	id       string
	identity types.IdentityClaim

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

// NewFakeConn creates a fake connection for claim
func NewFakeConn(id string, claim types.IdentityClaim) *FakeConn {
	return &FakeConn{id: id, identity: claim}
}

func (f *FakeConn) ID() string                    { return f.id }
func (f *FakeConn) Identity() types.IdentityClaim { return f.identity }

func (f *FakeConn) Enqueue(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFakeClosed
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Events decodes every recorded frame
func (f *FakeConn) Events(t testing.TB) []types.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env types.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("frame is not an envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

// EventsOf returns recorded envelopes of one kind
func (f *FakeConn) EventsOf(t testing.TB, kind types.EventKind) []types.Envelope {
	t.Helper()
	var out []types.Envelope
	for _, env := range f.Events(t) {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

// Reset drops recorded frames
func (f *FakeConn) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

// OpenStore opens a migrated database in a temp directory and closes it on cleanup
func OpenStore(t testing.TB) *database.Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := database.Open(config, nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

// EnsureUsers records claims in the display directory
func EnsureUsers(t testing.TB, store interfaces.UserStore, claims ...types.IdentityClaim) {
	t.Helper()
	for _, claim := range claims {
		if err := store.EnsureUser(context.Background(), claim); err != nil {
			t.Fatalf("EnsureUser(%s) failed: %v", claim.UserID, err)
		}
	}
}

// RecordingNotifier captures notification events
type RecordingNotifier struct {
	mu     sync.Mutex
	events []interfaces.NotificationEvent
	Err    error
}

func (n *RecordingNotifier) Notify(ctx context.Context, event interfaces.NotificationEvent) ([]*types.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return nil, n.Err
	}
	n.events = append(n.events, event)
	return nil, nil
}

// Events returns a copy of the captured events
func (n *RecordingNotifier) Events() []interfaces.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]interfaces.NotificationEvent(nil), n.events...)
}

// Eventually polls cond until it holds or a second elapses
func Eventually(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
