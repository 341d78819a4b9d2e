package presence

import (
	"encoding/json"
	"errors"
	"testing"

	"campuschat/internal/testutil"
	"campuschat/internal/websocket"
	"campuschat/pkg/types"
)

func setup(t *testing.T) (*Typing, *websocket.Registry, *testutil.FakeConn, *testutil.FakeConn, *testutil.FakeConn) {
	t.Helper()
	registry := websocket.NewRegistry(nil)
	alice := testutil.NewFakeConn("a1", testutil.Claim("alice", 2024, "CS"))
	bob := testutil.NewFakeConn("b1", testutil.Claim("bob", 2024, "CS"))
	olga := testutil.NewFakeConn("o1", testutil.Claim("olga", 2025, "CS"))
	for _, c := range []*testutil.FakeConn{alice, bob, olga} {
		if err := registry.Register(c); err != nil {
			t.Fatal(err)
		}
	}
	return NewTyping(registry), registry, alice, bob, olga
}

func TestSetTyping_Room(t *testing.T) {
	typing, _, alice, bob, olga := setup(t)

	n, err := typing.SetTyping(alice, "room_2024_CS", true)
	if err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}

	got := bob.EventsOf(t, types.EventTypingUpdate)
	if len(got) != 1 {
		t.Fatalf("bob received %d typing events", len(got))
	}
	var data types.TypingUpdateData
	if err := json.Unmarshal(got[0].Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.ScopeID != "room_2024_CS" || data.UserID != "alice" || !data.IsTyping {
		t.Errorf("payload = %+v", data)
	}
	if len(alice.Events(t)) != 0 || len(olga.Events(t)) != 0 {
		t.Error("typing must skip the sender and other batches")
	}
}

func TestSetTyping_ChannelAndConversation(t *testing.T) {
	typing, registry, alice, bob, _ := setup(t)

	_ = registry.JoinChannel(alice.ID(), "ch1")
	_ = registry.JoinChannel(bob.ID(), "ch1")
	if _, err := typing.SetTyping(alice, "ch1", true); err != nil {
		t.Fatalf("channel typing failed: %v", err)
	}

	_ = registry.JoinScope(alice.ID(), types.ConversationScope("conv1"))
	_ = registry.JoinScope(bob.ID(), types.ConversationScope("conv1"))
	if _, err := typing.SetTyping(bob, "conv1", false); err != nil {
		t.Fatalf("conversation typing failed: %v", err)
	}

	if got := bob.EventsOf(t, types.EventTypingUpdate); len(got) != 1 {
		t.Errorf("bob received %d events", len(got))
	}
	if got := alice.EventsOf(t, types.EventTypingUpdate); len(got) != 1 {
		t.Errorf("alice received %d events", len(got))
	}
}

func TestSetTyping_RequiresMembership(t *testing.T) {
	typing, _, alice, _, olga := setup(t)

	if _, err := typing.SetTyping(olga, "room_2024_CS", true); !errors.Is(err, types.ErrForbidden) {
		t.Errorf("foreign room should be forbidden, got %v", err)
	}
	if _, err := typing.SetTyping(alice, "ch-unknown", true); !errors.Is(err, types.ErrForbidden) {
		t.Errorf("unjoined channel should be forbidden, got %v", err)
	}
	var vErr *types.ValidationError
	if _, err := typing.SetTyping(alice, " ", true); !errors.As(err, &vErr) {
		t.Errorf("empty scope should fail validation, got %v", err)
	}
}
