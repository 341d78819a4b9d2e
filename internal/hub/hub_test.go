package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"campuschat/internal/channel"
	"campuschat/internal/database"
	"campuschat/internal/dm"
	"campuschat/internal/presence"
	"campuschat/internal/router"
	"campuschat/internal/testutil"
	"campuschat/internal/websocket"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

type fixture struct {
	hub      *Hub
	store    *database.Manager
	registry *websocket.Registry
	channels *channel.Manager
	dms      *dm.Manager
}

func setupHub(t *testing.T) *fixture {
	t.Helper()
	return setupHubWithChannels(t, nil)
}

// setupHubWithChannels lets a test wrap the channel store seen by the hub's channel manager
func setupHubWithChannels(t *testing.T, wrap func(*database.Manager) interfaces.ChannelStore) *fixture {
	t.Helper()
	store := testutil.OpenStore(t)
	registry := websocket.NewRegistry(nil)
	var channelStore interfaces.ChannelStore = store
	if wrap != nil {
		channelStore = wrap(store)
	}
	channels := channel.NewManager(channelStore, registry, nil, nil)
	dms := dm.NewManager(store, store, registry, nil, dm.Options{})
	r := router.NewRouter(router.Config{
		Messages:    store,
		Channels:    store,
		Users:       store,
		Directs:     dms,
		Broadcaster: registry,
	})
	h := NewHub(Config{
		Registry:            registry,
		Users:               store,
		Router:              r,
		Channels:            channels,
		DMs:                 dms,
		Typing:              presence.NewTyping(registry),
		MaintenanceInterval: 10 * time.Millisecond,
	})
	return &fixture{hub: h, store: store, registry: registry, channels: channels, dms: dms}
}

func (f *fixture) connect(t *testing.T, id string, claim types.IdentityClaim) *testutil.FakeConn {
	t.Helper()
	conn := testutil.NewFakeConn(id, claim)
	if err := f.hub.Register(context.Background(), conn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return conn
}

func send(t *testing.T, f *fixture, conn *testutil.FakeConn, kind types.EventKind, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := json.Marshal(types.Envelope{Type: kind, Data: raw})
	f.hub.Dispatch(context.Background(), conn, frame)
}

func lastError(t *testing.T, conn *testutil.FakeConn) *types.ErrorData {
	t.Helper()
	events := conn.EventsOf(t, types.EventError)
	if len(events) == 0 {
		return nil
	}
	var data types.ErrorData
	if err := json.Unmarshal(events[len(events)-1].Data, &data); err != nil {
		t.Fatal(err)
	}
	return &data
}

func TestHub_EveryInboundKindHasHandler(t *testing.T) {
	f := setupHub(t)
	for _, kind := range types.InboundKinds() {
		if f.hub.handlers.lookup(kind) == nil {
			t.Errorf("no handler for %s", kind)
		}
	}
	if f.hub.handlers.lookup(types.EventMessageNew) != nil {
		t.Error("outbound kinds must not resolve to a handler")
	}
}

func TestHub_MalformedFrames(t *testing.T) {
	f := setupHub(t)
	alice := f.connect(t, "a1", testutil.Claim("alice", 2024, "CS"))

	tests := []struct {
		name  string
		frame string
		field string
	}{
		{"not json", `{{{`, "envelope"},
		{"unknown type", `{"type":"nope"}`, "type"},
		{"outbound type", `{"type":"message:new","data":{}}`, "type"},
		{"unknown payload field", `{"type":"join:channel","data":{"channelId":"x","extra":1}}`, "data"},
		{"wrong payload type", `{"type":"typing:set","data":{"scopeId":5}}`, "data"},
		{"missing channel id", `{"type":"join:channel","data":{}}`, "channelId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice.Reset()
			f.hub.Dispatch(context.Background(), alice, []byte(tt.frame))
			got := lastError(t, alice)
			if got == nil {
				t.Fatal("expected an error event")
			}
			if got.Code != types.CodeValidationFailed {
				t.Errorf("code = %s", got.Code)
			}
			if _, ok := got.Fields[tt.field]; !ok {
				t.Errorf("expected field %s, got %v", tt.field, got.Fields)
			}
		})
	}
}

func TestHub_RoomMessageFlow(t *testing.T) {
	f := setupHub(t)
	alice := f.connect(t, "a1", testutil.Claim("alice", 2024, "CS"))
	bob := f.connect(t, "b1", testutil.Claim("bob", 2024, "CS"))

	send(t, f, alice, types.EventMessageSend, types.SendPayload{Content: "hello", RoomID: "room_2024_CS"})
	if got := bob.EventsOf(t, types.EventMessageNew); len(got) != 1 {
		t.Fatalf("bob received %d messages", len(got))
	}

	send(t, f, bob, types.EventMessageSend, types.SendPayload{Content: "hi", RoomID: "room_2025_CS"})
	if got := lastError(t, bob); got == nil || got.Code != types.CodeForbidden || got.Event != types.EventMessageSend {
		t.Errorf("foreign room error = %+v", got)
	}

	history, _ := f.store.ListRoomMessages(context.Background(), "room_2024_CS", types.Page{})
	send(t, f, bob, types.EventMessageDel, types.DeletePayload{ID: history[0].ID})
	if got := lastError(t, bob); got == nil || got.Code != types.CodeNotFound {
		t.Errorf("non-owner delete error = %+v", got)
	}
	send(t, f, alice, types.EventMessageDel, types.DeletePayload{ID: history[0].ID})
	if got := bob.EventsOf(t, types.EventMessageDeleted); len(got) != 1 {
		t.Errorf("bob received %d deletions", len(got))
	}
}

func TestHub_ChannelJoinAndTyping(t *testing.T) {
	f := setupHub(t)
	ctx := context.Background()
	alice := f.connect(t, "a1", testutil.Claim("alice", 2024, "CS"))
	bob := f.connect(t, "b1", testutil.Claim("bob", 2025, "EE"))

	ch, err := f.channels.Create(ctx, channel.CreateInput{Name: "golang", OwnerID: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	send(t, f, alice, types.EventJoinChannel, types.ChannelRef{ChannelID: ch.ID})
	send(t, f, bob, types.EventJoinChannel, types.ChannelRef{ChannelID: ch.ID})
	if lastError(t, alice) != nil || lastError(t, bob) != nil {
		t.Fatal("joins should succeed")
	}

	send(t, f, bob, types.EventTypingSet, types.TypingPayload{ScopeID: ch.ID, IsTyping: true})
	if got := alice.EventsOf(t, types.EventTypingUpdate); len(got) != 1 {
		t.Errorf("alice received %d typing events", len(got))
	}

	send(t, f, bob, types.EventMessageSend, types.SendPayload{Content: "cross batch", ChannelID: ch.ID})
	if got := alice.EventsOf(t, types.EventMessageNew); len(got) != 1 {
		t.Errorf("alice received %d channel messages", len(got))
	}

	send(t, f, bob, types.EventLeaveChannel, types.ChannelRef{ChannelID: ch.ID})
	send(t, f, bob, types.EventTypingSet, types.TypingPayload{ScopeID: ch.ID, IsTyping: true})
	if got := lastError(t, bob); got == nil || got.Code != types.CodeForbidden {
		t.Errorf("typing after leave = %+v", got)
	}

	private, _ := f.channels.Create(ctx, channel.CreateInput{Name: "secret", Type: types.ChannelPrivate, OwnerID: "alice"})
	send(t, f, bob, types.EventJoinChannel, types.ChannelRef{ChannelID: private.ID})
	if got := lastError(t, bob); got == nil || got.Code != types.CodeForbidden || got.Message != "forbidden" {
		t.Errorf("private join = %+v", got)
	}
}

// pausingChannelStore holds AddChannelMember after its commit until released
type pausingChannelStore struct {
	*database.Manager
	added   chan struct{}
	release chan struct{}
}

func (s *pausingChannelStore) AddChannelMember(ctx context.Context, channelID, userID string) error {
	err := s.Manager.AddChannelMember(ctx, channelID, userID)
	close(s.added)
	<-s.release
	return err
}

func TestHub_JoinRacingDeleteLeavesNoSubscription(t *testing.T) {
	paused := &pausingChannelStore{added: make(chan struct{}), release: make(chan struct{})}
	f := setupHubWithChannels(t, func(store *database.Manager) interfaces.ChannelStore {
		paused.Manager = store
		return paused
	})
	ctx := context.Background()

	owner := channel.NewManager(f.store, f.registry, nil, nil)
	ch, err := owner.Create(ctx, channel.CreateInput{Name: "doomed", OwnerID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	bob := f.connect(t, "b1", testutil.Claim("bob", 2025, "EE"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		send(t, f, bob, types.EventJoinChannel, types.ChannelRef{ChannelID: ch.ID})
	}()

	<-paused.added
	if err := owner.Delete(ctx, ch.ID, "alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	close(paused.release)
	<-done

	if f.registry.IsMember(bob.ID(), types.ChannelScope(ch.ID)) {
		t.Error("bob must not stay subscribed to a deleted channel")
	}
	deleted := len(bob.EventsOf(t, types.EventChannelDeleted))
	joinErr := lastError(t, bob)
	if deleted == 0 && (joinErr == nil || joinErr.Code != types.CodeNotFound) {
		t.Errorf("bob was never told the channel is gone: deleted=%d err=%+v", deleted, joinErr)
	}
	if deleted > 1 {
		t.Errorf("bob received %d channel:deleted events", deleted)
	}
}

func TestHub_DepartedConnectionGetsNoError(t *testing.T) {
	f := setupHub(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, channel.CreateInput{Name: "golang", OwnerID: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	bob := f.connect(t, "b1", testutil.Claim("bob", 2025, "EE"))
	f.hub.Unregister(bob.ID())
	send(t, f, bob, types.EventJoinChannel, types.ChannelRef{ChannelID: ch.ID})

	if got := lastError(t, bob); got != nil {
		t.Errorf("departed connection should get no error event, got %+v", got)
	}
}

func TestHub_DirectMessaging(t *testing.T) {
	f := setupHub(t)
	alice := f.connect(t, "a1", testutil.Claim("alice", 2024, "CS"))
	bob := f.connect(t, "b1", testutil.Claim("bob", 2025, "EE"))

	send(t, f, alice, types.EventDMInitiate, types.TargetUserPayload{TargetUserID: "bob"})
	created := bob.EventsOf(t, types.EventConversationNew)
	if len(created) != 1 {
		t.Fatalf("bob received %d conversation:new events", len(created))
	}
	var conv types.Conversation
	if err := json.Unmarshal(created[0].Data, &conv); err != nil {
		t.Fatal(err)
	}

	// A second tab of alice learns the existing conversation on initiate
	tab := f.connect(t, "a2", testutil.Claim("alice", 2024, "CS"))
	if !f.registry.IsMember(tab.ID(), types.ConversationScope(conv.ID)) {
		t.Error("register should join existing conversation scopes")
	}
	send(t, f, tab, types.EventDMInitiate, types.TargetUserPayload{TargetUserID: "bob"})
	if got := tab.EventsOf(t, types.EventConversationNew); len(got) != 1 {
		t.Errorf("existing conversation should be announced to the caller, got %d", len(got))
	}

	send(t, f, bob, types.EventMessageSend, types.SendPayload{Content: "hey", ConversationID: conv.ID})
	if got := alice.EventsOf(t, types.EventMessageNew); len(got) != 1 {
		t.Errorf("alice received %d DMs", len(got))
	}

	send(t, f, alice, types.EventDMBlock, types.TargetUserPayload{TargetUserID: "bob"})
	send(t, f, bob, types.EventMessageSend, types.SendPayload{Content: "hello?", ConversationID: conv.ID})
	if got := lastError(t, bob); got == nil || got.Code != types.CodeBlocked {
		t.Errorf("blocked send = %+v", got)
	}

	send(t, f, alice, types.EventDMUnblock, types.TargetUserPayload{TargetUserID: "bob"})
	bob.Reset()
	send(t, f, bob, types.EventMessageSend, types.SendPayload{Content: "again", ConversationID: conv.ID})
	if got := lastError(t, bob); got != nil {
		t.Errorf("send after unblock failed: %+v", got)
	}

	send(t, f, alice, types.EventDMInitiate, types.TargetUserPayload{TargetUserID: "alice"})
	if got := lastError(t, alice); got == nil || got.Code != types.CodeValidationFailed {
		t.Errorf("self DM = %+v", got)
	}
}

func TestHub_UnregisterAndStats(t *testing.T) {
	f := setupHub(t)
	alice := f.connect(t, "a1", testutil.Claim("alice", 2024, "CS"))

	if got := f.hub.Stats()["total_connections"]; got != 1 {
		t.Errorf("total_connections = %d", got)
	}
	f.hub.Unregister(alice.ID())
	f.hub.Unregister(alice.ID())
	if got := f.hub.Stats()["total_connections"]; got != 0 {
		t.Errorf("total_connections after unregister = %d", got)
	}

	user, err := f.store.GetUser(context.Background(), "alice")
	if err != nil || user.Name != "alice" {
		t.Errorf("register should record the user: %+v %v", user, err)
	}
}

func TestHub_StartStop(t *testing.T) {
	f := setupHub(t)
	ctx := context.Background()

	if err := f.hub.Stop(); err != ErrHubNotRunning {
		t.Errorf("expected ErrHubNotRunning, got %v", err)
	}
	if err := f.hub.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.hub.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("expected ErrHubAlreadyRunning, got %v", err)
	}
	if !f.hub.IsRunning() {
		t.Error("hub should be running")
	}
	time.Sleep(30 * time.Millisecond)
	if err := f.hub.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if f.hub.IsRunning() {
		t.Error("hub should be stopped")
	}
}
