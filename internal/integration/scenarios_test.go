package integration

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"campuschat/internal/api"
	"campuschat/pkg/types"
)

const quietPeriod = 150 * time.Millisecond

func TestScenario_HandshakeRejectsBadCredentials(t *testing.T) {
	server := StartTestServer(t)

	for name, query := range map[string]url.Values{
		"missing token": {},
		"garbage token": {"token": {"not.a.token"}},
	} {
		t.Run(name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(server.wsURL(query), nil)
			if err == nil {
				_ = conn.Close()
				t.Fatal("expected the handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %+v", resp)
			}
		})
	}
	if got := server.App.Stats()["total_connections"]; got != 0 {
		t.Errorf("rejected handshakes must not register, have %d", got)
	}
}

func TestScenario_BatchRoomIsolation(t *testing.T) {
	server := StartTestServer(t)
	aliceClaim := Claim("alice", 2024, "CS")
	carolClaim := Claim("carol", 2025, "CS")

	alice := server.Connect(t, aliceClaim)
	bob := server.Connect(t, Claim("bob", 2024, "cs"))
	carol := server.Connect(t, carolClaim)
	server.WaitForConnections(t, 3)

	alice.Send(t, types.EventMessageSend, types.SendPayload{Content: "hello batch @bob", RoomID: aliceClaim.Room()})

	var received types.MessageNewData
	bob.ExpectInto(t, types.EventMessageNew, &received)
	if received.Message == nil || received.Message.Content != "hello batch @bob" || received.Message.Author.ID != "alice" {
		t.Fatalf("unexpected message: %+v", received)
	}
	alice.Expect(t, types.EventMessageNew)
	carol.ExpectNone(t, types.EventMessageNew, quietPeriod)

	var mention types.Notification
	bob.ExpectInto(t, types.EventNotificationNew, &mention)
	if mention.Kind != types.NotificationMention {
		t.Errorf("expected a mention notification, got %s", mention.Kind)
	}

	carol.Send(t, types.EventMessageSend, types.SendPayload{Content: "sneaky", RoomID: aliceClaim.Room()})
	if got := carol.ExpectError(t); got.Code != types.CodeForbidden {
		t.Errorf("expected forbidden, got %+v", got)
	}

	var history struct {
		Messages []*types.Message `json:"messages"`
	}
	if status := server.REST(t, carolClaim, http.MethodGet, "/api/rooms/"+aliceClaim.Room()+"/messages", nil, nil); status != http.StatusForbidden {
		t.Errorf("foreign room history status = %d", status)
	}
	server.REST(t, aliceClaim, http.MethodGet, "/api/rooms/"+aliceClaim.Room()+"/messages", nil, &history)
	if len(history.Messages) != 1 || history.Messages[0].ID != received.Message.ID {
		t.Fatalf("history does not match the broadcast: %+v", history.Messages)
	}

	alice.Send(t, types.EventMessageDel, types.DeletePayload{ID: received.Message.ID})
	var deleted types.MessageDeletedData
	bob.ExpectInto(t, types.EventMessageDeleted, &deleted)
	if deleted.ID != received.Message.ID {
		t.Errorf("unexpected deletion: %+v", deleted)
	}
}

func TestScenario_TypingExcludesSender(t *testing.T) {
	server := StartTestServer(t)
	claim := Claim("alice", 2024, "CS")

	alice := server.Connect(t, claim)
	bob := server.Connect(t, Claim("bob", 2024, "CS"))
	server.WaitForConnections(t, 2)

	bob.Send(t, types.EventTypingSet, types.TypingPayload{ScopeID: claim.Room(), IsTyping: true})

	var update types.TypingUpdateData
	alice.ExpectInto(t, types.EventTypingUpdate, &update)
	if update.UserID != "bob" || !update.IsTyping {
		t.Errorf("unexpected typing update: %+v", update)
	}
	bob.ExpectNone(t, types.EventTypingUpdate, quietPeriod)
}

func TestScenario_ChannelAcrossBatchesAndDeletion(t *testing.T) {
	server := StartTestServer(t)
	aliceClaim := Claim("alice", 2024, "CS")
	carolClaim := Claim("carol", 2026, "ME")

	alice := server.Connect(t, aliceClaim)
	carol := server.Connect(t, carolClaim)
	server.WaitForConnections(t, 2)

	var created api.ChannelResponse
	status := server.REST(t, aliceClaim, http.MethodPost, "/api/channels", api.CreateChannelRequest{Name: "robotics"}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create channel status = %d", status)
	}
	channelID := created.Channel.ID

	alice.Send(t, types.EventJoinChannel, types.ChannelRef{ChannelID: channelID})
	carol.Send(t, types.EventJoinChannel, types.ChannelRef{ChannelID: channelID})
	alice.ExpectNone(t, types.EventError, quietPeriod)
	carol.ExpectNone(t, types.EventError, quietPeriod)

	carol.Send(t, types.EventMessageSend, types.SendPayload{Content: "anyone building a rover?", ChannelID: channelID})
	var received types.MessageNewData
	alice.ExpectInto(t, types.EventMessageNew, &received)
	if received.ChannelMessage == nil || received.ChannelMessage.AuthorID != "carol" {
		t.Fatalf("unexpected channel message: %+v", received)
	}

	if status := server.REST(t, aliceClaim, http.MethodDelete, "/api/channels/"+channelID, nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete channel status = %d", status)
	}

	var evicted types.ChannelDeletedData
	carol.ExpectInto(t, types.EventChannelDeleted, &evicted)
	if evicted.ChannelID != channelID || evicted.Reason != "deleted" {
		t.Errorf("unexpected eviction: %+v", evicted)
	}
	alice.Expect(t, types.EventChannelDeleted)

	carol.Send(t, types.EventTypingSet, types.TypingPayload{ScopeID: channelID, IsTyping: true})
	if got := carol.ExpectError(t); got.Code != types.CodeForbidden {
		t.Errorf("typing in a deleted channel = %+v", got)
	}
}

func TestScenario_DirectMessagesAndBlocking(t *testing.T) {
	server := StartTestServer(t)
	aliceClaim := Claim("alice", 2024, "CS")

	alice := server.Connect(t, aliceClaim)
	bob := server.Connect(t, Claim("bob", 2027, "EE"))
	server.WaitForConnections(t, 2)

	alice.Send(t, types.EventDMInitiate, types.TargetUserPayload{TargetUserID: "bob"})
	var conversation types.Conversation
	bob.ExpectInto(t, types.EventConversationNew, &conversation)
	alice.Expect(t, types.EventConversationNew)

	alice.Send(t, types.EventMessageSend, types.SendPayload{Content: "hey bob", ConversationID: conversation.ID})
	var received types.MessageNewData
	bob.ExpectInto(t, types.EventMessageNew, &received)
	if received.DirectMessage == nil || received.DirectMessage.Content != "hey bob" {
		t.Fatalf("unexpected DM: %+v", received)
	}

	var notification types.Notification
	bob.ExpectInto(t, types.EventNotificationNew, &notification)
	if notification.Kind != types.NotificationDirectMessage {
		t.Errorf("expected a dm notification, got %s", notification.Kind)
	}
	var payload map[string]any
	_ = json.Unmarshal(notification.Payload, &payload)
	if payload["conversationId"] != conversation.ID {
		t.Errorf("notification payload missing conversation: %v", payload)
	}

	bob.Send(t, types.EventDMBlock, types.TargetUserPayload{TargetUserID: "alice"})
	bob.ExpectNone(t, types.EventError, quietPeriod)

	alice.Send(t, types.EventMessageSend, types.SendPayload{Content: "hello?", ConversationID: conversation.ID})
	if got := alice.ExpectError(t); got.Code != types.CodeBlocked {
		t.Errorf("expected blocked, got %+v", got)
	}
	bob.ExpectNone(t, types.EventMessageNew, quietPeriod)

	var listed struct {
		Messages []*types.DirectMessage `json:"messages"`
	}
	server.REST(t, aliceClaim, http.MethodGet, "/api/conversations/"+conversation.ID+"/messages", nil, &listed)
	if len(listed.Messages) != 1 {
		t.Errorf("blocked user keeps access to existing history, got %d messages", len(listed.Messages))
	}
}

func TestScenario_DisconnectCleansUp(t *testing.T) {
	server := StartTestServer(t)

	alice := server.Connect(t, Claim("alice", 2024, "CS"))
	second := server.Connect(t, Claim("alice", 2024, "CS"))
	server.WaitForConnections(t, 2)

	alice.Close()
	server.WaitForConnections(t, 1)

	if got := server.App.Stats()["online_users"]; got != 1 {
		t.Errorf("alice still has a tab open, online_users = %d", got)
	}

	second.Close()
	server.WaitForConnections(t, 0)
}
