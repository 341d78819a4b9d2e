package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

type mockVerifier struct {
	tokens map[string]types.IdentityClaim
}

func (m *mockVerifier) Verify(raw string) (types.IdentityClaim, error) {
	raw = strings.TrimPrefix(raw, "Bearer ")
	claim, ok := m.tokens[raw]
	if !ok {
		return types.IdentityClaim{}, fmt.Errorf("%w: unknown token", types.ErrUnauthenticated)
	}
	return claim, nil
}

// recordingDispatcher registers into a real Registry and echoes frames back
type recordingDispatcher struct {
	registry    *Registry
	registerErr error

	mu           sync.Mutex
	dispatched   []string
	unregistered chan string
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{registry: NewRegistry(nil), unregistered: make(chan string, 4)}
}

func (d *recordingDispatcher) Register(ctx context.Context, conn interfaces.Connection) error {
	if d.registerErr != nil {
		return d.registerErr
	}
	return d.registry.Register(conn)
}

func (d *recordingDispatcher) Unregister(connID string) {
	d.registry.Unregister(connID)
	d.unregistered <- connID
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, conn interfaces.Connection, data []byte) {
	d.mu.Lock()
	d.dispatched = append(d.dispatched, string(data))
	d.mu.Unlock()
	_ = conn.Enqueue(append([]byte("echo:"), data...))
}

func setupHandler(t *testing.T, dispatcher *recordingDispatcher, config HandlerConfig) *httptest.Server {
	t.Helper()
	verifier := &mockVerifier{tokens: map[string]types.IdentityClaim{"good": testClaim}}
	handler := NewHandler(verifier, dispatcher, config, nil)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	server := setupHandler(t, dispatcher, HandlerConfig{})

	tests := []struct {
		name   string
		query  string
		header http.Header
	}{
		{"missing token", "", nil},
		{"unknown token", "?token=bad", nil},
		{"bad bearer header", "", http.Header{"Authorization": []string{"Bearer bad"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, tt.query), tt.header)
			if err == nil {
				t.Fatal("dial should fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %+v", resp)
			}
		})
	}

	if got := dispatcher.registry.Stats()["total_connections"]; got != 0 {
		t.Errorf("rejected handshakes registered %d connections", got)
	}
}

func TestHandler_RejectedBodyIsGeneric(t *testing.T) {
	server := setupHandler(t, newRecordingDispatcher(), HandlerConfig{})

	resp, err := http.Get(server.URL + "/ws?token=bad")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	if body := strings.TrimSpace(string(buf[:n])); body != "invalid credentials" {
		t.Errorf("body = %q", body)
	}
}

func TestHandler_RegistersDispatchesAndUnregisters(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	server := setupHandler(t, dispatcher, HandlerConfig{})

	client, _, err := websocket.DefaultDialer.Dial(wsURL(server, "?token=good"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	waitFor(t, func() bool { return dispatcher.registry.IsOnline("alice") })
	if !dispatcher.registry.IsMember(dispatcher.registry.ScopeMembers("room_2024_CS")[0], "room_2024_CS") {
		t.Error("connection should be in its batch room")
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"join:room"}`)); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(reply) != `echo:{"type":"join:room"}` {
		t.Errorf("reply = %s", reply)
	}

	_ = client.Close()
	select {
	case <-dispatcher.unregistered:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not unregistered after close")
	}
	if dispatcher.registry.IsOnline("alice") {
		t.Error("user should be offline")
	}
}

func TestHandler_BearerHeaderAccepted(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	server := setupHandler(t, dispatcher, HandlerConfig{})

	client, _, err := websocket.DefaultDialer.Dial(wsURL(server, ""), http.Header{"Authorization": []string{"Bearer good"}})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	waitFor(t, func() bool { return dispatcher.registry.IsOnline("alice") })
}

func TestHandler_RegisterFailureClosesSocket(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	dispatcher.registerErr = fmt.Errorf("store unavailable")
	server := setupHandler(t, dispatcher, HandlerConfig{})

	client, _, err := websocket.DefaultDialer.Dial(wsURL(server, "?token=good"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("socket should be closed by the server")
	}
}

func TestHandler_OversizedFrameDropsConnection(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	server := setupHandler(t, dispatcher, HandlerConfig{MaxMessageBytes: 16})

	client, _, err := websocket.DefaultDialer.Dial(wsURL(server, "?token=good"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	_ = client.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64)))
	select {
	case <-dispatcher.unregistered:
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame should end the connection")
	}
}

func TestOriginChecker(t *testing.T) {
	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	if originChecker(nil) != nil {
		t.Error("empty allow list should keep the default check")
	}
	if !originChecker([]string{"*"})(request("https://evil.example")) {
		t.Error("* should allow any origin")
	}

	check := originChecker([]string{"https://campus.example"})
	if !check(request("https://campus.example")) {
		t.Error("listed origin should pass")
	}
	if check(request("https://evil.example")) {
		t.Error("unlisted origin should fail")
	}
	if !check(request("")) {
		t.Error("non-browser clients without Origin should pass")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
