package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"campuschat/internal/app"
	"campuschat/internal/auth"
	"campuschat/internal/config"
	"campuschat/pkg/types"
)

const (
	testSecret    = "integration-secret"
	expectTimeout = 2 * time.Second
)

// TestServer is a full application behind an httptest server
type TestServer struct {
	App      *app.Application
	URL      string
	verifier *auth.Verifier
}

// StartTestServer builds the application on a temp database and serves it
func StartTestServer(t *testing.T) *TestServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.TokenSecret = testSecret
	cfg.Database.Path = filepath.Join(t.TempDir(), "campuschat.db")
	cfg.Log.Level = "error"

	application, err := app.NewApplication(cfg, app.WithLogOutput(io.Discard))
	if err != nil {
		t.Fatalf("failed to create application: %v", err)
	}
	if err := application.Prepare(context.Background()); err != nil {
		t.Fatalf("failed to prepare application: %v", err)
	}

	server := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		server.Close()
		_ = application.Stop(context.Background())
	})

	verifier, _ := auth.NewVerifier(testSecret)
	return &TestServer{App: application, URL: server.URL, verifier: verifier}
}

// Token issues a bearer token for claim
func (s *TestServer) Token(t *testing.T, claim types.IdentityClaim) string {
	t.Helper()
	token, err := s.verifier.Issue(claim, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// WaitForConnections blocks until the registry holds n connections
func (s *TestServer) WaitForConnections(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(expectTimeout)
	for s.App.Stats()["total_connections"] != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections, have %d", n, s.App.Stats()["total_connections"])
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// REST performs an authenticated JSON request and decodes the response into out when non-nil
func (s *TestServer) REST(t *testing.T, claim types.IdentityClaim, method, path string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.Token(t, claim))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *TestServer) wsURL(query url.Values) string {
	u, _ := url.Parse(s.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = query.Encode()
	return u.String()
}

// TestClient is a websocket client that records every inbound envelope
type TestClient struct {
	UserID string

	conn   *websocket.Conn
	events chan types.Envelope
	done   chan struct{}

	mu      sync.Mutex
	pending []types.Envelope
}

// Connect dials /ws with the claim's token in the query string
func (s *TestServer) Connect(t *testing.T, claim types.IdentityClaim) *TestClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(url.Values{"token": {s.Token(t, claim)}}), nil)
	if err != nil {
		t.Fatalf("failed to connect %s: %v", claim.UserID, err)
	}
	_ = resp.Body.Close()

	client := &TestClient{
		UserID: claim.UserID,
		conn:   conn,
		events: make(chan types.Envelope, 256),
		done:   make(chan struct{}),
	}
	go client.readLoop()
	t.Cleanup(client.Close)
	return client
}

func (c *TestClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.events <- env
	}
}

// Close closes the connection and waits for the read loop
func (c *TestClient) Close() {
	_ = c.conn.Close()
	<-c.done
}

// Send writes one envelope
func (c *TestClient) Send(t *testing.T, kind types.EventKind, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := json.Marshal(types.Envelope{Type: kind, Data: raw})
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("%s failed to send %s: %v", c.UserID, kind, err)
	}
}

// Expect returns the next envelope of kind; envelopes of other kinds are kept for later calls
func (c *TestClient) Expect(t *testing.T, kind types.EventKind) types.Envelope {
	t.Helper()
	if env, ok := c.takePending(kind); ok {
		return env
	}

	timeout := time.After(expectTimeout)
	for {
		select {
		case env := <-c.events:
			if env.Type == kind {
				return env
			}
			c.mu.Lock()
			c.pending = append(c.pending, env)
			c.mu.Unlock()
		case <-timeout:
			t.Fatalf("%s did not receive %s", c.UserID, kind)
		}
	}
}

// ExpectInto decodes the next envelope of kind into out
func (c *TestClient) ExpectInto(t *testing.T, kind types.EventKind, out any) {
	t.Helper()
	env := c.Expect(t, kind)
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("failed to decode %s: %v", kind, err)
	}
}

// ExpectNone fails if an envelope of kind arrives within wait
func (c *TestClient) ExpectNone(t *testing.T, kind types.EventKind, wait time.Duration) {
	t.Helper()
	if env, ok := c.takePending(kind); ok {
		t.Fatalf("%s unexpectedly received %s: %s", c.UserID, kind, env.Data)
	}

	timeout := time.After(wait)
	for {
		select {
		case env := <-c.events:
			if env.Type == kind {
				t.Fatalf("%s unexpectedly received %s: %s", c.UserID, kind, env.Data)
			}
			c.mu.Lock()
			c.pending = append(c.pending, env)
			c.mu.Unlock()
		case <-timeout:
			return
		}
	}
}

// ExpectError returns the next error event
func (c *TestClient) ExpectError(t *testing.T) types.ErrorData {
	t.Helper()
	var data types.ErrorData
	c.ExpectInto(t, types.EventError, &data)
	return data
}

func (c *TestClient) takePending(kind types.EventKind) (types.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, env := range c.pending {
		if env.Type == kind {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return env, true
		}
	}
	return types.Envelope{}, false
}

// Claim builds a student claim
func Claim(userID string, year int, branch string) types.IdentityClaim {
	return types.IdentityClaim{
		UserID:      userID,
		Email:       userID + "@campus.edu",
		Role:        types.RoleStudent,
		BatchYear:   year,
		BatchBranch: branch,
	}
}
