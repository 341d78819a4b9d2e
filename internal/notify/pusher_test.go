package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	"campuschat/pkg/types"
)

func testSubscription(t *testing.T, endpoint string) *types.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatal(err)
	}
	return &types.PushSubscription{
		UserID:   "bob",
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func testPusher(t *testing.T) *WebPusher {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	pusher, err := NewWebPusher(PushConfig{
		VAPIDPublicKey:  public,
		VAPIDPrivateKey: private,
		Subscriber:      "mailto:ops@campus.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	return pusher
}

func TestNewWebPusher_RequiresKeys(t *testing.T) {
	if _, err := NewWebPusher(PushConfig{VAPIDPublicKey: "only-public"}); err == nil {
		t.Error("missing private key should fail")
	}
}

func TestWebPusher_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
		anyErr  bool
	}{
		{"created", http.StatusCreated, nil, false},
		{"gone", http.StatusGone, ErrSubscriptionGone, true},
		{"not found", http.StatusNotFound, ErrSubscriptionGone, true},
		{"server error", http.StatusInternalServerError, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth, gotEncoding string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotEncoding = r.Header.Get("Content-Encoding")
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := testPusher(t).Push(context.Background(), testSubscription(t, server.URL+"/push/1"), []byte(`{"kind":"dm"}`))
			if tt.anyErr != (err != nil) {
				t.Fatalf("err = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if !strings.HasPrefix(gotAuth, "vapid ") {
				t.Errorf("Authorization = %q", gotAuth)
			}
			if gotEncoding != "aes128gcm" {
				t.Errorf("Content-Encoding = %q", gotEncoding)
			}
		})
	}
}
