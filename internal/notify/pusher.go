package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"campuschat/pkg/types"
)

// ErrSubscriptionGone marks a push endpoint the push service no longer accepts
var ErrSubscriptionGone = errors.New("push subscription gone")

// Pusher delivers one encrypted payload to one browser subscription
type Pusher interface {
	Push(ctx context.Context, sub *types.PushSubscription, payload []byte) error
}

// PushConfig holds the VAPID identity used to sign push requests
type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	HTTPClient      webpush.HTTPClient
}

// WebPusher sends Web Push messages with VAPID authentication
type WebPusher struct {
	config PushConfig
}

// NewWebPusher requires both VAPID keys
func NewWebPusher(config PushConfig) (*WebPusher, error) {
	if config.VAPIDPublicKey == "" || config.VAPIDPrivateKey == "" {
		return nil, errors.New("web push requires both VAPID keys")
	}
	if config.TTL <= 0 {
		config.TTL = 30
	}
	return &WebPusher{config: config}, nil
}

// Push encrypts and posts payload to the subscription endpoint
// FUNCTIONAL DISCOVERY: 404 and 410 mean the subscription expired and should be forgotten
func (p *WebPusher) Push(ctx context.Context, sub *types.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      p.config.HTTPClient,
		Subscriber:      p.config.Subscriber,
		TTL:             p.config.TTL,
		VAPIDPublicKey:  p.config.VAPIDPublicKey,
		VAPIDPrivateKey: p.config.VAPIDPrivateKey,
	})
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service responded %d", resp.StatusCode)
	default:
		return nil
	}
}

// NopPusher drops every payload; used when VAPID keys are not configured
type NopPusher struct{}

func (NopPusher) Push(context.Context, *types.PushSubscription, []byte) error { return nil }
