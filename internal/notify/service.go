package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

const pushTimeout = 10 * time.Second

// UserSender delivers an event to every live connection of a user
type UserSender interface {
	SendToUser(userID string, event types.OutboundEvent) int
}

// Stats counts push delivery outcomes
type Stats struct {
	PushSent   int64 `json:"pushSent"`
	PushFailed int64 `json:"pushFailed"`
	PushPruned int64 `json:"pushPruned"`
}

// Service writes durable notifications and triggers best-effort delivery
// ARCHITECTURAL DISCOVERY: Rows commit first; live events and push run after commit
// and never roll the stored notification back
type Service struct {
	store  interfaces.NotificationStore
	sender UserSender
	pusher Pusher
	logger *slog.Logger

	wg         sync.WaitGroup
	pushSent   atomic.Int64
	pushFailed atomic.Int64
	pushPruned atomic.Int64
}

// NewService creates a notification service; a nil pusher disables push
func NewService(store interfaces.NotificationStore, sender UserSender, pusher Pusher, logger *slog.Logger) *Service {
	if pusher == nil {
		pusher = NopPusher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		sender: sender,
		pusher: pusher,
		logger: logger.With("component", "notify"),
	}
}

// Notify stores one notification per distinct recipient, then delivers them
func (s *Service) Notify(ctx context.Context, event interfaces.NotificationEvent) ([]*types.Notification, error) {
	if event.Kind == "" {
		return nil, types.NewValidationError("kind", "required")
	}
	payload, err := encodePayload(event.Payload)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(event.RecipientIDs))
	var notifications []*types.Notification
	for _, recipient := range event.RecipientIDs {
		if recipient == "" {
			continue
		}
		if _, dup := seen[recipient]; dup {
			continue
		}
		seen[recipient] = struct{}{}
		notifications = append(notifications, &types.Notification{
			RecipientID: recipient,
			Kind:        event.Kind,
			Payload:     payload,
		})
	}
	if len(notifications) == 0 {
		return nil, nil
	}

	if err := s.store.CreateNotifications(ctx, notifications); err != nil {
		return nil, fmt.Errorf("failed to store notifications: %w", err)
	}

	for _, n := range notifications {
		s.sender.SendToUser(n.RecipientID, types.NewEvent(types.EventNotificationNew, n))
		s.pushAsync(n)
	}
	return notifications, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, types.NewValidationError("payload", "must be valid JSON")
		}
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, types.NewValidationError("payload", "must be JSON encodable")
		}
		return data, nil
	}
}

// pushAsync fans a stored notification out to the recipient's push subscriptions
func (s *Service) pushAsync(n *types.Notification) {
	if _, nop := s.pusher.(NopPusher); nop {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()

		subs, err := s.store.ListPushSubscriptions(ctx, n.RecipientID)
		if err != nil {
			s.logger.Warn("failed to list push subscriptions", "user_id", n.RecipientID, "error", err)
			return
		}
		if len(subs) == 0 {
			return
		}

		body, err := json.Marshal(n)
		if err != nil {
			return
		}
		for _, sub := range subs {
			s.deliver(ctx, sub, body)
		}
	}()
}

func (s *Service) deliver(ctx context.Context, sub *types.PushSubscription, body []byte) {
	err := s.pusher.Push(ctx, sub, body)
	switch {
	case err == nil:
		s.pushSent.Add(1)
	case errors.Is(err, ErrSubscriptionGone):
		s.pushPruned.Add(1)
		if err := s.store.DeletePushSubscriptionByEndpoint(ctx, sub.Endpoint); err != nil {
			s.logger.Warn("failed to prune push subscription", "user_id", sub.UserID, "error", err)
		}
	default:
		s.pushFailed.Add(1)
		s.logger.Warn("push delivery failed", "user_id", sub.UserID, "error", err)
	}
}

// Wait blocks until in-flight push deliveries finish
func (s *Service) Wait() {
	s.wg.Wait()
}

// Stats returns push delivery counters
func (s *Service) Stats() Stats {
	return Stats{
		PushSent:   s.pushSent.Load(),
		PushFailed: s.pushFailed.Load(),
		PushPruned: s.pushPruned.Load(),
	}
}

// List returns userID's notifications, newest first
func (s *Service) List(ctx context.Context, userID string, page types.Page) ([]*types.Notification, error) {
	return s.store.ListNotifications(ctx, userID, page.Normalize())
}

// UnreadCount returns how many of userID's notifications are unread
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnreadNotifications(ctx, userID)
}

// MarkRead marks every notification of userID read; repeating is harmless
func (s *Service) MarkRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkNotificationsRead(ctx, userID)
}

// NotifyAnswer tells a question's author about a new answer
func (s *Service) NotifyAnswer(ctx context.Context, questionAuthorID, answererID, questionID, answerID string) error {
	if questionAuthorID == answererID {
		return nil
	}
	_, err := s.Notify(ctx, interfaces.NotificationEvent{
		Kind:         types.NotificationAnswer,
		RecipientIDs: []string{questionAuthorID},
		Payload: map[string]string{
			"questionId": questionID,
			"answerId":   answerID,
			"answeredBy": answererID,
		},
	})
	return err
}

// NotifyReaction tells a content author someone reacted to it
func (s *Service) NotifyReaction(ctx context.Context, authorID, reactorID, targetID, reaction string) error {
	if authorID == reactorID {
		return nil
	}
	_, err := s.Notify(ctx, interfaces.NotificationEvent{
		Kind:         types.NotificationReaction,
		RecipientIDs: []string{authorID},
		Payload: map[string]string{
			"targetId":  targetID,
			"reaction":  reaction,
			"reactedBy": reactorID,
		},
	})
	return err
}

// Subscribe registers a browser push endpoint for userID
func (s *Service) Subscribe(ctx context.Context, userID, endpoint, p256dh, auth string) (*types.PushSubscription, error) {
	v := &types.ValidationError{}
	if u, err := url.Parse(endpoint); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		v.Add("endpoint", "must be an absolute URL")
	}
	if strings.TrimSpace(p256dh) == "" {
		v.Add("p256dh", "required")
	}
	if strings.TrimSpace(auth) == "" {
		v.Add("auth", "required")
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	sub := &types.PushSubscription{UserID: userID, Endpoint: endpoint, P256dh: p256dh, Auth: auth}
	if err := s.store.UpsertPushSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe forgets userID's endpoint
func (s *Service) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return types.NewValidationError("endpoint", "required")
	}
	return s.store.DeletePushSubscription(ctx, userID, endpoint)
}
