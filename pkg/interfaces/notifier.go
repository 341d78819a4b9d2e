package interfaces

import (
	"context"

	"campuschat/pkg/types"
)

// NotificationEvent is a qualifying domain event destined for one or more recipients
type NotificationEvent struct {
	Kind         types.NotificationKind
	RecipientIDs []string
	Payload      any
}

// Notifier writes durable notifications and triggers best-effort delivery
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent) ([]*types.Notification, error)
}
