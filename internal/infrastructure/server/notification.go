package server

import (
	"context"

	"github.com/pkg/errors"

	"github.com/FreePeak/streamable-mcp-server/internal/domain"
	"github.com/FreePeak/streamable-mcp-server/internal/domain/shared"
)

// NotificationSender delivers server push messages by resolving session
// ids through the registry. It implements domain.NotificationSender.
type NotificationSender struct {
	registry *SessionRegistry
}

var _ domain.NotificationSender = (*NotificationSender)(nil)

// NewNotificationSender creates a sender over the given registry.
func NewNotificationSender(registry *SessionRegistry) *NotificationSender {
	return &NotificationSender{registry: registry}
}

// SendNotification pushes a notification to a specific session.
func (n *NotificationSender) SendNotification(ctx context.Context, sessionID string, notification shared.JSONRPCNotification) error {
	t, ok := n.registry.Lookup(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	return errors.Wrap(t.Send(ctx, notification), "sending notification")
}

// BroadcastNotification pushes a notification to every bound session.
// Sessions that close while the broadcast is in flight are skipped.
func (n *NotificationSender) BroadcastNotification(ctx context.Context, notification shared.JSONRPCNotification) error {
	for _, t := range n.registry.snapshot() {
		if err := t.Send(ctx, notification); err != nil && !errors.Is(err, domain.ErrSessionClosed) {
			return errors.Wrap(err, "broadcasting notification")
		}
	}
	return nil
}
