package domain

import (
	"context"

	"github.com/FreePeak/streamable-mcp-server/internal/domain/shared"
)

// NotificationSender delivers server-initiated notifications into live
// sessions. The transport layer provides the implementation.
type NotificationSender interface {
	// SendNotification pushes a notification to a specific session. It
	// fails with ErrSessionNotFound for unknown ids and ErrSessionClosed
	// when the session terminated while the message was in flight.
	SendNotification(ctx context.Context, sessionID string, notification shared.JSONRPCNotification) error

	// BroadcastNotification pushes a notification to every bound session,
	// best effort: sessions that close mid-broadcast are skipped.
	BroadcastNotification(ctx context.Context, notification shared.JSONRPCNotification) error
}
