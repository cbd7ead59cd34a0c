// Package domain defines the core entities and contracts for the
// streamable HTTP MCP session server.
package domain

import (
	"context"
	"time"

	"github.com/FreePeak/streamable-mcp-server/internal/domain/shared"
)

// Session is the handle a protocol engine holds for one bound client
// conversation. Implementations are owned by the transport layer; the
// engine only observes the identity and pushes asynchronous messages.
type Session interface {
	// ID returns the opaque session identifier. It is empty while the
	// session is still unbound (creation handshake in progress).
	ID() string

	// CreatedAt returns the time the session handle was constructed.
	CreatedAt() time.Time

	// Send queues a server-initiated notification for delivery on the
	// session's push channel. It fails with ErrSessionClosed once the
	// session has terminated.
	Send(ctx context.Context, notification shared.JSONRPCNotification) error
}

// ProtocolEngine executes JSON-RPC messages on behalf of a session.
//
// HandleMessage receives the raw request body and returns the raw
// response body. A nil response with a nil error means the message was a
// notification and no body should be written. Returning an error that
// wraps ErrEngineShutdown tells the transport to close the session once
// the response (if any) has been delivered.
//
// Implementations are not assumed reentrant per session; the transport
// serializes invocations for a given session.
type ProtocolEngine interface {
	HandleMessage(ctx context.Context, session Session, raw []byte) ([]byte, error)
}
