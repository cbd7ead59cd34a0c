package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/FreePeak/streamable-mcp-server/internal/domain"
	"github.com/FreePeak/streamable-mcp-server/internal/domain/shared"
	"github.com/FreePeak/streamable-mcp-server/internal/infrastructure/logging"
)

// StreamableTransport mediates all I/O for one session. It starts
// unbound, acquires an id and a registry entry once the creation
// handshake succeeds, and ends closed. Closing is monotonic: a closed
// transport rejects every further operation and never re-registers.
type StreamableTransport struct {
	engine   domain.ProtocolEngine
	registry *SessionRegistry
	logger   *logging.Logger

	// engineMu serializes protocol engine invocations for this session;
	// the engine is not assumed reentrant per session.
	engineMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	closed    bool
	streaming bool

	done      chan struct{}
	pushCh    chan shared.JSONRPCNotification
	createdAt time.Time
}

var _ domain.Session = (*StreamableTransport)(nil)

// NewStreamableTransport creates an unbound transport backed by the given
// engine and registry. bufferSize bounds the queue of server push
// messages awaiting delivery.
func NewStreamableTransport(engine domain.ProtocolEngine, registry *SessionRegistry, logger *logging.Logger, bufferSize int) *StreamableTransport {
	if bufferSize <= 0 {
		bufferSize = defaultPushBufferSize
	}
	return &StreamableTransport{
		engine:    engine,
		registry:  registry,
		logger:    logger,
		done:      make(chan struct{}),
		pushCh:    make(chan shared.JSONRPCNotification, bufferSize),
		createdAt: time.Now(),
	}
}

// ID returns the session id, empty while unbound.
func (t *StreamableTransport) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// CreatedAt returns the time the transport was constructed.
func (t *StreamableTransport) CreatedAt() time.Time {
	return t.createdAt
}

// Bind transitions the transport from unbound to bound: it mints a
// session id and registers itself. Called exactly once, after the
// engine's creation handshake has been validated.
func (t *StreamableTransport) Bind() (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", domain.ErrSessionClosed
	}
	if t.sessionID != "" {
		id := t.sessionID
		t.mu.Unlock()
		return id, nil
	}
	id := t.registry.NewSessionID()
	t.sessionID = id
	t.mu.Unlock()

	if err := t.registry.Register(id, t); err != nil {
		t.mu.Lock()
		t.sessionID = ""
		t.mu.Unlock()
		return "", err
	}
	return id, nil
}

// HandleUnaryRequest passes the raw body to the protocol engine and
// returns its synchronous result. A nil result means the body was a
// notification. An engine error is fatal for the session: the transport
// closes and evicts itself before the error is returned.
func (t *StreamableTransport) HandleUnaryRequest(ctx context.Context, body []byte) ([]byte, error) {
	t.engineMu.Lock()
	defer t.engineMu.Unlock()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, domain.ErrSessionClosed
	}

	resp, err := t.engine.HandleMessage(ctx, t, body)
	if err != nil {
		t.Close()
		if errors.Is(err, domain.ErrEngineShutdown) {
			return resp, nil
		}
		return nil, errors.Wrap(err, "protocol engine")
	}
	return resp, nil
}

// Send queues a server-initiated notification for delivery on the push
// channel. Messages are delivered in the order they were queued.
func (t *StreamableTransport) Send(ctx context.Context, notification shared.JSONRPCNotification) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return domain.ErrSessionClosed
	}

	select {
	case t.pushCh <- notification:
		return nil
	case <-t.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenPushChannel binds the calling HTTP response as the session's push
// channel and streams queued messages as SSE events until the transport
// closes or the client disconnects. At most one push channel may be open
// at a time; a second subscriber fails with ErrChannelAlreadyOpen without
// disturbing the first.
//
// A client disconnect while the channel is bound closes the session.
func (t *StreamableTransport) OpenPushChannel(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return domain.NewError("streaming unsupported", 500)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if t.streaming {
		t.mu.Unlock()
		return domain.ErrChannelAlreadyOpen
	}
	t.streaming = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.streaming = false
		t.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-t.done:
			return nil
		case <-r.Context().Done():
			t.Close()
			return nil
		case notification := <-t.pushCh:
			data, err := json.Marshal(notification)
			if err != nil {
				t.logger.Error("marshal push message", logging.Fields{"error": err.Error()})
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// Close transitions the transport to its terminal state: it evicts the
// session from the registry and unblocks any task waiting inside
// OpenPushChannel or Send. Safe to call from every exit path; only the
// first call has any effect.
func (t *StreamableTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	id := t.sessionID
	close(t.done)
	t.mu.Unlock()

	if id != "" {
		t.registry.Evict(id)
		t.logger.Info("session closed", logging.Fields{"session_id": id})
	}
}

// Closed reports whether the transport has reached its terminal state.
func (t *StreamableTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
