package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreePeak/streamable-mcp-server/internal/domain"
	"github.com/FreePeak/streamable-mcp-server/internal/domain/shared"
	"github.com/FreePeak/streamable-mcp-server/internal/infrastructure/logging"
)

// syncRecorder is a flushable ResponseWriter safe for concurrent reads
// while a push channel goroutine writes into it.
type syncRecorder struct {
	mu     sync.Mutex
	header http.Header
	body   bytes.Buffer
	status int
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{header: make(http.Header)}
}

func (r *syncRecorder) Header() http.Header {
	return r.header
}

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *syncRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *syncRecorder) Flush() {}

func (r *syncRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

// stubEngine is a configurable domain.ProtocolEngine for transport tests.
type stubEngine struct {
	handle func(ctx context.Context, session domain.Session, raw []byte) ([]byte, error)
	calls  atomic.Int64
}

func (e *stubEngine) HandleMessage(ctx context.Context, session domain.Session, raw []byte) ([]byte, error) {
	e.calls.Add(1)
	if e.handle != nil {
		return e.handle(ctx, session, raw)
	}
	return []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), nil
}

func TestTransportBindRegisters(t *testing.T) {
	registry := NewSessionRegistry()
	tr := NewStreamableTransport(&stubEngine{}, registry, logging.NewNop(), 10)

	assert.Equal(t, "", tr.ID())

	id, err := tr.Bind()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, tr.ID())

	got, found := registry.Lookup(id)
	assert.True(t, found)
	assert.Same(t, tr, got)
	assert.Equal(t, 1, registry.Count())
}

func TestTransportCloseEvictsAndRejects(t *testing.T) {
	registry := NewSessionRegistry()
	tr := NewStreamableTransport(&stubEngine{}, registry, logging.NewNop(), 10)

	id, err := tr.Bind()
	require.NoError(t, err)

	tr.Close()
	assert.True(t, tr.Closed())
	assert.Equal(t, 0, registry.Count())

	// Closing again is a no-op.
	tr.Close()

	_, err = tr.HandleUnaryRequest(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	err = tr.Send(context.Background(), shared.NewNotification("test/event", nil))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	_, err = tr.Bind()
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	_, found := registry.Lookup(id)
	assert.False(t, found)
}

func TestTransportEngineShutdownClosesSession(t *testing.T) {
	registry := NewSessionRegistry()
	engine := &stubEngine{
		handle: func(context.Context, domain.Session, []byte) ([]byte, error) {
			return []byte(`{"jsonrpc":"2.0","id":2,"result":{}}`), domain.ErrEngineShutdown
		},
	}
	tr := NewStreamableTransport(engine, registry, logging.NewNop(), 10)
	_, err := tr.Bind()
	require.NoError(t, err)

	resp, err := tr.HandleUnaryRequest(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, string(resp), `"result"`)
	assert.True(t, tr.Closed())
	assert.Equal(t, 0, registry.Count())
}

func TestTransportEngineFatalErrorClosesSession(t *testing.T) {
	registry := NewSessionRegistry()
	engine := &stubEngine{
		handle: func(context.Context, domain.Session, []byte) ([]byte, error) {
			return nil, domain.NewError("engine exploded", 502)
		},
	}
	tr := NewStreamableTransport(engine, registry, logging.NewNop(), 10)
	_, err := tr.Bind()
	require.NoError(t, err)

	_, err = tr.HandleUnaryRequest(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, 502, domain.StatusCode(err))
	assert.True(t, tr.Closed())
	assert.Equal(t, 0, registry.Count())
}

func TestOpenPushChannelSingleBinding(t *testing.T) {
	registry := NewSessionRegistry()
	tr := NewStreamableTransport(&stubEngine{}, registry, logging.NewNop(), 10)
	_, err := tr.Bind()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstDone := make(chan error, 1)
	go func() {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/mcp", nil).WithContext(ctx)
		firstDone <- tr.OpenPushChannel(rec, req)
	}()

	// Wait for the first channel to bind.
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.streaming
	}, time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/mcp", nil)
	err = tr.OpenPushChannel(rec, req)
	assert.ErrorIs(t, err, domain.ErrChannelAlreadyOpen)

	// The rejection must not disturb the existing channel.
	select {
	case err := <-firstDone:
		t.Fatalf("push channel returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Closing the transport unblocks the waiting channel.
	tr.Close()
	select {
	case err := <-firstDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push channel did not unblock on close")
	}
}

func TestPushChannelDeliversInOrder(t *testing.T) {
	registry := NewSessionRegistry()
	tr := NewStreamableTransport(&stubEngine{}, registry, logging.NewNop(), 10)
	_, err := tr.Bind()
	require.NoError(t, err)

	require.NoError(t, tr.Send(context.Background(), shared.NewNotification("test/first", nil)))
	require.NoError(t, tr.Send(context.Background(), shared.NewNotification("test/second", nil)))

	rec := newSyncRecorder()
	req := httptest.NewRequest("GET", "/mcp", nil)

	done := make(chan error, 1)
	go func() {
		done <- tr.OpenPushChannel(rec, req)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(rec.String(), "test/second")
	}, time.Second, 5*time.Millisecond)

	tr.Close()
	require.NoError(t, <-done)

	body := rec.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	first := strings.Index(body, "test/first")
	second := strings.Index(body, "test/second")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second)
}

func TestPushChannelClientDisconnectClosesSession(t *testing.T) {
	registry := NewSessionRegistry()
	tr := NewStreamableTransport(&stubEngine{}, registry, logging.NewNop(), 10)
	_, err := tr.Bind()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/mcp", nil).WithContext(ctx)

	done := make(chan error, 1)
	go func() {
		done <- tr.OpenPushChannel(rec, req)
	}()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.streaming
	}, time.Second, 5*time.Millisecond)

	// Dropping the connection while awaiting a push closes the session.
	cancel()
	require.NoError(t, <-done)
	assert.True(t, tr.Closed())
	assert.Equal(t, 0, registry.Count())
}
