package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreePeak/streamable-mcp-server/internal/domain"
	"github.com/FreePeak/streamable-mcp-server/internal/infrastructure/logging"
)

func newTestTransport(registry *SessionRegistry) *StreamableTransport {
	return NewStreamableTransport(&stubEngine{}, registry, logging.NewNop(), 10)
}

func TestNewSessionRegistry(t *testing.T) {
	registry := NewSessionRegistry()
	assert.NotNil(t, registry)
	assert.Equal(t, 0, registry.Count())
}

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	registry := NewSessionRegistry()

	tr := newTestTransport(registry)
	id := registry.NewSessionID()
	require.NoError(t, registry.Register(id, tr))

	got, found := registry.Lookup(id)
	assert.True(t, found)
	assert.Same(t, tr, got)
	assert.Equal(t, 1, registry.Count())

	_, found = registry.Lookup("non-existent")
	assert.False(t, found)
}

func TestSessionRegistry_RegisterDuplicate(t *testing.T) {
	registry := NewSessionRegistry()

	id := registry.NewSessionID()
	require.NoError(t, registry.Register(id, newTestTransport(registry)))

	err := registry.Register(id, newTestTransport(registry))
	assert.ErrorIs(t, err, domain.ErrDuplicateSession)
	assert.Equal(t, 1, registry.Count())
}

func TestSessionRegistry_EvictIsIdempotent(t *testing.T) {
	registry := NewSessionRegistry()

	id := registry.NewSessionID()
	require.NoError(t, registry.Register(id, newTestTransport(registry)))

	registry.Evict(id)
	assert.Equal(t, 0, registry.Count())

	// Double cleanup from a close callback and an external termination
	// must not fail.
	registry.Evict(id)
	assert.Equal(t, 0, registry.Count())
}

func TestSessionRegistry_NewSessionIDUnique(t *testing.T) {
	registry := NewSessionRegistry()

	const n = 100
	var (
		mu  sync.Mutex
		ids = make(map[string]struct{}, n)
		wg  sync.WaitGroup
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := registry.NewSessionID()
			mu.Lock()
			ids[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, n)
}

func TestSessionRegistry_ConcurrentRegisterEvict(t *testing.T) {
	registry := NewSessionRegistry()

	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := registry.NewSessionID()
			ids[i] = id
			assert.NoError(t, registry.Register(id, newTestTransport(registry)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, registry.Count())

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			registry.Evict(ids[i])
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, registry.Count())
}

func TestSessionRegistry_CloseAll(t *testing.T) {
	registry := NewSessionRegistry()

	transports := make([]*StreamableTransport, 3)
	for i := range transports {
		tr := newTestTransport(registry)
		_, err := tr.Bind()
		require.NoError(t, err)
		transports[i] = tr
	}
	require.Equal(t, 3, registry.Count())

	registry.CloseAll()
	assert.Equal(t, 0, registry.Count())
	for _, tr := range transports {
		assert.True(t, tr.Closed())
	}
}
