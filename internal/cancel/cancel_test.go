package cancel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	flags map[string]bool
}

func newMemStore() *memStore { return &memStore{flags: make(map[string]bool)} }

func (m *memStore) RequestCancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[id] = true
	return nil
}

func (m *memStore) IsCanceled(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[id], nil
}

func (m *memStore) ClearCancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, id)
	return nil
}

func TestPushFires(t *testing.T) {
	store := newMemStore()
	hub := NewHub()
	sig := NewSignal(store, hub, time.Hour) // poll effectively disabled

	fired := make(chan struct{})
	h := sig.Watch(context.Background(), "conv-1", func() { close(fired) })
	defer h.Stop()

	require.NoError(t, sig.Request(context.Background(), "conv-1"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("push did not fire")
	}
}

func TestPollFallbackFires(t *testing.T) {
	store := newMemStore()
	sig := NewSignal(store, NewHub(), 10*time.Millisecond)

	// Flag set directly in the store, as if another instance took the stop.
	require.NoError(t, store.RequestCancel(context.Background(), "conv-2"))

	fired := make(chan struct{})
	h := sig.Watch(context.Background(), "conv-2", func() { close(fired) })
	defer h.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("poll did not fire")
	}
}

func TestPushAndPollFireExactlyOnce(t *testing.T) {
	store := newMemStore()
	hub := NewHub()
	sig := NewSignal(store, hub, time.Millisecond)

	var fires atomic.Int64
	h := sig.Watch(context.Background(), "conv-3", func() { fires.Add(1) })
	defer h.Stop()

	// Both delivery paths race: flag persisted, push published, poll running.
	require.NoError(t, sig.Request(context.Background(), "conv-3"))
	hub.Publish("conv-3")

	assert.Eventually(t, func() bool { return fires.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), fires.Load())
}

func TestStopPreventsFire(t *testing.T) {
	store := newMemStore()
	hub := NewHub()
	sig := NewSignal(store, hub, 5*time.Millisecond)

	var fires atomic.Int64
	h := sig.Watch(context.Background(), "conv-4", func() { fires.Add(1) })
	h.Stop()
	h.Stop() // idempotent

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sig.Request(context.Background(), "conv-4"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), fires.Load())
}

func TestWatcherDetachesFromHub(t *testing.T) {
	store := newMemStore()
	hub := NewHub()
	sig := NewSignal(store, hub, time.Hour)

	h := sig.Watch(context.Background(), "conv-5", func() {})
	h.Stop()

	assert.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.subs["conv-5"]) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClearRemovesStaleFlag(t *testing.T) {
	store := newMemStore()
	sig := NewSignal(store, NewHub(), 5*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.RequestCancel(ctx, "conv-6"))
	require.NoError(t, sig.Clear(ctx, "conv-6"))

	var fires atomic.Int64
	h := sig.Watch(ctx, "conv-6", func() { fires.Add(1) })
	defer h.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(0), fires.Load())
}
