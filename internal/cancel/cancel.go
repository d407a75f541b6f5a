package cancel

import (
	"context"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// Store is the durable side of the signal. The flag written here is what the
// poll path reads, so a stop issued on another instance still lands.
type Store interface {
	RequestCancel(ctx context.Context, conversationID string) error
	IsCanceled(ctx context.Context, conversationID string) (bool, error)
	ClearCancel(ctx context.Context, conversationID string) error
}

// Hub fans a cancellation out to in-process watchers of a conversation.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan struct{}
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan struct{})}
}

// Publish wakes every watcher of the conversation. Channels are buffered so a
// watcher that already fired cannot block the publisher.
func (h *Hub) Publish(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[conversationID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) subscribe(conversationID string) (int, chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[int]chan struct{})
	}
	ch := make(chan struct{}, 1)
	h.subs[conversationID][id] = ch
	return id, ch
}

func (h *Hub) unsubscribe(conversationID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.subs[conversationID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(h.subs, conversationID)
		}
	}
}

// Signal combines the push hub with a periodic store poll so a stop is seen
// even when the push never arrives.
type Signal struct {
	store     Store
	hub       *Hub
	pollEvery time.Duration
}

func NewSignal(store Store, hub *Hub, pollEvery time.Duration) *Signal {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Signal{store: store, hub: hub, pollEvery: pollEvery}
}

// Request persists the stop flag and then pushes it. Persist first: the poll
// fallback must find the flag even if this process dies mid-call.
func (s *Signal) Request(ctx context.Context, conversationID string) error {
	if err := s.store.RequestCancel(ctx, conversationID); err != nil {
		return err
	}
	s.hub.Publish(conversationID)
	return nil
}

// Clear removes a stale stop flag, typically before a new generation starts.
func (s *Signal) Clear(ctx context.Context, conversationID string) error {
	return s.store.ClearCancel(ctx, conversationID)
}

// Handle detaches a watcher. Stop is idempotent and releases the goroutine,
// the ticker, and the hub subscription.
type Handle struct {
	stop sync.Once
	done chan struct{}
}

func (h *Handle) Stop() {
	h.stop.Do(func() { close(h.done) })
}

// Watch observes the conversation until fire runs, Stop is called, or ctx
// ends. fire runs at most once no matter how many paths observe the stop.
func (s *Signal) Watch(ctx context.Context, conversationID string, fire func()) *Handle {
	h := &Handle{done: make(chan struct{})}
	id, push := s.hub.subscribe(conversationID)

	var once sync.Once
	go func() {
		defer s.hub.unsubscribe(conversationID, id)
		ticker := time.NewTicker(s.pollEvery)
		defer ticker.Stop()

		for {
			select {
			case <-push:
				once.Do(fire)
				return
			case <-ticker.C:
				canceled, err := s.store.IsCanceled(ctx, conversationID)
				if err != nil {
					logx.WithContext(ctx).Errorf("cancel: poll failed for %s: %v", conversationID, err)
					continue
				}
				if canceled {
					once.Do(fire)
					return
				}
			case <-h.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return h
}
