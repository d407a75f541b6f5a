package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/relaylabs/relay/internal/types"
)

// Stream buffers every outbound frame and fans them out to subscribers. The
// buffer is what makes the stream resumable: a reconnecting client replays it
// and then follows live.
type Stream struct {
	ID string

	mu     sync.Mutex
	frames []types.Frame
	subs   map[int]chan types.Frame
	next   int
	closed bool
}

func NewStream() *Stream {
	return &Stream{
		ID:   uuid.New().String(),
		subs: make(map[int]chan types.Frame),
	}
}

// Emit appends a frame and delivers it to every live subscriber. A subscriber
// that cannot keep up is dropped rather than allowed to stall the stream; it
// can reattach and replay.
func (s *Stream) Emit(f types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames = append(s.frames, f)
	for id, ch := range s.subs {
		select {
		case ch <- f:
		default:
			close(ch)
			delete(s.subs, id)
		}
	}
}

// Close ends the stream and releases all subscribers.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// Subscribe returns the frames emitted so far plus a channel of subsequent
// frames. The channel is closed when the stream closes or the subscription is
// canceled. For a closed stream the replay is complete and live is already
// closed.
func (s *Stream) Subscribe() (replay []types.Frame, live <-chan types.Frame, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replay = make([]types.Frame, len(s.frames))
	copy(replay, s.frames)

	ch := make(chan types.Frame, 256)
	if s.closed {
		close(ch)
		return replay, ch, func() {}
	}

	s.next++
	id := s.next
	s.subs[id] = ch
	return replay, ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// StreamRegistry indexes in-flight streams by id so a reconnecting client can
// reattach via the conversation's active-stream marker.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]*Stream)}
}

func (r *StreamRegistry) Add(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[s.ID] = s
}

func (r *StreamRegistry) Get(id string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

func (r *StreamRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, id)
}
