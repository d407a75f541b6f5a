package realtime

import (
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// Message is one control-plane frame, in either direction.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StopHandler is invoked when a client sends a stop frame for a conversation.
type StopHandler func(userID, conversationID string)

// Hub tracks connected control sockets and routes frames per user. A user may
// hold several sockets (multiple tabs/devices); pushes go to all of them.
type Hub struct {
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	byUser  map[string]map[*Client]struct{}
	onStop  StopHandler
	done    chan struct{}
	stopped sync.Once
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		byUser:     make(map[string]map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

// SetStopHandler wires the stop frame to the cancellation signal.
func (h *Hub) SetStopHandler(fn StopHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStop = fn
}

// Run processes register/unregister events until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if h.byUser[c.UserID] == nil {
				h.byUser[c.UserID] = make(map[*Client]struct{})
			}
			h.byUser[c.UserID][c] = struct{}{}
			h.mu.Unlock()
			logx.Infof("realtime: client %s connected for user %s", c.ID, c.UserID)

		case c := <-h.unregister:
			h.mu.Lock()
			if set := h.byUser[c.UserID]; set != nil {
				if _, ok := set[c]; ok {
					delete(set, c)
					c.Close()
					if len(set) == 0 {
						delete(h.byUser, c.UserID)
					}
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for _, set := range h.byUser {
				for c := range set {
					c.Close()
				}
			}
			h.byUser = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Shutdown closes every socket and stops Run.
func (h *Hub) Shutdown() {
	h.stopped.Do(func() { close(h.done) })
}

// PushToUser delivers a frame to every socket the user holds. Sockets with a
// full send buffer are skipped; the control plane is advisory.
func (h *Hub) PushToUser(userID string, msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byUser[userID] {
		if err := c.SendMessage(msg); err != nil {
			logx.Errorf("realtime: push to %s failed: %v", c.ID, err)
		}
	}
}

// add and drop park on the hub's channels but never block once the hub has
// shut down; the socket just closes.
func (h *Hub) add(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) handleStop(c *Client, msg *Message) {
	conversationID, _ := msg.Data["conversationId"].(string)
	if conversationID == "" {
		return
	}
	h.mu.RLock()
	fn := h.onStop
	h.mu.RUnlock()
	if fn != nil {
		fn(c.UserID, conversationID)
	}
}
