package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 75 * time.Second
	pingInterval = 50 * time.Second

	// Control frames are small JSON objects (ping, stop). Anything larger is
	// a misbehaving client.
	readLimit = 4096
)

var (
	ErrClientSendBufferFull = errors.New("client send buffer full")
	ErrClientClosed         = errors.New("client connection closed")
)

// Client is one control socket.
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	ID     string
	UserID string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClient(conn *websocket.Conn, hub *Hub, id, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 64),
		ID:     id,
		UserID: userID,
		ctx:    ctx,
		cancel: cancel,
	}
}

// readPump decodes inbound control frames until the socket dies. A client
// that sends malformed JSON is dropped rather than tolerated.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
		c.cancel()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logx.Errorf("realtime: client %s read: %v", c.ID, err)
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, nil)
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case "ping":
		c.SendMessage(&Message{Type: "pong", Timestamp: time.Now()})
	case "stop":
		c.hub.handleStop(c, msg)
	default:
		logx.Infof("realtime: unknown frame type %q from %s", msg.Type, c.ID)
	}
}

// SendMessage queues a frame for delivery. A full queue drops the frame; the
// control plane is advisory.
func (c *Client) SendMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrClientSendBufferFull
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.cancel()
	c.conn.Close()
}

// ServeWS registers the connection with the hub and starts its pumps.
func ServeWS(hub *Hub, conn *websocket.Conn, clientID, userID string) {
	client := NewClient(conn, hub, clientID, userID)
	client.hub.add(client)

	go client.writePump()
	go client.readPump()
}
