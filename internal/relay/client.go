package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Limits bounds one connection.
type Limits struct {
	// Time allowed to write a message to the peer
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer
	PongWait time.Duration

	// Send pings to peer with this period (must be less than PongWait)
	PingPeriod time.Duration

	// Hard read limit; larger messages close the connection. Messages
	// between the relay limit and this one are read and dropped.
	ReadLimit int64

	// Outbound queue length before the peer counts as slow
	SendBuffer int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	pongWait := 60 * time.Second
	return Limits{
		WriteWait:  10 * time.Second,
		PongWait:   pongWait,
		PingPeriod: (pongWait * 9) / 10,
		ReadLimit:  4 << 20,
		SendBuffer: 256,
	}
}

// Client is one websocket connection joined to a room.
type Client struct {
	id     string          // Unique connection ID
	room   string          // Room joined for the connection's lifetime
	userID string          // Identity resolved at upgrade
	hub    *Hub            // Reference to hub
	conn   *websocket.Conn // WebSocket connection, nil in hub tests
	limits Limits
	logger *zap.Logger

	// send is closed exactly once, under mu, when the client leaves
	mu     sync.Mutex
	send   chan Message
	closed bool
}

// NewClient creates a client for an upgraded connection.
func NewClient(room, userID string, hub *Hub, conn *websocket.Conn, limits Limits, logger *zap.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		room:   room,
		userID: userID,
		hub:    hub,
		conn:   conn,
		limits: limits,
		send:   make(chan Message, limits.SendBuffer),
		logger: logger.With(
			zap.String("room", room),
			zap.String("userID", userID),
			zap.String("connectionID", id),
		),
	}
}

// Start joins the room and begins the read and write pumps.
func (c *Client) Start(ctx context.Context) {
	c.hub.Join(ctx, c)

	go c.writePump()
	go c.readPump()
}

// ID returns the connection ID.
func (c *Client) ID() string {
	return c.id
}

// Room returns the room the client joined.
func (c *Client) Room() string {
	return c.room
}

// enqueue queues msg without blocking. It reports false when the queue is
// full or the client already left.
func (c *Client) enqueue(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.Leave(c)
		c.conn.Close()
		c.logger.Debug("Read pump stopped")
	}()

	c.conn.SetReadLimit(c.limits.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.hub.Broadcast(c, Message{Kind: kind, Data: data})
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.limits.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("Write pump stopped")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.Kind, msg.Data); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

			// Drain what queued up meanwhile
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.conn.WriteMessage(next.Kind, next.Data); err != nil {
					c.logger.Debug("Failed to write batched message", zap.Error(err))
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}
