package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by writes on a closed connection.
var ErrTransportClosed = errors.New("transport closed")

// Conn is an open channel to a room on the relay. ReadMessage is called
// from one goroutine only; WriteMessage and Close may be called from any.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to a room URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// RoomURL joins the relay base URL and a room name.
func RoomURL(relayURL, room string) string {
	return strings.TrimRight(relayURL, "/") + "/" + room
}

// WebsocketDialer dials the relay over gorilla/websocket.
type WebsocketDialer struct {
	// Token is sent as a bearer credential when set.
	Token     string
	WriteWait time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	writeWait := d.WriteWait
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &wsConn{conn: conn, writeWait: writeWait}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration

	// gorilla allows one concurrent writer
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrTransportClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close frame when no write is in flight and closes the
// socket, unblocking ReadMessage.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.writeMu.TryLock() {
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}
