package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	clientBuffer = 32
)

// ErrSlowClient is returned when a client's outbound buffer is full.
var ErrSlowClient = errors.New("ws: client buffer full")

// Client represents a websocket client connection. Writes happen on a
// dedicated pump so a slow peer never stalls the hub.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		conn: conn,
		log:  logger,
		out:  make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}
}

// Send queues a message for the write pump.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.out <- payload:
		return nil
	default:
		c.log.Warn("websocket client too slow, dropping connection")
		return ErrSlowClient
	}
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the connection has been torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// WritePump delivers queued messages and keepalive pings until Close.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump discards inbound frames and returns when the peer goes away.
func (c *Client) ReadPump() {
	defer c.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}
