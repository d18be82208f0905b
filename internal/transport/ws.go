package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsHandshakeTimeout = 10 * time.Second

// WSChannel is the fallback channel: a WebSocket client carrying one
// binary message per encoded packet. The connection is dialed lazily on
// first use so an idle fallback costs nothing, and redialed after errors.
type WSChannel struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSChannel prepares a WebSocket channel for the gateway ingest URL,
// for example ws://gateway:9443/ingest. No connection is made until the
// first Send or Receive.
func NewWSChannel(url string) *WSChannel {
	return &WSChannel{url: url}
}

func (c *WSChannel) Name() string {
	return "websocket"
}

func (c *WSChannel) Send(ctx context.Context, data []byte) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.drop(conn)
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

func (c *WSChannel) Receive(ctx context.Context) ([]byte, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		// Timeouts are routine while polling for acks; anything else means
		// the connection is broken and the next call redials.
		var nerr net.Error
		if !errors.As(err, &nerr) || !nerr.Timeout() {
			c.drop(conn)
		}
		return nil, fmt.Errorf("websocket receive: %w", err)
	}
	return data, nil
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *WSChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", c.url, err)
	}
	c.conn = conn
	return conn, nil
}

// drop discards the connection if it is still the current one, so the
// next call redials.
func (c *WSChannel) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		conn.Close()
		c.conn = nil
	}
}
