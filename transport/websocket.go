package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketChannel adapts a WebSocket connection into the byte-oriented duplex
// channel a Conn runs on. Each Write becomes one binary WebSocket message; reads
// see the concatenation of all inbound binary messages, so frame boundaries need
// not line up with message boundaries.
type WebSocketChannel struct {
	ws *websocket.Conn
	r  io.Reader

	closeOnce sync.Once
	closeErr  error
}

func NewWebSocketChannel(ws *websocket.Conn) *WebSocketChannel {
	return &WebSocketChannel{ws: ws}
}

func (c *WebSocketChannel) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				return 0, fmt.Errorf("transport: unexpected websocket message type %d", typ)
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single binary message. Callers serialize writes.
func (c *WebSocketChannel) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal-closure control message and closes the socket.
func (c *WebSocketChannel) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *WebSocketChannel) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

func (c *WebSocketChannel) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
