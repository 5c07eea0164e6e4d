package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// WebSocketConn adapts a WebSocket connection to net.Conn. Binary messages
// from the client are concatenated into one byte stream so frames may span
// messages; each server write goes out as one text message.
type WebSocketConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients may be served from anywhere
		return true
	},
}

// HandleWebSocket upgrades an HTTP connection to WebSocket and runs a session on it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// One message never needs to hold more than a whole frame
	ws.SetReadLimit(int64(s.config.MaxFrameLength) + protocol.HeaderSize)

	go s.handleConnection(NewWebSocketConn(ws), "websocket")
}

// NewWebSocketConn creates a new WebSocket connection adapter
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{
		ws: ws,
	}
}

// Read implements net.Conn.Read
func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	// Empty messages carry no bytes, keep reading until one does
	for c.readBuf.Len() == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, io.EOF
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return 0, fmt.Errorf("%w: websocket message exceeds maximum length", protocol.ErrFraming)
			}
			return 0, err
		}

		// Frames only travel in binary messages
		if messageType != websocket.BinaryMessage {
			return 0, fmt.Errorf("%w: websocket message is not binary", protocol.ErrFraming)
		}

		c.readBuf.Write(data)
	}

	return c.readBuf.Read(b)
}

// Write implements net.Conn.Write
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return 0, net.ErrClosed
	}
	c.closeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return 0, err
	}

	return len(b), nil
}

// Close implements net.Conn.Close
func (c *WebSocketConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.ws.Close()
}

// LocalAddr implements net.Conn.LocalAddr
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr implements net.Conn.RemoteAddr
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline implements net.Conn.SetDeadline
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn.SetReadDeadline
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
