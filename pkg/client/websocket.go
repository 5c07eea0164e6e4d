package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a WebSocket connection to net.Conn. Frames go out as
// binary messages; the server's text messages are read back as a stream.
type WebSocketConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

// DialWebSocket connects to the /ws endpoint at addr (ws, or wss when useTLS)
func DialWebSocket(addr string, useTLS bool) (*WebSocketConn, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/ws"}

	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if strings.Contains(err.Error(), "bad handshake") {
			if useTLS {
				return nil, fmt.Errorf("TLS handshake failed - server may not support WSS (try ws:// instead): %w", err)
			}
			return nil, fmt.Errorf("handshake failed - server may require WSS/TLS (try wss:// instead): %w", err)
		}
		return nil, err
	}

	return &WebSocketConn{ws: ws}, nil
}

// Read implements net.Conn.Read
func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.readBuf.Len() == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, io.EOF
			}
			return 0, err
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
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
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

func (c *WebSocketConn) LocalAddr() net.Addr { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
