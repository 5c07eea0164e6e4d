package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

const (
	defaultTCPPort       = "6465"
	defaultSSHPort       = "6466"
	defaultWebSocketPort = "8080"
	dialTimeout          = 10 * time.Second
)

// Connection is a client connection to a RelayChat server. Outgoing lines
// are sent as frames; incoming server output is split into lines.
type Connection struct {
	addr            string
	dial            func() (net.Conn, error)
	securityWarning string

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	writeMu   sync.Mutex

	lines  chan string
	errors chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection parses addr and returns an unconnected client. addr is
// host[:port] for plain TCP, or a tcp://, ssh://, ws:// or wss:// URL.
func NewConnection(addr string) (*Connection, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:            cfg.display,
		dial:            cfg.dial,
		securityWarning: cfg.warning,
		lines:           make(chan string, 100),
		errors:          make(chan error, 1),
		shutdown:        make(chan struct{}),
	}, nil
}

// SetLogger sets the logger used for connection diagnostics
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server and starts reading its output
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return errors.New("already connected")
	}

	if c.securityWarning != "" {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", c.securityWarning)
	}

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.conn = conn
	c.connected = true
	c.logf("Connected to %s", c.addr)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// Send writes line to the server as a single frame
func (c *Connection) Send(line string) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return errors.New("not connected")
	}

	data, err := protocol.Encode(line)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := conn.Write(data)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write to %s: %w", c.addr, err)
	}
	return nil
}

// Lines returns server output, one line at a time with the trailing newline
// removed. The channel is closed when the connection ends.
func (c *Connection) Lines() <-chan string {
	return c.lines
}

// Errors reports why the connection ended, unless it was closed locally
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// Addr returns the server address as the user should see it
func (c *Connection) Addr() string {
	return c.addr
}

// IsConnected returns true while the connection is open
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// BytesSent returns the number of bytes written to the server
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes read from the server
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Close closes the connection and waits for the read loop to exit
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.shutdown)

		c.mu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.connected = false
		c.mu.Unlock()

		c.wg.Wait()
	})
	return err
}

func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.lines)

	reader := bufio.NewReader(&countingReader{r: conn, counter: &c.bytesReceived})
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			select {
			case c.lines <- strings.TrimSuffix(line, "\n"):
			case <-c.shutdown:
				return
			}
		}
		if err != nil {
			c.handleDisconnect(err)
			return
		}
	}
}

func (c *Connection) handleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	select {
	case <-c.shutdown:
		return
	default:
	}

	if errors.Is(err, io.EOF) {
		c.logf("Server closed the connection")
		return
	}

	c.logf("Read error: %v", err)
	select {
	case c.errors <- err:
	default:
	}
}

type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
	warning string
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = defaultSSHUser()
		}
		verifier := newHostKeyVerifier(host, port)
		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, net.JoinHostPort(host, port)),
			dial: func() (net.Conn, error) {
				return dialSSH(user, host, port, verifier)
			},
			warning: verifier.warning,
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWebSocketPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display: fmt.Sprintf("%s://%s/ws", scheme, address),
			dial: func() (net.Conn, error) {
				return DialWebSocket(address, useTLS)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}

	return "", "", err
}
