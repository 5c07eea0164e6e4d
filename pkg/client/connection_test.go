package client

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/relaychat/pkg/protocol"
)

const testTimeout = 5 * time.Second

func TestParseServerAddress(t *testing.T) {
	t.Setenv("RELAYCHAT_SSH_USER", "tester")
	t.Setenv("SSH_KNOWN_HOSTS", filepath.Join(t.TempDir(), "missing_known_hosts"))

	tests := []struct {
		addr        string
		display     string
		wantWarning bool
	}{
		{"example.com:1234", "example.com:1234", false},
		{"example.com", "example.com:6465", false},
		{"tcp://example.com:7000", "example.com:7000", false},
		{"[::1]", "[::1]:6465", false},
		{"ssh://example.com", "ssh://tester@example.com:6466", true},
		{"ssh://bob@example.com:22", "ssh://bob@example.com:22", true},
		{"ws://example.com", "ws://example.com:8080/ws", false},
		{"wss://example.com:443", "wss://example.com:443/ws", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.addr)
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.NotNil(t, cfg.dial)
			assert.Equal(t, tt.wantWarning, cfg.warning != "")
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	_, err := parseServerAddress("udp://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")

	_, err = parseServerAddress("   ")
	assert.Error(t, err)

	_, err = parseServerAddress("tcp://")
	assert.Error(t, err)
}

// fakeServer accepts one connection, greets it, and hands back the frames it reads
func fakeServer(t *testing.T, greeting string) (string, <-chan string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	received := make(chan string, 10)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(greeting))

		r := bufio.NewReader(conn)
		for {
			line, err := protocol.Decode(r)
			if err != nil {
				close(received)
				return
			}
			received <- line
			if line == "QUIT" {
				conn.Write([]byte(">> Bye\n"))
				close(received)
				return
			}
		}
	}()

	return listener.Addr().String(), received
}

func readLine(t *testing.T, conn *Connection) string {
	t.Helper()
	select {
	case line, ok := <-conn.Lines():
		require.True(t, ok, "connection closed while waiting for a line")
		return line
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

func TestConnectionSendAndReceive(t *testing.T) {
	addr, received := fakeServer(t, ">> Welcome\n>> Hello there\n")

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	require.NoError(t, conn.Connect())
	defer conn.Close()

	assert.True(t, conn.IsConnected())
	assert.Equal(t, ">> Welcome", readLine(t, conn))
	assert.Equal(t, ">> Hello there", readLine(t, conn))

	require.NoError(t, conn.Send("LOGIN alice"))
	assert.Equal(t, "LOGIN alice", <-received)

	require.NoError(t, conn.Send("QUIT"))
	assert.Equal(t, "QUIT", <-received)
	assert.Equal(t, ">> Bye", readLine(t, conn))

	// Server hung up: the line channel closes without an error
	select {
	case _, ok := <-conn.Lines():
		assert.False(t, ok)
	case <-time.After(testTimeout):
		t.Fatal("line channel not closed after server hung up")
	}
	assert.False(t, conn.IsConnected())
	assert.Empty(t, conn.Errors())

	assert.Equal(t, uint64(len(">> Welcome\n>> Hello there\n>> Bye\n")), conn.BytesReceived())
	assert.Equal(t, uint64(2*protocol.HeaderSize+len("LOGIN alice")+len("QUIT")), conn.BytesSent())
}

func TestConnectionRejectsNonASCII(t *testing.T) {
	addr, _ := fakeServer(t, "")

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	require.NoError(t, conn.Connect())
	defer conn.Close()

	assert.ErrorIs(t, conn.Send("héllo"), protocol.ErrInvalidCharset)
}

func TestConnectionSendBeforeConnect(t *testing.T) {
	conn, err := NewConnection("127.0.0.1:1")
	require.NoError(t, err)
	assert.Error(t, conn.Send("USERS"))
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	addr, _ := fakeServer(t, ">> Welcome\n")

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	require.NoError(t, conn.Connect())

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.False(t, conn.IsConnected())
}

func TestConnectionOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.WriteMessage(websocket.TextMessage, []byte(">> Welcome\n>> Par"))
		ws.WriteMessage(websocket.TextMessage, []byte("tial line\n"))

		messageType, data, err := ws.ReadMessage()
		if err != nil || messageType != websocket.BinaryMessage {
			return
		}
		line, err := protocol.DecodeMessage(data)
		if err == nil {
			received <- line
		}
	}))
	defer httpSrv.Close()

	conn, err := NewConnection("ws://" + strings.TrimPrefix(httpSrv.URL, "http://"))
	require.NoError(t, err)
	require.NoError(t, conn.Connect())
	defer conn.Close()

	assert.Equal(t, ">> Welcome", readLine(t, conn))
	assert.Equal(t, ">> Partial line", readLine(t, conn))

	require.NoError(t, conn.Send("USERS"))
	select {
	case line := <-received:
		assert.Equal(t, "USERS", line)
	case <-time.After(testTimeout):
		t.Fatal("server never received the frame")
	}
}

func TestAppendKnownHostIsTrustedAfterwards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	require.NoError(t, appendKnownHost(path, "[example.com]:6466", "SSH-2.0-RelayChat", key))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "RelayChat banner=SSH-2.0-RelayChat")

	t.Setenv("SSH_KNOWN_HOSTS", path)
	v := newHostKeyVerifier("example.com", "6466")
	v.prompt = nil
	assert.Empty(t, v.warning)

	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6466}
	assert.NoError(t, v.callback("example.com:6466", remote, key))
}

func TestHostKeyVerifierUnknownKey(t *testing.T) {
	t.Setenv("SSH_KNOWN_HOSTS", filepath.Join(t.TempDir(), "missing"))
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6466}

	v := newHostKeyVerifier("example.com", "6466")
	v.prompt = nil
	err = v.callback("example.com:6466", remote, key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh-keyscan")

	v.prompt = func(hostname, fingerprint string) (bool, error) { return false, nil }
	assert.ErrorIs(t, v.callback("example.com:6466", remote, key), errUserRejectedHostKey)

	asked := 0
	v.prompt = func(hostname, fingerprint string) (bool, error) {
		asked++
		assert.Equal(t, ssh.FingerprintSHA256(key), fingerprint)
		return true, nil
	}
	require.NoError(t, v.callback("example.com:6466", remote, key))
	require.NoError(t, v.callback("example.com:6466", remote, key))
	assert.Equal(t, 1, asked, "an accepted key is not asked about twice")
}
