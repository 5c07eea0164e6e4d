package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
)

const testTimeout = 5 * time.Second

// testConfig returns a config that listens on a random port and keeps its
// data in a fresh temp dir
func testConfig(t *testing.T) ServerConfig {
	t.Helper()

	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.MetricsPort = 0
	cfg.DataDir = t.TempDir()
	cfg.SSHHostKeyPath = filepath.Join(cfg.DataDir, "ssh_host_key")
	cfg.WriteTimeout = time.Second
	return cfg
}

// newTestServer creates a server without starting any listener
func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()

	srv, err := NewServer(cfg, "")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

// startTestServer starts a real server and returns it with a dialable address
func startTestServer(t *testing.T, cfg ServerConfig) (*Server, string) {
	t.Helper()

	srv := newTestServer(t, cfg)
	require.NoError(t, srv.Start())

	port := srv.Addr().(*net.TCPAddr).Port
	return srv, net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// testClient speaks the wire protocol over a raw connection
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// connect dials the server and consumes the greeting
func connect(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	c := newTestClient(t, conn)
	c.expect(msgWelcome, msgLoginPrompt)
	return c
}

// createUser connects and registers handle
func createUser(t *testing.T, addr, handle string) *testClient {
	t.Helper()

	c := connect(t, addr)
	c.send("CREATE " + handle)
	c.expect(fmt.Sprintf(msgWelcomeNew, handle), msgInstructions)
	return c
}

// quit ends the session and waits until the handle is offline
func (c *testClient) quit() {
	c.t.Helper()

	c.send("QUIT")
	c.expect(msgFarewell)
	c.expectClosed()
}

func (c *testClient) send(line string) {
	c.t.Helper()

	data, err := protocol.Encode(line)
	require.NoError(c.t, err)
	_, err = c.conn.Write(data)
	require.NoError(c.t, err)
}

// expect reads exactly the concatenation of parts
func (c *testClient) expect(parts ...string) {
	c.t.Helper()

	want := strings.Join(parts, "")
	buf := make([]byte, len(want))
	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, err := io.ReadFull(c.r, buf)
	require.NoError(c.t, err, "waiting for %q, got %q", want, buf)
	require.Equal(c.t, want, string(buf))
}

func (c *testClient) readLine() string {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return line
}

// expectClosed waits for the server to close the connection
func (c *testClient) expectClosed() {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	rest, err := io.ReadAll(c.r)
	require.NoError(c.t, err)
	require.Empty(c.t, string(rest))
}

func TestQuitFromLoginPrompt(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	c := connect(t, addr)
	c.quit()
}

func TestUnknownLoginCommandPromptsAgain(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	c := connect(t, addr)
	c.send("HELLO")
	c.expect(msgLoginPrompt)
}

func TestCreateThenUsers(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	createUser(t, addr, "bob")

	alice.send("USERS")
	alice.expect(fmt.Sprintf(msgUsers, "alice, bob"))
}

func TestCreateNormalizesHandle(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	c := connect(t, addr)
	c.send("CREATE   Alice  ")
	c.expect(fmt.Sprintf(msgWelcomeNew, "alice"), msgInstructions)
	assert.True(t, srv.dir.IsRegistered("alice"))
}

func TestCreatePromptsForHandle(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	c := connect(t, addr)
	c.send("create")
	c.expect(msgEnterNewHandle)
	c.send("alice")
	c.expect(fmt.Sprintf(msgWelcomeNew, "alice"), msgInstructions)
}

func TestCreateTakenHandleIgnoresCase(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	alice.quit()

	c := connect(t, addr)
	c.send("CREATE ALICE")
	c.expect(msgHandleTaken, msgLoginPrompt)
}

func TestCreateInvalidHandle(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxHandleLength = 8
	srv, addr := startTestServer(t, cfg)

	c := connect(t, addr)
	c.send("CREATE bad:name")
	c.expect(fmt.Sprintf(msgHandleInvalid, 8), msgLoginPrompt)
	c.send("CREATE waytoolongname")
	c.expect(fmt.Sprintf(msgHandleInvalid, 8), msgLoginPrompt)

	assert.Empty(t, srv.dir.Handles())
}

func TestConcurrentCreateOnlyOneWins(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	const n = 8
	clients := make([]*testClient, n)
	for i := range clients {
		clients[i] = connect(t, addr)
	}
	for _, c := range clients {
		c.send("CREATE carol")
	}

	winners := 0
	for _, c := range clients {
		switch line := c.readLine(); line {
		case fmt.Sprintf(msgWelcomeNew, "carol"):
			winners++
		case msgHandleTaken:
		default:
			t.Fatalf("unexpected reply %q", line)
		}
	}

	assert.Equal(t, 1, winners)
	assert.Equal(t, []string{"carol"}, srv.dir.Handles())
	assert.Equal(t, 1, srv.registry.Count())
}

func TestLoginUnknownHandle(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	c := connect(t, addr)
	c.send("LOGIN nobody")
	c.expect(msgHandleNotFound, msgLoginPrompt)
}

func TestLoginPromptsForHandle(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	alice.quit()

	c := connect(t, addr)
	c.send("LOGIN")
	c.expect(msgEnterHandle)
	c.send("ALICE")
	c.expect(fmt.Sprintf(msgWelcomeBack, "alice"), msgInstructions)
}

func TestLoginWhileOnlineIsRejected(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	createUser(t, addr, "alice")

	c := connect(t, addr)
	c.send("LOGIN alice")
	c.expect(msgAlreadyOnline, msgLoginPrompt)
}

func TestLiveDelivery(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	bob := createUser(t, addr, "bob")

	alice.send("@bob hello there")
	alice.expect(fmt.Sprintf(msgSent, "bob"))
	bob.expect(">> alice: hello there\n")

	assert.Equal(t, 0, srv.dir.Stats().Pending)
}

func TestRecipientHandleIsCaseInsensitive(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	bob := createUser(t, addr, "bob")

	alice.send("@BOB hi")
	alice.expect(fmt.Sprintf(msgSent, "bob"))
	bob.expect(">> alice: hi\n")
}

func TestOfflineMessagesAreDeliveredOnUnread(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	bob := createUser(t, addr, "bob")
	bob.quit()

	alice := createUser(t, addr, "alice")
	alice.send("@bob first")
	alice.expect(fmt.Sprintf(msgQueued, "bob"))
	alice.send("@bob second")
	alice.expect(fmt.Sprintf(msgQueued, "bob"))
	assert.Equal(t, 2, srv.dir.PendingCount("bob"))

	bob = connect(t, addr)
	bob.send("LOGIN bob")
	// The notice carries the count, never the content
	bob.expect(fmt.Sprintf(msgWelcomeBack, "bob"), fmt.Sprintf(msgUnreadNotice, 2), msgInstructions)

	bob.send("UNREAD")
	bob.expect(">> alice: first\n", ">> alice: second\n")
	assert.Equal(t, 0, srv.dir.PendingCount("bob"))

	bob.send("UNREAD")
	bob.expect(msgNoUnread)
}

func TestSendToUnknownUserStoresNothing(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	alice.send("@ghost boo")
	alice.expect(fmt.Sprintf(msgNoSuchUser, "ghost"))

	assert.Equal(t, 0, srv.dir.Stats().Pending)
}

func TestMalformedSendIsNotUnderstood(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	for _, input := range []string{"@", "@bob", "@bob   ", "@ hi"} {
		alice.send(input)
		alice.expect(msgNotUnderstood)
	}
}

func TestMessageTooLong(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxMessageLength = 10
	_, addr := startTestServer(t, cfg)

	alice := createUser(t, addr, "alice")
	createUser(t, addr, "bob")

	alice.send("@bob " + strings.Repeat("x", 11))
	alice.expect(fmt.Sprintf(msgTooLong, 10))
	alice.send("@bob " + strings.Repeat("x", 10))
	alice.expect(fmt.Sprintf(msgSent, "bob"))
}

func TestBodyDelimiterIsStripped(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	bob := createUser(t, addr, "bob")
	bob.quit()

	alice := createUser(t, addr, "alice")
	alice.send("@bob a" + database.Delimiter + "b")
	alice.expect(fmt.Sprintf(msgQueued, "bob"))

	pending := srv.dir.TakePending("bob")
	require.Len(t, pending, 1)
	assert.Equal(t, "ab", pending[0].Body)
}

func TestCommandsAreCaseInsensitive(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	alice.send("users")
	alice.expect(fmt.Sprintf(msgUsers, "alice"))
	alice.send("Help")
	alice.expect(msgInstructions)
	alice.send("unread")
	alice.expect(msgNoUnread)
}

func TestUnknownCommand(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	alice.send("DANCE")
	alice.expect(msgNotUnderstood)
}

func TestDeleteWithoutPendingMessages(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	alice.send("DELETE")
	alice.expect(fmt.Sprintf(msgDeleted, "alice"), msgFarewell)
	alice.expectClosed()

	assert.False(t, srv.dir.IsRegistered("alice"))
	require.Eventually(t, func() bool { return srv.registry.Count() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestDeleteDeclined(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	bob := createUser(t, addr, "bob")
	bob.quit()

	alice := createUser(t, addr, "alice")
	alice.send("@bob hi")
	alice.expect(fmt.Sprintf(msgQueued, "bob"))

	bob = connect(t, addr)
	bob.send("LOGIN bob")
	bob.expect(fmt.Sprintf(msgWelcomeBack, "bob"), fmt.Sprintf(msgUnreadNotice, 1), msgInstructions)

	bob.send("DELETE")
	bob.expect(msgDeleteConfirm)
	bob.send("n")
	bob.expect(msgNotDeleted)

	assert.True(t, srv.dir.IsRegistered("bob"))
	assert.Equal(t, 1, srv.dir.PendingCount("bob"))
	_, online := srv.registry.Lookup("bob")
	assert.True(t, online)

	// Still authenticated
	bob.send("UNREAD")
	bob.expect(">> alice: hi\n")
}

func TestDeleteConfirmedPurgesPendingMessages(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	bob := createUser(t, addr, "bob")
	bob.quit()

	alice := createUser(t, addr, "alice")
	alice.send("@bob one")
	alice.expect(fmt.Sprintf(msgQueued, "bob"))
	alice.send("@bob two")
	alice.expect(fmt.Sprintf(msgQueued, "bob"))

	bob = connect(t, addr)
	bob.send("LOGIN bob")
	bob.expect(fmt.Sprintf(msgWelcomeBack, "bob"), fmt.Sprintf(msgUnreadNotice, 2), msgInstructions)
	bob.send("DELETE")
	bob.expect(msgDeleteConfirm)
	bob.send("y")
	bob.expect(fmt.Sprintf(msgDeleted, "bob"), msgFarewell)
	bob.expectClosed()

	assert.False(t, srv.dir.IsRegistered("bob"))
	assert.Equal(t, 0, srv.dir.Stats().Pending)
	_, online := srv.registry.Lookup("bob")
	assert.False(t, online)

	// The handle is free again
	again := connect(t, addr)
	again.send("CREATE bob")
	again.expect(fmt.Sprintf(msgWelcomeNew, "bob"), msgInstructions)
}

func TestAbnormalDisconnectUnregisters(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	alice.conn.Close()

	require.Eventually(t, func() bool {
		_, online := srv.registry.Lookup("alice")
		return !online
	}, testTimeout, 10*time.Millisecond)

	c := connect(t, addr)
	c.send("LOGIN alice")
	c.expect(fmt.Sprintf(msgWelcomeBack, "alice"), msgInstructions)
}

func TestFramingErrorClosesSession(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	_, err := alice.conn.Write([]byte{'x'})
	require.NoError(t, err)

	alice.expect(msgProtocolError)
	alice.expectClosed()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.framingErrors) == 1
	}, testTimeout, 10*time.Millisecond)
	_, online := srv.registry.Lookup("alice")
	assert.False(t, online)
}

func TestOversizedFrameClosesSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFrameLength = 16
	_, addr := startTestServer(t, cfg)

	c := connect(t, addr)
	_, err := c.conn.Write([]byte{protocol.TypeString, 0, 0, 0, 17})
	require.NoError(t, err)
	c.expect(msgProtocolError)
	c.expectClosed()
}

func TestFrameSplitAcrossWrites(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	c := connect(t, addr)
	data, err := protocol.Encode("CREATE alice")
	require.NoError(t, err)
	for _, b := range data {
		_, err := c.conn.Write([]byte{b})
		require.NoError(t, err)
	}
	c.expect(fmt.Sprintf(msgWelcomeNew, "alice"), msgInstructions)
}

func TestDirectorySurvivesRestart(t *testing.T) {
	for _, backend := range []string{database.BackendFile, database.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Storage.Backend = backend

			srv, addr := startTestServer(t, cfg)
			bob := createUser(t, addr, "bob")
			bob.quit()
			alice := createUser(t, addr, "alice")
			alice.send("@bob see you later")
			alice.expect(fmt.Sprintf(msgQueued, "bob"))
			alice.quit()
			require.NoError(t, srv.Close())

			_, addr = startTestServer(t, cfg)
			bob = connect(t, addr)
			bob.send("LOGIN bob")
			bob.expect(fmt.Sprintf(msgWelcomeBack, "bob"), fmt.Sprintf(msgUnreadNotice, 1), msgInstructions)
			bob.send("UNREAD")
			bob.expect(">> alice: see you later\n")
			bob.send("USERS")
			bob.expect(fmt.Sprintf(msgUsers, "bob, alice"))
		})
	}
}

func TestSessionMetrics(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	alice := createUser(t, addr, "alice")
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.onlineUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.commands.WithLabelValues(cmdCreate)))

	alice.quit()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.sessionsClosed.WithLabelValues(closeQuit)) == 1
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(srv.metrics.activeSessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(srv.metrics.onlineUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.sessionsCreated.WithLabelValues("tcp")))
}
