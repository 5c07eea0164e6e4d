package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// SessionState is where a session is in its lifecycle
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// errWriterStopped is returned by send once the connection can no longer be written
var errWriterStopped = errors.New("session writer stopped")

// outboundLine is one newline-terminated piece of server output. Lines that
// carry a message keep it so it can be stored again if it is never written.
type outboundLine struct {
	text string
	msg  *database.PendingMessage
}

// Session represents an active client connection. Its serving goroutine owns
// the read side and the state; a separate writer goroutine drains the outbox
// so other sessions can hand it messages without blocking on this socket.
type Session struct {
	ID        uint64
	Transport string // "tcp", "ssh" or "websocket"

	conn    net.Conn
	decoder *protocol.Decoder
	server  *Server

	state  atomic.Int32
	handle string // set once authenticated, owned by the serving goroutine
	reason string // why the session finished, set with StateClosed

	mu      sync.Mutex // protects closing and sends into outbox from other sessions
	closing bool
	outbox  chan outboundLine

	writeFailed chan struct{} // closed on the first write error
	writerDone  chan struct{} // closed when the writer has drained the outbox
}

func newSession(srv *Server, id uint64, transport string, conn net.Conn) *Session {
	sess := &Session{
		ID:          id,
		Transport:   transport,
		conn:        conn,
		decoder:     protocol.NewDecoder(srv.config.MaxFrameLength),
		server:      srv,
		outbox:      make(chan outboundLine, srv.config.OutboxSize),
		writeFailed: make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	sess.state.Store(int32(StateUnauthenticated))
	go sess.writeLoop()
	return sess
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// finish ends the command loop after the current command
func (s *Session) finish(reason string) {
	s.reason = reason
	s.setState(StateClosed)
}

func (s *Session) closeReason() string {
	if s.reason == "" {
		return closeQuit
	}
	return s.reason
}

// revertAuthenticating returns a failed LOGIN or CREATE to the login prompt
func (s *Session) revertAuthenticating() {
	s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateUnauthenticated))
}

// Deliver offers a routed message to this session without blocking. It
// returns false if the session is closing or its outbox is full, in which
// case the caller must store the message instead.
func (s *Session) Deliver(msg database.PendingMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	select {
	case s.outbox <- outboundLine{text: formatMessage(msg), msg: &msg}:
		return true
	default:
		return false
	}
}

// send queues server output, waiting for room in the outbox. Only the
// serving goroutine calls it.
func (s *Session) send(text string) error {
	select {
	case s.outbox <- outboundLine{text: text}:
		return nil
	case <-s.writeFailed:
		return errWriterStopped
	}
}

// trySend queues text only if the outbox has room
func (s *Session) trySend(text string) {
	select {
	case s.outbox <- outboundLine{text: text}:
	default:
	}
}

func (s *Session) sendf(format string, args ...any) error {
	return s.send(fmt.Sprintf(format, args...))
}

// sendMessage queues a stored message behind earlier output. After a write
// error the writer keeps draining, so the message is stored again when the
// session closes rather than written.
func (s *Session) sendMessage(msg database.PendingMessage) error {
	s.outbox <- outboundLine{text: formatMessage(msg), msg: &msg}
	select {
	case <-s.writeFailed:
		return errWriterStopped
	default:
		return nil
	}
}

// readLine reads the next frame's payload
func (s *Session) readLine() (string, error) {
	frame, err := s.decoder.DecodeFrame(s.conn)
	if err != nil {
		return "", err
	}
	debugLog.Printf("Session %d ← RECV: %d bytes", s.ID, len(frame.Payload))
	return frame.Payload, nil
}

// writeLoop is the only writer of conn. After a write error it keeps
// draining so senders never block, and once the outbox is closed it stores
// the messages it could not write.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	var unwritten []database.PendingMessage
	failed := false
	for line := range s.outbox {
		if !failed {
			_, err := io.WriteString(s.conn, line.text)
			if err == nil {
				continue
			}
			failed = true
			close(s.writeFailed)
			debugLog.Printf("Session %d write error: %v", s.ID, err)
			// Unblock the reader too, the stream is unusable
			s.conn.Close()
		}
		if line.msg != nil {
			unwritten = append(unwritten, *line.msg)
		}
	}

	if len(unwritten) > 0 {
		s.requeue(unwritten)
	}
}

// requeue stores messages that were accepted for this session but never
// written, ahead of anything routed to the handle since
func (s *Session) requeue(msgs []database.PendingMessage) {
	if err := s.server.dir.Requeue(msgs...); err != nil {
		if errors.Is(err, database.ErrUnknownHandle) {
			debugLog.Printf("Session %d: dropped undelivered messages for a deleted handle", s.ID)
			return
		}
		errorLog.Printf("Session %d: could not re-queue %d undelivered messages for %s: %v", s.ID, len(msgs), msgs[0].Recipient, err)
		return
	}
	debugLog.Printf("Session %d: re-queued %d undelivered messages", s.ID, len(msgs))
}

// close runs exactly once when the session ends, however it ends: it takes
// the handle offline, drains the outbox within the write timeout and
// releases the connection.
func (s *Session) close(reason string) {
	if s.handle != "" {
		s.server.registry.Unregister(s.handle, s)
	}

	if reason == closeQuit || reason == closeDeleted {
		// Best effort, a full outbox just loses the farewell
		s.trySend(msgFarewell)
	}

	s.mu.Lock()
	s.closing = true
	close(s.outbox)
	s.mu.Unlock()

	timeout := s.server.config.WriteTimeout
	s.conn.SetWriteDeadline(time.Now().Add(timeout))

	select {
	case <-s.writerDone:
	case <-time.After(timeout + time.Second):
		// Transport ignores deadlines; closing fails the pending write
		s.conn.Close()
		<-s.writerDone
	}

	s.conn.Close()
	s.setState(StateClosed)
}

// classifyError maps the error that ended a session to a close reason
func classifyError(err error) string {
	switch {
	case errors.Is(err, protocol.ErrFraming):
		return closeFramingError
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, errWriterStopped):
		return closeDisconnect
	default:
		return closeIOError
	}
}

func formatMessage(msg database.PendingMessage) string {
	return fmt.Sprintf(msgLiveMessage, msg.Sender, msg.Body)
}
