package server

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/aeolun/relaychat/pkg/database"
)

// Server output. Every response is one or more newline-terminated lines.
const (
	msgWelcome     = ">> Welcome to the chat app!\n"
	msgLoginPrompt = ">> Please type LOGIN if you already have an account or CREATE to make a new one.\n" +
		">> You can also enter QUIT to quit the program.\n"
	msgEnterHandle    = ">> Enter your username\n"
	msgEnterNewHandle = ">> Enter your desired username\n"
	msgHandleNotFound = ">> Sorry, that username is not in our system.\n"
	msgAlreadyOnline  = ">> Sorry, that username is already signed in somewhere else.\n"
	msgHandleTaken    = ">> Sorry, that username is already taken. Please try another one.\n"
	msgHandleInvalid  = ">> Sorry, usernames use only a-z, 0-9, _ and - and are at most %d characters.\n"
	msgWelcomeBack    = ">> Welcome back %s!\n"
	msgWelcomeNew     = ">> Welcome, %s!\n"
	msgUnreadNotice   = ">> You have %d unread message(s). Type UNREAD to read them.\n"

	msgInstructions = ">> To send a message to a user, enter @username message (ex: @testuser hi!).\n" +
		">> You can also enter any of the following commands:\n" +
		">> USERS (to see all users in the database)\n" +
		">> DELETE (to delete your account)\n" +
		">> UNREAD (to check for unread messages)\n" +
		">> QUIT (to quit the app)\n" +
		">> HELP (to see the instructions again)\n"

	msgUsers         = ">> Users: %s\n"
	msgDeleteConfirm = ">> You have unread messages. Are you sure you want to delete your account? (y/n)\n"
	msgNotDeleted    = ">> Account not deleted.\n"
	msgDeleted       = ">> Account for %s deleted.\n"
	msgNoSuchUser    = ">> Sorry the user %s does not exist.\n"
	msgSent          = ">> Message sent to %s.\n"
	msgQueued        = ">> %s is currently offline. They will be notified of your message next time they login.\n"
	msgTooLong       = ">> Sorry, that message is too long (at most %d characters).\n"
	msgNoUnread      = ">> You have no unread messages.\n"
	msgNotUnderstood = ">> Sorry I don't understand how to process that. Type HELP to see the instructions.\n"
	msgServerError   = ">> Sorry, something went wrong on the server. Please try again.\n"
	msgProtocolError = ">> Malformed frame, closing the connection.\n"
	msgFarewell      = ">> Thanks for using the chat app!\n"

	msgLiveMessage = ">> %s: %s\n"
)

// Command names, also used as metric labels
const (
	cmdLogin   = "login"
	cmdCreate  = "create"
	cmdQuit    = "quit"
	cmdUsers   = "users"
	cmdHelp    = "help"
	cmdDelete  = "delete"
	cmdUnread  = "unread"
	cmdSend    = "send"
	cmdUnknown = "unknown"
)

// serveSession drives a session from welcome to close. It returns the
// reason the session ended.
func (s *Server) serveSession(sess *Session) (string, error) {
	if err := sess.send(msgWelcome); err != nil {
		return closeIOError, err
	}

	for {
		var err error
		switch sess.State() {
		case StateUnauthenticated:
			err = s.handleLoginPrompt(sess)
		case StateAuthenticated:
			err = s.handleCommand(sess)
		case StateClosed:
			return sess.closeReason(), nil
		default:
			return closeIOError, fmt.Errorf("session %d in unexpected state %s", sess.ID, sess.State())
		}
		if err != nil {
			return classifyError(err), err
		}
	}
}

// handleLoginPrompt runs one round of the Unauthenticated loop
func (s *Server) handleLoginPrompt(sess *Session) error {
	if err := sess.send(msgLoginPrompt); err != nil {
		return err
	}

	line, err := sess.readLine()
	if err != nil {
		return err
	}

	command, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToUpper(command) {
	case "LOGIN":
		s.recordCommand(cmdLogin)
		return s.handleLogin(sess, arg)
	case "CREATE":
		s.recordCommand(cmdCreate)
		return s.handleCreate(sess, arg)
	case "QUIT":
		s.recordCommand(cmdQuit)
		sess.finish(closeQuit)
		return nil
	default:
		s.recordCommand(cmdUnknown)
		// Prompt again on the next round
		return nil
	}
}

// readHandle takes the handle from the command line or, if it was not
// given there, prompts for it on the next frame
func (s *Server) readHandle(sess *Session, arg, prompt string) (string, error) {
	if strings.TrimSpace(arg) == "" {
		if err := sess.send(prompt); err != nil {
			return "", err
		}
		line, err := sess.readLine()
		if err != nil {
			return "", err
		}
		arg = line
	}
	return database.NormalizeHandle(arg), nil
}

// handleLogin handles LOGIN
func (s *Server) handleLogin(sess *Session, arg string) error {
	sess.setState(StateAuthenticating)
	defer sess.revertAuthenticating()

	handle, err := s.readHandle(sess, arg, msgEnterHandle)
	if err != nil {
		return err
	}

	switch err := s.registry.Login(handle, sess); {
	case errors.Is(err, database.ErrUnknownHandle):
		return sess.send(msgHandleNotFound)
	case errors.Is(err, ErrAlreadyOnline):
		return sess.send(msgAlreadyOnline)
	case err != nil:
		errorLog.Printf("Session %d: login %q failed: %v", sess.ID, handle, err)
		return sess.send(msgServerError)
	}

	sess.handle = handle
	sess.setState(StateAuthenticated)
	debugLog.Printf("Session %d: logged in as %s", sess.ID, handle)

	if err := sess.sendf(msgWelcomeBack, handle); err != nil {
		return err
	}
	return s.enterAuthenticated(sess)
}

// handleCreate handles CREATE
func (s *Server) handleCreate(sess *Session, arg string) error {
	sess.setState(StateAuthenticating)
	defer sess.revertAuthenticating()

	handle, err := s.readHandle(sess, arg, msgEnterNewHandle)
	if err != nil {
		return err
	}

	switch err := s.registry.Create(handle, sess); {
	case errors.Is(err, database.ErrInvalidHandle):
		return sess.sendf(msgHandleInvalid, s.config.MaxHandleLength)
	case errors.Is(err, database.ErrHandleTaken), errors.Is(err, ErrAlreadyOnline):
		return sess.send(msgHandleTaken)
	case err != nil:
		errorLog.Printf("Session %d: create %q failed: %v", sess.ID, handle, err)
		return sess.send(msgServerError)
	}

	sess.handle = handle
	sess.setState(StateAuthenticated)
	log.Printf("Session %d: registered new handle %s", sess.ID, handle)

	if err := sess.sendf(msgWelcomeNew, handle); err != nil {
		return err
	}
	return s.enterAuthenticated(sess)
}

// enterAuthenticated announces unread messages (without their content)
// and shows the instructions
func (s *Server) enterAuthenticated(sess *Session) error {
	if n := s.dir.PendingCount(sess.handle); n > 0 {
		if err := sess.sendf(msgUnreadNotice, n); err != nil {
			return err
		}
	}
	return sess.send(msgInstructions)
}

// handleCommand reads and runs one command in the Authenticated loop
func (s *Server) handleCommand(sess *Session) error {
	line, err := sess.readLine()
	if err != nil {
		return err
	}

	input := strings.TrimSpace(line)
	if strings.HasPrefix(input, "@") {
		s.recordCommand(cmdSend)
		return s.handleSend(sess, input)
	}

	switch strings.ToUpper(input) {
	case "USERS":
		s.recordCommand(cmdUsers)
		return sess.sendf(msgUsers, strings.Join(s.dir.Handles(), ", "))
	case "HELP":
		s.recordCommand(cmdHelp)
		return sess.send(msgInstructions)
	case "DELETE":
		s.recordCommand(cmdDelete)
		return s.handleDelete(sess)
	case "UNREAD":
		s.recordCommand(cmdUnread)
		return s.handleUnread(sess)
	case "QUIT":
		s.recordCommand(cmdQuit)
		sess.finish(closeQuit)
		return nil
	default:
		s.recordCommand(cmdUnknown)
		return sess.send(msgNotUnderstood)
	}
}

// handleSend handles @recipient body
func (s *Server) handleSend(sess *Session, input string) error {
	recipient, body, ok := strings.Cut(input[1:], " ")
	recipient = database.NormalizeHandle(recipient)
	if !ok || recipient == "" || strings.TrimSpace(body) == "" {
		return sess.send(msgNotUnderstood)
	}

	if len(body) > s.config.MaxMessageLength {
		return sess.sendf(msgTooLong, s.config.MaxMessageLength)
	}

	// Registered, not online: offline recipients can be messaged
	if !s.dir.IsRegistered(recipient) {
		return sess.sendf(msgNoSuchUser, recipient)
	}

	result, err := s.registry.Route(sess.handle, recipient, body)
	switch {
	case errors.Is(err, database.ErrUnknownHandle):
		// Deleted between the check and the route
		return sess.sendf(msgNoSuchUser, recipient)
	case err != nil:
		errorLog.Printf("Session %d: routing to %s failed: %v", sess.ID, recipient, err)
		return sess.send(msgServerError)
	}

	if result == Delivered {
		return sess.sendf(msgSent, recipient)
	}
	return sess.sendf(msgQueued, recipient)
}

// handleUnread handles UNREAD. Retrieval removes the messages; each one is
// written or, if the connection fails first, stored again when the session
// closes.
func (s *Server) handleUnread(sess *Session) error {
	pending := s.dir.TakePending(sess.handle)
	if len(pending) == 0 {
		return sess.send(msgNoUnread)
	}

	var err error
	for _, msg := range pending {
		if sendErr := sess.sendMessage(msg); sendErr != nil {
			err = sendErr
		}
	}
	return err
}

// handleDelete handles DELETE, asking for confirmation when messages are waiting
func (s *Server) handleDelete(sess *Session) error {
	if s.dir.PendingCount(sess.handle) > 0 {
		if err := sess.send(msgDeleteConfirm); err != nil {
			return err
		}
		answer, err := sess.readLine()
		if err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "no", "n":
			return sess.send(msgNotDeleted)
		}
	}

	handle := sess.handle
	purged, err := s.registry.Delete(handle, sess)
	if err != nil {
		errorLog.Printf("Session %d: delete %q failed: %v", sess.ID, handle, err)
		return sess.send(msgServerError)
	}

	log.Printf("Session %d: deleted handle %s (%d pending message(s) purged)", sess.ID, handle, purged)
	sess.handle = ""
	if err := sess.sendf(msgDeleted, handle); err != nil {
		return err
	}
	sess.finish(closeDeleted)
	return nil
}

func (s *Server) recordCommand(command string) {
	if s.metrics != nil {
		s.metrics.RecordCommand(command)
	}
}
