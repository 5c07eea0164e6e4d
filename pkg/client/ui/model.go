package ui

import (
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// Connection is the part of client.Connection the UI needs
type Connection interface {
	Send(line string) error
	Lines() <-chan string
	Errors() <-chan error
	Addr() string
}

// LineKind classifies a line of server output for styling and notifications
type LineKind int

const (
	LineInfo LineKind = iota
	LineMessage
	LineUnreadNotice
	LineError
	LineEcho // something the user typed
)

// Line is one entry in the scrollback
type Line struct {
	Kind   LineKind
	Text   string
	Sender string // LineMessage only
	Body   string // LineMessage only
	Count  int    // LineUnreadNotice only
}

var (
	messageLinePattern = regexp.MustCompile(`^>> ([a-z0-9_-]+): (.*)$`)
	unreadPattern      = regexp.MustCompile(`^>> You have (\d+) unread message\(s\)`)
	welcomePattern     = regexp.MustCompile(`^>> Welcome(?: back|,) ([a-z0-9_-]+)!$`)
)

// ParseLine classifies a line of server output
func ParseLine(text string) Line {
	if m := messageLinePattern.FindStringSubmatch(text); m != nil {
		return Line{Kind: LineMessage, Text: text, Sender: m[1], Body: m[2]}
	}
	if m := unreadPattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Line{Kind: LineUnreadNotice, Text: text, Count: n}
	}
	if strings.HasPrefix(text, ">> Sorry") || strings.HasPrefix(text, ">> Malformed") {
		return Line{Kind: LineError, Text: text}
	}
	return Line{Kind: LineInfo, Text: text}
}

// handleFromWelcome returns the handle named by a successful LOGIN or CREATE
func handleFromWelcome(text string) (string, bool) {
	m := welcomePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Notifier raises a desktop notification
type Notifier func(title, body string) error

// DesktopNotifier sends notifications through the OS notification center
func DesktopNotifier(title, body string) error {
	return beeep.Notify(title, body, "")
}

// Model is the chat terminal UI
type Model struct {
	conn     Connection
	notify   Notifier
	logger   *log.Logger
	viewport viewport.Model
	input    textinput.Model

	lines        []Line
	handle       string
	replaying    bool // UNREAD output is arriving; don't notify for it
	disconnected bool
	lastErr      error

	width  int
	height int
	ready  bool
}

// NewModel creates a UI reading from and writing to conn
func NewModel(conn Connection, notify Notifier, logger *log.Logger) Model {
	input := textinput.New()
	input.Placeholder = "LOGIN, CREATE, @user message, HELP"
	input.Prompt = "> "
	input.CharLimit = 4096
	input.Focus()

	return Model{
		conn:   conn,
		notify: notify,
		logger: logger,
		input:  input,
	}
}

// ServerLineMsg carries one line of server output
type ServerLineMsg string

// DisconnectedMsg is sent when the server connection ends
type DisconnectedMsg struct {
	Err error
}

// SendErrorMsg reports a failed write
type SendErrorMsg struct {
	Err error
}

// Init starts listening for server output
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForServerLines(m.conn))
}

func listenForServerLines(conn Connection) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-conn.Lines()
		if ok {
			return ServerLineMsg(line)
		}
		select {
		case err := <-conn.Errors():
			return DisconnectedMsg{Err: err}
		default:
			return DisconnectedMsg{}
		}
	}
}

func sendLine(conn Connection, line string) tea.Cmd {
	return func() tea.Msg {
		if err := conn.Send(line); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}

func (m Model) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// Lines returns the scrollback
func (m Model) Lines() []Line {
	return m.lines
}

// Handle returns the handle the user is signed in as, if any
func (m Model) Handle() string {
	return m.handle
}
