package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	headerHeight = 1
	inputHeight  = 3 // text input plus its border
	footerHeight = 1

	notificationTitle   = "RelayChat"
	maxNotificationBody = 100
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		vpHeight := msg.Height - headerHeight - inputHeight - footerHeight
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		m.input.Width = msg.Width - 6
		m.refreshViewport()
		return m, nil

	case ServerLineMsg:
		m.handleServerLine(string(msg))
		return m, listenForServerLines(m.conn)

	case DisconnectedMsg:
		m.disconnected = true
		m.lastErr = msg.Err
		m.input.Blur()
		if msg.Err != nil {
			m.appendLine(Line{Kind: LineError, Text: fmt.Sprintf("Connection lost: %v", msg.Err)})
		} else {
			m.appendLine(Line{Kind: LineInfo, Text: "Connection closed by server. Press Ctrl+C to exit."})
		}
		return m, nil

	case SendErrorMsg:
		m.lastErr = msg.Err
		m.appendLine(Line{Kind: LineError, Text: fmt.Sprintf("Send failed: %v", msg.Err)})
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyEsc:
		if m.disconnected {
			return m, tea.Quit
		}
		m.input.SetValue("")
		return m, nil

	case tea.KeyEnter:
		if m.disconnected {
			return m, nil
		}
		line := m.input.Value()
		m.input.SetValue("")

		m.replaying = strings.EqualFold(strings.TrimSpace(line), "UNREAD")
		m.appendLine(Line{Kind: LineEcho, Text: line})
		return m, sendLine(m.conn, line)

	case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleServerLine(text string) {
	line := ParseLine(text)

	if handle, ok := handleFromWelcome(text); ok {
		m.handle = handle
	}

	switch line.Kind {
	case LineMessage:
		if !m.replaying {
			m.sendDesktopNotification(line.Sender, line.Body)
		}
	case LineUnreadNotice:
		m.sendDesktopNotification(notificationTitle, fmt.Sprintf("You have %d unread message(s)", line.Count))
	default:
		m.replaying = false
	}

	m.appendLine(line)
}

func (m *Model) sendDesktopNotification(sender, body string) {
	if m.notify == nil {
		return
	}
	if len(body) > maxNotificationBody {
		body = body[:maxNotificationBody-3] + "..."
	}

	title := notificationTitle
	if sender != notificationTitle {
		title = fmt.Sprintf("%s - %s", notificationTitle, sender)
	}

	if err := m.notify(title, body); err != nil {
		m.logf("Failed to send desktop notification: %v", err)
	}
}

func (m *Model) appendLine(line Line) {
	m.lines = append(m.lines, line)
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderLines(m.lines, m.viewport.Width))
	if atBottom {
		m.viewport.GotoBottom()
	}
}
