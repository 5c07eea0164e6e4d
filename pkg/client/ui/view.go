package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View renders the UI
func (m Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		InputStyle.Width(m.width-2).Render(m.input.View()),
		FooterStyle.Render("enter: send  pgup/pgdn: scroll  ctrl+c: quit"),
	)
}

func (m Model) renderHeader() string {
	status := ConnectedStyle.Render("connected")
	if m.disconnected {
		status = DisconnectedStyle.Render("disconnected")
	}

	who := "not signed in"
	if m.handle != "" {
		who = "@" + m.handle
	}

	return HeaderStyle.Render("RelayChat") +
		StatusStyle.Render(fmt.Sprintf("%s  %s  %s", m.conn.Addr(), who, status))
}

// renderLines styles the scrollback, wrapping at width
func renderLines(lines []Line, width int) string {
	var b strings.Builder
	wrap := BaseStyle
	if width > 0 {
		wrap = wrap.Width(width)
	}

	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(wrap.Render(renderLine(line)))
	}
	return b.String()
}

func renderLine(line Line) string {
	switch line.Kind {
	case LineMessage:
		return MessageAuthorStyle.Render(line.Sender+":") + " " + MessageContentStyle.Render(line.Body)
	case LineUnreadNotice:
		return NoticeLineStyle.Render(strings.TrimPrefix(line.Text, ">> "))
	case LineError:
		return ErrorLineStyle.Render(strings.TrimPrefix(line.Text, ">> "))
	case LineEcho:
		return EchoLineStyle.Render("> " + line.Text)
	default:
		return InfoLineStyle.Render(strings.TrimPrefix(line.Text, ">> "))
	}
}
