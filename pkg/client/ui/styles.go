package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray
	BorderColor    = lipgloss.Color("238") // Dark gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	FooterStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	// Server output, by line kind
	InfoLineStyle = BaseStyle.
			Foreground(lipgloss.Color("252"))

	MessageAuthorStyle = BaseStyle.
				Foreground(SecondaryColor).
				Bold(true)

	MessageContentStyle = BaseStyle.
				Foreground(lipgloss.Color("252"))

	NoticeLineStyle = BaseStyle.
			Foreground(WarningColor).
			Bold(true)

	ErrorLineStyle = BaseStyle.
			Foreground(ErrorColor)

	EchoLineStyle = BaseStyle.
			Foreground(MutedColor).
			Italic(true)

	InputStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(PrimaryColor).
			Padding(0, 1)

	DisconnectedStyle = BaseStyle.
				Foreground(ErrorColor).
				Bold(true)

	ConnectedStyle = BaseStyle.
			Foreground(SuccessColor)
)
