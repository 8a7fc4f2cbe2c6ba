package console

import "github.com/charmbracelet/lipgloss"

var (
	Primary = lipgloss.Color("#7C3AED")
	Accent  = lipgloss.Color("#06B6D4")
	Warning = lipgloss.Color("#F59E0B")
	Error   = lipgloss.Color("#EF4444")

	TextMuted = lipgloss.AdaptiveColor{Light: "#737373", Dark: "#737373"}
)

var (
	StatusStyle = lipgloss.NewStyle().
			Foreground(TextMuted).
			Italic(true)

	UserLabel = lipgloss.NewStyle().
			Foreground(Accent).
			Bold(true)

	AvatarLabel = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)
)
