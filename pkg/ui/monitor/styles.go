package monitor

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for monitor UI regions.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	time       lipgloss.Style
	session    lipgloss.Style
	kind       lipgloss.Style
	kindInfo   lipgloss.Style
	kindWarn   lipgloss.Style
	kindError  lipgloss.Style
	summary    lipgloss.Style
	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusDone lipgloss.Style
	viewport   lipgloss.Style
}

// defaultTheme uses a warm 256-colour palette on a dark background.
func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("88")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("130")),
		time: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		session: lipgloss.NewStyle().
			Foreground(lipgloss.Color("180")),
		kind: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")),
		kindInfo: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("44")),
		kindWarn: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
		kindError: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("203")),
		summary: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		statusDone: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("130")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
	}
}
