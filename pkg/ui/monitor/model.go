package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sessionbus/pkg/message"
)

const maxEntries = 500

type severity int

const (
	severityDebug severity = iota
	severityInfo
	severityWarn
	severityError
)

type entry struct {
	at       time.Time
	kind     message.Kind
	session  string
	summary  string
	severity severity
}

type eventMsg struct {
	event message.Event
}

type streamClosedMsg struct{}

// Info is shown in the header.
type Info struct {
	Title string
	Store string
}

type model struct {
	events <-chan message.Event
	info   Info

	theme     theme
	spinner   spinner.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	closed    bool
	followLog bool

	total           int
	commandsOK      int
	commandsFailed  int
	handlerFailures int
	sessions        map[string]struct{}
}

func newModel(events <-chan message.Event, info Info) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	return &model{
		events:    events,
		info:      info,
		theme:     defaultTheme(),
		spinner:   spin,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		followLog: true,
		sessions:  make(map[string]struct{}),
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport()
		m.isReady = true
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "c":
			m.entries = nil
			m.refreshViewport()
			return m, nil
		}
		m.handleViewportKey(typed)
		return m, nil
	case eventMsg:
		m.record(typed.event)
		m.refreshViewport()
		return m, waitForEvent(m.events)
	case streamClosedMsg:
		m.closed = true
		return m, nil
	case spinner.TickMsg:
		if m.closed {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	return m, nil
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport()
	}

	title := "📡 SessionBus Monitor"
	if m.info.Title != "" {
		title += " · " + m.info.Title
	}
	header := m.theme.header.Width(m.width - 2).Render(title)
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"events:%d · commands ok/failed:%d/%d · handler failures:%d · sessions:%d · store:%s",
		m.total,
		m.commandsOK,
		m.commandsFailed,
		m.handlerFailures,
		len(m.sessions),
		displayOrNA(m.info.Store),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.statusBusy.Render(fmt.Sprintf("%s listening  ·  PgUp/PgDn scroll  ·  c clear  ·  q quit", m.spinner.View()))
	if m.closed {
		status = m.theme.statusDone.Render("✅ stream closed  ·  q quit")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header, meta, line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
	)
}

func (m *model) record(evt message.Event) {
	meta := evt.Meta()
	item := entry{
		at:       meta.Timestamp,
		kind:     evt.Kind(),
		session:  meta.SessionID,
		severity: severityDebug,
	}
	m.total++

	switch typed := evt.(type) {
	case *message.CommandStarted:
		item.summary = fmt.Sprintf("%s %s", typed.CommandKind, shortID(typed.CommandID))
		item.severity = severityInfo
	case *message.CommandFinished:
		item.summary = fmt.Sprintf("%s %s in %s", typed.CommandKind, shortID(typed.CommandID), typed.Duration.Round(time.Microsecond))
		item.severity = severityInfo
		m.commandsOK++
		if !typed.Success {
			item.summary += ": " + typed.Error
			item.severity = severityWarn
			m.commandsOK--
			m.commandsFailed++
		}
	case *message.EventHandlerFailed:
		item.summary = fmt.Sprintf("%s on %s: %s", typed.Handler, typed.FailedEventKind, typed.Error)
		item.severity = severityError
		m.handlerFailures++
	case *message.SessionStarted:
		item.severity = severityInfo
		m.sessions[meta.SessionID] = struct{}{}
	case *message.SessionEnded:
		item.severity = severityInfo
		delete(m.sessions, meta.SessionID)
		if typed.Error != "" {
			item.summary = typed.Error
			item.severity = severityWarn
		}
	case *message.ApprovalDenied, *message.ApprovalExpired:
		item.severity = severityWarn
	default:
		if message.IsLifecycle(evt.Kind()) {
			item.severity = severityInfo
		}
	}

	m.entries = append(m.entries, item)
	if len(m.entries) > maxEntries {
		m.entries = m.entries[len(m.entries)-maxEntries:]
	}
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 8
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
}

func (m *model) refreshViewport() {
	lines := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		lines = append(lines, m.renderEntry(item))
	}

	previousOffset := m.viewport.YOffset
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if m.followLog {
		m.viewport.GotoBottom()
		return
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) renderEntry(item entry) string {
	kindStyle := m.theme.kind
	switch item.severity {
	case severityInfo:
		kindStyle = m.theme.kindInfo
	case severityWarn:
		kindStyle = m.theme.kindWarn
	case severityError:
		kindStyle = m.theme.kindError
	}

	parts := []string{
		m.theme.time.Render(item.at.Local().Format("15:04:05.000")),
		m.theme.session.Render(fmt.Sprintf("[%s]", shortID(item.session))),
		kindStyle.Render(string(item.kind)),
	}
	if item.summary != "" {
		parts = append(parts, m.theme.summary.Render(item.summary))
	}

	return strings.Join(parts, " ")
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "up", "k":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "down", "j":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home", "g":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end", "G":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func waitForEvent(events <-chan message.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: evt}
	}
}

// shortID keeps uuids readable; reserved session names pass through.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}
