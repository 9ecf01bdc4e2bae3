package watchtui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/courier/internal/status"
)

// maxEvents bounds the event log kept in the viewport.
const maxEvents = 200

type connState int

const (
	stateConnecting connState = iota
	stateLive
	stateDisconnected
)

type (
	snapshotMsg     status.Summary
	eventMsg        status.Event
	connectedMsg    struct{}
	disconnectedMsg struct{ err error }
	feedClosedMsg   struct{}
	tickMsg         time.Time
)

// Model is the bubbletea model for the watch dashboard.
type Model struct {
	url   string
	msgCh <-chan tea.Msg

	spin spinner.Model
	vp   viewport.Model

	width  int
	height int
	ready  bool

	state   connState
	lastErr string

	active []status.Session
	recent []status.Event

	now func() time.Time
}

func newModel(url string, msgCh <-chan tea.Msg) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	return Model{
		url:   url,
		msgCh: msgCh,
		spin:  sp,
		vp:    viewport.New(80, 20),
		state: stateConnecting,
		now:   time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spin.Tick,
		waitForFeed(m.msgCh),
		tickEvery(),
		tea.SetWindowTitle("courier watch"),
	)
}

// waitForFeed delivers the next feed message to the program loop.
func waitForFeed(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return feedClosedMsg{}
		}
		return msg
	}
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.layout()
		m.refreshLog()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tickMsg:
		// Redraw so elapsed times advance.
		return m, tickEvery()

	case snapshotMsg:
		m.active = msg.Active
		m.recent = trimEvents(msg.Recent)
		m.layout()
		m.refreshLog()
		return m, waitForFeed(m.msgCh)

	case eventMsg:
		m.applyEvent(status.Event(msg))
		m.layout()
		m.refreshLog()
		return m, waitForFeed(m.msgCh)

	case connectedMsg:
		m.state = stateLive
		m.lastErr = ""
		return m, waitForFeed(m.msgCh)

	case disconnectedMsg:
		m.state = stateDisconnected
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}
		return m, waitForFeed(m.msgCh)

	case feedClosedMsg:
		m.state = stateDisconnected
		return m, nil
	}
	return m, nil
}

// applyEvent folds a live event into the session list and the log.
func (m *Model) applyEvent(ev status.Event) {
	m.recent = trimEvents(append(m.recent, ev))

	switch ev.Phase {
	case status.PhaseStarted:
		for _, s := range m.active {
			if s.ID == ev.ID {
				return
			}
		}
		m.active = append(m.active, status.Session{
			ID:        ev.ID,
			Source:    ev.Source,
			Engine:    ev.Engine,
			StartedAt: ev.Time,
		})
	case status.PhaseAction:
		for i := range m.active {
			if m.active[i].ID == ev.ID {
				m.active[i].LastAction = ev.Text
				return
			}
		}
	case status.PhaseCompleted:
		for i := range m.active {
			if m.active[i].ID == ev.ID {
				m.active = append(m.active[:i], m.active[i+1:]...)
				return
			}
		}
	}
}

func trimEvents(evs []status.Event) []status.Event {
	if len(evs) > maxEvents {
		return evs[len(evs)-maxEvents:]
	}
	return evs
}

// layout sizes the viewport around the fixed header, session list and
// footer rows.
func (m *Model) layout() {
	fixed := 3 + m.sessionRows()
	h := m.height - fixed
	if h < 1 {
		h = 1
	}
	m.vp.Width = m.width
	m.vp.Height = h
}

func (m *Model) sessionRows() int {
	if len(m.active) == 0 {
		return 1
	}
	return len(m.active)
}

// refreshLog rebuilds the viewport content, keeping the view pinned to
// the newest events unless the user scrolled away.
func (m *Model) refreshLog() {
	pinned := m.vp.AtBottom()
	lines := make([]string, 0, len(m.recent))
	for _, ev := range m.recent {
		lines = append(lines, m.renderEvent(ev))
	}
	if len(lines) == 0 {
		lines = append(lines, dimStyle.Render("no events yet"))
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if pinned {
		m.vp.GotoBottom()
	}
}

func (m Model) View() string {
	if !m.ready {
		return "starting…"
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.sessionsView())
	b.WriteString("\n")
	b.WriteString(dividerStyle.Render(strings.Repeat("─", maxInt(m.width, 1))))
	b.WriteString("\n")
	b.WriteString(m.vp.View())
	b.WriteString("\n")
	b.WriteString(m.footerView())
	return b.String()
}

func (m Model) headerView() string {
	title := titleStyle.Render("courier watch")
	target := dimStyle.Render(m.url)

	var conn string
	switch m.state {
	case stateLive:
		conn = liveStyle.Render("● live")
	case stateConnecting:
		conn = dimStyle.Render(m.spin.View() + "connecting")
	default:
		conn = failStyle.Render("● offline")
		if m.lastErr != "" {
			conn += " " + dimStyle.Render(firstLine(m.lastErr))
		}
	}
	return ansi.Truncate(title+"  "+target+"  "+conn, maxInt(m.width, 1), "…")
}

func (m Model) sessionsView() string {
	if len(m.active) == 0 {
		return dimStyle.Render("  no active runs")
	}
	lines := make([]string, 0, len(m.active))
	for _, s := range m.active {
		elapsed := m.now().Sub(s.StartedAt).Round(time.Second)
		line := fmt.Sprintf("%s %s  %s  %s",
			m.spin.View(),
			sourceStyle.Render(s.Source),
			engineStyle.Render(s.Engine),
			dimStyle.Render(elapsed.String()),
		)
		if s.Project != "" {
			line += "  " + projectStyle.Render(s.Project)
		}
		if s.LastAction != "" {
			line += "  " + actionStyle.Render(firstLine(s.LastAction))
		}
		lines = append(lines, ansi.Truncate(line, maxInt(m.width, 1), "…"))
	}
	return strings.Join(lines, "\n")
}

func (m Model) footerView() string {
	return dimStyle.Render(" q quit · ↑/↓ scroll")
}

func (m Model) renderEvent(ev status.Event) string {
	ts := dimStyle.Render(ev.Time.Local().Format("15:04:05"))
	src := sourceStyle.Render(ev.Source)

	var body string
	switch ev.Phase {
	case status.PhaseStarted:
		body = startedStyle.Render("▶ " + ev.Engine + " started")
	case status.PhaseAction:
		body = actionStyle.Render(firstLine(ev.Text))
	case status.PhaseCompleted:
		if ev.OK != nil && *ev.OK {
			body = okStyle.Render("✅ " + firstLine(ev.Text))
		} else {
			body = failStyle.Render("❌ " + firstLine(ev.Text))
		}
	default:
		body = firstLine(ev.Text)
	}
	return ansi.Truncate(ts+"  "+src+"  "+body, maxInt(m.width, 1), "…")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
