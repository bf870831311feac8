// Package replay is a terminal viewer for a task's overlay stream: the
// byte-transparent stdout/stderr/meta consumption that spec.md §4.3
// describes, rendered live instead of dumped to a pipe. It is the one slice
// of a dashboard UI that is in scope (overlay consumption itself), not the
// broader multi-panel session/agent/graph dashboard.
//
// Generalized from the teacher's internal/tui.OutputView/LiveStreamer (a
// ring-buffered, rate-limited, scrollable single-agent output pane) onto a
// single task's overlay.Subscription: one stream of stdout/stderr/meta lines
// instead of one stream per agent, no agent-switching keys, and no other
// panels.
package replay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/taskforge/engine/pkg/models"
)

// DefaultRateLimit is a repaint interval in the style of the teacher's
// LiveStreamer.rateLimit. Model does not use it: it repaints on every event.
const DefaultRateLimit = 16 * time.Millisecond

var (
	stdoutStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	metaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Italic(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("117"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// lineMsg carries one rendered line into the bubbletea Update loop.
// waitForEvent reads each models.OverlayEvent from the source channel and
// renderEvent turns it into a lineMsg, so this package never imports
// internal/overlay directly and stays a pure renderer.
type lineMsg string

// doneMsg signals the source channel closed (task reached a terminal state).
type doneMsg struct{}

// Model is the bubbletea model driving the replay viewer.
type Model struct {
	taskID   string
	viewport viewport.Model
	lines    []string
	events   <-chan models.OverlayEvent
	done     bool
	ready    bool
	follow   bool
}

// New constructs a replay Model that consumes events until the channel
// closes. Pass a subscription's Events() channel directly.
func New(taskID string, events <-chan models.OverlayEvent) Model {
	return Model{
		taskID: taskID,
		events: events,
		follow: true,
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan models.OverlayEvent) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return doneMsg{}
		}
		return lineMsg(renderEvent(event))
	}
}

func renderEvent(event models.OverlayEvent) string {
	switch event.Stream {
	case models.StreamStdout:
		return stdoutStyle.Render(strings.TrimRight(string(event.Payload), "\n"))
	case models.StreamStderr:
		return stderrStyle.Render(strings.TrimRight(string(event.Payload), "\n"))
	case models.StreamMeta:
		var rec models.MetaRecord
		if err := json.Unmarshal(event.Payload, &rec); err != nil {
			return metaStyle.Render(fmt.Sprintf("[meta:undecodable] %s", event.Payload))
		}
		return metaStyle.Render(fmt.Sprintf("── %s: %s", rec.Kind, rec.Reason))
	default:
		return metaStyle.Render(fmt.Sprintf("[%s] %s", event.Stream, event.Payload))
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMargin := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMargin)
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMargin
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
		}

	case lineMsg:
		m.lines = append(m.lines, string(msg))
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		if m.follow {
			m.viewport.GotoBottom()
		}
		return m, waitForEvent(m.events)

	case doneMsg:
		m.done = true
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "initializing..."
	}
	return fmt.Sprintf("%s\n%s\n%s", m.headerView(), m.viewport.View(), m.footerView())
}

func (m Model) headerView() string {
	return headerStyle.Render(fmt.Sprintf(" task %s ", m.taskID))
}

func (m Model) footerView() string {
	status := "streaming"
	if m.done {
		status = "finished — press q to exit"
	}
	follow := "follow: on"
	if !m.follow {
		follow = "follow: off (press f)"
	}
	return footerStyle.Render(fmt.Sprintf(" %s │ %s │ %d lines │ q quit ", status, follow, len(m.lines)))
}
