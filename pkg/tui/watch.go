// Package tui renders the live startup view for `stackctl up --watch`:
// one row per service, updated from registry events.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/stackctl/pkg/registry"
)

// EventMsg carries one registry event into the program.
type EventMsg struct {
	Event registry.Event
}

// DoneMsg ends the watch once the scheduler has settled.
type DoneMsg struct {
	Summary string
	Failed  []string
}

type row struct {
	name    string
	state   registry.State
	verdict registry.Verdict
	reason  string
}

type WatchModel struct {
	order []string
	rows  map[string]*row

	spin    spinner.Model
	done    bool
	summary string
	width   int
}

func NewWatchModel(services []string) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorAccent)

	rows := make(map[string]*row, len(services))
	for _, name := range services {
		rows[name] = &row{name: name, state: registry.StatePending}
	}
	return WatchModel{order: append([]string{}, services...), rows: rows, spin: sp}
}

func (m WatchModel) Init() tea.Cmd {
	return m.spin.Tick
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = v.Width
		return m, nil
	case tea.KeyMsg:
		switch v.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	case EventMsg:
		if r, ok := m.rows[v.Event.Service]; ok {
			r.state = v.Event.State
			r.verdict = v.Event.Verdict
			r.reason = v.Event.Reason
		}
		return m, nil
	case DoneMsg:
		m.done = true
		m.summary = v.Summary
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(v)
		return m, cmd
	}
	return m, nil
}

func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("stackctl up"))
	b.WriteString("\n\n")

	nameWidth := 0
	for _, name := range m.order {
		if len(name) > nameWidth {
			nameWidth = len(name)
		}
	}

	for _, name := range m.order {
		r := m.rows[name]
		marker := m.spin.View()
		if settledMarker, ok := markerFor(r.state); ok {
			marker = settledMarker
		}
		line := fmt.Sprintf("%s %-*s %s", marker, nameWidth, r.name, stateLabel(r))
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.summary)
	} else {
		b.WriteString(dimStyle.Render("q to quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func markerFor(state registry.State) (string, bool) {
	switch state {
	case registry.StateHealthy:
		return okStyle.Render("✓"), true
	case registry.StateStarted:
		return okStyle.Render("•"), true
	case registry.StateFailed:
		return errStyle.Render("✗"), true
	case registry.StateStopped:
		return dimStyle.Render("-"), true
	case registry.StateUnhealthy:
		return warnStyle.Render("!"), true
	}
	return "", false
}

func stateLabel(r *row) string {
	label := r.state.String()
	switch r.state {
	case registry.StateHealthy:
		label = okStyle.Render(label)
	case registry.StateFailed, registry.StateUnhealthy:
		label = errStyle.Render(label)
	case registry.StateStarted:
		if r.verdict.Status == registry.HealthChecking {
			label = warnStyle.Render(fmt.Sprintf("started (checking, %d failures)", r.verdict.ConsecutiveFailures))
		}
	case registry.StatePending, registry.StateStarting:
		label = dimStyle.Render(label)
	}
	if r.state == registry.StateFailed && r.reason != "" {
		label += dimStyle.Render("  " + r.reason)
	}
	return label
}
