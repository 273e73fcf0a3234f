// Package tui renders the live build status of a watch session.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"devwatch/internal/models"
	"devwatch/internal/watcher"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type extStatus string

const (
	extPending extStatus = "building"
	extOK      extStatus = "ok"
	extFailed  extStatus = "failed"
)

type readyMsg struct{}

type buildMsg struct {
	results []models.BuildResult
}

type batchMsg struct {
	batch models.ReconciledBatch
}

// Model is the bubbletea model for the watch status screen.
type Model struct {
	appName  string
	spinner  spinner.Model
	ready    bool
	order    []string
	status   map[string]extStatus
	errs     map[string]string
	lastPath string
}

// NewModel builds the initial model from the starting snapshot.
func NewModel(app *models.App) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	m := Model{
		appName: app.Name,
		spinner: sp,
		status:  make(map[string]extStatus),
		errs:    make(map[string]string),
	}
	for _, ext := range app.Extensions {
		m.order = append(m.order, ext.Handle())
		m.status[ext.Handle()] = extPending
	}
	return m
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles key presses, spinner ticks, and session events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case readyMsg:
		m.ready = true

	case buildMsg:
		for _, res := range msg.results {
			if res.Ok() {
				m.status[res.Handle] = extOK
				delete(m.errs, res.Handle)
			} else {
				m.status[res.Handle] = extFailed
				m.errs[res.Handle] = res.Message()
			}
		}

	case batchMsg:
		m.lastPath = msg.batch.Path
		m.applySnapshot(msg.batch.App)
	}
	return m, nil
}

// applySnapshot re-derives the displayed extension list from a new App.
func (m *Model) applySnapshot(app *models.App) {
	known := make(map[string]bool, len(app.Extensions))
	var order []string
	for _, ext := range app.Extensions {
		handle := ext.Handle()
		known[handle] = true
		order = append(order, handle)
		if _, ok := m.status[handle]; !ok {
			m.status[handle] = extPending
		}
	}
	for handle := range m.status {
		if !known[handle] {
			delete(m.status, handle)
			delete(m.errs, handle)
		}
	}
	m.order = order
}

// View renders the status screen.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("devwatch: %s", m.appName)))
	b.WriteString("\n\n")

	if !m.ready {
		b.WriteString(fmt.Sprintf("%s starting session...\n\n", m.spinner.View()))
	}

	for _, handle := range m.order {
		b.WriteString(fmt.Sprintf("  %s %s\n", formatStatus(m.status[handle]), handle))
		if msg, ok := m.errs[handle]; ok {
			for _, line := range strings.Split(msg, "\n") {
				b.WriteString(dimStyle.Render(fmt.Sprintf("      %s", line)))
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\n")
	if m.lastPath != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("last change: %s", m.lastPath)))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("q to quit"))
	b.WriteString("\n")
	return b.String()
}

func formatStatus(st extStatus) string {
	switch st {
	case extOK:
		return statusOK.Render("● ok")
	case extFailed:
		return statusFailed.Render("● failed")
	default:
		return statusPending.Render("● building")
	}
}

// Run attaches to the session and blocks until the user quits.
func Run(session *watcher.Session, app *models.App) error {
	p := tea.NewProgram(NewModel(app))

	session.OnStart(func() {
		p.Send(readyMsg{})
	})
	session.OnBuild(func(batchID string, results []models.BuildResult) {
		p.Send(buildMsg{results: results})
	})
	session.OnEvent(func(batch models.ReconciledBatch) {
		p.Send(batchMsg{batch: batch})
	})

	_, err := p.Run()
	return err
}
