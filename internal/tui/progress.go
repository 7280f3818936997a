// Package tui renders a job's progress events in the terminal.
package tui

import (
	"fmt"
	"strings"

	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lepinkainen/shelfmatch/internal/errors"
	"github.com/lepinkainen/shelfmatch/internal/progress"
)

const (
	defaultBarWidth = 48
	minBarWidth     = 16
)

var runProgram = func(m tea.Model) (tea.Model, error) {
	return tea.NewProgram(m).Run()
}

type eventMsg progress.Event

type closedMsg struct{}

func waitForEvent(events <-chan progress.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

type model struct {
	title   string
	events  <-chan progress.Event
	spinner spinner.Model
	bar     bar.Model

	phase   progress.Phase
	message string
	current int
	total   int

	final   progress.Event
	done    bool
	stopped bool
}

func newModel(title string, events <-chan progress.Event) *model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return &model{
		title:   title,
		events:  events,
		spinner: s,
		bar:     bar.New(bar.WithDefaultGradient(), bar.WithWidth(defaultBarWidth)),
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		ev := progress.Event(msg)
		m.apply(ev)
		if ev.Terminal() {
			m.final = ev
			m.done = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	case closedMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.stopped = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = clamp(defaultBarWidth, msg.Width-8, minBarWidth)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) apply(ev progress.Event) {
	if ev.Phase != "" && ev.Phase != m.phase {
		m.phase = ev.Phase
		m.current, m.total = 0, 0
	}
	if ev.Message != "" {
		m.message = ev.Message
	}
	if ev.Type == progress.TypeProgress {
		m.current, m.total = ev.Current, ev.Total
	}
}

func (m *model) fraction() float64 {
	if m.total <= 0 {
		return 0
	}
	return min(float64(m.current)/float64(m.total), 1)
}

func (m *model) View() string {
	lines := []string{headerStyle.Render(m.title)}

	status := m.message
	if m.phase != "" {
		status = phaseStyle.Render(strings.ToUpper(string(m.phase))) + " " + status
	}
	if !m.done {
		status = m.spinner.View() + " " + status
	}
	lines = append(lines, status)

	if m.total > 0 {
		lines = append(lines, m.bar.ViewAs(m.fraction())+countStyle.Render(fmt.Sprintf("  %d/%d", m.current, m.total)))
	}

	switch {
	case m.final.Type == progress.TypeError:
		lines = append(lines, errorStyle.Render(m.final.Message))
	case m.final.Type == progress.TypeComplete:
		lines = append(lines, doneStyle.Render(fmt.Sprintf("%d matched, %d not found", m.final.AddedCount, m.final.FailedCount)))
	default:
		lines = append(lines, helpStyle.Render("q stop"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")).
			MarginBottom(1)

	phaseStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("110"))

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))

	countStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("247"))

	doneStyle = lipgloss.NewStyle().
			MarginTop(1).
			Foreground(lipgloss.Color("78"))

	errorStyle = lipgloss.NewStyle().
			MarginTop(1).
			Bold(true).
			Foreground(lipgloss.Color("161"))

	helpStyle = lipgloss.NewStyle().
			MarginTop(1).
			Foreground(lipgloss.Color("244"))
)

// Watch shows events until a terminal event arrives or the channel closes and
// returns the last terminal event seen. Quitting the view early returns a
// StopProcessingError; the job itself keeps running.
func Watch(title string, events <-chan progress.Event) (progress.Event, error) {
	finalModel, err := runProgram(newModel(title, events))
	if err != nil {
		return progress.Event{}, err
	}

	typed, ok := finalModel.(*model)
	if !ok {
		return progress.Event{}, fmt.Errorf("unexpected program result")
	}
	if typed.stopped {
		return typed.final, errors.NewStopProcessingError("progress view closed")
	}
	return typed.final, nil
}

func clamp(defaultValue, available, minimum int) int {
	width := defaultValue
	if available > 0 && available < defaultValue {
		width = available
	}
	if width < minimum {
		width = minimum
	}
	return width
}
