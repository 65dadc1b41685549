package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/arpanauts/strategyengine/engine"
)

// watchModel polls GetJobStatus on a fixed tick and renders the job's
// current state, grounded on alexisbeaulieu97-Streamy's
// cmd/streamy/dashboard.go tea.NewProgram(..., tea.WithAltScreen()) usage.
type watchModel struct {
	app   *AppContext
	jobID string

	report *engine.StatusReport
	err    error
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		report, err := m.app.Engine.GetJobStatus(context.Background(), m.jobID)
		if err != nil {
			return statusErrMsg{err}
		}
		return statusMsg{report}
	}
}

type statusMsg struct{ report *engine.StatusReport }
type statusErrMsg struct{ err error }

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		if m.report != nil && m.report.Job.Status.Terminal() {
			return m, tea.Quit
		}
		return m, tea.Batch(m.poll(), tick())
	case statusMsg:
		m.report = msg.report
		m.err = nil
	case statusErrMsg:
		m.err = msg.err
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("error: %v\n", m.err))
	}
	if m.report == nil {
		return "loading...\n"
	}
	job := m.report.Job
	s := headerStyle.Render(fmt.Sprintf("job %s", job.ID)) + "\n"
	s += fmt.Sprintf("strategy: %s\n", job.StrategyName)
	s += fmt.Sprintf("status:   %s\n", job.Status)
	s += fmt.Sprintf("progress: %d/%d (%.1f%%)\n", job.CurrentStep, job.TotalSteps, job.ProgressPercent)
	s += dimStyle.Render("press q to quit") + "\n"
	for _, ev := range m.report.RecentEvents {
		s += fmt.Sprintf("  [%s] %s %s\n", ev.Timestamp.Format("15:04:05"), ev.EventType, ev.Message)
	}
	return s
}

func newWatchCmd(flags *rootFlags, app **AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Live-watch a job until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := watchModel{app: *app, jobID: args[0]}
			_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
}
