package cli

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"linkdigest/internal/model"
)

const dashboardEvents = 8

var (
	dashTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dashMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dashOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	dashErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	dashWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dashPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type progressMsg model.Progress

type batchDoneMsg model.BatchReport

type stopRequestedMsg struct{}

// dashboardModel renders a running batch: overall bar, counters and the
// latest finished items.
type dashboardModel struct {
	total    int
	workers  int
	started  time.Time
	report   model.BatchReport
	done     int
	events   []string
	finished bool
	stopping bool
	onStop   func()

	spinner spinner.Model
	bar     progress.Model
	width   int
}

func newDashboard(total, workers int, onStop func()) dashboardModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return dashboardModel{
		total:   total,
		workers: workers,
		started: time.Now(),
		onStop:  onStop,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(48)),
		events:  make([]string, 0, dashboardEvents),
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 8; w > 10 && w < 80 {
			m.bar.Width = w
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.stopping && m.onStop != nil {
				m.onStop()
			}
			m.stopping = true
		}
		return m, nil
	case stopRequestedMsg:
		m.stopping = true
		return m, nil
	case progressMsg:
		p := model.Progress(msg)
		m.done = p.Done
		m.report = p.Report
		m.events = append([]string{formatEvent(p.Item)}, m.events...)
		if len(m.events) > dashboardEvents {
			m.events = m.events[:dashboardEvents]
		}
		return m, nil
	case batchDoneMsg:
		m.report = model.BatchReport(msg)
		m.finished = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m dashboardModel) percent() float64 {
	if m.total <= 0 {
		return 1
	}
	return float64(m.done) / float64(m.total)
}

func (m dashboardModel) View() string {
	state := m.spinner.View() + " running"
	switch {
	case m.finished:
		state = dashOKStyle.Render("finished")
	case m.stopping:
		state = dashWarnStyle.Render(m.spinner.View() + " stopping, waiting for in-flight items")
	}
	header := dashTitleStyle.Render("linkdigest") + " " + state + " " +
		dashMutedStyle.Render(fmt.Sprintf("| %d workers | %s", m.workers, time.Since(m.started).Round(time.Second)))

	counts := fmt.Sprintf("%d/%d done  %s %d  %s %d  incomplete %d  already done %d",
		m.done, m.total,
		dashOKStyle.Render("ok"), m.report.Succeeded,
		dashErrStyle.Render("failed"), m.report.Failed,
		m.report.Incomplete, m.report.SkippedAlreadyDone,
	)

	var b strings.Builder
	if len(m.events) == 0 {
		b.WriteString(dashMutedStyle.Render("(waiting for the first item)"))
	}
	for i, e := range m.events {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e)
	}

	hint := dashMutedStyle.Render("q stop after in-flight items")
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.bar.ViewAs(m.percent()),
		counts,
		dashPanelStyle.Render(b.String()),
		hint,
	) + "\n"
}

func formatEvent(s model.ItemSummary) string {
	var status string
	switch {
	case s.Skipped:
		status = dashMutedStyle.Render("skip")
	case s.FinalStatus == model.FinalSucceeded:
		status = dashOKStyle.Render("ok  ")
	case s.FinalStatus == model.FinalFailed:
		status = dashErrStyle.Render("fail")
	default:
		status = dashWarnStyle.Render("todo")
	}
	line := status + " " + s.ItemID
	if s.FailedStage != "" {
		line += dashMutedStyle.Render(fmt.Sprintf(" %s: %s", s.FailedStage, truncateText(s.ErrorMessage, 60)))
	}
	return line
}

func truncateText(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
