package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const maxLogLines = 8

// ProgressMsg reports downloaded bytes.
type ProgressMsg struct {
	Read  int64
	Total int64
}

// LogMsg appends a line to the install log.
type LogMsg struct {
	Line string
}

// DoneMsg ends the install view.
type DoneMsg struct {
	Summary string
	Err     error
}

type streamClosedMsg struct{}

// InstallModel renders a running tool install: a spinner, a download bar and
// the most recent log lines.
type InstallModel struct {
	title    string
	msgs     <-chan tea.Msg
	spinner  spinner.Model
	progress progress.Model

	read  int64
	total int64
	lines []string

	done      bool
	cancelled bool
	summary   string
	err       error
}

// NewInstallModel builds the view fed by msgs.
func NewInstallModel(title string, msgs <-chan tea.Msg) InstallModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = inProgressStyle
	return InstallModel{
		title:    title,
		msgs:     msgs,
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// RunInstall shows the install view until a DoneMsg arrives on msgs.
func RunInstall(ctx context.Context, title string, msgs <-chan tea.Msg, out io.Writer) error {
	program := tea.NewProgram(
		NewInstallModel(title, msgs),
		tea.WithContext(ctx),
		tea.WithOutput(out),
	)
	final, err := program.Run()
	if err != nil {
		return err
	}
	model, ok := final.(InstallModel)
	if !ok {
		return nil
	}
	if model.cancelled {
		return context.Canceled
	}
	return model.err
}

func (m InstallModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForMsg(m.msgs))
}

func waitForMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return msg
	}
}

func (m InstallModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		width := msg.Width - 4
		if width > 60 {
			width = 60
		}
		if width > 10 {
			m.progress.Width = width
		}
		return m, nil
	case ProgressMsg:
		m.read = msg.Read
		m.total = msg.Total
		return m, waitForMsg(m.msgs)
	case LogMsg:
		m.lines = append(m.lines, msg.Line)
		if len(m.lines) > maxLogLines {
			m.lines = m.lines[len(m.lines)-maxLogLines:]
		}
		return m, waitForMsg(m.msgs)
	case DoneMsg:
		m.done = true
		m.summary = msg.Summary
		m.err = msg.Err
		return m, tea.Quit
	case streamClosedMsg:
		if !m.done {
			m.done = true
			m.err = errors.New("install ended without a result")
		}
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Percent returns the download completion between 0 and 1.
func (m InstallModel) Percent() float64 {
	if m.total <= 0 {
		return 0
	}
	p := float64(m.read) / float64(m.total)
	if p > 1 {
		return 1
	}
	return p
}

func (m InstallModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(m.title))
	b.WriteString("\n\n")
	switch {
	case m.done && m.err != nil:
		b.WriteString(errorStyle.Render("✗ " + m.err.Error()))
	case m.done:
		b.WriteString(completedStyle.Render("✓ " + m.summary))
	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		if m.read > 0 {
			b.WriteString(m.progress.ViewAs(m.Percent()))
			b.WriteString(" ")
			b.WriteString(dimStyle.Render(formatBytes(m.read, m.total)))
		} else {
			b.WriteString(dimStyle.Render("checking latest release…"))
		}
	}
	b.WriteString("\n")
	for _, line := range m.lines {
		b.WriteString(dimStyle.Render("  " + line))
		b.WriteString("\n")
	}
	return b.String()
}

func formatBytes(read, total int64) string {
	if total <= 0 {
		return humanBytes(read)
	}
	return fmt.Sprintf("%s / %s", humanBytes(read), humanBytes(total))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
