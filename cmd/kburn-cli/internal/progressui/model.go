package progressui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"kburn/pkg/kburn"
)

// stepMsg reports a ProgressSink call; doneMsg reports the operation's
// final result. Both are sent into the running tea.Program from the
// goroutine actually performing the burn step.
type stepMsg struct {
	current, total uint64
}

type doneMsg struct {
	err error
}

// Model is a bubbletea model showing one named operation's progress bar
// plus a byte counter, finishing with a success or error line.
type Model struct {
	op    string
	bar   progress.Model
	style styles

	current, total uint64
	started        time.Time
	done           bool
	err            error
}

// New builds a Model for an operation titled op (e.g. "writing image",
// "erasing partition").
func New(op string) Model {
	return Model{
		op:      op,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		style:   defaultStyles(),
		started: time.Now(),
	}
}

// Sink returns a kburn.ProgressSink that feeds this model through p.
func Sink(p *tea.Program) kburn.ProgressSink {
	return func(current, total uint64) {
		p.Send(stepMsg{current: current, total: total})
	}
}

// Done sends the final result into p, causing the program to exit.
func Done(p *tea.Program, err error) {
	p.Send(doneMsg{err: err})
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = msg.Width - 20
	case stepMsg:
		m.current, m.total = msg.current, msg.total
	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.style.Title.Render(m.op))
	b.WriteString("\n\n")

	frac := 0.0
	if m.total > 0 {
		frac = float64(m.current) / float64(m.total)
	}
	b.WriteString("  " + m.bar.ViewAs(frac))
	if m.total > 0 {
		b.WriteString(m.style.Muted.Render(fmt.Sprintf(" %s/%s", formatBytes(m.current), formatBytes(m.total))))
	}
	b.WriteString("\n")

	elapsed := time.Since(m.started)
	b.WriteString(m.style.Muted.Render(fmt.Sprintf("  elapsed %s\n", formatDuration(elapsed))))

	if m.done {
		b.WriteString("\n")
		if m.err != nil {
			b.WriteString(m.style.Error.Render(fmt.Sprintf("  %s %v\n", symbolError, m.err)))
		} else {
			b.WriteString(m.style.Success.Render(fmt.Sprintf("  %s done\n", symbolSuccess)))
		}
	}

	return b.String()
}

// Run drives a bubbletea program around op while fn executes in the
// background, feeding fn's ProgressSink into the bar and exiting once fn
// returns.
func Run(op string, fn func(sink kburn.ProgressSink) error) error {
	p := tea.NewProgram(New(op))

	var runErr error
	go func() {
		runErr = fn(Sink(p))
		Done(p, runErr)
	}()

	if _, err := p.Run(); err != nil {
		return err
	}
	return runErr
}
