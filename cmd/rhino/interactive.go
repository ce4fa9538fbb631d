package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/rhino-wasm/worker"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	intentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	slotStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// maxShownResults bounds the result list; older lines scroll away.
const maxShownResults = 12

type submittedMsg int

type inferenceMsg inferenceEvent

type faultMsg faultEvent

type doneMsg struct{ err error }

type processModel struct {
	err       error
	cancel    context.CancelFunc
	progress  progress.Model
	spinner   spinner.Model
	filename  string
	info      worker.Info
	lines     []string
	total     int
	submitted int
	results   int
	faults    int
	done      bool
}

func newProcessModel(filename string, info worker.Info, total int, cancel context.CancelFunc) *processModel {
	return &processModel{
		cancel:   cancel,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		filename: filename,
		info:     info,
		total:    total,
	}
}

func (m *processModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *processModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.cancel()
			return m, tea.Quit
		case "enter":
			if m.done {
				return m, tea.Quit
			}
		}

	case tea.WindowSizeMsg:
		m.progress.Width = max(10, min(60, msg.Width-20))

	case submittedMsg:
		m.submitted = int(msg)

	case inferenceMsg:
		m.results++
		m.addLine(formatInference(inferenceEvent(msg)))

	case faultMsg:
		m.faults++
		m.addLine(errorStyle.Render("error: " + msg.Error))

	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *processModel) addLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxShownResults {
		m.lines = m.lines[len(m.lines)-maxShownResults:]
	}
}

func formatInference(ev inferenceEvent) string {
	prefix := dimStyle.Render(fmt.Sprintf("#%d ", ev.Utterance))
	if !ev.IsUnderstood {
		return prefix + dimStyle.Render("not understood")
	}
	keys := make([]string, 0, len(ev.Slots))
	for k := range ev.Slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var slots []string
	for _, k := range keys {
		slots = append(slots, k+"="+slotStyle.Render(ev.Slots[k]))
	}
	return prefix + intentStyle.Render(ev.Intent) + " " + strings.Join(slots, " ")
}

func (m *processModel) percent() float64 {
	if m.total == 0 {
		return 1
	}
	return float64(m.submitted) / float64(m.total)
}

func (m *processModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Rhino"))
	b.WriteString(" ")
	b.WriteString(filepath.Base(m.filename))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  engine %s, %d Hz", m.info.Version, m.info.SampleRate)))
	b.WriteString("\n\n")

	if m.done {
		b.WriteString("  ")
	} else {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	}
	b.WriteString(m.progress.ViewAs(m.percent()))
	b.WriteString(fmt.Sprintf(" %d/%d frames\n\n", m.submitted, m.total))

	if len(m.lines) == 0 {
		b.WriteString(dimStyle.Render("listening..."))
		b.WriteString("\n")
	}
	for _, line := range m.lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter/q quit"))
	case m.done:
		b.WriteString(fmt.Sprintf("%d utterances, %d errors\n\n", m.results, m.faults))
		b.WriteString(helpStyle.Render("enter/q quit"))
	default:
		b.WriteString(helpStyle.Render("q stop"))
	}
	return b.String()
}

// runInteractive streams frames through c while a terminal view shows
// progress and results.
func runInteractive(ctx context.Context, filename string, c *worker.Controller, frames [][]int16) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := newProcessModel(filename, c.Info(), len(frames), cancel)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	streamErr := make(chan error, 1)
	go func() {
		err := stream(ctx, c, frames, events{
			submitted: func(n int) { p.Send(submittedMsg(n)) },
			inference: func(ev inferenceEvent) { p.Send(inferenceMsg(ev)) },
			fault:     func(f faultEvent) { p.Send(faultMsg(f)) },
		})
		streamErr <- err
		p.Send(doneMsg{err: err})
	}()

	_, runErr := p.Run()
	cancel()
	err := <-streamErr
	if runErr != nil && !stopped(runErr) {
		return runErr
	}
	if stopped(err) {
		return nil
	}
	return err
}

// stopped reports whether err only says the user quit early.
func stopped(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, tea.ErrProgramKilled)
}
