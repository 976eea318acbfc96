package gate

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	grantedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	deniedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	helpStyle    = lipgloss.NewStyle().Faint(true)
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

var descriptions = map[Capability]string{
	Notifications: "post a notification while the engine is running",
	Storage:       "read and write the shared storage directory",
	Foreground:    "keep the engine running after this terminal closes",
}

// Recorder stores the user's answer to a prompt.
type Recorder interface {
	Record(c Capability, s Status) error
}

type decisionMsg Decision

type grantsChangedMsg struct{}

// Model is the bubbletea model for the interactive gate. Every answer
// and every change to the grants file re-enters the gate.
type Model struct {
	gate         *Gate
	recorder     Recorder
	settingsPath string
	changes      <-chan struct{}

	decision Decision
	entered  bool
	advanced bool
	aborted  bool
	err      error
}

// NewModel returns a gate model. changes may be nil.
func NewModel(g *Gate, recorder Recorder, settingsPath string, changes <-chan struct{}) Model {
	return Model{gate: g, recorder: recorder, settingsPath: settingsPath, changes: changes}
}

// Advanced reports whether every capability was granted.
func (m Model) Advanced() bool { return m.advanced }

// Decision returns the most recent gate decision.
func (m Model) Decision() Decision { return m.decision }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.enter(), m.waitForChange())
}

func (m Model) enter() tea.Cmd {
	g := m.gate
	return func() tea.Msg { return decisionMsg(g.Enter()) }
}

func (m Model) waitForChange() tea.Cmd {
	if m.changes == nil {
		return nil
	}
	changes := m.changes
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return grantsChangedMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case decisionMsg:
		m.decision = Decision(msg)
		m.entered = true
		if m.decision.Action == Advance {
			m.advanced = true
			return m, tea.Quit
		}
		return m, nil

	case grantsChangedMsg:
		return m, tea.Batch(m.enter(), m.waitForChange())

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "ctrl+c", "q", "esc":
		m.aborted = true
		return m, tea.Quit
	}

	switch m.decision.Action {
	case Requested:
		var status Status
		switch key {
		case "y", "enter":
			status = Granted
		case "n":
			status = Denied
		case "N":
			status = PermanentlyDenied
		default:
			return m, nil
		}
		if err := m.recorder.Record(m.decision.Capability, status); err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil
		return m, m.enter()

	case Settings:
		if key == "r" {
			return m, m.enter()
		}
	}
	return m, nil
}

func (m Model) View() string {
	if !m.entered {
		return "Checking permissions...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Twoyi needs a few permissions"))
	b.WriteString("\n\n")
	for _, c := range m.gate.order {
		b.WriteString(statusLine(c, m.decision.Statuses[c]))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.decision.Action {
	case Requested:
		c := m.decision.Capability
		fmt.Fprintf(&b, "Allow Twoyi to %s?\n", descriptions[c])
		b.WriteString(helpStyle.Render("[y] allow  [n] deny  [N] deny and don't ask again"))
	case Settings:
		fmt.Fprintf(&b, "%s was denied permanently.\nEdit %s to grant it; this screen updates when the file changes.\n",
			m.decision.Capability, m.settingsPath)
		b.WriteString(helpStyle.Render("[r] check again"))
	case Advance:
		b.WriteString(grantedStyle.Render("All set."))
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.err.Error()))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("[q] quit"))

	return boxStyle.Render(b.String()) + "\n"
}

func statusLine(c Capability, s Status) string {
	switch s {
	case Granted:
		return grantedStyle.Render("✓ "+string(c)) + "  " + s.String()
	case PermanentlyDenied:
		return blockedStyle.Render("✗ "+string(c)) + "  " + s.String()
	case Unknown:
		return deniedStyle.Render("? "+string(c)) + "  " + s.String()
	default:
		return deniedStyle.Render("• "+string(c)) + "  " + s.String()
	}
}

// Run shows the interactive gate until every capability is granted or
// the user quits. The gate re-enters whenever the grants file changes.
func Run(ctx context.Context, g *Gate, host *FileHost, opts ...tea.ProgramOption) error {
	watcher, err := NewWatcher(host.Path(), DefaultDebounce, g.logger)
	if err != nil {
		return err
	}
	changes := make(chan struct{}, 1)
	watcher.OnChange(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	if err := watcher.Start(ctx); err != nil {
		watcher.Stop()
		return err
	}

	model := NewModel(g, host, host.Path(), changes)
	program := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)...)
	final, runErr := program.Run()

	if err := watcher.Stop(); err != nil {
		g.logger.Debug("stop grants watcher", "error", err)
	}
	close(changes)

	if runErr != nil {
		return fmt.Errorf("run permission gate: %w", runErr)
	}
	if m, ok := final.(Model); ok && m.advanced {
		return nil
	}
	if err := g.Check(); err != nil {
		return err
	}
	return fmt.Errorf("%w: gate closed before hand-off", ErrPermissionRefused)
}
