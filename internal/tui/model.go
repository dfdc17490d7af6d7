package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ss-engineer-CTG/pmboard/internal/control"
	"github.com/ss-engineer-CTG/pmboard/internal/discover"
	"github.com/ss-engineer-CTG/pmboard/internal/health"
)

const (
	maxEventLines = 8
	readinessPoll = 2 * time.Second
)

type machineUpdateMsg discover.Update

type daemonEventMsg control.Event

type daemonGoneMsg struct{}

type readinessTickMsg time.Time

type readinessResultMsg struct {
	snap *health.Snapshot
	err  error
}

// Model is the connection dashboard model.
type Model struct {
	machine *discover.Machine
	daemon  *control.Client // nil when the daemon socket is unreachable
	checker *health.Client

	update     discover.Update
	degraded   bool
	progress   int
	components map[string]bool
	events     []string

	spinner spinner.Model
	bar     progress.Model

	width  int
	height int
}

// New creates the dashboard model. daemon may be nil.
func New(machine *discover.Machine, daemon *control.Client, checker *health.Client) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorLoading)

	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))

	return Model{
		machine: machine,
		daemon:  daemon,
		checker: checker,
		spinner: sp,
		bar:     bar,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.spinner.Tick,
		waitForMachine(m.machine),
		tickReadiness(),
	}
	if m.daemon != nil {
		cmds = append(cmds, waitForDaemon(m.daemon))
	}
	return tea.Batch(cmds...)
}

func waitForMachine(machine *discover.Machine) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-machine.Updates()
		if !ok {
			return tea.Quit()
		}
		return machineUpdateMsg(u)
	}
}

func waitForDaemon(client *control.Client) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-client.Events()
		if !ok {
			return daemonGoneMsg{}
		}
		return daemonEventMsg(ev)
	}
}

func tickReadiness() tea.Cmd {
	return tea.Tick(readinessPoll, func(t time.Time) tea.Msg {
		return readinessTickMsg(t)
	})
}

func (m Model) pollReadiness() tea.Cmd {
	port := m.update.Port
	checker := m.checker
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), readinessPoll)
		defer cancel()
		snap, err := checker.Readiness(ctx, port)
		return readinessResultMsg{snap: snap, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = min(msg.Width-10, 60)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.machine.Retry()
			m.pushEvent("manual retry requested")
			return m, nil
		case "R":
			if m.daemon != nil {
				if err := m.daemon.Restart(); err != nil {
					m.pushEvent("restart failed: " + err.Error())
				} else {
					m.pushEvent("worker restart requested")
				}
			} else {
				m.pushEvent("no daemon connection, cannot restart worker")
			}
			return m, nil
		}
		return m, nil

	case tea.FocusMsg:
		m.machine.SetPaused(false)
		return m, nil

	case tea.BlurMsg:
		m.machine.SetPaused(true)
		return m, nil

	case machineUpdateMsg:
		m.update = discover.Update(msg)
		switch m.update.Phase {
		case discover.PhaseConnected:
			m.pushEvent(fmt.Sprintf("connected on port %d", m.update.Port))
		case discover.PhaseDisconnected:
			if m.update.Err != "" {
				m.pushEvent(m.update.Err)
			}
		}
		return m, waitForMachine(m.machine)

	case daemonEventMsg:
		m.applyDaemonEvent(control.Event(msg))
		return m, waitForDaemon(m.daemon)

	case daemonGoneMsg:
		m.daemon = nil
		m.pushEvent("daemon connection lost")
		return m, nil

	case readinessTickMsg:
		if m.update.Phase == discover.PhaseConnected {
			return m, tea.Batch(m.pollReadiness(), tickReadiness())
		}
		return m, tickReadiness()

	case readinessResultMsg:
		if msg.err == nil && msg.snap != nil {
			m.progress = msg.snap.Progress
			m.components = msg.snap.Components
			m.degraded = msg.snap.Readiness != health.ReadinessComplete
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m *Model) applyDaemonEvent(ev control.Event) {
	payload, _ := ev.Payload.(map[string]any)
	switch ev.Type {
	case control.EventConnectionEstablished:
		m.pushEvent(fmt.Sprintf("worker up on port %v", payload["port"]))
	case control.EventServerRestarted:
		m.pushEvent(fmt.Sprintf("worker restarted on port %v", payload["port"]))
		m.machine.Retry()
	case control.EventServerDown:
		m.pushEvent(fmt.Sprintf("%v", payload["message"]))
	case control.EventReadinessProgress:
		if pct, ok := payload["percent"].(float64); ok {
			m.progress = int(pct)
		}
		if comps, ok := payload["components"].(map[string]any); ok {
			m.components = make(map[string]bool, len(comps))
			for name, up := range comps {
				v, _ := up.(bool)
				m.components[name] = v
			}
		}
	}
}

func (m *Model) pushEvent(line string) {
	stamp := time.Now().Format("15:04:05")
	m.events = append(m.events, StyleMuted.Render(stamp+"  ")+line)
	if len(m.events) > maxEventLines {
		m.events = m.events[len(m.events)-maxEventLines:]
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render("pmboard"))
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	if m.update.Phase == discover.PhaseConnected && m.progress > 0 && m.progress < 100 {
		b.WriteString(StyleHeader.Render("Startup progress"))
		b.WriteString("\n")
		b.WriteString(m.bar.ViewAs(float64(m.progress) / 100))
		b.WriteString("\n\n")
	}

	if len(m.components) > 0 {
		b.WriteString(StyleHeader.Render("Components"))
		b.WriteString("\n")
		b.WriteString(m.componentLines())
		b.WriteString("\n")
	}

	if len(m.events) > 0 {
		b.WriteString(StyleHeader.Render("Events"))
		b.WriteString("\n")
		b.WriteString(strings.Join(m.events, "\n"))
		b.WriteString("\n")
	}

	b.WriteString(StyleHelp.Render(m.helpLine()))
	return StyleBorder.Render(b.String())
}

func (m Model) statusLine() string {
	switch m.update.Phase {
	case discover.PhaseLoading:
		return m.spinner.View() + PhaseStyle("loading").Render(" searching for worker...")

	case discover.PhaseConnected:
		phase := "connected"
		label := fmt.Sprintf("%s connected  port %d", PhaseIcons[phase], m.update.Port)
		if m.degraded && m.progress < 100 {
			phase = "degraded"
			label = fmt.Sprintf("%s connected (starting up)  port %d", PhaseIcons[phase], m.update.Port)
		}
		return PhaseStyle(phase).Render(label)

	case discover.PhaseDisconnected:
		if m.update.ManualOnly {
			return PhaseStyle("disconnected").Render(PhaseIcons["disconnected"]+" connection lost") +
				StyleMuted.Render("  automatic retries spent, press r to retry")
		}
		if m.update.NextRetryIn > 0 {
			return PhaseStyle("disconnected").Render(PhaseIcons["disconnected"]+" connection lost") +
				StyleMuted.Render(fmt.Sprintf("  retry %d/%d in %ds",
					m.update.Attempt, m.update.MaxAttempts, int(m.update.NextRetryIn.Seconds())))
		}
		return PhaseStyle("disconnected").Render(PhaseIcons["disconnected"] + " connection lost, retrying...")
	}
	return ""
}

func (m Model) componentLines() string {
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		mark := StyleError.Render("✗")
		if m.components[name] {
			mark = PhaseStyle("connected").Render("✓")
		}
		lines = append(lines, fmt.Sprintf("  %s %s", mark, StyleNormal.Render(name)))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m Model) helpLine() string {
	return "r retry · R restart worker · q quit"
}
