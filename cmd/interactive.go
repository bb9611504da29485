package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/google/uuid"

	"github.com/RAttab/slick-network/discovery"
	"github.com/RAttab/slick-network/logger"
	"github.com/RAttab/slick-network/node"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start interactive cluster manager",
	Long: `Start an interactive terminal UI for running a local discovery cluster.

Keyboard shortcuts:
  C - Create a new node (first node seeds the rest)
  D - Delete a node (shows selection menu)
  P - Publish a demo key on the selected node
  W - Watch the demo key on the selected node
  Q - Quit

Examples:
  slick interactive`,
	Run: runInteractive,
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

// demoKey is what P publishes and W watches; enough to see gossip flow in
// the log pane.
const demoKey = "demo"

type model struct {
	manager    *node.Manager
	nodes      []*node.Node
	selected   int
	deleteMode bool
	err        error

	logBuffer *logger.LogBuffer
	logScroll int
	width     int
	height    int

	publishSeq int
}

func initialModel() model {
	// Interactive mode logs only into the TUI buffer, never stdout.
	logBuffer := logger.GetGlobalLogBuffer()
	logger.Init("", false)
	logger.AddOutput(logger.NewLogBufferWriter(logBuffer))

	return model{
		manager:   node.NewManager(),
		logBuffer: logBuffer,
	}
}

type tickMsg struct{}

type nodesUpdatedMsg struct {
	nodes []*node.Node
}

type shutdownCompleteMsg struct {
	err error
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return tickMsg{} })
}

func refreshNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		return nodesUpdatedMsg{nodes: manager.GetNodes()}
	}
}

func shutdownNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		return shutdownCompleteMsg{err: manager.StopAll()}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), refreshNodes(m.manager))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, shutdownNodes(m.manager)
		}
		if m.deleteMode {
			return m.handleDeleteMode(msg)
		}
		return m.handleNormalMode(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(tick(), refreshNodes(m.manager))

	case nodesUpdatedMsg:
		m.nodes = msg.nodes
		if m.selected >= len(m.nodes) {
			m.selected = 0
		}
		return m, nil

	case shutdownCompleteMsg:
		if msg.err != nil {
			logger.Errorf("error stopping nodes during shutdown: %v", msg.err)
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "c", "C":
		if _, err := m.manager.CreateNode(); err != nil {
			m.err = err
		} else {
			m.err = nil
			m.nodes = m.manager.GetNodes()
		}

	case "d", "D":
		if len(m.nodes) == 0 {
			m.err = fmt.Errorf("no nodes to delete")
			return m, nil
		}
		m.deleteMode = true
		m.selected = 0

	case "p", "P":
		if len(m.nodes) == 0 {
			m.err = fmt.Errorf("no node to publish from")
			return m, nil
		}
		m.publishSeq++
		value := fmt.Sprintf("value-%d", m.publishSeq)
		if err := m.nodes[m.selected].Publish(demoKey, []byte(value)); err != nil {
			m.err = err
		} else {
			m.err = nil
			logger.Infof("published %s=%s from %s",
				demoKey, value, m.nodes[m.selected].GetConfig().Name)
		}

	case "w", "W":
		if len(m.nodes) == 0 {
			m.err = fmt.Errorf("no node to watch from")
			return m, nil
		}
		n := m.nodes[m.selected]
		label := n.GetConfig().Name
		err := n.Discover(demoKey, discovery.WatchHandle(m.selected+1),
			func(found bool, key string, keyID uuid.UUID, payload []byte) {
				if found {
					logger.Infof("%s: discovered %s = %q", label, key, payload)
				} else {
					logger.Infof("%s: lost %s (%s)", label, key, keyID)
				}
			})
		if err != nil {
			m.err = err
		} else {
			m.err = nil
			logger.Infof("%s now watching %q", label, demoKey)
		}

	case "tab":
		if len(m.nodes) > 0 {
			m.selected = (m.selected + 1) % len(m.nodes)
		}

	case "up", "k":
		max := len(m.logBuffer.GetAll()) - logPaneLines
		if max < 0 {
			max = 0
		}
		if m.logScroll < max {
			m.logScroll++
		}

	case "down", "j":
		if m.logScroll > 0 {
			m.logScroll--
		}
	}
	return m, nil
}

func (m model) handleDeleteMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.deleteMode = false
		m.err = nil

	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}

	case "down", "j":
		if m.selected < len(m.nodes)-1 {
			m.selected++
		}

	case "enter", " ":
		if err := m.manager.DeleteNode(m.selected); err != nil {
			m.err = err
		} else {
			m.err = nil
			m.nodes = m.manager.GetNodes()
		}
		m.deleteMode = false
		m.selected = 0
	}
	return m, nil
}

const logPaneLines = 15

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(1, 2)
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
	selectedStyle = lipgloss.NewStyle().
			PaddingLeft(2).
			Foreground(lipgloss.Color("205")).
			Bold(true)
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true).
			PaddingTop(1)
)

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Slick Cluster Manager"))
	s.WriteString("\n\n")

	if m.err != nil {
		s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		s.WriteString("\n\n")
	}

	if len(m.nodes) == 0 {
		s.WriteString("No nodes running.\n\n")
	} else {
		s.WriteString("Running Nodes:\n\n")
		for i, n := range m.nodes {
			config := n.GetConfig()
			addr := "?"
			if a, err := n.Addr(); err == nil && len(a) > 0 {
				addr = a[len(a)-1].String()
			}
			line := fmt.Sprintf("[%d] %s  %s  seeds=%v", i+1, config.Name, addr, config.Seeds)
			if i == m.selected {
				s.WriteString(selectedStyle.Render("> " + line))
			} else {
				s.WriteString("    " + line)
			}
			s.WriteString("\n")
		}
		s.WriteString("\n")
	}

	s.WriteString(m.renderLogs())
	s.WriteString("\n")

	if m.deleteMode {
		s.WriteString(helpStyle.Render(
			"DELETE MODE: ↑/↓/j/k to select, Enter to confirm, Esc to cancel"))
	} else {
		s.WriteString(helpStyle.Render(
			"C create | D delete | P publish | W watch | Tab select | ↑/↓ scroll logs | Q quit"))
	}
	return s.String()
}

func (m model) renderLogs() string {
	entries := m.logBuffer.GetAll()

	var lines []string
	if len(entries) == 0 {
		lines = []string{"(no logs yet)"}
	} else {
		end := len(entries) - m.logScroll
		if end < 0 {
			end = 0
		}
		start := end - logPaneLines
		if start < 0 {
			start = 0
		}
		// Newest first.
		for i := end - 1; i >= start; i-- {
			lines = append(lines, logger.FormatLogEntry(entries[i]))
		}
	}

	boxWidth := 100
	if m.width > 0 {
		boxWidth = m.width - 4
	}
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Height(logPaneLines).
		Width(boxWidth)

	return logStyle.Render("Logs:\n" + strings.Join(lines, "\n"))
}

func runInteractive(cmd *cobra.Command, args []string) {
	p := tea.NewProgram(initialModel())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running interactive mode: %v\n", err)
	}
}
