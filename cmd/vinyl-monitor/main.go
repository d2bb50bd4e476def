package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/vinyl-scheduler/pkg/vinyl"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			Padding(0, 1)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2).
			MarginTop(1)

	statsBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(1, 2).
			MarginRight(2)

	throttleIdleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	throttleBusyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type keyMap struct {
	Quit key.Binding
	Up   key.Binding
	Down key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Quit}}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	sched     *vinyl.Scheduler
	treeTable table.Model
	help      help.Model
	keys      keyMap
	width     int
	height    int
	startTime time.Time
	stats     vinyl.Stats
}

func initialModel(sched *vinyl.Scheduler) model {
	columns := []table.Column{
		{Title: "Tree", Width: 18},
		{Title: "Gen", Width: 6},
		{Title: "Dumping", Width: 8},
		{Title: "Pins", Width: 6},
		{Title: "Ranges", Width: 7},
		{Title: "CompactTop", Width: 11},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)

	return model{
		sched:     sched,
		treeTable: t,
		help:      help.New(),
		keys:      keys,
		startTime: time.Now(),
		stats:     sched.Stats(),
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		m.stats = m.sched.Stats()
		m.updateTreeTable()
		return m, tickCmd()

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
	}

	m.treeTable, cmd = m.treeTable.Update(msg)
	return m, cmd
}

func (m *model) updateTreeTable() {
	names := make([]string, 0, len(m.stats.PerTree))
	for name := range m.stats.PerTree {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		ts := m.stats.PerTree[name]
		rows = append(rows, table.Row{
			name,
			fmt.Sprintf("%d", ts.Generation),
			fmt.Sprintf("%v", ts.IsDumping),
			fmt.Sprintf("%d", ts.PinCount),
			fmt.Sprintf("%d", ts.RangeCount),
			fmt.Sprintf("%.2f", ts.CompactHeapTop),
		})
	}
	m.treeTable.SetRows(rows)
}

func (m model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("vinyl scheduler monitor"))
	s.WriteString("\n\n")

	s.WriteString(m.renderOverview())
	s.WriteString("\n\n")

	s.WriteString(headerStyle.Render("Trees"))
	s.WriteString("\n\n")
	s.WriteString(m.treeTable.View())

	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))

	return s.String()
}

func (m model) renderOverview() string {
	uptime := time.Since(m.startTime).Round(time.Second)
	st := m.stats

	throttle := throttleIdleStyle.Render(fmt.Sprintf("%.2fs", st.ThrottleSeconds))
	if st.ThrottleSeconds > 0 {
		throttle = throttleBusyStyle.Render(fmt.Sprintf("%.2fs", st.ThrottleSeconds))
	}

	overview := fmt.Sprintf(`Scheduler
─────────────────
Uptime:            %s
Trees:             %d
Dump heap depth:   %d
Dumps in flight:   %d
Compacts in flight:%d
Deferred backlog:  %d
Throttle:          %s`,
		uptime,
		st.Trees,
		st.DumpHeapDepth,
		st.DumpsInFlight,
		st.CompactInFlight,
		st.DeferredBacklog,
		throttle,
	)

	return contentStyle.Render(statsBoxStyle.Render(overview))
}

func main() {
	dataDir := "./data/vinyl"
	if len(os.Args) > 1 {
		dataDir = os.Args[1]
	}

	cfg := vinyl.DefaultConfig(dataDir)
	sched, err := vinyl.Create(cfg, cfg.WriteThreads, nil, nil, nil, nil)
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Destroy(); err != nil {
			log.Printf("scheduler shutdown error: %v", err)
		}
	}()

	p := tea.NewProgram(initialModel(sched), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("error running program: %v", err)
	}
}
