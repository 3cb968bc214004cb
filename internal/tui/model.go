package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"droneops-gcs/internal/telemetry"
)

const maxLogLines = 500

var (
	grayStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type model struct {
	title      string
	table      table.Model
	vp         viewport.Model
	logs       []string
	snap       telemetry.Snapshot
	frames     int
	lastFrame  time.Time
	link       bool
	reconnects int64
	wrap       bool
	autoscroll bool
	help       bool
	header     string
	height     int
}

func newModel(title string) model {
	cols := []table.Column{
		{Title: "Field", Width: 14},
		{Title: "Value", Width: 22},
		{Title: "Field", Width: 14},
		{Title: "Value", Width: 22},
	}
	snap := telemetry.DefaultSnapshot()
	rows := snapshotRows(snap)
	t := table.New(table.WithColumns(cols), table.WithRows(rows), table.WithHeight(len(rows)+1))
	m := model{
		title:      title,
		table:      t,
		vp:         viewport.New(0, 0),
		snap:       snap,
		autoscroll: true,
	}
	m.header = m.renderHeader()
	return m
}

func snapshotRows(s telemetry.Snapshot) []table.Row {
	return []table.Row{
		{"Mode", s.Mode, "Armed", fmt.Sprintf("%t", s.Armed)},
		{"Lat / Lon", fmt.Sprintf("%.6f, %.6f", s.Position.Lat, s.Position.Lon), "Rel alt", fmt.Sprintf("%.1f m", s.Position.RelativeAlt)},
		{"Heading", fmt.Sprintf("%.0f° %s", s.Status.Heading, headingIcon(s.Status.Heading)), "Groundspeed", fmt.Sprintf("%.1f m/s", s.Status.Groundspeed)},
		{"Battery", fmt.Sprintf("%d%%", s.Battery.Remaining), "Voltage", fmt.Sprintf("%.2f V / %.1f A", s.Battery.Voltage, s.Battery.Current)},
		{"GPS fix", fmt.Sprintf("%d (%d sats)", s.GPS.FixType, s.GPS.SatellitesVisible), "Climb", fmt.Sprintf("%.1f m/s", s.Status.Climb)},
		{"Attitude", fmt.Sprintf("r%.2f p%.2f y%.2f", s.Attitude.Roll, s.Attitude.Pitch, s.Attitude.Yaw), "Link drop", fmt.Sprintf("%.1f%%", s.Link.DropRateComm)},
	}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetWidth(msg.Width)
		m.vp.Width = msg.Width
		m.height = msg.Height
		m.header = m.renderHeader()
		m.updateViewportHeight()
		m.refreshViewport()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "w":
			m.wrap = !m.wrap
			m.refreshViewport()
		case "s":
			m.autoscroll = !m.autoscroll
			if m.autoscroll {
				m.vp.GotoBottom()
			}
		case "h", "?":
			m.help = !m.help
		default:
			if !m.autoscroll {
				var cmd tea.Cmd
				m.vp, cmd = m.vp.Update(msg)
				return m, cmd
			}
		}
	case frameMsg:
		m.snap = msg.Data
		m.frames++
		m.lastFrame = time.Now()
		m.table.SetRows(snapshotRows(m.snap))
		m.header = m.renderHeader()
	case logMsg:
		m.logs = append(m.logs, msg.line)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		m.refreshViewport()
	case linkMsg:
		m.link = msg.running
		m.reconnects = msg.reconnects
	}
	return m, nil
}

func (m *model) updateViewportHeight() {
	h := m.height - lipgloss.Height(m.header) - lipgloss.Height(m.renderBottom()) - 2
	if h < 0 {
		h = 0
	}
	m.vp.Height = h
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m *model) refreshViewport() {
	lines := m.logs
	if m.wrap && m.vp.Width > 0 {
		lines = make([]string, len(m.logs))
		for i, l := range m.logs {
			lines[i] = wordwrap.String(l, m.vp.Width)
		}
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m model) View() string {
	if m.help {
		return renderHelp()
	}
	divider := strings.Repeat("─", m.vp.Width)
	return strings.Join([]string{m.header, divider, m.vp.View(), divider, m.renderBottom()}, "\n")
}

func (m model) renderHeader() string {
	title := titleStyle.Render(m.title)
	batt := batteryStyle(m.snap.Battery.Remaining).Render(fmt.Sprintf("▮ %d%%", m.snap.Battery.Remaining))
	return lipgloss.JoinVertical(lipgloss.Left, title+"  "+batt, m.table.View())
}

func (m model) renderBottom() string {
	linkIndicator := indicator(m.link)
	age := "never"
	if !m.lastFrame.IsZero() {
		age = time.Since(m.lastFrame).Truncate(100 * time.Millisecond).String()
	}
	return fmt.Sprintf("Link %s reconnects=%d | frames=%d last=%s | Wrap %s | Scroll %s | h help",
		linkIndicator, m.reconnects, m.frames, age, indicator(m.wrap), indicator(m.autoscroll))
}

func indicator(on bool) string {
	if on {
		return greenStyle.Render("●")
	}
	return redStyle.Render("●")
}

func renderHelp() string {
	return strings.Join([]string{
		"Key Bindings:",
		" q  quit",
		" w  toggle wrap for the log view",
		" s  toggle auto-scroll",
		" h/? toggle this help view",
		"",
		"When auto-scroll is disabled:",
		" j/k or up/down    scroll one line",
		" pgdown/pgup       scroll a page",
	}, "\n")
}

func headingIcon(h float64) string {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	switch {
	case h >= 45 && h < 135:
		return "→"
	case h >= 135 && h < 225:
		return "↓"
	case h >= 225 && h < 315:
		return "←"
	default:
		return "↑"
	}
}

func batteryStyle(remaining int) lipgloss.Style {
	switch {
	case remaining < 25:
		return redStyle
	case remaining < 50:
		return yellowStyle
	default:
		return greenStyle
	}
}
