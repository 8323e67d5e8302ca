// Package view renders a read-only tiled terminal dashboard of bridged
// sessions. Each tile shows the tail of one session's pane; input never
// flows from the view into a session.
package view

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/tatsuya-oka/claude-bridge/internal/logging"
	"github.com/tatsuya-oka/claude-bridge/internal/registry"
	"github.com/tatsuya-oka/claude-bridge/internal/tmux"
)

var viewLog = logging.ForComponent(logging.CompView)

// DisplayCap is the most tiles shown at once. Sessions past the cap stay
// bridged but are not rendered.
const DisplayCap = 6

var (
	tileBorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))
	tileActiveBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("42"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
	deadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

type tile struct {
	sessionName string
	ordinal     int
	state       registry.State
	content     string
}

type tickMsg time.Time

type capturesMsg []tile

// Model is the bubbletea model for the dashboard.
type Model struct {
	host    tmux.Host
	reg     *registry.Registry
	refresh time.Duration

	width   int
	height  int
	tiles   []tile
	spinner spinner.Model
}

// NewModel creates the dashboard model. refresh governs how often panes
// are re-captured.
func NewModel(host tmux.Host, reg *registry.Registry, refresh time.Duration) *Model {
	if refresh <= 0 {
		refresh = time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &Model{host: host, reg: reg, refresh: refresh, spinner: sp}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick(), m.spinner.Tick)
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch captures every displayed session off the UI goroutine.
func (m *Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sessions := m.reg.List()
		if len(sessions) > DisplayCap {
			sessions = sessions[:DisplayCap]
		}
		// Liveness is re-checked against the host every cycle; the
		// registry snapshot may belong to a daemon that has since
		// restarted sessions or let them die.
		live, err := m.host.ListLive(ctx)
		if err != nil {
			viewLog.Warn("list_live_failed", slog.String("error", err.Error()))
			live = nil
		}
		tiles := make([]tile, 0, len(sessions))
		for _, s := range sessions {
			t := tile{sessionName: s.SessionName, ordinal: s.Ordinal, state: tileState(s, live, err)}
			if t.state == registry.StateActive {
				out, err := m.host.Capture(ctx, s.SessionName)
				if err != nil {
					viewLog.Warn("capture_failed",
						slog.String("session", s.SessionName),
						slog.String("error", err.Error()))
					t.content = "(capture failed)"
				} else {
					t.content = out
				}
			}
			tiles = append(tiles, t)
		}
		return capturesMsg(tiles)
	}
}

// tileState derives a tile's state from the live host table. The
// registry's snapshot is used only when the host could not be queried,
// and Restarting is kept as-is since liveness can't distinguish it.
func tileState(s registry.Session, live map[string]struct{}, listErr error) registry.State {
	if listErr != nil || s.State == registry.StateRestarting {
		return s.State
	}
	if _, ok := live[s.SessionName]; ok {
		return registry.StateActive
	}
	return registry.StateDead
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case capturesMsg:
		m.tiles = msg
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) View() string {
	if m.width == 0 {
		return "loading..."
	}
	if len(m.tiles) == 0 {
		return "No sessions registered.\n\nPress q to quit."
	}

	cols := gridColumns(len(m.tiles))
	rows := (len(m.tiles) + cols - 1) / cols

	tileW := m.width/cols - 2
	tileH := (m.height-1)/rows - 2
	if tileW < 10 {
		tileW = 10
	}
	if tileH < 3 {
		tileH = 3
	}

	var rendered []string
	for r := 0; r < rows; r++ {
		var row []string
		for c := 0; c < cols; c++ {
			i := r*cols + c
			if i >= len(m.tiles) {
				break
			}
			row = append(row, m.renderTile(m.tiles[i], tileW, tileH))
		}
		rendered = append(rendered, lipgloss.JoinHorizontal(lipgloss.Top, row...))
	}

	body := lipgloss.JoinVertical(lipgloss.Left, rendered...)
	footer := footerStyle.Render("read-only view · q to quit")
	return body + "\n" + footer
}

func (m *Model) renderTile(t tile, w, h int) string {
	title := titleStyle.Render(fmt.Sprintf("[%d] %s", t.ordinal, t.sessionName))

	var body string
	switch t.state {
	case registry.StateActive:
		body = tailLines(t.content, w, h-1)
	case registry.StateRestarting:
		body = m.spinner.View() + " restarting"
	default:
		body = deadStyle.Render("dead")
	}

	inner := lipgloss.NewStyle().Width(w).Height(h).Render(title + "\n" + body)
	if t.state == registry.StateActive {
		return tileActiveBorder.Render(inner)
	}
	return tileBorderStyle.Render(inner)
}

// gridColumns picks the column count for n tiles: single column up to 1,
// two columns through 4, three for 5 or 6.
func gridColumns(n int) int {
	switch {
	case n <= 1:
		return 1
	case n <= 4:
		return 2
	default:
		return 3
	}
}

// tailLines keeps the last maxLines of content with each line truncated
// to fit width, so the freshest output is always visible.
func tailLines(content string, width, maxLines int) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if maxLines < 1 {
		maxLines = 1
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	for i, line := range lines {
		lines[i] = runewidth.Truncate(line, width, "…")
	}
	return strings.Join(lines, "\n")
}

// Run starts the dashboard in the alternate screen and blocks until the
// user quits or ctx is cancelled.
func Run(ctx context.Context, host tmux.Host, reg *registry.Registry, refresh time.Duration) error {
	p := tea.NewProgram(NewModel(host, reg, refresh), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
