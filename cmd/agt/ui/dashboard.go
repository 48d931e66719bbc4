package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"agtools/internal/config"
	"agtools/internal/monitor"
)

const (
	refreshInterval = 2 * time.Second
	logWindow       = 50
)

// snapshot carries one refresh of everything the dashboard shows.
type snapshot struct {
	stats    monitor.Stats
	logs     []monitor.RequestLog
	serverUp bool
	accounts int
	err      error
}

type tickMsg time.Time

// Model is the bubbletea model for the monitor dashboard.
type Model struct {
	store    monitor.Store
	baseURL  string
	styles   Styles
	viewport viewport.Model
	snap     snapshot
	started  time.Time
	ready    bool
}

// New creates a dashboard model reading from store. baseURL is the local
// server address probed for the header status, "" skips the probe.
func New(store monitor.Store, baseURL string) Model {
	return Model{
		store:   store,
		baseURL: baseURL,
		styles:  DefaultStyles(),
		started: time.Now(),
	}
}

// Run opens the dashboard and blocks until the user quits.
func Run(store monitor.Store) error {
	base := ""
	if path, err := config.Path(); err == nil {
		if cfg, err := config.Load(path); err == nil {
			base = fmt.Sprintf("http://127.0.0.1:%d", cfg.Proxy.Port)
		}
	}
	p := tea.NewProgram(New(store, base), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}

// Init starts the first refresh and the tick loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh reads the store and probes the server off the UI goroutine.
func (m Model) refresh() tea.Cmd {
	store, base := m.store, m.baseURL
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()

		var snap snapshot
		snap.stats, snap.err = store.Stats(ctx)
		if snap.err == nil {
			snap.logs, snap.err = store.RecentLogs(ctx, logWindow)
		}
		snap.serverUp, snap.accounts = probeServer(ctx, base)
		return snap
	}
}

// probeServer hits /healthz so the header can tell a stopped server from
// an idle one.
func probeServer(ctx context.Context, base string) (bool, int) {
	if base == "" {
		return false, 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return false, 0
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, 0
	}
	var body struct {
		Accounts int `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return true, 0
	}
	return true, body.Accounts
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		// Three header lines and one footer line stay fixed.
		body := msg.Height - 4
		if body < 1 {
			body = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, body)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = body
		}
		m.viewport.SetContent(m.renderRows())
	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())
	case snapshot:
		m.snap = msg
		if m.ready {
			m.viewport.SetContent(m.renderRows())
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	return m.renderHeader() + "\n" + m.viewport.View() + "\n" + m.renderFooter()
}

func (m Model) renderHeader() string {
	title := m.styles.Header.Render("agtools monitor")

	status := m.styles.Err.Render("server down")
	if m.snap.serverUp {
		status = m.styles.Ok.Render(fmt.Sprintf("server up, %d accounts", m.snap.accounts))
	}
	uptime := m.styles.Muted.Render("watching for " + time.Since(m.started).Round(time.Second).String())

	s := m.snap.stats
	statLine := fmt.Sprintf("requests %d   ok %d   failed %d   avg %.0f ms   tokens %d/%d",
		s.TotalRequests, s.SuccessCount, s.ErrorCount, s.AvgDurationMs, s.TokensIn, s.TokensOut)
	if m.snap.err != nil {
		statLine = "store error: " + m.snap.err.Error()
	}

	columns := fmt.Sprintf("%-8s  %-3s  %-36s  %-26s  %8s  %11s",
		"time", "st", "model", "account", "latency", "tokens")

	return strings.Join([]string{
		title + "  " + status + "  " + uptime,
		m.styles.Stat.Render(statLine),
		m.styles.Columns.Render(columns),
	}, "\n")
}

func (m Model) renderRows() string {
	if len(m.snap.logs) == 0 {
		return m.styles.Muted.Render("No requests recorded yet.")
	}

	var sb strings.Builder
	for _, entry := range m.snap.logs {
		status := m.styles.Ok.Render(fmt.Sprintf("%3d", entry.Status))
		switch {
		case entry.Status == http.StatusTooManyRequests:
			status = m.styles.Warn.Render(fmt.Sprintf("%3d", entry.Status))
		case !entry.Succeeded():
			status = m.styles.Err.Render(fmt.Sprintf("%3d", entry.Status))
		}

		model := entry.Model
		if entry.MappedModel != "" && entry.MappedModel != entry.Model {
			model = entry.Model + " -> " + entry.MappedModel
		}

		sb.WriteString(fmt.Sprintf("%-8s  %s  %-36s  %-26s  %6dms  %11s\n",
			entry.Time.Format("15:04:05"),
			status,
			truncate(model, 36),
			truncate(entry.AccountEmail, 26),
			entry.DurationMs,
			fmt.Sprintf("%d/%d", entry.InputTokens, entry.OutputTokens),
		))
	}
	return sb.String()
}

func (m Model) renderFooter() string {
	return m.styles.Footer.Render("q quit   up/down scroll   refreshes every 2s")
}

func truncate(s string, l int) string {
	if len(s) > l {
		return s[:l-3] + "..."
	}
	return s
}
