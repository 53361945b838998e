// Package monitor is a read-only terminal view of the most recent pending
// and active registrations.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/iliyamo/conference-registration/internal/model"
)

// Defaults match what fits on one screen.
const (
	DefaultPendingLimit = 10
	DefaultActiveLimit  = 5
	DefaultInterval     = time.Second
	DefaultTimeZone     = "Australia/Melbourne"
)

// Source reads recent registrations, newest first.
type Source interface {
	RecentPending(ctx context.Context, limit int) ([]model.PendingRegistration, error)
	RecentActive(ctx context.Context, limit int) ([]model.ActiveRegistration, error)
}

// Options configures the view.  Zero values pick the defaults above,
// except Location which falls back to UTC.
type Options struct {
	PendingLimit int
	ActiveLimit  int
	Interval     time.Duration
	Location     *time.Location
	Now          func() time.Time
}

var (
	clockStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var quitKeys = key.NewBinding(
	key.WithKeys("q", "ctrl+c"),
	key.WithHelp("q", "quit"),
)

type tickMsg time.Time

type snapshotMsg struct {
	pending []model.PendingRegistration
	active  []model.ActiveRegistration
	err     error
}

// Model implements tea.Model.
type Model struct {
	src     Source
	opts    Options
	now     time.Time
	width   int
	pending table.Model
	active  table.Model
	lastErr error
}

// New returns the monitor model for src.
func New(src Source, opts Options) Model {
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = DefaultPendingLimit
	}
	if opts.ActiveLimit <= 0 {
		opts.ActiveLimit = DefaultActiveLimit
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return Model{
		src:     src,
		opts:    opts,
		now:     opts.Now(),
		pending: newTable(pendingColumns, opts.PendingLimit),
		active:  newTable(activeColumns, opts.ActiveLimit),
	}
}

var pendingColumns = []table.Column{
	{Title: "Order", Width: 12},
	{Title: "State Token", Width: 23},
	{Title: "Created", Width: 16},
	{Title: "Name", Width: 24},
	{Title: "Roles", Width: 44},
}

var activeColumns = []table.Column{
	{Title: "Order", Width: 12},
	{Title: "User ID", Width: 20},
	{Title: "Created", Width: 16},
	{Title: "Name", Width: 24},
	{Title: "Roles", Width: 44},
}

func newTable(cols []table.Column, rows int) table.Model {
	t := table.New(
		table.WithColumns(cols),
		table.WithHeight(rows+1),
		table.WithFocused(false),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	s.Selected = s.Cell
	t.SetStyles(s)
	return t
}

// Init starts the first poll.
func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) fetch() tea.Cmd {
	src, opts := m.src, m.opts
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pending, err := src.RecentPending(ctx, opts.PendingLimit)
		if err != nil {
			return snapshotMsg{err: err}
		}
		active, err := src.RecentActive(ctx, opts.ActiveLimit)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{pending: pending, active: active}
	}
}

// Update handles key presses, polls and window resizes.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, quitKeys) {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.now = time.Time(msg)
		return m, m.fetch()
	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.pending.SetRows(PendingRows(msg.pending, m.opts.Location))
			m.active.SetRows(ActiveRows(msg.active, m.opts.Location))
		}
		return m, tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })
	}
	return m, nil
}

// View renders the clock, the pending table and the active table.
func (m Model) View() string {
	clock := clockStyle.Render(m.now.In(m.opts.Location).Format("2006-01-02 15:04:05 MST"))
	if m.width > 0 {
		clock = lipgloss.PlaceHorizontal(m.width, lipgloss.Right, clock)
	}

	var b strings.Builder
	b.WriteString(clock)
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("Pending"))
	b.WriteString("\n")
	b.WriteString(m.pending.View())
	b.WriteString("\n\n")
	b.WriteString(titleStyle.Render("Active"))
	b.WriteString("\n")
	b.WriteString(m.active.View())
	b.WriteString("\n")
	if m.lastErr != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("refresh failed: %v", m.lastErr)))
		b.WriteString("\n")
	}
	return b.String()
}

// PendingRows formats pending registrations as table rows.
func PendingRows(rows []model.PendingRegistration, loc *time.Location) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, table.Row{
			r.TicketPosition.String(),
			r.StateToken,
			formatCreated(r.CreatedAt, loc),
			deref(r.Nickname),
			formatRoles(r.Roles),
		})
	}
	return out
}

// ActiveRows formats active registrations as table rows.
func ActiveRows(rows []model.ActiveRegistration, loc *time.Location) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, table.Row{
			r.TicketPosition.String(),
			r.AccountID,
			formatCreated(r.CreatedAt, loc),
			deref(r.Nickname),
			formatRoles(r.Roles),
		})
	}
	return out
}

func formatCreated(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04")
}

func formatRoles(roles []int64) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = strconv.FormatInt(r, 10)
	}
	return strings.Join(parts, ", ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
