// Package monitor is the live sync dashboard: account balances, queue depth
// and the state of the background sync engine, refreshed on a timer.
package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/queue"
	walletsync "github.com/marcus/cashew/internal/sync"
)

// Model is the bubbletea model for the monitor view.
type Model struct {
	DB              *db.DB
	Queue           *queue.Queue
	Engine          *walletsync.Orchestrator
	RefreshInterval time.Duration

	spinner  spinner.Model
	data     dashboardData
	err      error
	syncing  bool
	width    int
	height   int
	quitting bool
}

// NewModel creates the monitor model with a default refresh interval.
func NewModel(database *db.DB, q *queue.Queue, engine *walletsync.Orchestrator) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	return Model{
		DB:              database,
		Queue:           q,
		Engine:          engine,
		RefreshInterval: 2 * time.Second,
		spinner:         sp,
	}
}

type tickMsg time.Time

type dataMsg struct {
	data dashboardData
	err  error
}

type syncDoneMsg struct{ err error }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchData(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetchData() tea.Cmd {
	return func() tea.Msg {
		data, err := loadDashboard(m.DB, m.Queue, m.Engine)
		return dataMsg{data: data, err: err}
	}
}

func (m Model) runSync() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return syncDoneMsg{err: m.Engine.ForceSync(ctx)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "s":
			if !m.syncing && m.Engine != nil {
				m.syncing = true
				return m, m.runSync()
			}
		case "r":
			return m, m.fetchData()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(m.fetchData(), m.tick())

	case dataMsg:
		m.data = msg.data
		m.err = msg.err

	case syncDoneMsg:
		m.syncing = false
		m.err = msg.err
		return m, m.fetchData()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// engineState is what the header shows for the sync engine.
func (m Model) engineState() walletsync.State {
	if m.Engine == nil {
		return walletsync.StateIdle
	}
	return m.Engine.State()
}

func (m Model) statusCounts() map[models.QueueStatus]int {
	counts := map[models.QueueStatus]int{}
	for _, item := range m.data.QueueItems {
		counts[item.Status]++
	}
	return counts
}
