// Package dashboard is the interactive terminal view over the run registry.
// The model periodically snapshots the registry into ranked categories and
// maps keyboard commands (indexed delete, bulk flush) onto registry
// operations. Rendering is a pure function over the snapshot, so the view
// can be swapped without touching the control loop.
package dashboard

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/registry"
)

const (
	defaultRefreshInterval = 3 * time.Second
	defaultCategoryLimit   = 6
)

// Registry is the slice of the run registry the dashboard drives. The full
// store satisfies it.
type Registry interface {
	Categorize(maxPerCategory int) registry.Categorized
	DeleteAt(status registry.Status, index int) bool
	FlushStatus(status registry.Status) int
	FlushTerminal() int
}

// Config holds the dashboard refresh cadence and per-category display cap.
type Config struct {
	RefreshInterval time.Duration
	CategoryLimit   int
}

// Compile-time interface check.
var _ tea.Model = (*Model)(nil)

// Model is the bubbletea model for the dashboard. Besides the registry
// snapshot it carries only transient UI state: the pending index selection
// awaiting a category key, and a status message shown until the next refresh.
type Model struct {
	log  logrus.FieldLogger
	reg  Registry
	keys keyMap

	refreshInterval time.Duration
	limit           int

	snapshot registry.Categorized
	pending  int
	status   string
	width    int
}

func New(log logrus.FieldLogger, cfg Config, reg Registry) *Model {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}

	if cfg.CategoryLimit <= 0 {
		cfg.CategoryLimit = defaultCategoryLimit
	}

	return &Model{
		log:             log.WithField("component", "dashboard"),
		reg:             reg,
		keys:            defaultKeyMap(),
		refreshInterval: cfg.RefreshInterval,
		limit:           cfg.CategoryLimit,
	}
}

type tickMsg time.Time

func (m *Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) Init() tea.Cmd {
	m.snapshotNow()

	return m.tickCmd()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.snapshotNow()
		// The status message lives for one refresh cycle; the pending
		// selection survives until a category key resolves it.
		m.status = ""

		return m, m.tickCmd()
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Select):
		m.pending, _ = strconv.Atoi(msg.String())
		m.status = ""

	case key.Matches(msg, m.keys.DeleteOngoing):
		m.deleteSelected(registry.StatusOngoing)

	case key.Matches(msg, m.keys.DeleteHanging):
		m.deleteSelected(registry.StatusHanging)

	case key.Matches(msg, m.keys.DeleteFailed):
		m.deleteSelected(registry.StatusFailed)

	case key.Matches(msg, m.keys.DeleteCompleted):
		m.deleteSelected(registry.StatusCompleted)

	case key.Matches(msg, m.keys.FlushFailed):
		m.flush(registry.StatusFailed)

	case key.Matches(msg, m.keys.FlushCompleted):
		m.flush(registry.StatusCompleted)

	case key.Matches(msg, m.keys.FlushHanging):
		m.flush(registry.StatusHanging)

	case key.Matches(msg, m.keys.FlushTerminal):
		count := m.reg.FlushTerminal()
		m.status = fmt.Sprintf("✓ Flushed %d finished run(s)", count)
		m.pending = 0
		m.snapshotNow()

		m.log.WithField("count", count).Info("Flushed finished runs")
	}

	return m, nil
}

// deleteSelected resolves the pending index against the category's current
// ranking. Category keys without a prior digit are ignored.
func (m *Model) deleteSelected(status registry.Status) {
	if m.pending == 0 {
		return
	}

	index := m.pending
	m.pending = 0

	if m.reg.DeleteAt(status, index) {
		m.status = fmt.Sprintf("✓ Deleted item [%d] from %s", index, strings.ToUpper(string(status)))

		m.log.WithFields(logrus.Fields{
			"category": status,
			"index":    index,
		}).Info("Deleted run")
	} else {
		m.status = fmt.Sprintf("✗ Item [%d] not found in %s", index, strings.ToUpper(string(status)))
	}

	m.snapshotNow()
}

func (m *Model) flush(status registry.Status) {
	count := m.reg.FlushStatus(status)
	m.status = fmt.Sprintf("✓ Flushed %d %s run(s)", count, strings.ToUpper(string(status)))
	m.pending = 0
	m.snapshotNow()

	m.log.WithFields(logrus.Fields{
		"category": status,
		"count":    count,
	}).Info("Flushed category")
}

func (m *Model) snapshotNow() {
	m.snapshot = m.reg.Categorize(m.limit)
}
