// Package tui is the interactive board for relay: tasks by status, a
// detail screen with the audit trail, and live refresh when another
// process changes the task store or the audit log.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/relay/internal/audit"
	"github.com/imkarma/relay/internal/state"
	"github.com/imkarma/relay/internal/store"
	"github.com/imkarma/relay/internal/task"
)

// screen is the current full-screen view.
type screen int

const (
	screenBoard  screen = iota // columns by status (main)
	screenDetail               // one task with its audit trail
)

// popup is a modal dialog drawn over the current screen.
type popup int

const (
	popupNone popup = iota
	popupCreate
	popupUnblock
)

const numColumns = 4

var columnStatuses = [numColumns]task.Status{
	task.StatusOpen,
	task.StatusInProgress,
	task.StatusBlocked,
	task.StatusDone,
}

var columnLabels = [numColumns]string{
	"OPEN",
	"IN PROGRESS",
	"BLOCKED",
	"DONE",
}

// Tasks is the part of the task store the board uses.
type Tasks interface {
	List(f store.Filter) ([]*task.Task, error)
	Add(t *task.Task) (*task.Task, error)
	Unblock(id string) (*task.Task, error)
}

// Journal reads and appends audit entries.
type Journal interface {
	Replay(taskID string) ([]audit.Entry, error)
	Record(taskID, phase string, outcome audit.Outcome, detail string) error
}

// Trees reports the dirty flag of a working tree.
type Trees interface {
	Tree(tree string) (state.TreeState, error)
}

// Options wires a Model. Trees and Changes may be nil.
type Options struct {
	Tasks   Tasks
	Journal Journal
	Trees   Trees
	Tree    string
	Changes <-chan struct{} // signalled when files under .relay change
}

// Model is the top-level bubbletea model.
type Model struct {
	tasks   Tasks
	journal Journal
	trees   Trees
	tree    string
	changes <-chan struct{}

	width  int
	height int

	screen screen
	popup  popup

	// Board state.
	columns      [numColumns][]*task.Task
	cursorCol    int
	cursorRow    int
	showArchived bool
	dirty        state.TreeState
	refreshing   bool

	// Detail state.
	detail   *task.Task
	viewport viewport.Model

	// Popup inputs.
	titleInput   textinput.Model
	descInput    textinput.Model
	noteInput    textinput.Model
	inputFocused int // 0=title, 1=desc in the create popup

	statusMsg  string
	statusTime time.Time

	quitting bool
}

// New creates a board model.
func New(opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Task title..."
	ti.CharLimit = 120
	ti.Width = 50

	di := textinput.New()
	di.Placeholder = "Description (optional)..."
	di.CharLimit = 500
	di.Width = 50

	ni := textinput.New()
	ni.Placeholder = "What changed? (recorded in the audit log)"
	ni.CharLimit = 300
	ni.Width = 50

	return Model{
		tasks:      opts.Tasks,
		journal:    opts.Journal,
		trees:      opts.Trees,
		tree:       opts.Tree,
		changes:    opts.Changes,
		screen:     screenBoard,
		viewport:   viewport.New(80, 20),
		titleInput: ti,
		descInput:  di,
		noteInput:  ni,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadTasks(), tickCmd(), waitForChange(m.changes))
}

// --- Messages ---

type tasksLoadedMsg struct {
	tasks []*task.Task
	dirty state.TreeState
	err   error
}

type historyLoadedMsg struct {
	task    *task.Task
	entries []audit.Entry
	err     error
}

type actionDoneMsg struct {
	status string
	err    error
}

type changedMsg struct{}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitForChange blocks until the watcher signals. A nil channel never
// fires.
func waitForChange(ch <-chan struct{}) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

// --- Commands ---

func (m Model) loadTasks() tea.Cmd {
	all := m.showArchived
	return func() tea.Msg {
		tasks, err := m.tasks.List(store.Filter{All: all})
		msg := tasksLoadedMsg{tasks: tasks, err: err}
		if m.trees != nil && m.tree != "" {
			msg.dirty, _ = m.trees.Tree(m.tree)
		}
		return msg
	}
}

func (m Model) loadHistory(t *task.Task) tea.Cmd {
	return func() tea.Msg {
		entries, err := m.journal.Replay(t.ID)
		return historyLoadedMsg{task: t, entries: entries, err: err}
	}
}

func (m Model) createTask(title, desc string) tea.Cmd {
	return func() tea.Msg {
		t, err := m.tasks.Add(&task.Task{Title: title, Description: desc})
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "Created " + t.ShortID() + ": " + t.Title}
	}
}

func (m Model) unblockTask(id, note string) tea.Cmd {
	return func() tea.Msg {
		t, err := m.tasks.Unblock(id)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		detail := "unblocked"
		if note != "" {
			detail += ": " + note
		}
		if err := m.journal.Record(t.ID, audit.PhaseOperator, audit.OK, detail); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "Unblocked " + t.ShortID()}
	}
}

// --- Board helpers ---

func (m *Model) rebuildColumns(tasks []*task.Task) {
	for i := range m.columns {
		m.columns[i] = nil
	}
	for _, t := range tasks {
		status := t.Status
		if status == task.StatusArchived {
			status = task.StatusDone
		}
		for i, s := range columnStatuses {
			if status == s {
				m.columns[i] = append(m.columns[i], t)
				break
			}
		}
	}
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursorCol < 0 {
		m.cursorCol = 0
	}
	if m.cursorCol >= numColumns {
		m.cursorCol = numColumns - 1
	}
	col := m.columns[m.cursorCol]
	if m.cursorRow >= len(col) {
		m.cursorRow = len(col) - 1
	}
	if m.cursorRow < 0 {
		m.cursorRow = 0
	}
}

func (m Model) selected() *task.Task {
	col := m.columns[m.cursorCol]
	if m.cursorRow < len(col) {
		return col[m.cursorRow]
	}
	return nil
}

func (m *Model) setStatus(msg string) {
	m.statusMsg = msg
	m.statusTime = time.Now()
}
