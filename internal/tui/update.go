package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/relay/internal/task"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// If popup is active, handle popup keys first.
		if m.popup != popupNone {
			return m.handlePopupKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vw := m.width - 4
		vh := m.height - 8
		if vw < 20 {
			vw = 20
		}
		if vh < 6 {
			vh = 6
		}
		m.viewport.Width = vw
		m.viewport.Height = vh
		return m, nil

	case tasksLoadedMsg:
		m.refreshing = false
		if msg.err != nil {
			m.setStatus("Failed to load tasks: " + msg.err.Error())
			return m, nil
		}
		m.dirty = msg.dirty
		m.rebuildColumns(msg.tasks)
		// Keep the detail screen pointing at the fresh copy.
		if m.screen == screenDetail && m.detail != nil {
			for _, t := range msg.tasks {
				if t.ID == m.detail.ID {
					m.detail = t
					return m, m.loadHistory(t)
				}
			}
		}
		return m, nil

	case historyLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load history: " + msg.err.Error())
			return m, nil
		}
		m.detail = msg.task
		m.viewport.SetContent(renderDetail(msg.task, msg.entries))
		m.screen = screenDetail
		return m, nil

	case actionDoneMsg:
		m.popup = popupNone
		if msg.err != nil {
			m.setStatus("Error: " + msg.err.Error())
		} else {
			m.setStatus(msg.status)
		}
		return m, m.loadTasks()

	case changedMsg:
		cmds := []tea.Cmd{waitForChange(m.changes)}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.loadTasks())
		}
		return m, tea.Batch(cmds...)

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		// Polling fallback when no watcher is attached.
		if m.changes == nil && !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.loadTasks())
		}
		return m, tea.Batch(cmds...)
	}

	if m.screen == screenDetail {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.screen == screenBoard || msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
		return m.goBack()

	case "esc":
		return m.goBack()
	}

	switch m.screen {
	case screenBoard:
		return m.handleBoardKey(msg)
	case screenDetail:
		return m.handleDetailKey(msg)
	}
	return m, nil
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	if m.screen == screenDetail {
		m.screen = screenBoard
		m.detail = nil
		return m, m.loadTasks()
	}
	return m, nil
}

// --- Board keys ---

func (m Model) handleBoardKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		m.cursorRow++
		m.clampCursor()
	case "k", "up":
		m.cursorRow--
		m.clampCursor()
	case "h", "left":
		m.cursorCol--
		m.clampCursor()
	case "l", "right":
		m.cursorCol++
		m.clampCursor()

	case "enter", " ":
		if t := m.selected(); t != nil {
			return m, m.loadHistory(t)
		}

	case "u":
		if t := m.selected(); t != nil {
			return m.openUnblock(t)
		}

	case "c", "ctrl+n":
		m.popup = popupCreate
		m.titleInput.Reset()
		m.titleInput.Focus()
		m.descInput.Reset()
		m.descInput.Blur()
		m.inputFocused = 0
		return m, textinput.Blink

	case "A":
		m.showArchived = !m.showArchived
		return m, m.loadTasks()

	case "R":
		return m, m.loadTasks()
	}
	return m, nil
}

// --- Detail keys ---

func (m Model) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.detail == nil {
		m.screen = screenBoard
		return m, nil
	}
	switch msg.String() {
	case "u":
		return m.openUnblock(m.detail)
	case "R":
		return m, m.loadHistory(m.detail)
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) openUnblock(t *task.Task) (tea.Model, tea.Cmd) {
	if t.Status != task.StatusBlocked {
		m.setStatus(t.ShortID() + " is not blocked")
		return m, nil
	}
	m.popup = popupUnblock
	m.noteInput.Reset()
	m.noteInput.Focus()
	return m, textinput.Blink
}

// --- Popup keys ---

func (m Model) handlePopupKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.popup {
	case popupCreate:
		return m.handleCreatePopup(msg)
	case popupUnblock:
		return m.handleUnblockPopup(msg)
	}
	return m, nil
}

func (m Model) handleCreatePopup(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.popup = popupNone
		return m, nil
	case "tab":
		if m.inputFocused == 0 {
			m.titleInput.Blur()
			m.descInput.Focus()
			m.inputFocused = 1
		} else {
			m.descInput.Blur()
			m.titleInput.Focus()
			m.inputFocused = 0
		}
		return m, textinput.Blink
	case "enter":
		title := m.titleInput.Value()
		if title == "" {
			m.setStatus("Title cannot be empty")
			return m, nil
		}
		return m, m.createTask(title, m.descInput.Value())
	}

	// Forward to the active text input.
	var cmd tea.Cmd
	if m.inputFocused == 0 {
		m.titleInput, cmd = m.titleInput.Update(msg)
	} else {
		m.descInput, cmd = m.descInput.Update(msg)
	}
	return m, cmd
}

func (m Model) handleUnblockPopup(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	target := m.detail
	if m.screen == screenBoard {
		target = m.selected()
	}
	switch msg.String() {
	case "esc":
		m.popup = popupNone
		return m, nil
	case "enter":
		if target == nil {
			m.popup = popupNone
			return m, nil
		}
		return m, m.unblockTask(target.ID, m.noteInput.Value())
	}
	var cmd tea.Cmd
	m.noteInput, cmd = m.noteInput.Update(msg)
	return m, cmd
}
