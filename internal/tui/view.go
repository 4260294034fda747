package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/imkarma/relay/internal/audit"
	"github.com/imkarma/relay/internal/task"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle   = lipgloss.NewStyle().Foreground(clrDim)

	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	columnSelectedStyle = columnStyle.BorderForeground(clrHighlight)

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrHighlight).
			Padding(1, 2).
			Width(60)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

var columnColors = [numColumns]lipgloss.AdaptiveColor{clrBlue, clrYellow, clrRed, clrGreen}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.screen {
	case screenBoard:
		content = m.viewBoard()
	case screenDetail:
		content = m.viewDetail()
	}

	if m.popup != popupNone {
		content = m.overlayPopup(content)
	}
	return content
}

// ════════════════════════════════════════════════
// BOARD VIEW
// ════════════════════════════════════════════════

func (m Model) viewBoard() string {
	var b strings.Builder

	total := 0
	for _, col := range m.columns {
		total += len(col)
	}
	header := titleStyle.Render("relay board")
	header += dimStyle.Render(fmt.Sprintf(" · %d tasks", total))
	if m.showArchived {
		header += dimStyle.Render(" (incl. archived)")
	}
	b.WriteString(header + "\n")

	if m.dirty.Dirty {
		b.WriteString(errorStyle.Render("TREE DIRTY: " + m.dirty.Reason + " (run: relay clean)"))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	colWidth := 30
	if m.width > 0 {
		colWidth = m.width/numColumns - 4
		if colWidth < 18 {
			colWidth = 18
		}
	}

	cols := make([]string, numColumns)
	for i := range m.columns {
		cols[i] = m.renderColumn(i, colWidth)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
	b.WriteString("\n\n")

	if m.statusMsg != "" {
		b.WriteString("  " + statusStyle.Render(m.statusMsg) + "\n")
	}

	keys := []struct{ key, desc string }{
		{"←↓↑→", "move"},
		{"enter", "details"},
		{"c", "new"},
		{"u", "unblock"},
		{"A", "archived"},
		{"q", "quit"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

func (m Model) renderColumn(i, width int) string {
	var b strings.Builder

	label := lipgloss.NewStyle().Bold(true).Foreground(columnColors[i]).
		Render(columnLabels[i] + " (" + strconv.Itoa(len(m.columns[i])) + ")")
	b.WriteString(label + "\n")

	if len(m.columns[i]) == 0 {
		b.WriteString(dimStyle.Render("(empty)"))
	}
	for row, t := range m.columns[i] {
		selected := i == m.cursorCol && row == m.cursorRow
		b.WriteString(renderCard(t, selected, width) + "\n")
	}

	style := columnStyle
	if i == m.cursorCol {
		style = columnSelectedStyle
	}
	return style.Width(width).Render(b.String())
}

func renderCard(t *task.Task, selected bool, width int) string {
	line := t.ShortID() + " " + truncate(t.Title, width-10)
	if t.Status == task.StatusArchived {
		line = dimStyle.Render(line + " ·")
	}
	if t.Depth > 0 {
		line = strings.Repeat(" ", t.Depth) + line
	}
	if selected {
		return lipgloss.NewStyle().Bold(true).Foreground(clrHighlight).Render("> " + line)
	}
	return "  " + line
}

// ════════════════════════════════════════════════
// DETAIL VIEW
// ════════════════════════════════════════════════

func (m Model) viewDetail() string {
	var b strings.Builder
	if m.detail != nil {
		b.WriteString(titleStyle.Render(m.detail.ShortID() + " " + m.detail.Title))
		b.WriteString(dimStyle.Render("  [" + string(m.detail.Status) + "]"))
	}
	b.WriteString("\n\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n\n")

	if m.statusMsg != "" {
		b.WriteString("  " + statusStyle.Render(m.statusMsg) + "\n")
	}
	keys := []struct{ key, desc string }{
		{"↑↓", "scroll"},
		{"u", "unblock"},
		{"esc", "back"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

// renderDetail formats the task and its audit trail for the viewport.
func renderDetail(t *task.Task, entries []audit.Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "ID:      %s\n", t.ID)
	fmt.Fprintf(&b, "Type:    %s\n", t.Type)
	if t.ParentID != "" {
		fmt.Fprintf(&b, "Parent:  %s\n", t.ParentID)
	}
	if len(t.Deps) > 0 {
		fmt.Fprintf(&b, "Deps:    %s\n", strings.Join(t.Deps, ", "))
	}
	if t.CommitSHA != "" {
		fmt.Fprintf(&b, "Commit:  %s\n", t.CommitSHA)
	}
	if t.BlockedReason != "" {
		b.WriteString(errorStyle.Render("Blocked: "+t.BlockedReason) + "\n")
	}
	if t.Description != "" {
		b.WriteString("\n" + t.Description + "\n")
	}

	if t.ChangeSet != nil && len(t.ChangeSet.Edits) > 0 {
		b.WriteString("\n" + titleStyle.Render("Change set") + "\n")
		for _, e := range t.ChangeSet.Edits {
			line := fmt.Sprintf("  %-6s %s", e.Mode, e.Path)
			if e.BeforeSHA != "" {
				line += dimStyle.Render(" " + truncate(e.BeforeSHA, 10))
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\n" + titleStyle.Render("History") + "\n")
	if len(entries) == 0 {
		b.WriteString(dimStyle.Render("  (no audit entries)") + "\n")
	}
	for _, e := range entries {
		outcome := string(e.Outcome)
		switch e.Outcome {
		case audit.Failed, audit.FailedRollback, audit.Refused, audit.Blocked:
			outcome = errorStyle.Render(outcome)
		case audit.OK, audit.Done, audit.RolledBack:
			outcome = statusStyle.Render(outcome)
		}
		fmt.Fprintf(&b, "  %s  %-9s %s", dimStyle.Render(e.Timestamp.Local().Format("01-02 15:04:05")), e.Phase, outcome)
		if e.Detail != "" {
			b.WriteString("  " + e.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ════════════════════════════════════════════════
// POPUPS
// ════════════════════════════════════════════════

func (m Model) overlayPopup(bg string) string {
	var popup string
	switch m.popup {
	case popupCreate:
		popup = m.viewCreatePopup()
	case popupUnblock:
		popup = m.viewUnblockPopup()
	default:
		return bg
	}

	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			popup,
			lipgloss.WithWhitespaceChars(" "),
		)
	}
	return popup
}

func (m Model) viewCreatePopup() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Create Task") + "\n\n")
	b.WriteString("Title:\n")
	b.WriteString(m.titleInput.View() + "\n\n")
	b.WriteString("Description:\n")
	b.WriteString(m.descInput.View() + "\n\n")
	b.WriteString(dimStyle.Render("The change set is produced by the generator on the first run.") + "\n\n")
	b.WriteString(footerDescStyle.Render("enter create • tab switch • esc cancel"))

	return m.popupBoxStyle().Render(b.String())
}

func (m Model) viewUnblockPopup() string {
	var b strings.Builder

	t := m.detail
	if m.screen == screenBoard {
		t = m.selected()
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(clrYellow).Render("Unblock Task") + "\n\n")
	if t != nil {
		b.WriteString(t.ShortID() + " " + t.Title + "\n")
		if t.BlockedReason != "" {
			b.WriteString(dimStyle.Render(t.BlockedReason) + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(m.noteInput.View() + "\n\n")
	b.WriteString(footerDescStyle.Render("enter unblock • esc cancel"))

	return m.popupBoxStyle().Render(b.String())
}

func (m Model) popupBoxStyle() lipgloss.Style {
	w := 60
	if m.width > 0 {
		w = m.width - 12
		if w < 42 {
			w = 42
		}
		if w > 84 {
			w = 84
		}
	}
	return popupStyle.Width(w)
}

// ════════════════════════════════════════════════
// SHARED HELPERS
// ════════════════════════════════════════════════

func renderFooter(keys []struct{ key, desc string }) string {
	var parts []string
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render(k.key)+" "+footerDescStyle.Render(k.desc))
	}
	return "  " + strings.Join(parts, "  ")
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
