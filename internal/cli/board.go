package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/imkarma/relay/internal/tui"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Open the interactive task board",
	Long:  "Opens a board of tasks by status with audit history, task creation and unblocking. It refreshes when .relay/ changes.",
	RunE:  runBoard,
}

func runBoard(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	opts := tui.Options{
		Tasks:   e.tasks,
		Journal: e.audit,
		Trees:   e.state,
		Tree:    e.root,
	}
	w, err := tui.Watch(relayPath(e.root))
	if err != nil {
		e.log.Warn("board falls back to polling: " + err.Error())
	} else {
		defer w.Close()
		opts.Changes = w.C()
	}

	p := tea.NewProgram(tui.New(opts), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
