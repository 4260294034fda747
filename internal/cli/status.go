package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/relay/internal/store"
	"github.com/imkarma/relay/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Quick status overview",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	trees, err := e.state.DirtyTrees()
	if err != nil {
		return err
	}
	for _, ts := range trees {
		fmt.Printf("%sTree %s is DIRTY%s (task %s, since %s)\n", colorRed+colorBold, ts.Tree, colorReset,
			truncate(ts.TaskID, 8), ts.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("  %s\n", ts.Reason)
		fmt.Printf("  Inspect the tree, then run: %srelay clean --reason \"...\"%s\n\n", colorCyan, colorReset)
	}

	tasks, err := e.tasks.List(store.Filter{All: true})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Printf("No tasks. Run: %srelay task add --title \"...\"%s\n", colorCyan, colorReset)
		return nil
	}

	counts := map[task.Status]int{}
	var blocked []*task.Task
	for _, t := range tasks {
		counts[t.Status]++
		if t.Status == task.StatusBlocked {
			blocked = append(blocked, t)
		}
	}

	fmt.Printf("%sTasks: %d total%s\n", colorBold, len(tasks), colorReset)
	for _, s := range []task.Status{task.StatusOpen, task.StatusInProgress, task.StatusBlocked, task.StatusDone, task.StatusArchived} {
		fmt.Printf("  %-14s %s%d%s\n", string(s)+":", statusColor(s), counts[s], colorReset)
	}

	if len(blocked) > 0 {
		fmt.Printf("\n%s⚠  Blocked (need your input):%s\n", colorRed+colorBold, colorReset)
		for _, t := range blocked {
			fmt.Printf("  %s%s%s: %s\n", colorYellow, t.ShortID(), colorReset, t.BlockedReason)
		}
	}
	return nil
}
