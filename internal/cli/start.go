package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imkarma/relay/internal/orchestrator"
	"github.com/imkarma/relay/internal/patch"
	"github.com/imkarma/relay/internal/task"
)

var startCmd = &cobra.Command{
	Use:   "start [task-id]",
	Short: "Run one task cycle",
	Long: `Runs one full cycle: isolate a branch, apply the change set, verify,
review and commit. Failed attempts are rolled back and retried with a
revised change set.

If no task ID is given, picks the first open task whose dependencies are
done.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

var (
	startDry bool // show the patch without touching the tree
	startAll bool // keep running ready tasks until none is left
)

// errCycleFailed makes relay exit non-zero after printing the summary.
var errCycleFailed = errors.New("cycle did not complete")

func init() {
	startCmd.Flags().BoolVar(&startDry, "dry", false, "Print the patch that would be applied without running it")
	startCmd.Flags().BoolVar(&startAll, "all", false, "Run ready tasks until none is left or one fails")
}

func runStart(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	orch, err := e.orchestrator()
	if err != nil {
		return err
	}

	id := ""
	if len(args) > 0 {
		t, err := e.resolveTask(args[0])
		if err != nil {
			return err
		}
		id = t.ID
	}

	if startDry {
		return dryRun(e, orch, id)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer e.writeMetrics()

	for {
		res := orch.RunCycle(ctx, id)
		printResult(res)
		if !res.OK() {
			if res.Status == orchestrator.StatusIdle {
				return nil
			}
			return errCycleFailed
		}
		if !startAll || id != "" {
			return nil
		}
	}
}

func dryRun(e *env, orch *orchestrator.Orchestrator, id string) error {
	var t *task.Task
	var err error
	if id == "" {
		t, err = orch.Next()
	} else {
		t, err = e.tasks.Get(id)
	}
	if err != nil {
		return err
	}
	if t == nil {
		fmt.Println("No open task is ready.")
		return nil
	}

	fmt.Printf("%s=== DRY RUN: %s %s ===%s\n\n", colorBold, t.ShortID(), t.Title, colorReset)
	if t.ChangeSet == nil || len(t.ChangeSet.Edits) == 0 {
		fmt.Println("Task has no change set; the generator would be asked for one.")
		return nil
	}
	p, err := patch.NewBuilder(e.root).BuildTask(t)
	if err != nil {
		return err
	}
	fmt.Print(p.String())
	fmt.Printf("\n%s%d file(s), %d changed line(s)%s\n", colorDim, len(p.Files()), p.Lines(), colorReset)
	return nil
}

func printResult(res orchestrator.Result) {
	color := colorRed
	switch res.Status {
	case orchestrator.StatusDone:
		color = colorGreen
	case orchestrator.StatusIdle:
		color = colorDim
	case orchestrator.StatusBlocked:
		color = colorYellow
	}
	fmt.Printf("%s%s%s\n", color, res.Summary(), colorReset)
	for _, id := range res.Subtasks {
		fmt.Printf("  %s+ sub-task %s%s\n", colorCyan, id, colorReset)
	}
	if res.Dirty {
		fmt.Printf("%sThe working tree is quarantined. Inspect it, then run: relay clean --reason \"...\"%s\n", colorRed+colorBold, colorReset)
	}
}
