package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/relay/internal/audit"
)

var logJSON bool

var logCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show the audit trail for a task",
	Long:  "Replays the audit log for one task, or the whole log when no ID is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLog,
}

func init() {
	logCmd.Flags().BoolVar(&logJSON, "json", false, "Print raw JSON lines")
}

func runLog(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	var entries []audit.Entry
	label := "all tasks"
	if len(args) > 0 {
		t, err := e.resolveTask(args[0])
		if err != nil {
			return err
		}
		label = "task " + t.ShortID()
		entries, err = e.audit.Replay(t.ID)
		if err != nil {
			return err
		}
	} else {
		entries, err = e.audit.Entries()
		if err != nil {
			return err
		}
	}

	if logJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, en := range entries {
			if err := enc.Encode(en); err != nil {
				return err
			}
		}
		return nil
	}

	if len(entries) == 0 {
		fmt.Printf("No audit entries for %s\n", label)
		return nil
	}

	fmt.Printf("Audit trail for %s:\n\n", label)
	for _, en := range entries {
		id := ""
		if len(args) == 0 {
			id = truncate(en.TaskID, 8) + " "
		}
		fmt.Printf("  %s  %s%-9s %s%-15s%s %s\n",
			en.Timestamp.Local().Format("2006-01-02 15:04:05"), id, en.Phase,
			outcomeColor(en.Outcome), en.Outcome, colorReset, en.Detail)
	}

	if len(args) > 0 {
		s := audit.Summarize(entries)
		fmt.Printf("\n%s%d entries, %d attempt(s), %d rollback(s), last: %s %s%s\n",
			colorDim, s.Entries, s.Attempts, s.Rollbacks, s.LastPhase, s.LastOutcome, colorReset)
	}
	return nil
}

func outcomeColor(o audit.Outcome) string {
	switch o {
	case audit.OK, audit.Done:
		return colorGreen
	case audit.Failed, audit.FailedRollback, audit.Refused:
		return colorRed
	case audit.RolledBack, audit.Blocked:
		return colorYellow
	default:
		return colorDim
	}
}
