package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/imkarma/relay/internal/agent"
	"github.com/imkarma/relay/internal/config"
	"github.com/imkarma/relay/internal/patch"
	"github.com/imkarma/relay/internal/task"
)

// Command delegates review to an external process. The patch is written
// to its stdin and the task is described in RELAY_TASK_* variables. The
// verdict comes from a "VERDICT: APPROVE|REJECT" line, or from the exit
// code when no verdict line is printed.
type Command struct {
	runner agent.Runner
	dir    string
}

// NewCommand builds a command reviewer that runs in dir.
func NewCommand(cfg config.Review, dir string) *Command {
	return &Command{runner: agent.NewCLIRunner("reviewer", cfg.Command()), dir: dir}
}

func (c *Command) Review(ctx context.Context, p *patch.Patch, t *task.Task) (Verdict, error) {
	resp, err := c.runner.Run(ctx, agent.Request{
		TaskID:  t.ID,
		Input:   p.Bytes(),
		WorkDir: c.dir,
		Env: []string{
			"RELAY_TASK_ID=" + t.ID,
			"RELAY_TASK_TITLE=" + t.Title,
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("run reviewer: %w", err)
	}

	parsed := agent.ParseReview(resp.Output)
	rationale := strings.Join(parsed.Comments, "\n")
	switch parsed.Verdict {
	case agent.VerdictApprove:
		if resp.ExitCode != 0 {
			return Verdict{Rationale: "reviewer approved but " + resp.Failure()}, nil
		}
		return Verdict{Pass: true, Rationale: rationale}, nil
	case agent.VerdictReject:
		if rationale == "" {
			rationale = "rejected without comments"
		}
		return Verdict{Rationale: rationale}, nil
	}
	if resp.ExitCode != 0 {
		return Verdict{Rationale: resp.Failure()}, nil
	}
	return Verdict{Pass: true, Rationale: strings.TrimSpace(resp.Output)}, nil
}
