package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imkarma/relay/internal/agent"
	"github.com/imkarma/relay/internal/config"
	agentctx "github.com/imkarma/relay/internal/context"
	"github.com/imkarma/relay/internal/task"
)

// request is written to the generator's stdin.
type request struct {
	Kind    agentctx.Kind    `json:"kind"`
	Task    *task.Task       `json:"task"`
	Failure agentctx.Failure `json:"failure"`
	Prompt  string           `json:"prompt"`
}

// response is read from the generator's stdout.
type response struct {
	ChangeSet *task.ChangeSet `json:"change_set,omitempty"`
	Subtasks  []Draft         `json:"subtasks,omitempty"`
	Blocked   string          `json:"blocked,omitempty"`
}

// Command runs an external generator process per request.
type Command struct {
	runner  agent.Runner
	dir     string
	prompts *agentctx.Builder
}

// NewCommand creates a command generator.
func NewCommand(cfg config.Generator, dir string, prompts *agentctx.Builder) *Command {
	if prompts == nil {
		prompts = agentctx.New(nil, nil)
	}
	return &Command{
		runner:  agent.NewCLIRunner("generator", cfg.Command()),
		dir:     dir,
		prompts: prompts,
	}
}

func (c *Command) Revise(ctx context.Context, t *task.Task, f agentctx.Failure) (*task.ChangeSet, error) {
	out, err := c.run(ctx, agentctx.KindRevise, t, f)
	if err != nil {
		return nil, err
	}
	resp, ok := decode(out)
	if !ok {
		if reason := agent.ParseBlocked(out); reason != "" {
			return nil, fmt.Errorf("%w: %s", ErrDeclined, reason)
		}
		return nil, fmt.Errorf("generator output is not a JSON response")
	}
	if resp.Blocked != "" {
		return nil, fmt.Errorf("%w: %s", ErrDeclined, resp.Blocked)
	}
	if resp.ChangeSet == nil {
		return nil, nil
	}
	if err := resp.ChangeSet.Validate(); err != nil {
		return nil, fmt.Errorf("generator change set: %w", err)
	}
	return resp.ChangeSet, nil
}

func (c *Command) Subtasks(ctx context.Context, t *task.Task, f agentctx.Failure) ([]Draft, error) {
	out, err := c.run(ctx, agentctx.KindSubtasks, t, f)
	if err != nil {
		return nil, err
	}
	if resp, ok := decode(out); ok {
		if resp.Blocked != "" {
			return nil, fmt.Errorf("%w: %s", ErrDeclined, resp.Blocked)
		}
		return resp.Subtasks, nil
	}

	// Plain text fallback: a numbered SUBTASKS list.
	if reason := agent.ParseBlocked(out); reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrDeclined, reason)
	}
	var drafts []Draft
	for _, st := range agent.ParseSubtasks(out) {
		drafts = append(drafts, Draft{Title: st.Title, Description: st.Description, Type: st.Type})
	}
	return drafts, nil
}

func (c *Command) run(ctx context.Context, kind agentctx.Kind, t *task.Task, f agentctx.Failure) (string, error) {
	input, err := json.Marshal(request{
		Kind:    kind,
		Task:    t,
		Failure: f,
		Prompt:  c.prompts.BuildPrompt(kind, t, f),
	})
	if err != nil {
		return "", fmt.Errorf("encode generator request: %w", err)
	}

	resp, err := c.runner.Run(ctx, agent.Request{
		TaskID:  t.ID,
		Input:   input,
		WorkDir: c.dir,
		Env:     []string{"RELAY_TASK_ID=" + t.ID, "RELAY_REQUEST=" + string(kind)},
	})
	if err != nil {
		return "", fmt.Errorf("run generator: %w", err)
	}
	if resp.ExitCode != 0 {
		return "", fmt.Errorf("generator failed: %s", resp.Failure())
	}
	return resp.Output, nil
}

// decode accepts stdout that is a single JSON object, optionally
// surrounded by whitespace.
func decode(out string) (response, bool) {
	var resp response
	trimmed := strings.TrimSpace(out)
	if !strings.HasPrefix(trimmed, "{") {
		return resp, false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		return resp, false
	}
	return resp, true
}
