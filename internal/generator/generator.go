// Package generator is the boundary to whatever produces change sets:
// a revised change set after a failed attempt, or smaller sub-tasks once
// a task has exhausted its retries.
package generator

import (
	"context"
	"errors"
	"fmt"

	"github.com/imkarma/relay/internal/config"
	agentctx "github.com/imkarma/relay/internal/context"
	"github.com/imkarma/relay/internal/task"
)

// ErrDeclined is returned when the generator reports the task as blocked.
var ErrDeclined = errors.New("generator declined")

// Draft is a proposed sub-task. Children become sub-tasks of the draft.
type Draft struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Type        task.Type       `json:"type,omitempty"`
	ChangeSet   *task.ChangeSet `json:"change_set,omitempty"`
	Children    []Draft         `json:"children,omitempty"`
}

// Generator produces change sets for failing tasks.
type Generator interface {
	// Revise returns a new change set for t. A nil change set means
	// retry with the current one.
	Revise(ctx context.Context, t *task.Task, f agentctx.Failure) (*task.ChangeSet, error)

	// Subtasks proposes smaller tasks that replace t.
	Subtasks(ctx context.Context, t *task.Task, f agentctx.Failure) ([]Draft, error)
}

// New builds the generator named by cfg.Strategy. Commands run in dir and
// receive prompts rendered by prompts.
func New(cfg config.Generator, dir string, prompts *agentctx.Builder) (Generator, error) {
	switch cfg.Strategy {
	case "", "none":
		return None{}, nil
	case "command":
		if cfg.Cmd == "" {
			return nil, fmt.Errorf("generator strategy command needs cmd")
		}
		return NewCommand(cfg, dir, prompts), nil
	default:
		return nil, fmt.Errorf("unknown generator strategy %q", cfg.Strategy)
	}
}

// None never proposes anything: retries reuse the current change set and
// no sub-tasks are spawned.
type None struct{}

func (None) Revise(context.Context, *task.Task, agentctx.Failure) (*task.ChangeSet, error) {
	return nil, nil
}

func (None) Subtasks(context.Context, *task.Task, agentctx.Failure) ([]Draft, error) {
	return nil, nil
}

// Count returns the number of drafts including all descendants.
func Count(drafts []Draft) int {
	n := len(drafts)
	for _, d := range drafts {
		n += Count(d.Children)
	}
	return n
}
