// Package context builds the prompt an external generator reads when a
// task needs a revised change set or has to be split into sub-tasks.
package context

import (
	"fmt"
	"strings"

	"github.com/imkarma/relay/internal/audit"
	"github.com/imkarma/relay/internal/task"
)

// Kind selects what the generator is asked to produce.
type Kind string

const (
	KindRevise   Kind = "revise"
	KindSubtasks Kind = "subtasks"
)

// Failure describes the attempt that went wrong.
type Failure struct {
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
	Detail  string `json:"detail"`
	Patch   string `json:"patch,omitempty"`
}

// TaskSource looks up tasks, for parent context.
type TaskSource interface {
	Get(id string) (*task.Task, error)
}

// HistorySource replays a task's audit trail.
type HistorySource interface {
	Replay(taskID string) ([]audit.Entry, error)
}

// Builder constructs the full prompt for a generator run.
type Builder struct {
	tasks   TaskSource
	history HistorySource
}

// New creates a context builder. Either source may be nil.
func New(tasks TaskSource, history HistorySource) *Builder {
	return &Builder{tasks: tasks, history: history}
}

// BuildPrompt creates the prompt for a task that failed with f.
// The prompt includes:
// 1. The task and its current change set
// 2. Parent task context (if spawned from a failure)
// 3. The audit trail of earlier attempts
// 4. The failure being answered
// 5. Kind-specific response instructions
func (b *Builder) BuildPrompt(kind Kind, t *task.Task, f Failure) string {
	var parts []string

	parts = append(parts, header(kind))
	parts = append(parts, taskSection(t))

	if t.ParentID != "" && b.tasks != nil {
		if parent, err := b.tasks.Get(t.ParentID); err == nil {
			parts = append(parts, parentContext(parent))
		}
	}

	if h := b.auditHistory(t.ID); h != "" {
		parts = append(parts, h)
	}

	parts = append(parts, failureSection(f))
	parts = append(parts, instructions(kind))

	return strings.Join(parts, "\n\n")
}

// truncate keeps the tail of s, where test runners print their summary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("... (%d bytes truncated)\n", len(s)-max) + s[len(s)-max:]
}

func header(kind Kind) string {
	switch kind {
	case KindSubtasks:
		return "# Split a failing task\nThis task exhausted its retries. Propose smaller tasks that together reach the same goal."
	default:
		return "# Revise a change set\nThe last attempt at this task failed. Produce a corrected change set."
	}
}

func taskSection(t *task.Task) string {
	var sb strings.Builder

	sb.WriteString("## Task\n")
	sb.WriteString(fmt.Sprintf("**%s: %s**\n", t.ShortID(), t.Title))
	sb.WriteString(fmt.Sprintf("Type: %s\n", t.Type))

	if t.Description != "" {
		sb.WriteString(fmt.Sprintf("\n### Description\n%s\n", t.Description))
	}
	if t.ChangeSet != nil && len(t.ChangeSet.Edits) > 0 {
		sb.WriteString("\n### Current change set\n")
		for _, e := range t.ChangeSet.Edits {
			sb.WriteString(fmt.Sprintf("- %s %s", e.Mode, e.Path))
			if e.BeforeSHA != "" {
				sb.WriteString(fmt.Sprintf(" (before_sha %s)", e.BeforeSHA))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func parentContext(parent *task.Task) string {
	var sb strings.Builder
	sb.WriteString("## Parent Task (for context)\n")
	sb.WriteString(fmt.Sprintf("**%s: %s**\n", parent.ShortID(), parent.Title))
	if parent.BlockedReason != "" {
		sb.WriteString(fmt.Sprintf("Blocked: %s\n", parent.BlockedReason))
	}
	return sb.String()
}

func (b *Builder) auditHistory(taskID string) string {
	if b.history == nil {
		return ""
	}
	entries, err := b.history.Replay(taskID)
	if err != nil || len(entries) == 0 {
		return ""
	}

	var relevant []audit.Entry
	for _, e := range entries {
		switch e.Outcome {
		case audit.Failed, audit.RolledBack, audit.Refused:
			relevant = append(relevant, e)
		}
	}
	if len(relevant) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## History\n")
	sb.WriteString("Earlier failures on this task:\n\n")
	for _, e := range relevant {
		sb.WriteString(fmt.Sprintf("- **[%s]** %s: %s\n", e.Phase, e.Outcome, truncate(e.Detail, 200)))
	}
	return sb.String()
}

func failureSection(f Failure) string {
	var sb strings.Builder
	sb.WriteString("## Failure\n")
	sb.WriteString(fmt.Sprintf("Stage: %s (attempt %d)\n", f.Stage, f.Attempt))
	if f.Detail != "" {
		sb.WriteString("```\n" + truncate(f.Detail, 1200) + "\n```\n")
	}
	if f.Patch != "" {
		sb.WriteString("\n### Patch that failed\n```diff\n" + truncate(f.Patch, 8000) + "\n```\n")
	}
	return sb.String()
}

func instructions(kind Kind) string {
	switch kind {
	case KindSubtasks:
		return `## Response Format
Respond with JSON on stdout:

{"subtasks": [{"title": "...", "description": "...", "type": "micro", "change_set": {...}, "children": [...]}]}

A plain list is also accepted:

SUBTASKS:
1. [title] - [description] (type: micro/story/epic)

If the task cannot be split, say:
BLOCKED: [reason]`

	default:
		return `## Response Format
Respond with JSON on stdout:

{"change_set": {"edits": [{"path": "...", "mode": "add|modify|delete", "before_sha": "...", "content": "..."}]}}

- before_sha is the git blob hash of the file as it is now (git hash-object)
- Respond with {} to retry the current change set unchanged
- If the task cannot be fixed, say: BLOCKED: [reason]`
	}
}
