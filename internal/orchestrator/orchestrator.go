// Package orchestrator drives one task cycle end to end: pick a ready
// task, build its patch, run it through the gated runner phases and the
// review gate, retry with revised change sets, and record the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imkarma/relay/internal/audit"
	agentctx "github.com/imkarma/relay/internal/context"
	"github.com/imkarma/relay/internal/generator"
	"github.com/imkarma/relay/internal/logging"
	"github.com/imkarma/relay/internal/metrics"
	"github.com/imkarma/relay/internal/patch"
	"github.com/imkarma/relay/internal/phase"
	"github.com/imkarma/relay/internal/review"
	"github.com/imkarma/relay/internal/runner"
	"github.com/imkarma/relay/internal/store"
	"github.com/imkarma/relay/internal/task"
)

// Status is the outcome of a cycle.
type Status string

const (
	StatusDone      Status = "done"
	StatusBlocked   Status = "blocked"
	StatusDirtyRepo Status = "blocked_dirty_repo"
	StatusFailed    Status = "failed"
	StatusIdle      Status = "idle"
)

// Stages the orchestrator reports in addition to the runner's.
const (
	StageSelect = "select"
	StageBuild  = "build"
	StageReview = "review"
)

var (
	// ErrNotReady is returned when the requested task is not open or has
	// unfinished dependencies.
	ErrNotReady = errors.New("task is not ready")
	// ErrRejected is the failure recorded when the review gate fails a patch.
	ErrRejected = errors.New("review rejected the patch")
)

// Result reports a finished cycle.
type Result struct {
	TaskID   string
	Title    string
	Status   Status
	Stage    string // where the cycle stopped, empty on success
	Commit   string
	Attempts int
	Dirty    bool
	Subtasks []string
	Duration time.Duration
	Err      error
}

// OK reports whether the cycle committed its task.
func (r Result) OK() bool { return r.Status == StatusDone }

// Summary is a one-line, user-facing description of the result.
func (r Result) Summary() string {
	switch r.Status {
	case StatusDone:
		return fmt.Sprintf("task %s done: commit %s after %d attempt(s)", short(r.TaskID), short(r.Commit), r.Attempts)
	case StatusIdle:
		return "no open task is ready"
	}
	tree := "clean"
	if r.Dirty {
		tree = "dirty"
	}
	msg := fmt.Sprintf("task %s %s at stage %s (tree %s)", short(r.TaskID), r.Status, r.Stage, tree)
	if r.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", r.Attempts)
	}
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Tasks is the task store the orchestrator reads and updates.
type Tasks interface {
	Get(id string) (*task.Task, error)
	List(f store.Filter) ([]*task.Task, error)
	Add(t *task.Task) (*task.Task, error)
	Update(id string, p store.Patch) (*task.Task, error)
	ArchiveCompleted() (int, error)
	PropagateBeforeSHA(hashes map[string]string) (int, error)
}

// Options wires an Orchestrator.
type Options struct {
	Tasks     Tasks
	Runner    *runner.Runner
	Reviewer  review.Reviewer
	Generator generator.Generator
	Audit     runner.Recorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	MaxRetries      int  // default 3
	SubtaskDepth    int  // default 2; 0 disables sub-task spawning
	Merge           bool // merge the task branch into its base after commit
	PropagateHashes bool // refresh before_sha of open tasks after a merge
}

// Orchestrator runs one task cycle at a time.
type Orchestrator struct {
	tasks    Tasks
	runner   *runner.Runner
	builder  *patch.Builder
	reviewer review.Reviewer
	gen      generator.Generator
	audit    runner.Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger

	maxRetries   int
	subtaskDepth int
	merge        bool
	propagate    bool
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Tasks == nil || opts.Runner == nil || opts.Audit == nil {
		return nil, errors.New("orchestrator: tasks, runner and audit are required")
	}
	if opts.Reviewer == nil {
		opts.Reviewer = review.Approve{}
	}
	if opts.Generator == nil {
		opts.Generator = generator.None{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.SubtaskDepth < 0 {
		opts.SubtaskDepth = 0
	}
	return &Orchestrator{
		tasks:        opts.Tasks,
		runner:       opts.Runner,
		builder:      patch.NewBuilder(opts.Runner.Tree()),
		reviewer:     opts.Reviewer,
		gen:          opts.Generator,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		maxRetries:   opts.MaxRetries,
		subtaskDepth: opts.SubtaskDepth,
		merge:        opts.Merge,
		propagate:    opts.PropagateHashes,
	}, nil
}

// Next returns the first open task, in insertion order, whose
// dependencies are all done or archived. It returns nil when none is
// ready.
func (o *Orchestrator) Next() (*task.Task, error) {
	all, err := o.tasks.List(store.Filter{All: true})
	if err != nil {
		return nil, err
	}
	status := make(map[string]task.Status, len(all))
	for _, t := range all {
		status[t.ID] = t.Status
	}
	for _, t := range all {
		if t.Status == task.StatusOpen && depsMet(t, status) {
			return t, nil
		}
	}
	return nil, nil
}

func depsMet(t *task.Task, status map[string]task.Status) bool {
	for _, dep := range t.Deps {
		switch status[dep] {
		case task.StatusDone, task.StatusArchived:
		default:
			return false
		}
	}
	return true
}

// RunCycle runs one cycle for the task with the given id, or for Next()
// when id is empty.
func (o *Orchestrator) RunCycle(ctx context.Context, id string) Result {
	start := time.Now()
	res := o.runCycle(ctx, id)
	res.Duration = time.Since(start)

	o.metrics.RecordCycle(string(res.Status), res.Duration)
	if res.Stage != "" {
		o.metrics.RecordFailure(res.Stage)
	}
	o.metrics.SetDirty(res.Dirty)

	fields := append(logging.Task(res.TaskID, o.runner.Tree()),
		zap.String("status", string(res.Status)),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration))
	if res.Err != nil {
		o.log.Warn("cycle finished", append(fields, zap.String("stage", res.Stage), zap.Error(res.Err))...)
	} else {
		o.log.Info("cycle finished", fields...)
	}
	return res
}

func (o *Orchestrator) runCycle(ctx context.Context, id string) Result {
	t, res, ok := o.selectTask(id)
	if !ok {
		return res
	}

	// Refuse before touching anything when the tree is quarantined.
	if err := o.runner.Preflight(t.ID); err != nil {
		if runner.Dirty(err) {
			o.record(t.ID, audit.PhaseCycle, audit.Refused, err.Error())
			return Result{TaskID: t.ID, Title: t.Title, Status: StatusDirtyRepo, Stage: runner.StagePreflight, Dirty: true, Err: err}
		}
		return Result{TaskID: t.ID, Title: t.Title, Status: StatusFailed, Stage: runner.StagePreflight, Err: err}
	}

	p, err := o.initialPatch(ctx, t)
	if err != nil {
		o.record(t.ID, audit.PhaseBuild, audit.Failed, err.Error())
		return Result{TaskID: t.ID, Title: t.Title, Status: StatusFailed, Stage: StageBuild, Err: err}
	}

	inProgress := task.StatusInProgress
	updated, err := o.tasks.Update(t.ID, store.Patch{Status: &inProgress})
	if err != nil {
		return Result{TaskID: t.ID, Title: t.Title, Status: StatusFailed, Stage: StageSelect, Err: err}
	}
	t = updated
	o.record(t.ID, audit.PhaseCycle, audit.Started, t.Title)

	return o.execute(ctx, t, p)
}

func (o *Orchestrator) selectTask(id string) (*task.Task, Result, bool) {
	if id == "" {
		t, err := o.Next()
		if err != nil {
			return nil, Result{Status: StatusFailed, Stage: StageSelect, Err: err}, false
		}
		if t == nil {
			return nil, Result{Status: StatusIdle}, false
		}
		return t, Result{}, true
	}

	t, err := o.tasks.Get(id)
	if err != nil {
		return nil, Result{TaskID: id, Status: StatusFailed, Stage: StageSelect, Err: err}, false
	}
	if t.Status != task.StatusOpen {
		err := fmt.Errorf("%w: status is %s", ErrNotReady, t.Status)
		return nil, Result{TaskID: t.ID, Title: t.Title, Status: StatusFailed, Stage: StageSelect, Err: err}, false
	}
	all, err := o.tasks.List(store.Filter{All: true})
	if err != nil {
		return nil, Result{TaskID: t.ID, Status: StatusFailed, Stage: StageSelect, Err: err}, false
	}
	status := make(map[string]task.Status, len(all))
	for _, other := range all {
		status[other.ID] = other.Status
	}
	if !depsMet(t, status) {
		err := fmt.Errorf("%w: dependencies are not finished", ErrNotReady)
		return nil, Result{TaskID: t.ID, Title: t.Title, Status: StatusFailed, Stage: StageSelect, Err: err}, false
	}
	return t, Result{}, true
}

// initialPatch builds the task's patch. A task without a change set asks
// the generator for one first. The task is left unmodified on failure
// unless the generator supplied the change set.
func (o *Orchestrator) initialPatch(ctx context.Context, t *task.Task) (*patch.Patch, error) {
	if t.ChangeSet == nil || len(t.ChangeSet.Edits) == 0 {
		cs, err := o.gen.Revise(ctx, t, agentctx.Failure{Stage: StageBuild, Detail: "task has no change set"})
		if err != nil {
			return nil, fmt.Errorf("generate change set: %w", err)
		}
		if cs == nil {
			return nil, fmt.Errorf("%w: task has no change set", patch.ErrEmptyPatch)
		}
		updated, err := o.tasks.Update(t.ID, store.Patch{ChangeSet: cs})
		if err != nil {
			return nil, err
		}
		*t = *updated
	}
	return o.builder.BuildTask(t)
}

// execute runs the retry loop for a task that is in progress.
func (o *Orchestrator) execute(ctx context.Context, t *task.Task, p *patch.Patch) Result {
	res := Result{TaskID: t.ID, Title: t.Title}

	base, err := o.runner.Isolate(ctx, t)
	if err != nil {
		return o.abort(ctx, t, "", res, runner.StageIsolate, err)
	}

	var last agentctx.Failure
	var lastErr error
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		log := o.log.With(append(logging.Task(t.ID, o.runner.Tree()), zap.Int("attempt", attempt))...)

		if attempt > 1 {
			next, err := o.revise(ctx, t, p, last)
			if errors.Is(err, generator.ErrDeclined) {
				log.Info("generator declined", zap.Error(err))
				lastErr = err
				break
			}
			if err != nil {
				last = agentctx.Failure{Stage: StageBuild, Attempt: attempt, Detail: err.Error()}
				lastErr = err
				o.record(t.ID, audit.PhaseBuild, audit.Failed, err.Error())
				log.Warn("revised change set rejected", zap.Error(err))
				continue
			}
			p = next
		}

		res.Attempts++
		o.metrics.RecordAttempt()
		log.Info("attempt started", zap.Int("lines", p.Lines()))

		stage, err := o.attempt(ctx, t, p)
		if err == nil {
			return o.finish(ctx, t, p, base, res)
		}
		lastErr = err

		if runner.Dirty(err) {
			o.metrics.RecordRollback(false)
			res.Dirty = true
			return o.quarantined(t, res, stage, err)
		}
		if !runner.Recoverable(err) && !errors.Is(err, ErrRejected) {
			return o.abort(ctx, t, base, res, stage, err)
		}
		if stage != runner.StageApply {
			o.metrics.RecordRollback(true)
		}

		last = agentctx.Failure{Stage: stage, Attempt: attempt, Detail: detail(err), Patch: p.String()}
		log.Warn("attempt failed", zap.String("stage", stage), zap.Error(err))
	}

	return o.exhausted(ctx, t, base, res, last, lastErr)
}

// attempt applies, tests and reviews p. It returns the stage that failed.
func (o *Orchestrator) attempt(ctx context.Context, t *task.Task, p *patch.Patch) (string, error) {
	if err := o.runner.Apply(ctx, t, p); err != nil {
		return runner.StageApply, err
	}
	if err := o.runner.Test(ctx, t); err != nil {
		return runner.StageTest, err
	}

	verdict, err := o.reviewer.Review(ctx, p, t)
	if err != nil {
		verdict = review.Verdict{Rationale: "review error: " + err.Error()}
	}
	if verdict.Pass {
		o.record(t.ID, audit.PhaseReview, audit.OK, verdict.Rationale)
		return "", nil
	}

	o.record(t.ID, audit.PhaseReview, audit.Failed, verdict.Rationale)
	if err := o.runner.Rollback(ctx, t); err != nil {
		return runner.StageRollback, err
	}
	return StageReview, fmt.Errorf("%w: %s", ErrRejected, verdict.Rationale)
}

// revise asks the generator for a new change set and builds it. A nil
// change set reuses p.
func (o *Orchestrator) revise(ctx context.Context, t *task.Task, p *patch.Patch, last agentctx.Failure) (*patch.Patch, error) {
	cs, err := o.gen.Revise(ctx, t, last)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return p, nil
	}
	updated, err := o.tasks.Update(t.ID, store.Patch{ChangeSet: cs})
	if err != nil {
		return nil, err
	}
	*t = *updated
	return o.builder.BuildTask(t)
}

// finish commits a passing attempt and records the task as done.
func (o *Orchestrator) finish(ctx context.Context, t *task.Task, p *patch.Patch, base string, res Result) Result {
	message := fmt.Sprintf("[relay] %s %s", t.ShortID(), t.Title)
	if t.ChangeSet != nil && t.ChangeSet.Message != "" {
		message = fmt.Sprintf("[relay] %s %s", t.ShortID(), t.ChangeSet.Message)
	}

	sha, err := o.runner.Commit(ctx, t, p, message)
	if runner.Dirty(err) {
		return o.quarantined(t, res, runner.StageCommit, err)
	}
	if err != nil {
		if rbErr := o.runner.Rollback(ctx, t); rbErr != nil {
			res.Dirty = runner.Dirty(rbErr)
			if res.Dirty {
				return o.quarantined(t, res, runner.StageRollback, rbErr)
			}
		}
		return o.abort(ctx, t, base, res, runner.StageCommit, err)
	}

	hashes := make(map[string]string, len(p.Paths()))
	for _, path := range p.Paths() {
		sum, exists, err := task.HashFile(o.runner.Tree(), path)
		if err != nil {
			o.log.Warn("hash committed file", zap.String("path", path), zap.Error(err))
			continue
		}
		if !exists {
			sum = ""
		}
		hashes[path] = sum
	}

	done := task.StatusDone
	if _, err := o.tasks.Update(t.ID, store.Patch{Status: &done, CommitSHA: &sha, FileHashes: hashes}); err != nil {
		return Result{TaskID: t.ID, Title: t.Title, Status: StatusFailed, Stage: runner.StageFinish, Commit: sha, Attempts: res.Attempts, Err: err}
	}
	o.record(t.ID, audit.PhaseCycle, audit.Done, sha)

	res.Status = StatusDone
	res.Commit = sha

	if o.merge {
		if err := o.runner.Integrate(ctx, t, base); err != nil {
			o.log.Warn("merge task branch", zap.String("task_id", t.ID), zap.Error(err))
		} else if o.propagate {
			if n, err := o.tasks.PropagateBeforeSHA(hashes); err != nil {
				o.log.Warn("propagate file hashes", zap.Error(err))
			} else if n > 0 {
				o.log.Info("refreshed before_sha on open tasks", zap.Int("tasks", n))
			}
		}
	} else if err := o.runner.Release(ctx, t, base); err != nil {
		o.log.Warn("return to base branch", zap.String("base", base), zap.Error(err))
	}

	if n, err := o.tasks.ArchiveCompleted(); err != nil {
		o.log.Warn("archive completed tasks", zap.Error(err))
	} else if n > 0 {
		o.record(t.ID, audit.PhaseCycle, audit.Archived, fmt.Sprintf("%d task(s) archived", n))
	}
	return res
}

// exhausted ends a cycle whose retries ran out: the branch is dropped,
// the task is blocked and sub-tasks are spawned while depth remains.
func (o *Orchestrator) exhausted(ctx context.Context, t *task.Task, base string, res Result, last agentctx.Failure, lastErr error) Result {
	if err := o.runner.Abandon(ctx, t, base); err != nil {
		o.log.Warn("abandon task branch", zap.String("task_id", t.ID), zap.Error(err))
	}

	stage := last.Stage
	if stage == "" {
		stage = StageBuild
	}
	reason := fmt.Sprintf("%d attempt(s) failed, last at %s", res.Attempts, stage)
	if lastErr != nil {
		reason += ": " + truncate(lastErr.Error(), 300)
	}
	o.block(t, reason)

	res.Status = StatusBlocked
	res.Stage = stage
	res.Err = lastErr

	remaining := o.subtaskDepth - t.Depth
	if remaining <= 0 {
		return res
	}
	drafts, err := o.gen.Subtasks(ctx, t, last)
	if err != nil {
		o.record(t.ID, audit.PhaseSubtasks, audit.Failed, err.Error())
		o.log.Warn("generate sub-tasks", zap.String("task_id", t.ID), zap.Error(err))
		return res
	}
	ids, err := o.spawn(t, drafts, remaining)
	res.Subtasks = ids
	if err != nil {
		o.record(t.ID, audit.PhaseSubtasks, audit.Failed, err.Error())
		o.log.Warn("spawn sub-tasks", zap.String("task_id", t.ID), zap.Error(err))
	}
	if len(ids) > 0 {
		o.metrics.RecordSubtasks(len(ids))
		o.record(t.ID, audit.PhaseSubtasks, audit.OK, fmt.Sprintf("spawned %d sub-task(s)", len(ids)))
	}
	return res
}

// spawn adds drafts as children of parent. Nested drafts recurse with one
// less level of remaining depth; nothing is added once it reaches zero.
func (o *Orchestrator) spawn(parent *task.Task, drafts []generator.Draft, remaining int) ([]string, error) {
	if remaining <= 0 {
		return nil, nil
	}
	var ids []string
	for _, d := range drafts {
		typ := d.Type
		if typ == "" {
			typ = task.TypeMicro
		}
		child, err := o.tasks.Add(&task.Task{
			Title:       d.Title,
			Description: d.Description,
			Type:        typ,
			ParentID:    parent.ID,
			Depth:       parent.Depth + 1,
			ChangeSet:   d.ChangeSet,
		})
		if err != nil {
			return ids, fmt.Errorf("add sub-task %q: %w", d.Title, err)
		}
		ids = append(ids, child.ID)

		sub, err := o.spawn(child, d.Children, remaining-1)
		ids = append(ids, sub...)
		if err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// quarantined records a cycle that left the tree dirty.
func (o *Orchestrator) quarantined(t *task.Task, res Result, stage string, err error) Result {
	o.block(t, fmt.Sprintf("%s failed, working tree quarantined: %s", stage, truncate(err.Error(), 300)))
	res.Status = StatusDirtyRepo
	res.Stage = stage
	res.Dirty = true
	res.Err = err
	return res
}

// abort records a cycle stopped by an error that retrying cannot fix.
// A cycle that reached its task branch is taken back to base first.
func (o *Orchestrator) abort(ctx context.Context, t *task.Task, base string, res Result, stage string, err error) Result {
	o.log.Error("cycle aborted", append(logging.Task(t.ID, o.runner.Tree()),
		zap.String("stage", stage), zap.Error(err))...)
	if base != "" && !runner.Dirty(err) {
		if dirtyErr := o.leave(ctx, t, base); dirtyErr != nil {
			return o.quarantined(t, res, runner.StageRollback, dirtyErr)
		}
	}
	o.block(t, fmt.Sprintf("%s failed: %s", stage, truncate(err.Error(), 300)))
	res.Status = StatusFailed
	res.Stage = stage
	res.Dirty = runner.Dirty(err)
	res.Err = err
	return res
}

// leave rolls back a patch still applied and abandons the task branch.
// It returns an error only when the tree ends up quarantined.
func (o *Orchestrator) leave(ctx context.Context, t *task.Task, base string) error {
	log := o.log.With(logging.Task(t.ID, o.runner.Tree())...)
	rec, err := o.runner.Record(t.ID)
	if err != nil {
		log.Warn("read phase record", zap.Error(err))
		return nil
	}
	if rec.Has(phase.PatchApplied) {
		if err := o.runner.Rollback(ctx, t); err != nil {
			if runner.Dirty(err) {
				return err
			}
			log.Warn("roll back aborted cycle, staying on task branch", zap.Error(err))
			return nil
		}
	}
	if err := o.runner.Abandon(ctx, t, base); err != nil {
		log.Warn("abandon task branch", zap.String("base", base), zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) block(t *task.Task, reason string) {
	blocked := task.StatusBlocked
	if _, err := o.tasks.Update(t.ID, store.Patch{Status: &blocked, BlockedReason: &reason}); err != nil {
		o.log.Error("block task", zap.String("task_id", t.ID), zap.Error(err))
	}
	o.record(t.ID, audit.PhaseCycle, audit.Blocked, reason)
}

func (o *Orchestrator) record(taskID, label string, outcome audit.Outcome, detail string) {
	if err := o.audit.Record(taskID, label, outcome, detail); err != nil {
		o.log.Error("audit append failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// detail prefers the verification output over the error text.
func detail(err error) string {
	var se *runner.StageError
	if errors.As(err, &se) && se.Output != "" {
		return se.Output
	}
	return err.Error()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
