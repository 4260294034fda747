// Package runner executes the gated phases of one task cycle against a
// git working tree: isolate, apply, test and commit. Each operation
// checks the persisted phase record before touching the tree and marks
// its phase only after it verifiably succeeded.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imkarma/relay/internal/agent"
	"github.com/imkarma/relay/internal/audit"
	"github.com/imkarma/relay/internal/git"
	"github.com/imkarma/relay/internal/logging"
	"github.com/imkarma/relay/internal/patch"
	"github.com/imkarma/relay/internal/phase"
	"github.com/imkarma/relay/internal/state"
	"github.com/imkarma/relay/internal/task"
)

// Stage names used in StageError and log lines.
const (
	StagePreflight = "preflight"
	StageIsolate   = "isolate"
	StageApply     = "apply"
	StageTest      = "test"
	StageRollback  = "rollback"
	StageCommit    = "commit"
	StageFinish    = "finish"
)

// State is the persisted per-tree state the runner reads on every call.
type State interface {
	phase.Store
	Tree(tree string) (state.TreeState, error)
	SetDirty(tree, taskID, reason string) error
	ClearDirty(tree, reason string) error
	SaveApplied(tree, taskID string, patch []byte) error
	Applied(tree, taskID string) ([]byte, error)
	ClearApplied(tree, taskID string) error
}

// Recorder appends audit entries.
type Recorder interface {
	Record(taskID, phase string, outcome audit.Outcome, detail string) error
}

// Options wires a Runner.
type Options struct {
	Repo         *git.Repo
	State        State
	Audit        Recorder
	Verify       agent.Runner
	Logger       *zap.Logger
	BranchPrefix string
}

// Runner runs cycle phases for one working tree. The tree identity is
// the repository root.
type Runner struct {
	repo   *git.Repo
	state  State
	guard  *phase.Guard
	audit  Recorder
	verify agent.Runner
	log    *zap.Logger
	prefix string
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Repo == nil || opts.State == nil || opts.Audit == nil || opts.Verify == nil {
		return nil, errors.New("runner: repo, state, audit and verify are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "relay/task-"
	}
	tree := opts.Repo.Dir()
	return &Runner{
		repo:   opts.Repo,
		state:  opts.State,
		guard:  phase.NewGuard(opts.State, tree),
		audit:  opts.Audit,
		verify: opts.Verify,
		log:    opts.Logger,
		prefix: opts.BranchPrefix,
	}, nil
}

// Tree returns the working tree identity.
func (r *Runner) Tree() string { return r.guard.Tree() }

// Record returns the persisted phase record of a task.
func (r *Runner) Record(taskID string) (phase.Record, error) {
	return r.guard.Record(taskID)
}

// Branch returns the isolation branch for a task.
func (r *Runner) Branch(t *task.Task) string {
	return git.BranchName(r.prefix, t.ShortID())
}

// Preflight refuses a cycle on a quarantined or unclean tree. It reads
// state only.
func (r *Runner) Preflight(taskID string) error {
	if err := r.checkDirty(StagePreflight, taskID); err != nil {
		return err
	}
	lines, err := r.repo.Status()
	if err != nil {
		return &StageError{Stage: StagePreflight, TaskID: taskID, Err: err}
	}
	if len(lines) > 0 {
		return &StageError{
			Stage:  StagePreflight,
			TaskID: taskID,
			Err:    fmt.Errorf("%w: %s", ErrUncleanTree, strings.Join(lines, "; ")),
		}
	}
	return nil
}

// Isolate starts a new cycle for t on its own branch and returns the
// branch the cycle started from.
func (r *Runner) Isolate(ctx context.Context, t *task.Task) (string, error) {
	if err := r.checkDirty(StageIsolate, t.ID); err != nil {
		return "", err
	}
	if err := r.guard.Reset(t.ID); err != nil {
		return "", err
	}
	if err := r.guard.Require(t.ID, StageIsolate); err != nil {
		return "", err
	}

	branch := r.Branch(t)
	base, err := r.repo.CurrentBranch()
	if err != nil {
		return "", r.fail(StageIsolate, string(phase.BranchIsolated), t.ID, err)
	}
	if base == branch {
		if base, err = r.repo.BaseBranch(); err != nil {
			return "", r.fail(StageIsolate, string(phase.BranchIsolated), t.ID, err)
		}
	}
	if err := r.state.ClearApplied(r.Tree(), t.ID); err != nil {
		return "", err
	}
	if err := r.repo.CreateBranch(branch); err != nil {
		return "", r.fail(StageIsolate, string(phase.BranchIsolated), t.ID, err)
	}

	if err := r.guard.Mark(t.ID, phase.BranchIsolated); err != nil {
		return "", err
	}
	r.ok(t.ID, phase.BranchIsolated, fmt.Sprintf("%s from %s", branch, base))
	return base, nil
}

// Apply applies p to the isolated tree. git apply is all-or-nothing, so
// a patch that does not match leaves the tree untouched. A patch whose
// post-state is already present is not applied a second time.
func (r *Runner) Apply(ctx context.Context, t *task.Task, p *patch.Patch) error {
	if err := r.checkDirty(StageApply, t.ID); err != nil {
		return err
	}
	if err := r.guard.Require(t.ID, StageApply, phase.BranchIsolated); err != nil {
		return err
	}
	r.started(t.ID, phase.PatchApplied)

	applied, err := p.Applied(r.Tree())
	if err != nil {
		return r.fail(StageApply, string(phase.PatchApplied), t.ID, err)
	}
	if applied {
		if err := r.state.SaveApplied(r.Tree(), t.ID, p.Bytes()); err != nil {
			return err
		}
		if err := r.guard.Mark(t.ID, phase.PatchApplied); err != nil {
			return err
		}
		r.ok(t.ID, phase.PatchApplied, "already applied")
		return nil
	}

	if err := r.repo.Apply(ctx, p.Bytes(), git.ApplyOptions{Check: true}); err != nil {
		return r.fail(StageApply, string(phase.PatchApplied), t.ID, fmt.Errorf("%w: %v", ErrPatchApply, err))
	}
	// Persist before writing so any process can reverse a half-finished cycle.
	if err := r.state.SaveApplied(r.Tree(), t.ID, p.Bytes()); err != nil {
		return err
	}
	if err := r.repo.Apply(ctx, p.Bytes(), git.ApplyOptions{}); err != nil {
		_ = r.state.ClearApplied(r.Tree(), t.ID)
		return r.fail(StageApply, string(phase.PatchApplied), t.ID, fmt.Errorf("%w: %v", ErrPatchApply, err))
	}

	if err := r.guard.Mark(t.ID, phase.PatchApplied); err != nil {
		return err
	}
	r.ok(t.ID, phase.PatchApplied, strings.Join(p.Paths(), ", "))
	return nil
}

// Test runs the verification suite. A failure or timeout reverses the
// applied patch. If the reversal fails the tree is quarantined and the
// returned StageError reports it dirty.
func (r *Runner) Test(ctx context.Context, t *task.Task) error {
	if err := r.checkDirty(StageTest, t.ID); err != nil {
		return err
	}
	if err := r.guard.Require(t.ID, StageTest, phase.BranchIsolated, phase.PatchApplied); err != nil {
		return err
	}
	r.started(t.ID, phase.TestsPassed)

	resp, err := r.verify.Run(ctx, agent.Request{
		TaskID:  t.ID,
		WorkDir: r.Tree(),
		Env:     []string{"RELAY_TASK_ID=" + t.ID},
	})

	var cause error
	var output string
	switch {
	case err != nil:
		cause = fmt.Errorf("%w: %w", ErrTestFailed, err)
		if errors.Is(err, agent.ErrTimeout) {
			cause = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		if resp != nil {
			output = resp.Combined()
		}
	case resp.ExitCode != 0:
		cause = fmt.Errorf("%w: %s", ErrTestFailed, resp.Failure())
		output = resp.Combined()
	}

	if cause == nil {
		if err := r.guard.Mark(t.ID, phase.TestsPassed); err != nil {
			return err
		}
		r.ok(t.ID, phase.TestsPassed, fmt.Sprintf("%s in %s", r.verify.Name(), resp.Duration.Round(time.Millisecond)))
		return nil
	}

	r.record(t.ID, string(phase.TestsPassed), audit.Failed, cause.Error())
	r.log.Warn("verification failed", append(logging.Task(t.ID, r.Tree()), zap.Error(cause))...)

	if rbErr := r.Rollback(ctx, t); rbErr != nil {
		if !errors.Is(rbErr, ErrRollback) {
			rbErr = fmt.Errorf("%w: %w", ErrRollback, rbErr)
		}
		return &StageError{
			Stage:  StageTest,
			TaskID: t.ID,
			Dirty:  Dirty(rbErr),
			Err:    fmt.Errorf("%w; %w", cause, rbErr),
			Output: output,
		}
	}
	return &StageError{Stage: StageTest, TaskID: t.ID, Err: cause, Output: output}
}

// Rollback reverses the patch recorded for t and rolls its record back
// to branch_isolated. If the reversal fails the tree is flagged dirty and
// every later mutation on it is refused until ClearDirty.
func (r *Runner) Rollback(ctx context.Context, t *task.Task) error {
	if err := r.checkDirty(StageRollback, t.ID); err != nil {
		return err
	}
	if err := r.guard.Require(t.ID, StageRollback, phase.BranchIsolated, phase.PatchApplied); err != nil {
		return err
	}

	text, err := r.state.Applied(r.Tree(), t.ID)
	if err == nil {
		if err = r.repo.Apply(ctx, text, git.ApplyOptions{Reverse: true, Check: true}); err == nil {
			err = r.repo.Apply(ctx, text, git.ApplyOptions{Reverse: true})
		}
	}
	if err != nil {
		return r.quarantine(t.ID, err)
	}

	if err := r.guard.RollbackTo(t.ID, phase.BranchIsolated); err != nil {
		return err
	}
	if err := r.state.ClearApplied(r.Tree(), t.ID); err != nil {
		return err
	}
	r.record(t.ID, audit.PhaseRollback, audit.RolledBack, strings.Join(patch.FromBytes(text).Paths(), ", "))
	r.log.Info("patch rolled back", logging.Task(t.ID, r.Tree())...)
	return nil
}

func (r *Runner) quarantine(taskID string, cause error) error {
	return r.quarantineAt(StageRollback, taskID, cause)
}

func (r *Runner) quarantineAt(stage, taskID string, cause error) error {
	reason := fmt.Sprintf("%s of task %s failed: %v", stage, taskID, cause)
	if err := r.state.SetDirty(r.Tree(), taskID, reason); err != nil {
		return fmt.Errorf("%w: %v (flagging tree dirty: %v)", ErrRollback, cause, err)
	}
	r.record(taskID, audit.PhaseRollback, audit.FailedRollback, reason)
	r.log.Error("tree quarantined",
		append(logging.Task(taskID, r.Tree()), zap.String("stage", stage), zap.Error(cause))...)
	return &StageError{
		Stage:  stage,
		TaskID: taskID,
		Dirty:  true,
		Err:    fmt.Errorf("%w: %w", ErrRollback, cause),
	}
}

// Commit commits the paths touched by p and returns the commit id. It
// also confirms the tree clean. A refused commit leaves the index as it
// found it; if the index cannot be restored the tree is quarantined.
func (r *Runner) Commit(ctx context.Context, t *task.Task, p *patch.Patch, message string) (string, error) {
	if err := r.checkDirty(StageCommit, t.ID); err != nil {
		return "", err
	}
	if err := r.guard.Require(t.ID, StageCommit,
		phase.BranchIsolated, phase.PatchApplied, phase.TestsPassed); err != nil {
		return "", err
	}

	sha, committed, err := r.repo.Commit(message, p.Paths())
	if errors.Is(err, git.ErrIndex) {
		return "", r.quarantineAt(StageCommit, t.ID, err)
	}
	if err != nil {
		return "", r.fail(StageCommit, string(phase.Committed), t.ID, err)
	}
	if !committed {
		return "", r.fail(StageCommit, string(phase.Committed), t.ID, errors.New("nothing to commit"))
	}

	if err := r.guard.Mark(t.ID, phase.Committed); err != nil {
		return "", err
	}
	if err := r.state.ClearApplied(r.Tree(), t.ID); err != nil {
		return "", err
	}
	if err := r.state.ClearDirty(r.Tree(), "committed "+t.ShortID()); err != nil {
		return "", err
	}
	r.ok(t.ID, phase.Committed, sha)
	return sha, nil
}

// Integrate merges the task branch into base and deletes it.
func (r *Runner) Integrate(ctx context.Context, t *task.Task, base string) error {
	if err := r.guard.Require(t.ID, "integrate", phase.Sequence...); err != nil {
		return err
	}
	branch := r.Branch(t)
	if err := r.repo.MergeBranch(base, branch); err != nil {
		return r.fail(StageFinish, audit.PhaseCycle, t.ID, err)
	}
	if err := r.repo.DeleteBranch(branch, false); err != nil {
		r.log.Warn("delete merged branch", zap.String("branch", branch), zap.Error(err))
	}
	r.record(t.ID, audit.PhaseCycle, audit.OK, fmt.Sprintf("merged %s into %s", branch, base))
	return nil
}

// Release returns to base and keeps the task branch for review.
func (r *Runner) Release(ctx context.Context, t *task.Task, base string) error {
	if err := r.guard.Require(t.ID, "release", phase.Sequence...); err != nil {
		return err
	}
	if err := r.repo.Checkout(base); err != nil {
		return r.fail(StageFinish, audit.PhaseCycle, t.ID, err)
	}
	return nil
}

// Abandon ends a failed cycle: it returns to base, deletes the task
// branch and clears the record. The tree must already be rolled back.
func (r *Runner) Abandon(ctx context.Context, t *task.Task, base string) error {
	if err := r.checkDirty(StageFinish, t.ID); err != nil {
		return err
	}
	rec, err := r.guard.Record(t.ID)
	if err != nil {
		return err
	}
	if rec.Has(phase.PatchApplied) {
		return fmt.Errorf("abandon %s: patch still applied: %w", t.ID, phase.ErrOrder)
	}

	branch := r.Branch(t)
	if err := r.repo.RejectBranch(base, branch); err != nil {
		return r.fail(StageFinish, audit.PhaseCycle, t.ID, err)
	}
	if err := r.guard.Reset(t.ID); err != nil {
		return err
	}
	r.record(t.ID, audit.PhaseCycle, audit.RolledBack, fmt.Sprintf("abandoned %s, back on %s", branch, base))
	return nil
}

// ClearDirty lifts the quarantine after an operator restored the tree.
// The record of the task that left it dirty is reset.
func (r *Runner) ClearDirty(reason string) error {
	st, err := r.state.Tree(r.Tree())
	if err != nil {
		return err
	}
	if !st.Dirty {
		return nil
	}
	if st.TaskID != "" {
		if err := r.guard.Reset(st.TaskID); err != nil {
			return err
		}
		if err := r.state.ClearApplied(r.Tree(), st.TaskID); err != nil {
			return err
		}
	}
	if err := r.state.ClearDirty(r.Tree(), reason); err != nil {
		return err
	}
	r.record(st.TaskID, audit.PhaseOperator, audit.OK, "dirty flag cleared: "+reason)
	r.log.Info("dirty flag cleared", zap.String("reason", reason))
	return nil
}

// Dirty returns the persisted dirty state of the tree.
func (r *Runner) Dirty() (state.TreeState, error) {
	return r.state.Tree(r.Tree())
}

func (r *Runner) checkDirty(stage, taskID string) error {
	st, err := r.state.Tree(r.Tree())
	if err != nil {
		return err
	}
	if st.Dirty {
		return &StageError{
			Stage:  stage,
			TaskID: taskID,
			Dirty:  true,
			Err:    fmt.Errorf("%w: %s", ErrDirtyTree, st.Reason),
		}
	}
	return nil
}

func (r *Runner) started(taskID string, p phase.Phase) {
	r.record(taskID, string(p), audit.Started, "")
}

func (r *Runner) ok(taskID string, p phase.Phase, detail string) {
	r.record(taskID, string(p), audit.OK, detail)
	r.log.Info("phase ok", append(logging.Task(taskID, r.Tree()),
		zap.String("phase", string(p)), zap.String("detail", detail))...)
}

func (r *Runner) fail(stage, label, taskID string, err error) error {
	r.record(taskID, label, audit.Failed, err.Error())
	r.log.Warn("phase failed", append(logging.Task(taskID, r.Tree()),
		zap.String("stage", stage), zap.Error(err))...)
	return &StageError{Stage: stage, TaskID: taskID, Err: err}
}

// record writes an audit entry. A failed audit write is logged, not
// returned: the tree operation it describes has already happened.
func (r *Runner) record(taskID, label string, outcome audit.Outcome, detail string) {
	if err := r.audit.Record(taskID, label, outcome, detail); err != nil {
		r.log.Error("audit append failed", zap.String("task_id", taskID),
			zap.String("phase", label), zap.Error(err))
	}
}
