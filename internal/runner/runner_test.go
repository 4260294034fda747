package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/relay/internal/agent"
	"github.com/imkarma/relay/internal/audit"
	"github.com/imkarma/relay/internal/config"
	"github.com/imkarma/relay/internal/git"
	"github.com/imkarma/relay/internal/git/gittest"
	"github.com/imkarma/relay/internal/patch"
	"github.com/imkarma/relay/internal/phase"
	"github.com/imkarma/relay/internal/state"
	"github.com/imkarma/relay/internal/task"
)

type fixture struct {
	dir    string
	dbPath string
	runner *Runner
	state  *state.Store
	audit  *audit.Log
	task   *task.Task
}

func newFixture(t *testing.T, verify string, timeoutSec int) *fixture {
	t.Helper()
	dir := gittest.InitRepo(t, map[string]string{"x.txt": "one\n"})
	meta := t.TempDir()

	dbPath := filepath.Join(meta, "state.db")
	st, err := state.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, err := audit.Open(filepath.Join(meta, "audit.jsonl"))
	require.NoError(t, err)

	r, err := New(Options{
		Repo:   git.New(dir),
		State:  st,
		Audit:  log,
		Verify: agent.NewCLIRunner("verify", config.Command{Cmd: "sh", Args: []string{"-c", verify}, TimeoutSec: timeoutSec}),
	})
	require.NoError(t, err)

	return &fixture{
		dir:    dir,
		dbPath: dbPath,
		runner: r,
		state:  st,
		audit:  log,
		task:   &task.Task{ID: "t1aaaaaa-0001", Title: "edit x", Type: task.TypeMicro, Status: task.StatusInProgress},
	}
}

func (f *fixture) build(t *testing.T, before, after string) *patch.Patch {
	t.Helper()
	p, err := patch.NewBuilder(f.dir).Build(&task.ChangeSet{Edits: []task.Edit{{
		Path:      "x.txt",
		Mode:      task.ModeModify,
		BeforeSHA: task.HashContent([]byte(before)),
		Content:   after,
	}}})
	require.NoError(t, err)
	return p
}

func (f *fixture) phases(t *testing.T) []phase.Phase {
	t.Helper()
	rec, err := f.runner.Record(f.task.ID)
	require.NoError(t, err)
	return rec.Phases()
}

func (f *fixture) outcomes(t *testing.T) []audit.Outcome {
	t.Helper()
	entries, err := f.audit.Replay(f.task.ID)
	require.NoError(t, err)
	var out []audit.Outcome
	for _, e := range entries {
		out = append(out, e.Outcome)
	}
	return out
}

func TestCycle_FailRollbackRetryCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "grep -q fixed x.txt", 10)
	broken := f.build(t, "one\n", "broken\n")
	fixed := f.build(t, "one\n", "fixed\n")

	require.NoError(t, f.runner.Preflight(f.task.ID))
	base, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	assert.Equal(t, "main", base)
	assert.Equal(t, []phase.Phase{phase.BranchIsolated}, f.phases(t))

	require.NoError(t, f.runner.Apply(ctx, f.task, broken))
	assert.Equal(t, "broken\n", gittest.ReadFile(t, f.dir, "x.txt"))

	err = f.runner.Test(ctx, f.task)
	require.ErrorIs(t, err, ErrTestFailed)
	assert.True(t, Recoverable(err))
	assert.False(t, Dirty(err))

	// Rolled back to the pre-cycle content, record back at branch_isolated.
	assert.Equal(t, "one\n", gittest.ReadFile(t, f.dir, "x.txt"))
	assert.Equal(t, []phase.Phase{phase.BranchIsolated}, f.phases(t))
	st, err := f.runner.Dirty()
	require.NoError(t, err)
	assert.False(t, st.Dirty)

	require.NoError(t, f.runner.Apply(ctx, f.task, fixed))
	require.NoError(t, f.runner.Test(ctx, f.task))
	sha, err := f.runner.Commit(ctx, f.task, fixed, "[relay] t1aaaaaa edit x")
	require.NoError(t, err)
	assert.Equal(t, phase.Sequence, f.phases(t))

	head, err := git.New(f.dir).HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, head, sha)
	assert.Equal(t, "relay/task-t1aaaaaa", gittest.Run(t, f.dir, "rev-parse", "--abbrev-ref", "HEAD"))

	assert.Contains(t, f.outcomes(t), audit.RolledBack)
	assert.NotContains(t, f.outcomes(t), audit.FailedRollback)
}

func TestTestBeforeApplyIsOrderError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "touch ran", 10)

	err := f.runner.Test(ctx, f.task)
	require.ErrorIs(t, err, phase.ErrOrder)

	_, err = f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	err = f.runner.Test(ctx, f.task)
	require.ErrorIs(t, err, phase.ErrOrder)

	var oe *phase.OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, []phase.Phase{phase.PatchApplied}, oe.Missing)

	_, statErr := os.Stat(filepath.Join(f.dir, "ran"))
	assert.True(t, os.IsNotExist(statErr), "verification must not run")
	assert.Equal(t, "one\n", gittest.ReadFile(t, f.dir, "x.txt"))
}

func TestCommitBeforeTestIsOrderError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "true", 10)
	p := f.build(t, "one\n", "two\n")

	_, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, f.runner.Apply(ctx, f.task, p))

	_, err = f.runner.Commit(ctx, f.task, p, "too early")
	require.ErrorIs(t, err, phase.ErrOrder)
	assert.Equal(t, []phase.Phase{phase.BranchIsolated, phase.PatchApplied}, f.phases(t))
}

func TestApplyWithoutIsolateIsOrderError(t *testing.T) {
	f := newFixture(t, "true", 10)
	p := f.build(t, "one\n", "two\n")

	err := f.runner.Apply(context.Background(), f.task, p)
	require.ErrorIs(t, err, phase.ErrOrder)
	assert.Equal(t, "one\n", gittest.ReadFile(t, f.dir, "x.txt"))
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "true", 10)
	p := f.build(t, "one\n", "two\n")

	_, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, f.runner.Apply(ctx, f.task, p))
	require.NoError(t, f.runner.Apply(ctx, f.task, p))

	assert.Equal(t, "two\n", gittest.ReadFile(t, f.dir, "x.txt"))
	assert.Equal(t, []phase.Phase{phase.BranchIsolated, phase.PatchApplied}, f.phases(t))
}

func TestApplyMismatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "true", 10)
	p := f.build(t, "one\n", "two\n")

	_, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	gittest.WriteFile(t, f.dir, "x.txt", "other\n")

	err = f.runner.Apply(ctx, f.task, p)
	require.ErrorIs(t, err, ErrPatchApply)
	assert.True(t, Recoverable(err))

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageApply, se.Stage)
	assert.Contains(t, err.Error(), "tree clean")

	assert.Equal(t, "other\n", gittest.ReadFile(t, f.dir, "x.txt"))
	assert.Equal(t, []phase.Phase{phase.BranchIsolated}, f.phases(t))
}

func TestRollbackFailureQuarantinesTree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "echo junk > x.txt; exit 1", 10)
	p := f.build(t, "one\n", "two\n")

	_, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, f.runner.Apply(ctx, f.task, p))

	err = f.runner.Test(ctx, f.task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTestFailed)
	assert.ErrorIs(t, err, ErrRollback)
	assert.True(t, Dirty(err))
	assert.False(t, Recoverable(err))
	assert.Contains(t, err.Error(), "tree dirty")

	st, err := f.state.Tree(f.runner.Tree())
	require.NoError(t, err)
	assert.True(t, st.Dirty)
	assert.Equal(t, f.task.ID, st.TaskID)
	assert.Contains(t, f.outcomes(t), audit.FailedRollback)

	// Every later operation is refused without touching the tree.
	err = f.runner.Preflight(f.task.ID)
	require.ErrorIs(t, err, ErrDirtyTree)
	_, err = f.runner.Isolate(ctx, f.task)
	require.ErrorIs(t, err, ErrDirtyTree)
	require.ErrorIs(t, f.runner.Apply(ctx, f.task, p), ErrDirtyTree)
	assert.Equal(t, "junk\n", gittest.ReadFile(t, f.dir, "x.txt"))
}

func TestDirtyFlagVisibleToOtherProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "echo junk > x.txt; exit 1", 10)
	p := f.build(t, "one\n", "two\n")

	_, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, f.runner.Apply(ctx, f.task, p))
	require.Error(t, f.runner.Test(ctx, f.task))

	// A second runner with its own connection to the same state file.
	st2, err := state.New(f.dbPath)
	require.NoError(t, err)
	defer st2.Close()
	other, err := New(Options{Repo: git.New(f.dir), State: st2, Audit: f.audit, Verify: f.runner.verify})
	require.NoError(t, err)

	err = other.Preflight("another-task")
	require.ErrorIs(t, err, ErrDirtyTree)
}

func TestClearDirtyLiftsQuarantine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "echo junk > x.txt; exit 1", 10)
	p := f.build(t, "one\n", "two\n")

	_, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, f.runner.Apply(ctx, f.task, p))
	require.Error(t, f.runner.Test(ctx, f.task))

	gittest.Run(t, f.dir, "checkout", "--", "x.txt")
	require.NoError(t, f.runner.ClearDirty("restored by hand"))

	assert.Empty(t, f.phases(t))
	require.NoError(t, f.runner.Preflight(f.task.ID))
	_, err = f.state.Applied(f.runner.Tree(), f.task.ID)
	assert.ErrorIs(t, err, state.ErrNoAppliedPatch)
}

func TestTimeoutRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "sleep 30", 1)
	p := f.build(t, "one\n", "two\n")

	_, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, f.runner.Apply(ctx, f.task, p))

	err = f.runner.Test(ctx, f.task)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, errors.Is(err, agent.ErrTimeout))
	assert.True(t, Recoverable(err))
	assert.Equal(t, "one\n", gittest.ReadFile(t, f.dir, "x.txt"))
	assert.Equal(t, []phase.Phase{phase.BranchIsolated}, f.phases(t))
}

func TestPreflightRejectsUncleanTree(t *testing.T) {
	f := newFixture(t, "true", 10)
	gittest.WriteFile(t, f.dir, "stray.txt", "left over\n")

	err := f.runner.Preflight(f.task.ID)
	require.ErrorIs(t, err, ErrUncleanTree)
	assert.False(t, Dirty(err))
}

func TestAbandonReturnsToBase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "exit 1", 10)
	p := f.build(t, "one\n", "two\n")

	base, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, f.runner.Apply(ctx, f.task, p))

	// Still applied: abandoning now would lose the patch.
	require.ErrorIs(t, f.runner.Abandon(ctx, f.task, base), phase.ErrOrder)

	require.ErrorIs(t, f.runner.Test(ctx, f.task), ErrTestFailed)
	require.NoError(t, f.runner.Abandon(ctx, f.task, base))

	assert.Equal(t, "main", gittest.Run(t, f.dir, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.False(t, git.New(f.dir).BranchExists(f.runner.Branch(f.task)))
	assert.Empty(t, f.phases(t))
}

func TestRefusedCommitLeavesIndexClean(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "true", 10)
	p := f.build(t, "one\n", "two\n")
	gittest.InstallHook(t, f.dir, "pre-commit", "exit 1")

	base, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, f.runner.Apply(ctx, f.task, p))
	require.NoError(t, f.runner.Test(ctx, f.task))

	_, err = f.runner.Commit(ctx, f.task, p, "[relay] edit x")
	require.Error(t, err)
	assert.False(t, Dirty(err))
	assert.Empty(t, gittest.Run(t, f.dir, "diff", "--cached", "--name-only"))

	require.NoError(t, f.runner.Rollback(ctx, f.task))
	require.NoError(t, f.runner.Abandon(ctx, f.task, base))
	assert.Empty(t, gittest.Run(t, f.dir, "status", "--porcelain"))
	assert.Equal(t, "one\n", gittest.ReadFile(t, f.dir, "x.txt"))
	assert.Equal(t, "main", gittest.Run(t, f.dir, "rev-parse", "--abbrev-ref", "HEAD"))

	// The next cycle starts from a clean tree.
	gittest.RemoveHook(t, f.dir, "pre-commit")
	require.NoError(t, f.runner.Preflight(f.task.ID))
}

// clearFailingState fails ClearApplied once armed.
type clearFailingState struct {
	*state.Store
	armed bool
}

func (s *clearFailingState) ClearApplied(tree, taskID string) error {
	if s.armed {
		return errors.New("database is locked")
	}
	return s.Store.ClearApplied(tree, taskID)
}

func TestRollbackErrorInTestIsNotRecoverable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "exit 1", 10)
	st := &clearFailingState{Store: f.state}
	r, err := New(Options{
		Repo:   git.New(f.dir),
		State:  st,
		Audit:  f.audit,
		Verify: agent.NewCLIRunner("verify", config.Command{Cmd: "sh", Args: []string{"-c", "exit 1"}, TimeoutSec: 10}),
	})
	require.NoError(t, err)
	p := f.build(t, "one\n", "two\n")

	_, err = r.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, r.Apply(ctx, f.task, p))
	st.armed = true

	err = r.Test(ctx, f.task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTestFailed)
	assert.ErrorIs(t, err, ErrRollback)
	assert.False(t, Dirty(err))
	assert.False(t, Recoverable(err))
}

func TestIntegrateMergesIntoBase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "true", 10)
	p := f.build(t, "one\n", "two\n")

	base, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.NoError(t, f.runner.Apply(ctx, f.task, p))
	require.NoError(t, f.runner.Test(ctx, f.task))
	_, err = f.runner.Commit(ctx, f.task, p, "[relay] edit x")
	require.NoError(t, err)

	require.NoError(t, f.runner.Integrate(ctx, f.task, base))
	assert.Equal(t, "main", gittest.Run(t, f.dir, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, "two\n", gittest.ReadFile(t, f.dir, "x.txt"))
	assert.False(t, git.New(f.dir).BranchExists(f.runner.Branch(f.task)))
}

func TestReleaseKeepsBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "true", 10)
	p := f.build(t, "one\n", "two\n")

	base, err := f.runner.Isolate(ctx, f.task)
	require.NoError(t, err)
	require.ErrorIs(t, f.runner.Release(ctx, f.task, base), phase.ErrOrder)

	require.NoError(t, f.runner.Apply(ctx, f.task, p))
	require.NoError(t, f.runner.Test(ctx, f.task))
	_, err = f.runner.Commit(ctx, f.task, p, "[relay] edit x")
	require.NoError(t, err)

	require.NoError(t, f.runner.Release(ctx, f.task, base))
	assert.Equal(t, "main", gittest.Run(t, f.dir, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, "one\n", gittest.ReadFile(t, f.dir, "x.txt"))
	assert.True(t, git.New(f.dir).BranchExists(f.runner.Branch(f.task)))
}
