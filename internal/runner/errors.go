package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrPatchApply means the patch did not apply. Nothing was written.
	ErrPatchApply = errors.New("patch does not apply")
	// ErrTestFailed means the verification suite exited non-zero.
	ErrTestFailed = errors.New("verification failed")
	// ErrTimeout means the verification suite was killed for running too long.
	ErrTimeout = errors.New("verification timed out")
	// ErrRollback means the applied patch could not be reversed or its
	// reversal could not be recorded. The tree is quarantined when the
	// StageError says it is dirty.
	ErrRollback = errors.New("rollback failed")
	// ErrDirtyTree means the tree is quarantined by an earlier failed
	// rollback and refuses all mutation.
	ErrDirtyTree = errors.New("working tree is quarantined")
	// ErrUncleanTree means the tree has uncommitted changes before a cycle.
	ErrUncleanTree = errors.New("working tree has uncommitted changes")
)

// StageError reports where a cycle failed and whether the tree was left
// dirty.
type StageError struct {
	Stage  string
	TaskID string
	Dirty  bool
	Err    error
	Output string // verification output, if any
}

func (e *StageError) Error() string {
	state := "clean"
	if e.Dirty {
		state = "dirty"
	}
	return fmt.Sprintf("%s failed for task %s (tree %s): %v", e.Stage, e.TaskID, state, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Recoverable reports whether err is a failure the retry loop may answer
// with another attempt: the patch did not apply or verification failed,
// the tree is still clean and no rollback went wrong.
func Recoverable(err error) bool {
	var se *StageError
	if !errors.As(err, &se) || se.Dirty || errors.Is(err, ErrRollback) {
		return false
	}
	return errors.Is(err, ErrPatchApply) || errors.Is(err, ErrTestFailed) || errors.Is(err, ErrTimeout)
}

// Dirty reports whether err left the tree quarantined.
func Dirty(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Dirty
}
