package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), ".relay", "audit.jsonl"))
	require.NoError(t, err)
	return l
}

func TestAppendAndReplay(t *testing.T) {
	l := testLog(t)

	require.NoError(t, l.Record("t1", "branch_isolated", OK, "relay/task-t1"))
	require.NoError(t, l.Record("t2", "branch_isolated", OK, ""))
	require.NoError(t, l.Record("t1", "patch_applied", Started, "attempt 1"))
	require.NoError(t, l.Record("t1", "tests_passed", Failed, "exit 1"))
	require.NoError(t, l.Record("t1", PhaseRollback, RolledBack, ""))

	got, err := l.Replay("t1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "branch_isolated", got[0].Phase)
	assert.Equal(t, RolledBack, got[3].Outcome)
	assert.False(t, got[0].Timestamp.IsZero())

	sum := Summarize(got)
	assert.Equal(t, 4, sum.Entries)
	assert.Equal(t, 1, sum.Attempts)
	assert.Equal(t, 1, sum.Rollbacks)
	assert.Equal(t, PhaseRollback, sum.LastPhase)

	all, err := l.Entries()
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestLineFormat(t *testing.T) {
	l := testLog(t)
	require.NoError(t, l.Record("t1", "committed", OK, "abc123"))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	line := strings.TrimSuffix(string(data), "\n")
	assert.NotContains(t, line, "\n")
	for _, key := range []string{`"timestamp"`, `"task_id":"t1"`, `"phase":"committed"`, `"outcome":"ok"`, `"detail":"abc123"`} {
		assert.Contains(t, line, key)
	}
}

func TestTornTailIsSkippedAndRepaired(t *testing.T) {
	l := testLog(t)
	require.NoError(t, l.Record("t1", "branch_isolated", OK, ""))

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-01-01T00:00:00Z","task_id":"t1","pha`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := l.Replay("t1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, l.Record("t1", "patch_applied", OK, ""))
	got, err = l.Replay("t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "patch_applied", got[1].Phase)
}

func TestConcurrentAppendersAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			l, err := Open(path)
			if err != nil {
				return err
			}
			for j := range 10 {
				if err := l.Record(fmt.Sprintf("t%d", i), "cycle", Started, fmt.Sprint(j)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	l, err := Open(path)
	require.NoError(t, err)
	all, err := l.Entries()
	require.NoError(t, err)
	assert.Len(t, all, 80)
}
