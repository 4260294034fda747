package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/relay/internal/phase"
)

func testState(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestPhasesRoundTrip(t *testing.T) {
	s, _ := testState(t)

	got, err := s.Phases("/repo", "t1")
	require.NoError(t, err)
	assert.Empty(t, got)

	want := []phase.Phase{phase.BranchIsolated, phase.PatchApplied}
	require.NoError(t, s.SetPhases("/repo", "t1", want))

	got, err = s.Phases("/repo", "t1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.SetPhases("/repo", "t1", want[:1]))
	got, err = s.Phases("/repo", "t1")
	require.NoError(t, err)
	assert.Equal(t, want[:1], got)

	got, err = s.Phases("/other", "t1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirtyFlagVisibleToSecondConnection(t *testing.T) {
	s, path := testState(t)

	st, err := s.Tree("/repo")
	require.NoError(t, err)
	assert.False(t, st.Dirty)

	require.NoError(t, s.SetDirty("/repo", "t1", "reverse apply failed"))

	other, err := New(path)
	require.NoError(t, err)
	defer other.Close()

	st, err = other.Tree("/repo")
	require.NoError(t, err)
	assert.True(t, st.Dirty)
	assert.Equal(t, "t1", st.TaskID)
	assert.Equal(t, "reverse apply failed", st.Reason)

	dirty, err := other.DirtyTrees()
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "/repo", dirty[0].Tree)

	require.NoError(t, other.ClearDirty("/repo", "operator"))
	st, err = s.Tree("/repo")
	require.NoError(t, err)
	assert.False(t, st.Dirty)
	assert.Equal(t, "operator", st.Reason)
}

func TestGuardOverSQLite(t *testing.T) {
	s, _ := testState(t)
	g := phase.NewGuard(s, "/repo")

	require.ErrorIs(t, g.Require("t1", "test", phase.PatchApplied), phase.ErrOrder)
	require.NoError(t, g.Mark("t1", phase.BranchIsolated))
	require.NoError(t, g.Mark("t1", phase.PatchApplied))
	require.NoError(t, g.Require("t1", "test", phase.PatchApplied))
}

func TestAppliedPatch(t *testing.T) {
	s, _ := testState(t)

	_, err := s.Applied("/repo", "t1")
	require.ErrorIs(t, err, ErrNoAppliedPatch)

	require.NoError(t, s.SaveApplied("/repo", "t1", []byte("diff one")))
	require.NoError(t, s.SaveApplied("/repo", "t1", []byte("diff two")))

	got, err := s.Applied("/repo", "t1")
	require.NoError(t, err)
	assert.Equal(t, "diff two", string(got))

	require.NoError(t, s.ClearApplied("/repo", "t1"))
	_, err = s.Applied("/repo", "t1")
	assert.ErrorIs(t, err, ErrNoAppliedPatch)
}
