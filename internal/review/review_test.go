package review

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/relay/internal/config"
	"github.com/imkarma/relay/internal/patch"
	"github.com/imkarma/relay/internal/task"
)

var tk = &task.Task{ID: "t1", Title: "tidy"}

func buildPatch(t *testing.T, content string) *patch.Patch {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.go"), []byte("package x\n"), 0644))
	p, err := patch.NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{{
		Path: "x.go", Mode: task.ModeModify,
		BeforeSHA: task.HashContent([]byte("package x\n")),
		Content:   content,
	}}})
	require.NoError(t, err)
	return p
}

func TestRegistry(t *testing.T) {
	assert.Subset(t, Strategies(), []string{"approve", "command", "rules"})

	_, err := New(config.Review{Strategy: "oracle"}, ".")
	assert.Error(t, err)

	r, err := New(config.Review{Strategy: "approve"}, ".")
	require.NoError(t, err)
	v, err := r.Review(context.Background(), nil, tk)
	require.NoError(t, err)
	assert.True(t, v.Pass)

	Register("never", func(config.Review, string) (Reviewer, error) {
		return Func(func(context.Context, *patch.Patch, *task.Task) (Verdict, error) {
			return Verdict{Rationale: "no"}, nil
		}), nil
	})
	r, err = New(config.Review{Strategy: "never"}, ".")
	require.NoError(t, err)
	v, err = r.Review(context.Background(), nil, tk)
	require.NoError(t, err)
	assert.False(t, v.Pass)
}

func TestRulesDefaults(t *testing.T) {
	r, err := NewRules(config.Review{})
	require.NoError(t, err)
	ctx := context.Background()

	v, err := r.Review(ctx, buildPatch(t, "package x\n\nfunc A() {}\n"), tk)
	require.NoError(t, err)
	assert.True(t, v.Pass, v.Rationale)

	v, err = r.Review(ctx, buildPatch(t, "package x\n\n// TODO: finish\n"), tk)
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Contains(t, v.Rationale, "TODO")

	v, err = r.Review(ctx, nil, tk)
	require.NoError(t, err)
	assert.False(t, v.Pass)
}

func TestRulesSizeLimit(t *testing.T) {
	r, err := NewRules(config.Review{MaxLines: 10})
	require.NoError(t, err)

	v, err := r.Review(context.Background(), buildPatch(t, "package x\n"+strings.Repeat("var _ = 1\n", 20)), tk)
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Contains(t, v.Rationale, "too large")
}

func TestRulesPatterns(t *testing.T) {
	r, err := NewRules(config.Review{Rules: []config.Rule{
		{Type: "forbid", Pattern: `fmt\.Println`, Message: "no debug prints"},
		{Type: "require", Pattern: `func `},
	}})
	require.NoError(t, err)
	ctx := context.Background()

	v, err := r.Review(ctx, buildPatch(t, "package x\n\nfunc A() { fmt.Println() }\n"), tk)
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Equal(t, "no debug prints", v.Rationale)

	v, err = r.Review(ctx, buildPatch(t, "package x\n\nvar A = 1\n"), tk)
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Contains(t, v.Rationale, "required pattern")

	v, err = r.Review(ctx, buildPatch(t, "package x\n\nfunc A() {}\n"), tk)
	require.NoError(t, err)
	assert.True(t, v.Pass)
}

func TestCommandReviewer(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no shell")
	}
	p := buildPatch(t, "package x\n\nfunc A() {}\n")
	ctx := context.Background()

	cases := []struct {
		script string
		pass   bool
		want   string
	}{
		{`grep -q "func A" && printf 'VERDICT: APPROVE\nCOMMENTS:\n- fine\n'`, true, "fine"},
		{`printf 'VERDICT: REJECT\nCOMMENTS:\n- needs tests for %s\n' "$RELAY_TASK_ID"`, false, "needs tests for t1"},
		{`cat >/dev/null; exit 0`, true, ""},
		{`echo nope >&2; exit 1`, false, "nope"},
	}
	for _, tc := range cases {
		r, err := New(config.Review{Strategy: "command", Cmd: "sh", Args: []string{"-c", tc.script}, TimeoutSec: 10}, t.TempDir())
		require.NoError(t, err)
		v, err := r.Review(ctx, p, tk)
		require.NoError(t, err, tc.script)
		assert.Equal(t, tc.pass, v.Pass, tc.script)
		assert.Contains(t, v.Rationale, tc.want, tc.script)
	}
}
