package patch

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/relay/internal/task"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return dir
}

// snapshot returns every file under dir keyed by relative path.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func sha(s string) string { return task.HashContent([]byte(s)) }

func TestStaleBeforeSHALeavesTreeUnchanged(t *testing.T) {
	dir := writeTree(t, map[string]string{"x.txt": "current\n"})
	before := snapshot(t, dir)

	_, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "x.txt", Mode: task.ModeModify, BeforeSHA: "abc123", Content: "new"},
	}})
	require.ErrorIs(t, err, ErrStaleEdit)

	var stale *StaleEditError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "x.txt", stale.Path)
	assert.Equal(t, "abc123", stale.Want)
	assert.Equal(t, sha("current\n"), stale.Got)

	assert.Equal(t, before, snapshot(t, dir))
}

func TestStaleEditRejectsWholeChangeSet(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.txt": "a\n", "b.txt": "b\n"})

	p, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "a.txt", Mode: task.ModeModify, BeforeSHA: sha("a\n"), Content: "A\n"},
		{Path: "b.txt", Mode: task.ModeDelete, BeforeSHA: sha("stale\n")},
	}})
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrStaleEdit)
}

func TestAddOverExistingIsStale(t *testing.T) {
	dir := writeTree(t, map[string]string{"x.txt": "x\n"})
	_, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "x.txt", Mode: task.ModeAdd, Content: "x2\n"},
	}})
	assert.ErrorIs(t, err, ErrStaleEdit)
}

func TestDeleteMissingIsStale(t *testing.T) {
	dir := writeTree(t, nil)
	_, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "gone.txt", Mode: task.ModeDelete, BeforeSHA: sha("x\n")},
	}})
	assert.ErrorIs(t, err, ErrStaleEdit)
}

func TestModifyWithoutBeforeSHA(t *testing.T) {
	dir := writeTree(t, map[string]string{"x.txt": "x\n"})
	_, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "x.txt", Mode: task.ModeModify, Content: "y\n"},
	}})
	assert.ErrorIs(t, err, task.ErrStructure)
}

func TestEmptyPatch(t *testing.T) {
	dir := writeTree(t, map[string]string{"x.txt": "same\n"})
	b := NewBuilder(dir)

	_, err := b.Build(nil)
	assert.ErrorIs(t, err, ErrEmptyPatch)

	_, err = b.Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "x.txt", Mode: task.ModeModify, BeforeSHA: sha("same\n"), Content: "same"},
	}})
	assert.ErrorIs(t, err, ErrEmptyPatch)
}

func TestModifyOutput(t *testing.T) {
	dir := writeTree(t, map[string]string{"x.txt": "one\ntwo\nthree\n"})
	p, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "x.txt", Mode: task.ModeModify, BeforeSHA: sha("one\ntwo\nthree\n"), Content: "one\n2\nthree\n"},
	}})
	require.NoError(t, err)

	want := "diff --git a/x.txt b/x.txt\n" +
		"--- a/x.txt\n" +
		"+++ b/x.txt\n" +
		"@@ -1,3 +1,3 @@\n" +
		" one\n" +
		"-two\n" +
		"+2\n" +
		" three\n"
	assert.Equal(t, want, p.String())

	files := p.Files()
	require.Len(t, files, 1)
	assert.Equal(t, sha("one\ntwo\nthree\n"), files[0].Before)
	assert.Equal(t, sha("one\n2\nthree\n"), files[0].After)
}

func TestAddAndDeleteOutput(t *testing.T) {
	dir := writeTree(t, map[string]string{"old.txt": "bye"})
	p, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "old.txt", Mode: task.ModeDelete, BeforeSHA: sha("bye")},
		{Path: "new.txt", Mode: task.ModeAdd, Content: "hi\nthere"},
	}})
	require.NoError(t, err)

	want := "diff --git a/new.txt b/new.txt\n" +
		"new file mode 100644\n" +
		"--- /dev/null\n" +
		"+++ b/new.txt\n" +
		"@@ -0,0 +1,2 @@\n" +
		"+hi\n" +
		"+there\n" +
		"diff --git a/old.txt b/old.txt\n" +
		"deleted file mode 100644\n" +
		"--- a/old.txt\n" +
		"+++ /dev/null\n" +
		"@@ -1 +0,0 @@\n" +
		"-bye\n" +
		"\\ No newline at end of file\n"
	assert.Equal(t, want, p.String())
	assert.Equal(t, []string{"new.txt", "old.txt"}, p.Paths())
}

func TestEmptyFileSections(t *testing.T) {
	dir := writeTree(t, map[string]string{"empty.txt": "", "keep.txt": "k\n"})
	p, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "empty.txt", Mode: task.ModeDelete, BeforeSHA: sha("")},
		{Path: "fresh.txt", Mode: task.ModeAdd},
		{Path: "keep.txt", Mode: task.ModeModify, BeforeSHA: sha("k\n"), Content: "K\n"},
	}})
	require.NoError(t, err)

	want := "diff --git a/empty.txt b/empty.txt\n" +
		"deleted file mode 100644\n" +
		"diff --git a/fresh.txt b/fresh.txt\n" +
		"new file mode 100644\n" +
		"diff --git a/keep.txt b/keep.txt\n" +
		"--- a/keep.txt\n" +
		"+++ b/keep.txt\n" +
		"@@ -1 +1 @@\n" +
		"-k\n" +
		"+K\n"
	assert.Equal(t, want, p.String())
	assert.Equal(t, []string{"empty.txt", "fresh.txt", "keep.txt"}, p.Paths())
	assert.Equal(t, sha(""), p.Files()[1].After)
}

func TestDeleteEmptyFileAlone(t *testing.T) {
	dir := writeTree(t, map[string]string{"empty.txt": ""})
	p, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "empty.txt", Mode: task.ModeDelete, BeforeSHA: sha("")},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"empty.txt"}, p.Paths())
	assert.Equal(t, task.ModeDelete, FromBytes(p.Bytes()).Files()[0].Mode)
}

func TestOutputIsDeterministic(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.txt": "a\n", "b.txt": "b\n"})
	ea := task.Edit{Path: "a.txt", Mode: task.ModeModify, BeforeSHA: sha("a\n"), Content: "A\n"}
	eb := task.Edit{Path: "b.txt", Mode: task.ModeModify, BeforeSHA: sha("b\n"), Content: "B\n"}

	b := NewBuilder(dir)
	p1, err := b.Build(&task.ChangeSet{Edits: []task.Edit{ea, eb}})
	require.NoError(t, err)
	p2, err := b.Build(&task.ChangeSet{Edits: []task.Edit{eb, ea}})
	require.NoError(t, err)

	assert.True(t, bytes.Equal(p1.Bytes(), p2.Bytes()))
}

func TestPatchAppliesWithGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	long := ""
	for i := range 20 {
		long += "line " + string(rune('a'+i)) + "\n"
	}
	edited := "line a\nLINE B\n" + long[len("line a\nline b\n"):len(long)-len("line t\n")] + "line t\nline u\n"

	dir := writeTree(t, map[string]string{
		"long.txt":    long,
		"noeol.txt":   "tail",
		"dir/gone.md": "remove me\n",
	})
	p, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "long.txt", Mode: task.ModeModify, BeforeSHA: sha(long), Content: edited},
		{Path: "noeol.txt", Mode: task.ModeModify, BeforeSHA: sha("tail"), Content: "tail\n"},
		{Path: "dir/gone.md", Mode: task.ModeDelete, BeforeSHA: sha("remove me\n")},
		{Path: "dir/new.go", Mode: task.ModeAdd, Content: "package dir\n"},
	}})
	require.NoError(t, err)

	applied, err := p.Applied(dir)
	require.NoError(t, err)
	assert.False(t, applied)

	cmd := exec.Command("git", "apply", "-")
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(p.Bytes())
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))

	got := snapshot(t, dir)
	assert.Equal(t, map[string]string{
		"long.txt":   edited,
		"noeol.txt":  "tail\n",
		"dir/new.go": "package dir\n",
	}, got)

	applied, err = p.Applied(dir)
	require.NoError(t, err)
	assert.True(t, applied)
}

func gitApply(t *testing.T, dir string, p *Patch, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"apply"}, append(args, "-")...)...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(p.Bytes())
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

func TestEmptyFilesRoundTripWithGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	before := map[string]string{"empty.txt": "", "full.txt": "a\nb\n"}
	dir := writeTree(t, before)
	p, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "empty.txt", Mode: task.ModeDelete, BeforeSHA: sha("")},
		{Path: "fresh.txt", Mode: task.ModeAdd},
		{Path: "full.txt", Mode: task.ModeModify, BeforeSHA: sha("a\nb\n")},
	}})
	require.NoError(t, err)

	gitApply(t, dir, p)
	assert.Equal(t, map[string]string{"fresh.txt": "", "full.txt": ""}, snapshot(t, dir))
	applied, err := p.Applied(dir)
	require.NoError(t, err)
	assert.True(t, applied)

	gitApply(t, dir, p, "--reverse")
	assert.Equal(t, before, snapshot(t, dir))
}

func TestHunkEditIsVerbatim(t *testing.T) {
	dir := writeTree(t, map[string]string{"x.txt": "a\nb\n"})
	hunk := "@@ -1,2 +1,2 @@\n a\n-b\n+c"
	p, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "x.txt", Mode: task.ModeModify, BeforeSHA: sha("a\nb\n"), Hunk: hunk},
	}})
	require.NoError(t, err)
	assert.Equal(t, "diff --git a/x.txt b/x.txt\n--- a/x.txt\n+++ b/x.txt\n"+hunk+"\n", p.String())
	assert.Empty(t, p.Files()[0].After)
}

func TestFromBytes(t *testing.T) {
	dir := writeTree(t, map[string]string{"m.txt": "m\n", "d.txt": "d\n"})
	p, err := NewBuilder(dir).Build(&task.ChangeSet{Edits: []task.Edit{
		{Path: "m.txt", Mode: task.ModeModify, BeforeSHA: sha("m\n"), Content: "M\n"},
		{Path: "d.txt", Mode: task.ModeDelete, BeforeSHA: sha("d\n")},
		{Path: "a.txt", Mode: task.ModeAdd, Content: "a\n"},
	}})
	require.NoError(t, err)

	back := FromBytes(p.Bytes())
	assert.Equal(t, p.Bytes(), back.Bytes())
	var modes []task.Mode
	for _, f := range back.Files() {
		modes = append(modes, f.Mode)
	}
	assert.Equal(t, []string{"a.txt", "d.txt", "m.txt"}, back.Paths())
	assert.Equal(t, []task.Mode{task.ModeAdd, task.ModeDelete, task.ModeModify}, modes)
}
