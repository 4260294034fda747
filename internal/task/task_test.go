package task

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask() *Task {
	return &Task{
		ID:        "t1",
		Title:     "rename helper",
		Type:      TypeMicro,
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validTask().Validate())

	tk := validTask()
	tk.Title = "  "
	err := tk.Validate()
	require.ErrorIs(t, err, ErrStructure)

	var se *StructureError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "title", se.Field)

	tk = validTask()
	tk.Type = "saga"
	assert.ErrorIs(t, tk.Validate(), ErrStructure)

	tk = validTask()
	tk.Deps = []string{"t1"}
	assert.ErrorIs(t, tk.Validate(), ErrStructure)
}

func TestChangeSetValidate(t *testing.T) {
	cases := []struct {
		name string
		cs   ChangeSet
		ok   bool
	}{
		{"modify", ChangeSet{Edits: []Edit{{Path: "a.txt", Mode: ModeModify, Content: "x"}}}, true},
		{"delete", ChangeSet{Edits: []Edit{{Path: "dir/a.txt", Mode: ModeDelete}}}, true},
		{"unknown mode", ChangeSet{Edits: []Edit{{Path: "a.txt", Mode: "rename"}}}, false},
		{"add empty file", ChangeSet{Edits: []Edit{{Path: "a.txt", Mode: ModeAdd}}}, true},
		{"truncate", ChangeSet{Edits: []Edit{{Path: "a.txt", Mode: ModeModify, BeforeSHA: "abc"}}}, true},
		{"duplicate", ChangeSet{Edits: []Edit{
			{Path: "a.txt", Mode: ModeDelete},
			{Path: "a.txt", Mode: ModeDelete},
		}}, false},
		{"escape", ChangeSet{Edits: []Edit{{Path: "../a.txt", Mode: ModeDelete}}}, false},
		{"absolute", ChangeSet{Edits: []Edit{{Path: "/etc/passwd", Mode: ModeDelete}}}, false},
		{"unclean", ChangeSet{Edits: []Edit{{Path: "a//b.txt", Mode: ModeDelete}}}, false},
		{"git dir", ChangeSet{Edits: []Edit{{Path: ".git/config", Mode: ModeDelete}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cs.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrStructure)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusOpen, StatusInProgress))
	assert.True(t, CanTransition(StatusInProgress, StatusBlocked))
	assert.True(t, CanTransition(StatusInProgress, StatusDone))
	assert.True(t, CanTransition(StatusDone, StatusArchived))
	assert.True(t, CanTransition(StatusBlocked, StatusArchived))

	assert.False(t, CanTransition(StatusBlocked, StatusOpen))
	assert.False(t, CanTransition(StatusOpen, StatusDone))
	assert.False(t, CanTransition(StatusArchived, StatusOpen))
	assert.False(t, CanTransition(StatusDone, StatusInProgress))
}

func TestHashMatchesGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	content := []byte("hello relay\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), content, 0644))

	out, err := exec.Command("git", "hash-object", filepath.Join(dir, "x.txt")).Output()
	require.NoError(t, err)

	sum, exists, err := HashFile(dir, "x.txt")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, strings.TrimSpace(string(out)), sum)
	assert.Equal(t, sum, HashContent(content))

	_, exists, err = HashFile(dir, "missing.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCloneIsDeep(t *testing.T) {
	tk := validTask()
	tk.ChangeSet = &ChangeSet{Edits: []Edit{{Path: "a.txt", Mode: ModeDelete}}}
	tk.FileHashes = map[string]string{"a.txt": "abc"}

	c := tk.Clone()
	c.ChangeSet.Edits[0].Path = "b.txt"
	c.FileHashes["a.txt"] = "def"

	assert.Equal(t, "a.txt", tk.ChangeSet.Edits[0].Path)
	assert.Equal(t, "abc", tk.FileHashes["a.txt"])
}
