package task

import (
	"path"
	"strconv"
	"strings"
)

// Validate checks the fields every stored task must carry.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return structErr("id", "required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return structErr("title", "required")
	}
	switch t.Type {
	case TypeMicro, TypeStory, TypeEpic:
	default:
		return structErr("type", "unknown type %q", t.Type)
	}
	switch t.Status {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusDone, StatusArchived:
	default:
		return structErr("status", "unknown status %q", t.Status)
	}
	if t.CreatedAt.IsZero() {
		return structErr("created_at", "required")
	}
	for _, d := range t.Deps {
		if d == t.ID {
			return structErr("deps", "task depends on itself")
		}
	}
	if t.ChangeSet != nil {
		return t.ChangeSet.Validate()
	}
	return nil
}

// Validate checks edit modes, paths and per-mode requirements. It does not
// look at the working tree.
func (cs *ChangeSet) Validate() error {
	seen := make(map[string]bool, len(cs.Edits))
	for i, e := range cs.Edits {
		field := "change_set.edits[" + strconv.Itoa(i) + "]"
		if err := ValidatePath(e.Path); err != nil {
			return &StructureError{Field: field + ".path", Msg: "invalid path", Err: err}
		}
		if seen[e.Path] {
			return structErr(field+".path", "duplicate path %q", e.Path)
		}
		seen[e.Path] = true

		// Empty content is allowed: it creates an empty file or truncates one.
		switch e.Mode {
		case ModeAdd, ModeModify, ModeDelete:
		default:
			return structErr(field+".mode", "unknown mode %q", e.Mode)
		}
	}
	return nil
}

// ValidatePath rejects paths that are absolute, unclean or escape the tree.
func ValidatePath(p string) error {
	if p == "" || p == "." {
		return structErr("path", "empty")
	}
	if strings.Contains(p, "\\") {
		return structErr("path", "%q must use forward slashes", p)
	}
	if path.IsAbs(p) {
		return structErr("path", "%q must be relative", p)
	}
	if path.Clean(p) != p {
		return structErr("path", "%q is not clean", p)
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return structErr("path", "%q escapes the working tree", p)
	}
	if p == ".git" || strings.HasPrefix(p, ".git/") {
		return structErr("path", "%q is inside .git", p)
	}
	return nil
}
