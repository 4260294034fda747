// Package task defines the task record that moves through a relay cycle,
// the change set it carries, and the structural rules both must obey.
package task

import "time"

// Status represents where a task is in its lifecycle.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusArchived   Status = "archived"
)

// Type is the size class of a task.
type Type string

const (
	TypeMicro Type = "micro"
	TypeStory Type = "story"
	TypeEpic  Type = "epic"
)

// Mode is what an edit does to its path.
type Mode string

const (
	ModeAdd    Mode = "add"
	ModeModify Mode = "modify"
	ModeDelete Mode = "delete"
)

// Edit is a single file change. BeforeSHA is the blob hash the file must
// have right before the edit is applied; it is required for modify and
// delete. Hunk, when set, is used verbatim as the file's hunk body and
// Content is ignored.
type Edit struct {
	Path      string `json:"path"`
	Mode      Mode   `json:"mode"`
	BeforeSHA string `json:"before_sha,omitempty"`
	Content   string `json:"content,omitempty"`
	Hunk      string `json:"hunk,omitempty"`
}

// ChangeSet is the ordered list of edits a task wants to make.
type ChangeSet struct {
	Edits   []Edit `json:"edits"`
	Message string `json:"message,omitempty"`
}

// Paths returns the edited paths in change set order.
func (cs *ChangeSet) Paths() []string {
	if cs == nil {
		return nil
	}
	paths := make([]string, 0, len(cs.Edits))
	for _, e := range cs.Edits {
		paths = append(paths, e.Path)
	}
	return paths
}

// Clone returns a deep copy so callers can mutate edits freely.
func (cs *ChangeSet) Clone() *ChangeSet {
	if cs == nil {
		return nil
	}
	out := &ChangeSet{Message: cs.Message, Edits: make([]Edit, len(cs.Edits))}
	copy(out.Edits, cs.Edits)
	return out
}

// Task is a unit of work. Depth counts how many failure spawns separate
// it from an operator-created task.
type Task struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Type          Type              `json:"type"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at,omitzero"`
	ChangeSet     *ChangeSet        `json:"change_set,omitempty"`
	ParentID      string            `json:"parent_id,omitempty"`
	Deps          []string          `json:"deps,omitempty"`
	Depth         int               `json:"depth,omitempty"`
	BlockedReason string            `json:"blocked_reason,omitempty"`
	CommitSHA     string            `json:"commit_sha,omitempty"`
	FileHashes    map[string]string `json:"file_hashes,omitempty"`
}

// ShortID returns the first eight characters of the id, used for branch
// names and commit subjects.
func (t *Task) ShortID() string {
	if len(t.ID) <= 8 {
		return t.ID
	}
	return t.ID[:8]
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.ChangeSet = t.ChangeSet.Clone()
	if t.Deps != nil {
		c.Deps = append([]string(nil), t.Deps...)
	}
	if t.FileHashes != nil {
		c.FileHashes = make(map[string]string, len(t.FileHashes))
		for k, v := range t.FileHashes {
			c.FileHashes[k] = v
		}
	}
	return &c
}

// Finished reports whether the task satisfies a dependency.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusArchived
}

// transitions lists the status moves a cycle may make. blocked->open is
// deliberately absent: only an operator unblock may do that.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress},
	StatusInProgress: {StatusDone, StatusBlocked},
	StatusDone:       {StatusArchived},
	StatusBlocked:    {StatusArchived},
}

// CanTransition reports whether a task may move from one status to another
// during normal processing.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
