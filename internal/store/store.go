// Package store persists relay tasks in a single JSON file guarded by an
// in-process mutex and a cross-process file lock.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imkarma/relay/internal/lock"
	"github.com/imkarma/relay/internal/task"
)

const fileVersion = 1

var (
	// ErrNotFound is returned when no task has the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateID is wrapped in the StructureError returned by Add.
	ErrDuplicateID = errors.New("duplicate task id")
	// ErrInvalidTransition is returned for a status move the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DefaultLockTimeout bounds how long a caller waits for the store lock.
const DefaultLockTimeout = 10 * time.Second

type document struct {
	Version int          `json:"version"`
	Tasks   []*task.Task `json:"tasks"`
}

// Store provides access to the task file.
type Store struct {
	path        string
	root        string
	lockTimeout time.Duration
	now         func() time.Time
	newID       func() string
	log         *zap.Logger

	mu   sync.Mutex
	lock *lock.FileLock
}

// Option configures a Store.
type Option func(*Store)

// WithRepoRoot sets the working tree used to compute before_sha for edits
// that arrive without one.
func WithRepoRoot(root string) Option {
	return func(s *Store) { s.root = root }
}

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for recovery events.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New opens the task file at path, creating an empty one if needed.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		root:        ".",
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
		log:         zap.NewNop(),
		lock:        lock.NewFileLock(path + ".lock"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	err := s.withLock(func() error {
		if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
			return s.save(&document{Version: fileVersion})
		}
		_, err := s.load()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(s.lockTimeout); err != nil {
		return fmt.Errorf("lock task store: %w", err)
	}
	defer s.lock.Unlock()
	return fn()
}

// Add validates t, fills in defaults and appends it. The stored copy is
// returned; t itself is not modified.
func (s *Store) Add(t *task.Task) (*task.Task, error) {
	nt := t.Clone()
	if nt.ID == "" {
		nt.ID = s.newID()
	}
	if nt.Status == "" {
		nt.Status = task.StatusOpen
	}
	if nt.Type == "" {
		nt.Type = task.TypeMicro
	}
	if nt.CreatedAt.IsZero() {
		nt.CreatedAt = s.now().UTC()
	}
	if err := nt.Validate(); err != nil {
		return nil, err
	}
	if err := s.injectBeforeSHA(nt.ChangeSet); err != nil {
		return nil, err
	}

	err := s.withLock(func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		for _, existing := range doc.Tasks {
			if existing.ID == nt.ID {
				return &task.StructureError{Field: "id", Msg: fmt.Sprintf("%q already exists", nt.ID), Err: ErrDuplicateID}
			}
		}
		doc.Tasks = append(doc.Tasks, nt)
		return s.save(doc)
	})
	if err != nil {
		return nil, err
	}
	return nt.Clone(), nil
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (*task.Task, error) {
	var out *task.Task
	err := s.withLock(func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		t, _ := find(doc, id)
		if t == nil {
			return fmt.Errorf("get %s: %w", id, ErrNotFound)
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

// Patch lists the fields Update may change. Nil fields are left alone.
type Patch struct {
	Title         *string
	Description   *string
	Status        *task.Status
	BlockedReason *string
	ChangeSet     *task.ChangeSet
	CommitSHA     *string
	FileHashes    map[string]string
}

// Update applies p to the task with the given id. Status changes must
// follow the task lifecycle.
func (s *Store) Update(id string, p Patch) (*task.Task, error) {
	if p.ChangeSet != nil {
		if err := p.ChangeSet.Validate(); err != nil {
			return nil, err
		}
		p.ChangeSet = p.ChangeSet.Clone()
		if err := s.injectBeforeSHA(p.ChangeSet); err != nil {
			return nil, err
		}
	}

	var out *task.Task
	err := s.mutate(id, func(t *task.Task) error {
		if p.Status != nil && *p.Status != t.Status {
			if !task.CanTransition(t.Status, *p.Status) {
				return fmt.Errorf("update %s: %s -> %s: %w", id, t.Status, *p.Status, ErrInvalidTransition)
			}
			t.Status = *p.Status
		}
		if p.Title != nil {
			t.Title = *p.Title
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.BlockedReason != nil {
			t.BlockedReason = *p.BlockedReason
		}
		if p.ChangeSet != nil {
			t.ChangeSet = p.ChangeSet
		}
		if p.CommitSHA != nil {
			t.CommitSHA = *p.CommitSHA
		}
		if p.FileHashes != nil {
			t.FileHashes = p.FileHashes
		}
		if err := t.Validate(); err != nil {
			return err
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

// Unblock is the operator action that returns a blocked task to open.
func (s *Store) Unblock(id string) (*task.Task, error) {
	var out *task.Task
	err := s.mutate(id, func(t *task.Task) error {
		if t.Status != task.StatusBlocked {
			return fmt.Errorf("unblock %s: status is %s: %w", id, t.Status, ErrInvalidTransition)
		}
		t.Status = task.StatusOpen
		t.BlockedReason = ""
		out = t.Clone()
		return nil
	})
	return out, err
}

func (s *Store) mutate(id string, fn func(*task.Task) error) error {
	return s.withLock(func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		t, _ := find(doc, id)
		if t == nil {
			return fmt.Errorf("update %s: %w", id, ErrNotFound)
		}
		if err := fn(t); err != nil {
			return err
		}
		t.UpdatedAt = s.now().UTC()
		return s.save(doc)
	})
}

// Filter selects tasks for List. Zero fields match everything; archived
// tasks are only returned when asked for by status or with All.
type Filter struct {
	Status   task.Status
	Type     task.Type
	ParentID string
	All      bool
}

func (f Filter) match(t *task.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Status == "" && !f.All && t.Status == task.StatusArchived {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	return true
}

// List returns matching tasks in insertion order.
func (s *Store) List(f Filter) ([]*task.Task, error) {
	var out []*task.Task
	err := s.withLock(func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		for _, t := range doc.Tasks {
			if f.match(t) {
				out = append(out, t.Clone())
			}
		}
		return nil
	})
	return out, err
}

// ArchiveCompleted moves every done task to archived and returns how many
// were moved.
func (s *Store) ArchiveCompleted() (int, error) {
	n := 0
	err := s.withLock(func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, t := range doc.Tasks {
			if t.Status == task.StatusDone {
				t.Status = task.StatusArchived
				t.UpdatedAt = now
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return s.save(doc)
	})
	return n, err
}

// PropagateBeforeSHA refreshes before_sha on open tasks whose edits touch
// a path that a commit just changed. hashes maps path to the new blob
// hash; an empty hash means the path was deleted and is skipped. It
// returns the number of tasks rewritten.
func (s *Store) PropagateBeforeSHA(hashes map[string]string) (int, error) {
	n := 0
	err := s.withLock(func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, t := range doc.Tasks {
			if t.Status != task.StatusOpen || t.ChangeSet == nil {
				continue
			}
			changed := false
			for i := range t.ChangeSet.Edits {
				e := &t.ChangeSet.Edits[i]
				h, ok := hashes[e.Path]
				if !ok || h == "" || e.Mode == task.ModeAdd || e.BeforeSHA == h {
					continue
				}
				e.BeforeSHA = h
				changed = true
			}
			if changed {
				t.UpdatedAt = now
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return s.save(doc)
	})
	return n, err
}

// injectBeforeSHA fills before_sha for modify/delete edits that lack one.
func (s *Store) injectBeforeSHA(cs *task.ChangeSet) error {
	if cs == nil {
		return nil
	}
	for i := range cs.Edits {
		e := &cs.Edits[i]
		if e.Mode == task.ModeAdd || e.BeforeSHA != "" {
			continue
		}
		sum, exists, err := task.HashFile(s.root, e.Path)
		if err != nil {
			return err
		}
		if !exists {
			return &task.StructureError{
				Field: "change_set.edits." + e.Path,
				Msg:   fmt.Sprintf("%s target does not exist", e.Mode),
				Err:   fs.ErrNotExist,
			}
		}
		e.BeforeSHA = sum
	}
	return nil
}

func find(doc *document, id string) (*task.Task, int) {
	for i, t := range doc.Tasks {
		if t.ID == id {
			return t, i
		}
	}
	return nil, -1
}
