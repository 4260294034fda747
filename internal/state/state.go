// Package state persists per-tree runner state in SQLite: phase records,
// the dirty flag and the patch currently applied for each task. Every
// read goes to the database so processes sharing a tree see one state.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/imkarma/relay/internal/phase"
)

// ErrNoAppliedPatch is returned when no patch is recorded for a task.
var ErrNoAppliedPatch = errors.New("no applied patch recorded")

// Store provides access to the state database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// One connection keeps the pragmas below in force for every query.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS phases (
		tree       TEXT NOT NULL,
		task_id    TEXT NOT NULL,
		phase      TEXT NOT NULL,
		marked_at  DATETIME NOT NULL,
		PRIMARY KEY (tree, task_id, phase)
	);

	CREATE TABLE IF NOT EXISTS trees (
		tree        TEXT PRIMARY KEY,
		dirty       INTEGER NOT NULL DEFAULT 0,
		task_id     TEXT DEFAULT '',
		reason      TEXT DEFAULT '',
		updated_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS applied (
		tree        TEXT NOT NULL,
		task_id     TEXT NOT NULL,
		patch       BLOB NOT NULL,
		created_at  DATETIME NOT NULL,
		PRIMARY KEY (tree, task_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Phases returns the marked phases for a task in sequence order.
func (s *Store) Phases(tree, taskID string) ([]phase.Phase, error) {
	rows, err := s.db.Query(
		"SELECT phase FROM phases WHERE tree = ? AND task_id = ?", tree, taskID)
	if err != nil {
		return nil, fmt.Errorf("query phases: %w", err)
	}
	defer rows.Close()

	marked := map[phase.Phase]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		marked[phase.Phase(p)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []phase.Phase
	for _, p := range phase.Sequence {
		if marked[p] {
			out = append(out, p)
			delete(marked, p)
		}
	}
	for p := range marked {
		out = append(out, p)
	}
	return out, nil
}

// SetPhases replaces the task's record in one transaction.
func (s *Store) SetPhases(tree, taskID string, phases []phase.Phase) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM phases WHERE tree = ? AND task_id = ?", tree, taskID); err != nil {
		return fmt.Errorf("clear phases: %w", err)
	}
	now := time.Now().UTC()
	for _, p := range phases {
		if _, err := tx.Exec(
			"INSERT INTO phases (tree, task_id, phase, marked_at) VALUES (?, ?, ?, ?)",
			tree, taskID, string(p), now,
		); err != nil {
			return fmt.Errorf("insert phase %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// TreeState is the dirty flag for one working tree.
type TreeState struct {
	Tree      string
	Dirty     bool
	TaskID    string
	Reason    string
	UpdatedAt time.Time
}

// Tree returns the state of a tree. Unknown trees are clean.
func (s *Store) Tree(tree string) (TreeState, error) {
	st := TreeState{Tree: tree}
	var dirty int
	err := s.db.QueryRow(
		"SELECT dirty, task_id, reason, updated_at FROM trees WHERE tree = ?", tree,
	).Scan(&dirty, &st.TaskID, &st.Reason, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("query tree %s: %w", tree, err)
	}
	st.Dirty = dirty != 0
	return st, nil
}

// SetDirty marks the tree as left inconsistent by taskID.
func (s *Store) SetDirty(tree, taskID, reason string) error {
	return s.upsertTree(tree, true, taskID, reason)
}

// ClearDirty marks the tree clean. reason records who cleared it.
func (s *Store) ClearDirty(tree, reason string) error {
	return s.upsertTree(tree, false, "", reason)
}

func (s *Store) upsertTree(tree string, dirty bool, taskID, reason string) error {
	d := 0
	if dirty {
		d = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO trees (tree, dirty, task_id, reason, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tree) DO UPDATE SET
			dirty = excluded.dirty,
			task_id = excluded.task_id,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		tree, d, taskID, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update tree %s: %w", tree, err)
	}
	return nil
}

// SaveApplied records the patch applied for a task so any process can
// reverse it.
func (s *Store) SaveApplied(tree, taskID string, patch []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO applied (tree, task_id, patch, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tree, task_id) DO UPDATE SET
			patch = excluded.patch,
			created_at = excluded.created_at`,
		tree, taskID, patch, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save applied patch: %w", err)
	}
	return nil
}

// Applied returns the patch recorded for a task.
func (s *Store) Applied(tree, taskID string) ([]byte, error) {
	var patch []byte
	err := s.db.QueryRow(
		"SELECT patch FROM applied WHERE tree = ? AND task_id = ?", tree, taskID,
	).Scan(&patch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoAppliedPatch
	}
	if err != nil {
		return nil, fmt.Errorf("query applied patch: %w", err)
	}
	return patch, nil
}

// ClearApplied forgets the recorded patch for a task.
func (s *Store) ClearApplied(tree, taskID string) error {
	if _, err := s.db.Exec("DELETE FROM applied WHERE tree = ? AND task_id = ?", tree, taskID); err != nil {
		return fmt.Errorf("clear applied patch: %w", err)
	}
	return nil
}

// DirtyTrees lists every tree currently flagged dirty.
func (s *Store) DirtyTrees() ([]TreeState, error) {
	rows, err := s.db.Query(
		"SELECT tree, task_id, reason, updated_at FROM trees WHERE dirty = 1 ORDER BY updated_at")
	if err != nil {
		return nil, fmt.Errorf("query dirty trees: %w", err)
	}
	defer rows.Close()

	var out []TreeState
	for rows.Next() {
		st := TreeState{Dirty: true}
		if err := rows.Scan(&st.Tree, &st.TaskID, &st.Reason, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tree: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
