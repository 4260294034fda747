package phase

import "fmt"

// Store persists phase records per working tree and task.
type Store interface {
	Phases(tree, taskID string) ([]Phase, error)
	SetPhases(tree, taskID string, phases []Phase) error
}

// Guard enforces phase order for one working tree.
type Guard struct {
	store Store
	tree  string
}

// NewGuard returns a Guard for tree backed by store.
func NewGuard(store Store, tree string) *Guard {
	return &Guard{store: store, tree: tree}
}

// Tree returns the working tree identity this guard is bound to.
func (g *Guard) Tree() string { return g.tree }

// Record reads the persisted record for taskID.
func (g *Guard) Record(taskID string) (Record, error) {
	phases, err := g.store.Phases(g.tree, taskID)
	if err != nil {
		return Record{}, fmt.Errorf("read phases for %s: %w", taskID, err)
	}
	r, err := NewRecord(phases...)
	if err != nil {
		return Record{}, fmt.Errorf("phases for %s: %w", taskID, err)
	}
	return r, nil
}

// Require must be called right before a mutating operation.
func (g *Guard) Require(taskID, op string, prereqs ...Phase) error {
	r, err := g.Record(taskID)
	if err != nil {
		return err
	}
	return r.Require(op, prereqs...)
}

// Mark records p after the guarded operation has succeeded.
func (g *Guard) Mark(taskID string, p Phase) error {
	r, err := g.Record(taskID)
	if err != nil {
		return err
	}
	next, err := r.Mark(p)
	if err != nil {
		return err
	}
	return g.save(taskID, next)
}

// RollbackTo clears every phase after p.
func (g *Guard) RollbackTo(taskID string, p Phase) error {
	r, err := g.Record(taskID)
	if err != nil {
		return err
	}
	return g.save(taskID, r.RollbackTo(p))
}

// Reset clears the record to start a new cycle.
func (g *Guard) Reset(taskID string) error {
	return g.save(taskID, Record{})
}

func (g *Guard) save(taskID string, r Record) error {
	if err := g.store.SetPhases(g.tree, taskID, r.Phases()); err != nil {
		return fmt.Errorf("save phases for %s: %w", taskID, err)
	}
	return nil
}
