// Package phase enforces the per-task ordering of cycle phases.
//
// A Record is a pure value: every transition returns a new Record and
// touches no I/O. Guard binds Records to persisted storage keyed by
// working tree, reading the stored state on every call so separate
// processes attached to one tree agree.
package phase

import (
	"errors"
	"fmt"
	"strings"
)

// Phase is a named milestone of a task cycle.
type Phase string

const (
	BranchIsolated Phase = "branch_isolated"
	PatchApplied   Phase = "patch_applied"
	TestsPassed    Phase = "tests_passed"
	Committed      Phase = "committed"
)

// Sequence is the fixed phase order. Each phase requires all earlier ones.
var Sequence = []Phase{BranchIsolated, PatchApplied, TestsPassed, Committed}

func (p Phase) index() int {
	for i, s := range Sequence {
		if s == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the sequence phases.
func (p Phase) Valid() bool { return p.index() >= 0 }

// Prerequisites returns the phases that must be marked before p.
func (p Phase) Prerequisites() []Phase {
	i := p.index()
	if i <= 0 {
		return nil
	}
	return append([]Phase(nil), Sequence[:i]...)
}

// ErrOrder is the sentinel every OrderError unwraps to.
var ErrOrder = errors.New("phase order violation")

// OrderError is raised when an operation runs before its prerequisites.
// It signals a bug in the caller and is never retried.
type OrderError struct {
	Op      string
	Missing []Phase
}

func (e *OrderError) Error() string {
	names := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		names[i] = string(p)
	}
	return fmt.Sprintf("%s cannot run: unmet phase(s): %s", e.Op, strings.Join(names, ", "))
}

func (e *OrderError) Is(target error) bool { return target == ErrOrder }

// Record is the set of phases completed in the current cycle.
type Record struct {
	bits uint8
}

// NewRecord builds a Record from stored phases, rejecting unknown names
// and sets that are not a prefix of the sequence.
func NewRecord(phases ...Phase) (Record, error) {
	var r Record
	for _, p := range phases {
		i := p.index()
		if i < 0 {
			return Record{}, fmt.Errorf("unknown phase %q", p)
		}
		r.bits |= 1 << i
	}
	for _, p := range r.Phases() {
		if missing := r.missing(p.Prerequisites()); len(missing) > 0 {
			return Record{}, fmt.Errorf("phase %s recorded without %s", p, missing[0])
		}
	}
	return r, nil
}

// Has reports whether p is marked.
func (r Record) Has(p Phase) bool {
	i := p.index()
	return i >= 0 && r.bits&(1<<i) != 0
}

// Phases returns the marked phases in sequence order.
func (r Record) Phases() []Phase {
	var out []Phase
	for _, p := range Sequence {
		if r.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Empty reports whether nothing is marked.
func (r Record) Empty() bool { return r.bits == 0 }

// Last returns the furthest marked phase, or "" for an empty record.
func (r Record) Last() Phase {
	ps := r.Phases()
	if len(ps) == 0 {
		return ""
	}
	return ps[len(ps)-1]
}

func (r Record) missing(prereqs []Phase) []Phase {
	var out []Phase
	for _, p := range prereqs {
		if !r.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Require fails with an OrderError naming every unmarked prerequisite.
func (r Record) Require(op string, prereqs ...Phase) error {
	if missing := r.missing(prereqs); len(missing) > 0 {
		return &OrderError{Op: op, Missing: missing}
	}
	return nil
}

// Mark returns r with p added. Every earlier phase must already be
// marked. Marking an already marked phase is a no-op.
func (r Record) Mark(p Phase) (Record, error) {
	i := p.index()
	if i < 0 {
		return r, fmt.Errorf("mark: unknown phase %q", p)
	}
	if err := r.Require("mark "+string(p), p.Prerequisites()...); err != nil {
		return r, err
	}
	r.bits |= 1 << i
	return r, nil
}

// RollbackTo returns r with every phase after p cleared. An empty p
// clears everything.
func (r Record) RollbackTo(p Phase) Record {
	keep := p.index() + 1
	r.bits &= uint8(1<<keep) - 1
	return r
}
