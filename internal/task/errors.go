package task

import (
	"errors"
	"fmt"
)

// ErrStructure is the sentinel every StructureError unwraps to.
var ErrStructure = errors.New("malformed task")

// StructureError reports a task or change set that cannot be accepted.
// Nothing is mutated when one is returned.
type StructureError struct {
	Field string
	Msg   string
	Err   error
}

func (e *StructureError) Error() string {
	msg := fmt.Sprintf("structure error: %s: %s", e.Field, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StructureError) Is(target error) bool { return target == ErrStructure }

func (e *StructureError) Unwrap() error { return e.Err }

func structErr(field, format string, args ...any) *StructureError {
	return &StructureError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
