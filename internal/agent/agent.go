// Package agent runs the external processes relay depends on: the
// verification suite, review commands and change-set generators.
package agent

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a process is killed for running too long.
var ErrTimeout = errors.New("process timed out")

// Request describes one process run.
type Request struct {
	TaskID  string        // Task ID for tracking
	Input   []byte        // Written to stdin, if any
	Args    []string      // Appended after the configured args
	WorkDir string        // Working directory (repo root)
	Env     []string      // Extra KEY=VALUE pairs
	Timeout time.Duration // Overrides the configured timeout when > 0
}

// Response is what we get back from a process.
type Response struct {
	Output   string        // stdout
	Stderr   string        // stderr
	ExitCode int           // 0 = success, -1 = did not exit normally
	Duration time.Duration // Execution time
	TimedOut bool          // Killed by the timeout
}

// Combined returns stdout followed by stderr.
func (r *Response) Combined() string {
	if r.Stderr == "" {
		return r.Output
	}
	if r.Output == "" {
		return r.Stderr
	}
	return r.Output + "\n" + r.Stderr
}

// Runner is the interface process adapters implement.
type Runner interface {
	// Run executes the process and returns its response. A non-zero exit
	// is reported in the response, not as an error.
	Run(ctx context.Context, req Request) (*Response, error)

	// Name returns the runner's configured name.
	Name() string
}
