package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/imkarma/relay/internal/config"
)

// waitDelay bounds how long Run waits for output pipes after the process
// group has been killed.
const waitDelay = 2 * time.Second

// CLIRunner spawns an external command in its own process group so a
// timeout can kill everything it started.
type CLIRunner struct {
	name string
	cfg  config.Command
}

// NewCLIRunner creates a runner for the given command.
func NewCLIRunner(name string, cfg config.Command) *CLIRunner {
	return &CLIRunner{name: name, cfg: cfg}
}

func (r *CLIRunner) Name() string { return r.name }

// Run spawns the command: cmd + configured args + request args, with the
// request input on stdin.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	args := make([]string, 0, len(r.cfg.Args)+len(req.Args))
	args = append(args, r.cfg.Args...)
	args = append(args, req.Args...)

	timeout := r.cfg.DefaultTimeout()
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Cmd, args...)
	cmd.Dir = req.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the whole group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	if req.Input != nil {
		cmd.Stdin = bytes.NewReader(req.Input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	resp := &Response{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		resp.TimedOut = true
		resp.ExitCode = -1
		return resp, fmt.Errorf("%s: killed after %s: %w", r.name, timeout, ErrTimeout)
	}
	if ctx.Err() != nil {
		resp.ExitCode = -1
		return resp, fmt.Errorf("%s: %w", r.name, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			resp.ExitCode = -1
			return resp, fmt.Errorf("%s: %w", r.name, err)
		}
		resp.ExitCode = exitErr.ExitCode()
	}
	return resp, nil
}

// Failure summarizes a non-zero exit for error messages.
func (r *Response) Failure() string {
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Output)
	}
	if len(msg) > 400 {
		msg = msg[len(msg)-400:]
	}
	return fmt.Sprintf("exit code %d: %s", r.ExitCode, msg)
}

// CLIAvailable checks if the command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
