package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imkarma/relay/internal/config"
)

func shell(script string) config.Command {
	return config.Command{Cmd: "sh", Args: []string{"-c", script}, TimeoutSec: 10}
}

func TestCLIRunner_Success(t *testing.T) {
	r := NewCLIRunner("verify", shell(`cat; echo " ok"; echo warn >&2`))
	resp, err := r.Run(context.Background(), Request{Input: []byte("input")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", resp.ExitCode)
	}
	if strings.TrimSpace(resp.Output) != "input ok" {
		t.Errorf("unexpected stdout %q", resp.Output)
	}
	if strings.TrimSpace(resp.Stderr) != "warn" {
		t.Errorf("unexpected stderr %q", resp.Stderr)
	}
}

func TestCLIRunner_NonZeroExitIsNotAnError(t *testing.T) {
	r := NewCLIRunner("verify", shell(`echo broken >&2; exit 3`))
	resp, err := r.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", resp.ExitCode)
	}
	if !strings.Contains(resp.Failure(), "broken") {
		t.Errorf("failure summary missing stderr: %q", resp.Failure())
	}
}

func TestCLIRunner_TimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "survived")

	// The grandchild would write the marker if it outlived the kill.
	script := `(sleep 1; touch ` + marker + `) & sleep 30`
	r := NewCLIRunner("verify", shell(script))

	start := time.Now()
	resp, err := r.Run(context.Background(), Request{WorkDir: dir, Timeout: 200 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !resp.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("background child survived the timeout")
	}
}

func TestCLIRunner_MissingCommand(t *testing.T) {
	r := NewCLIRunner("verify", config.Command{Cmd: "relay-no-such-command"})
	_, err := r.Run(context.Background(), Request{})
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected start error, got %v", err)
	}
}

func TestCLIRunner_RequestArgsAndEnv(t *testing.T) {
	r := NewCLIRunner("gen", config.Command{Cmd: "sh", Args: []string{"-c", `echo "$1 $RELAY_TASK_ID"`, "sh"}})
	resp, err := r.Run(context.Background(), Request{Args: []string{"hello"}, Env: []string{"RELAY_TASK_ID=t1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(resp.Output) != "hello t1" {
		t.Errorf("unexpected output %q", resp.Output)
	}
}
