package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/imkarma/relay/internal/agent"
	"github.com/imkarma/relay/internal/audit"
	"github.com/imkarma/relay/internal/config"
	agentctx "github.com/imkarma/relay/internal/context"
	"github.com/imkarma/relay/internal/generator"
	"github.com/imkarma/relay/internal/git"
	"github.com/imkarma/relay/internal/logging"
	"github.com/imkarma/relay/internal/metrics"
	"github.com/imkarma/relay/internal/orchestrator"
	"github.com/imkarma/relay/internal/review"
	"github.com/imkarma/relay/internal/runner"
	"github.com/imkarma/relay/internal/state"
	"github.com/imkarma/relay/internal/store"
	"github.com/imkarma/relay/internal/task"
)

const relayDirName = ".relay"

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorWhite  = "\033[37m"
)

// env is everything a command needs, opened from the project's .relay/.
type env struct {
	root   string
	cfg    *config.Config
	log    *zap.Logger
	tasks  *store.Store
	state  *state.Store
	audit  *audit.Log
	repo   *git.Repo
	metric *metrics.Metrics
}

// projectRoot returns the repository root containing workDir, or workDir
// itself outside a repository.
func projectRoot() (string, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return "", err
	}
	if root, err := git.Root(abs); err == nil {
		return root, nil
	}
	return abs, nil
}

// relayPath returns the path to a file inside .relay/ under root.
func relayPath(root string, parts ...string) string {
	elems := append([]string{root, relayDirName}, parts...)
	return filepath.Join(elems...)
}

// mustEnv opens the project, returning an error if relay is not
// initialized.
func mustEnv() (*env, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(relayPath(root, "config.yaml")); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("relay not initialized. Run: relay init")
	}

	cfg, err := config.Load(relayPath(root, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	tasks, err := store.New(relayPath(root, "tasks.json"),
		store.WithRepoRoot(root),
		store.WithLockTimeout(cfg.Lock.Timeout()),
		store.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	st, err := state.New(relayPath(root, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	journal, err := audit.Open(relayPath(root, "audit.jsonl"), audit.WithLockTimeout(cfg.Lock.Timeout()))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &env{
		root:   root,
		cfg:    cfg,
		log:    log,
		tasks:  tasks,
		state:  st,
		audit:  journal,
		repo:   git.New(root),
		metric: metrics.New(),
	}, nil
}

// Close releases the state database and flushes logs.
func (e *env) Close() error {
	_ = e.log.Sync()
	return e.state.Close()
}

// writeMetrics writes the cycle metrics to metrics.textfile, if set.
// Relative paths are taken from .relay so the file never shows up as an
// uncommitted change in the tree.
func (e *env) writeMetrics() {
	path := metricsPath(e.root, e.cfg.Metrics.Textfile)
	if path == "" {
		return
	}
	if err := e.metric.WriteTextfile(path); err != nil {
		e.log.Warn("write metrics", zap.Error(err))
	}
}

func metricsPath(root, textfile string) string {
	if textfile == "" || filepath.IsAbs(textfile) {
		return textfile
	}
	return relayPath(root, textfile)
}

// runner wires the execution runner with the configured verify command.
func (e *env) runner() (*runner.Runner, error) {
	if e.cfg.Verify.Cmd == "" {
		return nil, fmt.Errorf("verify.cmd is not set in %s", relayPath(e.root, "config.yaml"))
	}
	return runner.New(runner.Options{
		Repo:         e.repo,
		State:        e.state,
		Audit:        e.audit,
		Verify:       agent.NewCLIRunner("verify", e.cfg.Verify),
		Logger:       e.log,
		BranchPrefix: e.cfg.Isolation.BranchPrefix,
	})
}

// orchestrator wires a full cycle from config.
func (e *env) orchestrator() (*orchestrator.Orchestrator, error) {
	if !e.repo.IsGitRepo() {
		return nil, fmt.Errorf("%s is not a git repository", e.root)
	}
	r, err := e.runner()
	if err != nil {
		return nil, err
	}
	reviewer, err := review.New(e.cfg.Review, e.root)
	if err != nil {
		return nil, err
	}
	gen, err := generator.New(e.cfg.Generator, e.root, agentctx.New(e.tasks, e.audit))
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.Options{
		Tasks:           e.tasks,
		Runner:          r,
		Reviewer:        reviewer,
		Generator:       gen,
		Audit:           e.audit,
		Metrics:         e.metric,
		Logger:          e.log,
		MaxRetries:      e.cfg.Retry.Max,
		SubtaskDepth:    e.cfg.Retry.SubtaskDepth,
		Merge:           e.cfg.Isolation.Merge,
		PropagateHashes: e.cfg.Isolation.PropagateHashes,
	})
}

// resolveTask finds a task by full id or unique id prefix.
func (e *env) resolveTask(ref string) (*task.Task, error) {
	if t, err := e.tasks.Get(ref); err == nil {
		return t, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	all, err := e.tasks.List(store.Filter{All: true})
	if err != nil {
		return nil, err
	}
	var match *task.Task
	for _, t := range all {
		if strings.HasPrefix(t.ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("task id %q is ambiguous", ref)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("task %s: %w", ref, store.ErrNotFound)
	}
	return match, nil
}

func statusColor(s task.Status) string {
	switch s {
	case task.StatusOpen:
		return colorWhite
	case task.StatusInProgress:
		return colorBlue
	case task.StatusBlocked:
		return colorRed
	case task.StatusDone:
		return colorGreen
	default:
		return colorDim
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
