// Package audit is relay's append-only record of every phase transition.
// Entries are newline-delimited JSON, written under a cross-process lock
// and fsynced before Append returns.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/imkarma/relay/internal/lock"
)

// Outcome is the result recorded for a phase.
type Outcome string

const (
	Started        Outcome = "started"
	OK             Outcome = "ok"
	Failed         Outcome = "failed"
	RolledBack     Outcome = "rolled_back"
	FailedRollback Outcome = "failed_rollback"
	Refused        Outcome = "refused"
	Blocked        Outcome = "blocked"
	Done           Outcome = "done"
	Archived       Outcome = "archived"
)

// Labels for entries that are not one of the four cycle phases.
const (
	PhaseCycle    = "cycle"
	PhaseBuild    = "build"
	PhaseReview   = "review"
	PhaseRollback = "rollback"
	PhaseSubtasks = "subtasks"
	PhaseOperator = "operator"
)

// Entry is one immutable audit record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Phase     string    `json:"phase"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail"`
}

// DefaultLockTimeout bounds how long Append waits for the log lock.
const DefaultLockTimeout = 10 * time.Second

// Log appends to and replays an audit file.
type Log struct {
	path        string
	lockTimeout time.Duration
	now         func() time.Time

	mu   sync.Mutex
	lock *lock.FileLock
}

// Option configures a Log.
type Option func(*Log)

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Log) { l.lockTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Open prepares the audit file at path, creating it if needed.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:        path,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		lock:        lock.NewFileLock(path + ".lock"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close audit log: %w", err)
	}
	return l, nil
}

// Path returns the audit file path.
func (l *Log) Path() string { return l.path }

// Record is shorthand for Append with the current time.
func (l *Log) Record(taskID, phase string, outcome Outcome, detail string) error {
	return l.Append(Entry{TaskID: taskID, Phase: phase, Outcome: outcome, Detail: detail})
}

// Append writes e as one line and syncs it to disk. A zero timestamp is
// replaced with the current UTC time.
func (l *Log) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.lock.Lock(l.lockTimeout); err != nil {
		return fmt.Errorf("lock audit log: %w", err)
	}
	defer l.lock.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	// A crash mid-append can leave a line without its newline; start the
	// new entry on a fresh line so it stays parseable.
	torn, err := endsTorn(f)
	if err != nil {
		return err
	}
	if torn {
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

func endsTorn(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat audit log: %w", err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], info.Size()-1); err != nil {
		return false, fmt.Errorf("read audit tail: %w", err)
	}
	return last[0] != '\n', nil
}

// Entries returns every parseable entry in file order. Lines that do not
// parse, such as a torn final write, are skipped.
func (l *Log) Entries() ([]Entry, error) {
	return l.scan(func(Entry) bool { return true })
}

// Replay returns the entries for one task in file order.
func (l *Log) Replay(taskID string) ([]Entry, error) {
	return l.scan(func(e Entry) bool { return e.TaskID == taskID })
}

func (l *Log) scan(keep func(Entry) bool) ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	return Decode(f, keep)
}

// Decode reads NDJSON entries from r, skipping lines that do not parse.
func Decode(r io.Reader, keep func(Entry) bool) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}

// Summary folds a task's replay into the facts the CLI shows.
type Summary struct {
	Entries     int
	Attempts    int
	Rollbacks   int
	LastPhase   string
	LastOutcome Outcome
	LastDetail  string
	First       time.Time
	Last        time.Time
}

// Summarize folds entries, which should belong to one task.
func Summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		s.Entries++
		if e.Phase == "patch_applied" && e.Outcome == Started {
			s.Attempts++
		}
		if e.Phase == PhaseRollback && e.Outcome == RolledBack {
			s.Rollbacks++
		}
		if s.First.IsZero() {
			s.First = e.Timestamp
		}
		s.Last = e.Timestamp
		s.LastPhase = e.Phase
		s.LastOutcome = e.Outcome
		s.LastDetail = e.Detail
	}
	return s
}
