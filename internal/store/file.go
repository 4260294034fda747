package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/imkarma/relay/internal/task"
)

// ErrCorrupt is returned when the task file and its backup both fail to
// parse.
var ErrCorrupt = errors.New("task store corrupt")

func decode(data []byte) (*document, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("unsupported store version %d", doc.Version)
	}
	for i, t := range doc.Tasks {
		if t == nil {
			return nil, fmt.Errorf("tasks[%d] is null", i)
		}
	}
	return &doc, nil
}

// load reads the task file. Callers hold the lock. A file that fails to
// parse is quarantined and replaced from its backup.
func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &document{Version: fileVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task store: %w", err)
	}
	doc, err := decode(data)
	if err == nil {
		return doc, nil
	}
	return s.recover(err)
}

func (s *Store) recover(cause error) (*document, error) {
	bak := s.path + ".bak"
	data, err := os.ReadFile(bak)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (no usable backup: %v)", ErrCorrupt, cause, err)
	}
	doc, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (backup also invalid: %v)", ErrCorrupt, cause, err)
	}

	quarantined, err := s.quarantine()
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(s.path, data); err != nil {
		return nil, fmt.Errorf("restore from backup: %w", err)
	}
	s.log.Warn("task store restored from backup",
		zap.String("path", s.path),
		zap.String("quarantined", quarantined),
		zap.NamedError("cause", cause))
	return doc, nil
}

func (s *Store) quarantine() (string, error) {
	dir := filepath.Join(filepath.Dir(s.path), "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(s.path), time.Now().UTC().Format("20060102T150405.000000000"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(s.path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// save replaces the task file. Callers hold the lock.
func (s *Store) save(doc *document) error {
	if doc.Tasks == nil {
		doc.Tasks = []*task.Task{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task store: %w", err)
	}
	data = append(data, '\n')

	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	return writeAtomic(s.path, data)
}

// writeAtomic stages content next to path, validates it and renames it
// into place, so readers see either the old or the new file.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".relay-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if _, err := decode(written); err != nil {
		return fmt.Errorf("validate temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
