// Package patch turns a change set into a unified diff that git apply
// accepts, checking every edit's before_sha against the working tree.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imkarma/relay/internal/task"
)

var (
	// ErrStaleEdit is the sentinel every StaleEditError unwraps to.
	ErrStaleEdit = errors.New("stale edit")
	// ErrEmptyPatch is returned when a change set produces no file sections.
	ErrEmptyPatch = errors.New("empty patch")
)

// StaleEditError reports an edit whose asserted pre-state does not match
// the working tree. Want or Got is empty when the file is asserted or
// found to be absent.
type StaleEditError struct {
	Path string
	Want string
	Got  string
}

func (e *StaleEditError) Error() string {
	return fmt.Sprintf("stale edit %s: expected %s, found %s", e.Path, orAbsent(e.Want), orAbsent(e.Got))
}

func (e *StaleEditError) Is(target error) bool { return target == ErrStaleEdit }

func orAbsent(h string) string {
	if h == "" {
		return "absent file"
	}
	return h
}

// FileChange describes one file section of a patch. After is empty for
// deletes and for hunk edits whose result is not known in advance.
type FileChange struct {
	Path   string
	Mode   task.Mode
	Before string
	After  string
}

// Patch is the canonical diff for a change set. Only the runner reads
// its bytes; everyone else treats it as opaque.
type Patch struct {
	text  []byte
	files []FileChange
}

// Bytes returns a copy of the diff text.
func (p *Patch) Bytes() []byte { return bytes.Clone(p.text) }

func (p *Patch) String() string { return string(p.text) }

// Files returns the file sections in patch order.
func (p *Patch) Files() []FileChange {
	return append([]FileChange(nil), p.files...)
}

// Paths returns the touched paths in patch order.
func (p *Patch) Paths() []string {
	out := make([]string, 0, len(p.files))
	for _, f := range p.files {
		out = append(out, f.Path)
	}
	return out
}

// Lines counts the lines of diff text.
func (p *Patch) Lines() int {
	return bytes.Count(p.text, []byte("\n"))
}

// Applied reports whether the tree under root already holds the patch's
// post-state. It is false whenever a post-state is unknown.
func (p *Patch) Applied(root string) (bool, error) {
	if len(p.files) == 0 {
		return false, nil
	}
	for _, f := range p.files {
		sum, exists, err := task.HashFile(root, f.Path)
		if err != nil {
			return false, err
		}
		switch {
		case f.Mode == task.ModeDelete:
			if exists {
				return false, nil
			}
		case f.After == "":
			return false, nil
		case !exists || sum != f.After:
			return false, nil
		}
	}
	return true, nil
}

// FromBytes rebuilds a Patch from stored diff text. Paths and modes are
// recovered from the git headers; hashes are not.
func FromBytes(text []byte) *Patch {
	p := &Patch{text: bytes.Clone(text)}
	for _, line := range strings.Split(string(text), "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git a/"):
			rest := strings.TrimPrefix(line, "diff --git a/")
			if i := strings.Index(rest, " b/"); i >= 0 {
				p.files = append(p.files, FileChange{Path: rest[:i], Mode: task.ModeModify})
			}
		case strings.HasPrefix(line, "new file mode") && len(p.files) > 0:
			p.files[len(p.files)-1].Mode = task.ModeAdd
		case strings.HasPrefix(line, "deleted file mode") && len(p.files) > 0:
			p.files[len(p.files)-1].Mode = task.ModeDelete
		}
	}
	return p
}

// fileMode returns the git mode string for an existing file.
func fileMode(root, rel string) string {
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	if err == nil && info.Mode()&0111 != 0 {
		return "100755"
	}
	return "100644"
}
