package patch

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/imkarma/relay/internal/task"
)

// contextLines is the number of unchanged lines kept around each change.
const contextLines = 3

// Builder builds patches against the working tree at root. It never
// writes to the tree.
type Builder struct {
	root string
}

// NewBuilder returns a Builder for the tree at root.
func NewBuilder(root string) *Builder {
	return &Builder{root: root}
}

// Build validates every edit against the tree and returns the combined
// patch, sorted by path. Any failure returns no patch at all.
func (b *Builder) Build(cs *task.ChangeSet) (*Patch, error) {
	if cs == nil || len(cs.Edits) == 0 {
		return nil, ErrEmptyPatch
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}

	edits := slices.Clone(cs.Edits)
	slices.SortStableFunc(edits, func(x, y task.Edit) int { return strings.Compare(x.Path, y.Path) })

	var buf bytes.Buffer
	p := &Patch{}
	for _, e := range edits {
		fc, section, err := b.section(e)
		if err != nil {
			return nil, err
		}
		if section == "" {
			continue
		}
		buf.WriteString(section)
		p.files = append(p.files, fc)
	}
	if len(p.files) == 0 {
		return nil, ErrEmptyPatch
	}
	p.text = buf.Bytes()
	return p, nil
}

// BuildTask builds the patch for a task's change set.
func (b *Builder) BuildTask(t *task.Task) (*Patch, error) {
	p, err := b.Build(t.ChangeSet)
	if err != nil {
		return nil, fmt.Errorf("build patch for %s: %w", t.ID, err)
	}
	return p, nil
}

func (b *Builder) read(rel string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(b.root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), true, nil
}

// section checks one edit's pre-state and renders its file section. An
// empty section means the edit changes nothing.
func (b *Builder) section(e task.Edit) (FileChange, string, error) {
	fc := FileChange{Path: e.Path, Mode: e.Mode}

	current, exists, err := b.read(e.Path)
	if err != nil {
		return fc, "", err
	}
	var currentSHA string
	if exists {
		currentSHA = task.HashContent([]byte(current))
	}

	switch e.Mode {
	case task.ModeAdd:
		if exists {
			return fc, "", &StaleEditError{Path: e.Path, Got: currentSHA}
		}
	case task.ModeModify, task.ModeDelete:
		if e.BeforeSHA == "" {
			return fc, "", &task.StructureError{Field: e.Path, Msg: "before_sha required for " + string(e.Mode)}
		}
		if !exists || e.BeforeSHA != currentSHA {
			return fc, "", &StaleEditError{Path: e.Path, Want: e.BeforeSHA, Got: currentSHA}
		}
	}
	fc.Before = currentSHA

	var hdr strings.Builder
	fmt.Fprintf(&hdr, "diff --git a/%s b/%s\n", e.Path, e.Path)
	oldName, newName := "a/"+e.Path, "b/"+e.Path
	switch e.Mode {
	case task.ModeAdd:
		hdr.WriteString("new file mode 100644\n")
		oldName = "/dev/null"
	case task.ModeDelete:
		fmt.Fprintf(&hdr, "deleted file mode %s\n", fileMode(b.root, e.Path))
		newName = "/dev/null"
	}
	names := fmt.Sprintf("--- %s\n+++ %s\n", oldName, newName)

	if e.Mode != task.ModeDelete && e.Hunk != "" {
		body := e.Hunk
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		return fc, hdr.String() + names + body, nil
	}

	var next string
	if e.Mode != task.ModeDelete {
		next = e.Content
		if next != "" && !strings.HasSuffix(next, "\n") {
			next += "\n"
		}
		fc.After = task.HashContent([]byte(next))
	}
	if exists && next == current && e.Mode == task.ModeModify {
		return fc, "", nil
	}

	hunks := unifiedHunks(splitLines(current), splitLines(next))
	if hunks == "" {
		if e.Mode == task.ModeModify {
			return fc, "", nil
		}
		// Creating or deleting an empty file has no hunks. Git writes
		// such sections as the bare header and applies them that way.
		return fc, hdr.String(), nil
	}
	return fc, hdr.String() + names + hunks, nil
}

// splitLines splits s keeping line terminators. The last line has no
// terminator when s does not end in a newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func unifiedHunks(a, b []string) string {
	if len(a) == 0 && len(b) == 0 {
		return ""
	}
	var buf strings.Builder
	m := difflib.NewMatcher(a, b)
	for _, group := range m.GetGroupedOpCodes(contextLines) {
		first, last := group[0], group[len(group)-1]
		if len(group) == 1 && first.Tag == 'e' {
			continue
		}
		fmt.Fprintf(&buf, "@@ -%s +%s @@\n", hunkRange(first.I1, last.I2), hunkRange(first.J1, last.J2))
		for _, op := range group {
			if op.Tag == 'e' {
				for _, line := range a[op.I1:op.I2] {
					writeLine(&buf, ' ', line)
				}
				continue
			}
			if op.Tag == 'r' || op.Tag == 'd' {
				for _, line := range a[op.I1:op.I2] {
					writeLine(&buf, '-', line)
				}
			}
			if op.Tag == 'r' || op.Tag == 'i' {
				for _, line := range b[op.J1:op.J2] {
					writeLine(&buf, '+', line)
				}
			}
		}
	}
	return buf.String()
}

// hunkRange renders a "start,length" range the way diff -u does: a
// zero-length range names the line before it.
func hunkRange(start, stop int) string {
	begin := start + 1
	length := stop - start
	if length == 1 {
		return fmt.Sprintf("%d", begin)
	}
	if length == 0 {
		begin--
	}
	return fmt.Sprintf("%d,%d", begin, length)
}

func writeLine(buf *strings.Builder, prefix byte, line string) {
	buf.WriteByte(prefix)
	buf.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		buf.WriteString("\n\\ No newline at end of file\n")
	}
}
