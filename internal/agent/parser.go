package agent

import (
	"regexp"
	"strings"

	"github.com/imkarma/relay/internal/task"
)

// Review verdicts understood by ParseReview.
const (
	VerdictApprove = "APPROVE"
	VerdictReject  = "REJECT"
)

var (
	listItemRe = regexp.MustCompile(`^(?:\d+[.)]\s*|[-*]\s+)(.+)$`)
	typeTagRe  = regexp.MustCompile(`\(type:\s*(micro|story|epic)\)`)
)

// ParsedSubtask is one sub-task line from generator output.
type ParsedSubtask struct {
	Title       string
	Description string
	Type        task.Type
}

// ParsedReview is the verdict block of reviewer output.
type ParsedReview struct {
	Verdict  string // VerdictApprove, VerdictReject or empty
	Comments []string
}

// ParseSubtasks reads a list of sub-tasks, one per line:
//
//	SUBTASKS:
//	1. Title - Description (type: story)
//	- Title - Description
//
// The header is optional; the first list item starts the list. A line
// ending in ":" after the list has started ends it. Type defaults to micro.
func ParseSubtasks(output string) []ParsedSubtask {
	var out []ParsedSubtask
	started := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if hasLabel(line, "SUBTASKS:") {
			started = true
			continue
		}

		m := listItemRe.FindStringSubmatch(line)
		if m == nil {
			if started && strings.HasSuffix(line, ":") {
				break
			}
			continue
		}
		started = true

		if st, ok := parseSubtaskItem(m[1]); ok {
			out = append(out, st)
		}
	}
	return out
}

func parseSubtaskItem(item string) (ParsedSubtask, bool) {
	st := ParsedSubtask{Type: task.TypeMicro}
	if m := typeTagRe.FindStringSubmatch(item); m != nil {
		st.Type = task.Type(m[1])
		item = strings.TrimSpace(typeTagRe.ReplaceAllString(item, ""))
	}

	title, desc, _ := strings.Cut(item, " - ")
	st.Title = strings.TrimSpace(strings.Trim(title, "[]*`"))
	st.Description = strings.TrimSpace(desc)
	return st, st.Title != ""
}

// ParseReview reads a reviewer's verdict:
//
//	VERDICT: APPROVE
//	COMMENTS:
//	- file:line: description
func ParseReview(output string) ParsedReview {
	var res ParsedReview
	inComments := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case hasLabel(line, "VERDICT:"):
			inComments = false
			rest := strings.ToUpper(line[len("VERDICT:"):])
			if strings.Contains(rest, VerdictApprove) {
				res.Verdict = VerdictApprove
			} else if strings.Contains(rest, VerdictReject) {
				res.Verdict = VerdictReject
			}
		case hasLabel(line, "COMMENTS:"):
			inComments = true
		case !inComments || line == "":
		case strings.HasPrefix(line, "-"), strings.HasPrefix(line, "*"):
			if c := strings.TrimSpace(line[1:]); c != "" {
				res.Comments = append(res.Comments, c)
			}
		case strings.HasSuffix(line, ":"):
			inComments = false
		}
	}
	return res
}

// ParseBlocked returns the reason on the first "BLOCKED:" line, or "".
func ParseBlocked(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if hasLabel(line, "BLOCKED:") {
			return strings.TrimSpace(line[len("BLOCKED:"):])
		}
	}
	return ""
}

// hasLabel reports whether line starts with label, ignoring case.
func hasLabel(line, label string) bool {
	return len(line) >= len(label) && strings.EqualFold(line[:len(label)], label)
}
