package review

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/imkarma/relay/internal/config"
	"github.com/imkarma/relay/internal/patch"
	"github.com/imkarma/relay/internal/task"
)

// DefaultMaxLines is the largest patch the rules reviewer accepts.
const DefaultMaxLines = 5000

type rule func(text string) (bool, string)

// Rules is a static reviewer. Checks run in order and the first failure
// ends the review.
type Rules struct {
	rules []rule
}

// NewRules builds the built-in checks followed by the configured
// forbid/require patterns.
func NewRules(cfg config.Review) (*Rules, error) {
	maxLines := cfg.MaxLines
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	r := &Rules{rules: []rule{
		notEmpty,
		looksLikeDiff,
		noTODO,
		sizeLimit(maxLines),
	}}
	for i, rc := range cfg.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("review rule %d: %w", i, err)
		}
		r.rules = append(r.rules, patternRule(rc.Type, re, rc.Message))
	}
	return r, nil
}

func (r *Rules) Review(_ context.Context, p *patch.Patch, _ *task.Task) (Verdict, error) {
	if p == nil {
		return Verdict{Rationale: "Patch missing."}, nil
	}
	text := p.String()
	for _, check := range r.rules {
		if ok, msg := check(text); !ok {
			return Verdict{Rationale: msg}, nil
		}
	}
	return Verdict{Pass: true, Rationale: "all rules passed"}, nil
}

func notEmpty(text string) (bool, string) {
	if strings.TrimSpace(text) == "" {
		return false, "Patch is empty."
	}
	return true, ""
}

func looksLikeDiff(text string) (bool, string) {
	for _, prefix := range []string{"diff ", "--- ", "@@ "} {
		if strings.HasPrefix(text, prefix) {
			return true, ""
		}
	}
	return false, "Patch does not appear to be a valid unified diff."
}

// noTODO looks only at added lines; context and removals may mention TODO.
func noTODO(text string) (bool, string) {
	for _, line := range addedLines(text) {
		if strings.Contains(line, "TODO") {
			return false, "Patch adds a TODO placeholder."
		}
	}
	return true, ""
}

func sizeLimit(max int) rule {
	return func(text string) (bool, string) {
		if n := strings.Count(text, "\n"); n > max {
			return false, fmt.Sprintf("Patch too large for review (%d lines, limit %d).", n, max)
		}
		return true, ""
	}
}

func patternRule(kind string, re *regexp.Regexp, msg string) rule {
	if kind == "require" {
		if msg == "" {
			msg = "Patch is missing required pattern: " + re.String()
		}
		return func(text string) (bool, string) {
			return re.MatchString(text), msg
		}
	}
	if msg == "" {
		msg = "Patch adds forbidden pattern: " + re.String()
	}
	return func(text string) (bool, string) {
		for _, line := range addedLines(text) {
			if re.MatchString(line) {
				return false, msg
			}
		}
		return true, ""
	}
}

func addedLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++ ") {
			out = append(out, line[1:])
		}
	}
	return out
}
