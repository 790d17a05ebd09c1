// Package security implements the Dispatcher's pre-flight scan that blocks
// destructive prompts before any worker I/O occurs.
package security

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Pattern is one compiled forbidden pattern, named for diagnostics.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Description string
}

// builtinPatterns is the FORBIDDEN_PATTERNS default list from spec.md §6:
// destructive shell verbs, force-push, namespace delete, and similar
// irreversible cluster/infra operations.
var builtinPatterns = map[string]struct {
	pattern     string
	description string
}{
	"rm-rf-root":       {`rm\s+-rf\s+/(\s|$)`, "recursive delete of filesystem root"},
	"force-push":       {`git\s+push\s+.*--force`, "force push that can overwrite shared history"},
	"kubectl-delete-ns": {`kubectl\s+delete\s+namespace`, "namespace deletion"},
	"drop-database":    {`drop\s+database`, "database drop"},
	"drop-table":       {`drop\s+table`, "table drop"},
	"truncate-table":   {`truncate\s+table`, "table truncate"},
	"mkfs":             {`mkfs(\.\w+)?\s+/dev/`, "filesystem creation over a block device"},
	"dd-to-device":     {`dd\s+.*of=/dev/`, "raw write to a block device"},
	"chmod-777-root":   {`chmod\s+-R\s+777\s+/(\s|$)`, "recursive world-writable permissions on root"},
}

// Checker scans dispatch prompts against the forbidden-pattern list before
// any worker I/O, per spec.md §4.4 step 1.
type Checker struct {
	patterns []Pattern
}

// NewChecker compiles builtinPatterns plus any operator-supplied extras.
// Invalid extra patterns are logged and skipped, matching the teacher's
// compile-and-skip behavior for masking patterns.
func NewChecker(extra map[string]string) *Checker {
	c := &Checker{}
	for name, p := range builtinPatterns {
		re, err := regexp.Compile(`(?i)` + p.pattern)
		if err != nil {
			slog.Error("security: failed to compile builtin pattern, skipping", "pattern", name, "error", err)
			continue
		}
		c.patterns = append(c.patterns, Pattern{Name: name, Regex: re, Description: p.description})
	}
	for name, pattern := range extra {
		re, err := regexp.Compile(`(?i)` + pattern)
		if err != nil {
			slog.Error("security: failed to compile custom pattern, skipping", "pattern", name, "error", err)
			continue
		}
		c.patterns = append(c.patterns, Pattern{Name: name, Regex: re, Description: "operator-supplied pattern"})
	}
	return c
}

// Violation describes which pattern matched.
type Violation struct {
	Pattern     string
	Description string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Pattern, v.Description)
}

// Scan reports the first forbidden pattern matching prompt, if any.
func (c *Checker) Scan(prompt string) (Violation, bool) {
	for _, p := range c.patterns {
		if p.Regex.MatchString(prompt) {
			return Violation{Pattern: p.Name, Description: p.Description}, true
		}
	}
	return Violation{}, false
}
