package conversation

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// PlanFrontmatter is the machine-readable header an actor attaches to a
// Turn's Plan field ahead of the free-form body, e.g.:
//
//	---
//	risk: medium
//	requiresApproval: true
//	targetService: checkout-api
//	---
//	1. Restart the pod
//	2. Verify health check recovers
type PlanFrontmatter struct {
	Risk              string `yaml:"risk,omitempty"`
	RequiresApproval  bool   `yaml:"requiresApproval,omitempty"`
	TargetService     string `yaml:"targetService,omitempty"`
	EstimatedDuration string `yaml:"estimatedDuration,omitempty"`
}

const frontmatterDelim = "---"

// ParsePlan splits a Plan field into its optional YAML frontmatter and the
// remaining body text. A plan with no frontmatter delimiters returns a
// zero-value PlanFrontmatter and the whole input as body.
func ParsePlan(raw string) (PlanFrontmatter, string, error) {
	var fm PlanFrontmatter

	trimmed := strings.TrimLeft(raw, "\n")
	if !strings.HasPrefix(trimmed, frontmatterDelim) {
		return fm, raw, nil
	}

	rest := trimmed[len(frontmatterDelim):]
	rest = strings.TrimPrefix(rest, "\n")

	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end == -1 {
		return fm, raw, nil
	}

	header := rest[:end]
	body := rest[end+len("\n"+frontmatterDelim):]
	body = strings.TrimPrefix(body, "\n")

	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return PlanFrontmatter{}, raw, fmt.Errorf("conversation: parse plan frontmatter: %w", err)
	}

	return fm, body, nil
}
