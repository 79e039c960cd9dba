// Package applicability evaluates question applicability rules against the
// intake's current answers. A question whose rule evaluates false is excluded
// from progress rollups entirely.
package applicability

import (
	"fmt"
	"strings"
)

// Rule grammar: clauses joined by "&&", each clause either "key=value" or
// "key!=value". Keys are question keys within the same intake; values are
// compared against the current answer text, case-insensitively and trimmed.
// An empty rule always applies.

type clause struct {
	key     string
	value   string
	negated bool
}

// Evaluate parses and evaluates a rule. Returns an error on a malformed rule;
// callers decide the failure policy (the aggregator fails open).
func Evaluate(rule string, answers map[string]string) (bool, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return true, nil
	}

	clauses, err := parse(rule)
	if err != nil {
		return false, err
	}

	for _, c := range clauses {
		answer := strings.ToLower(strings.TrimSpace(answers[c.key]))
		match := answer == strings.ToLower(c.value)
		if c.negated {
			match = !match
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

// Applicable is Evaluate with the fail-open policy applied: a malformed rule
// keeps the question applicable so a template typo never hides a question.
func Applicable(rule string, answers map[string]string) bool {
	ok, err := Evaluate(rule, answers)
	if err != nil {
		return true
	}
	return ok
}

func parse(rule string) ([]clause, error) {
	parts := strings.Split(rule, "&&")
	clauses := make([]clause, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty clause in rule %q", rule)
		}
		var c clause
		if idx := strings.Index(part, "!="); idx >= 0 {
			c = clause{key: strings.TrimSpace(part[:idx]), value: strings.TrimSpace(part[idx+2:]), negated: true}
		} else if idx := strings.Index(part, "="); idx >= 0 {
			c = clause{key: strings.TrimSpace(part[:idx]), value: strings.TrimSpace(part[idx+1:])}
		} else {
			return nil, fmt.Errorf("clause %q has no comparator", part)
		}
		if c.key == "" {
			return nil, fmt.Errorf("clause %q has no question key", part)
		}
		clauses = append(clauses, c)
	}
	return clauses, nil
}
