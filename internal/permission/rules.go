// Package permission decides whether an action may proceed, asking the user
// when configuration does not settle it.
package permission

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Action is the outcome of evaluating a rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Well-known permission names.
const (
	// DoomLoop guards a fourth identical consecutive tool call.
	DoomLoop = "doom_loop"
)

// Rule maps a permission and pattern to an action. Both fields accept globs;
// "*" matches everything.
type Rule struct {
	Permission string `yaml:"permission" json:"permission"`
	Pattern    string `yaml:"pattern" json:"pattern"`
	Action     Action `yaml:"action" json:"action"`
}

// Ruleset is evaluated in order; the last matching rule wins.
type Ruleset []Rule

// DefaultRuleset allows everything except doom-loop confirmation, which asks.
func DefaultRuleset() Ruleset {
	return Ruleset{
		{Permission: "*", Pattern: "*", Action: ActionAllow},
		{Permission: DoomLoop, Pattern: "*", Action: ActionAsk},
	}
}

// Evaluate returns the action for the permission/pattern pair, or ActionAsk
// when no rule matches.
func (rs Ruleset) Evaluate(permission, pattern string) Action {
	for i := len(rs) - 1; i >= 0; i-- {
		rule := rs[i]
		if matchesPattern(rule.Permission, permission) && matchesPattern(rule.Pattern, pattern) {
			return rule.Action
		}
	}
	return ActionAsk
}

// Merge returns a new ruleset with later rulesets taking precedence.
func Merge(sets ...Ruleset) Ruleset {
	var merged Ruleset
	for _, set := range sets {
		merged = append(merged, set...)
	}
	return merged
}

// matchesPattern matches value against a glob. A bare "*" matches any value,
// including ones that contain path separators.
func matchesPattern(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}
	if pattern == value {
		return true
	}
	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}
