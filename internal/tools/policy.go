package tools

import "strings"

// Decision is the outcome of a policy check for one tool call.
type Decision string

const (
	// DecisionAllowed skips the confirmation gate.
	DecisionAllowed Decision = "allowed"
	// DecisionDenied rejects the call without asking the user.
	DecisionDenied Decision = "denied"
	// DecisionAsk routes the call through the confirmation gate.
	DecisionAsk Decision = "ask"
)

// ApprovalPolicy decides which confirmations are skipped. Lists hold tool
// names or prefix patterns ("read_*"). Denylist wins over allowlist.
type ApprovalPolicy struct {
	Allowlist []string `yaml:"allowlist" json:"allowlist"`
	Denylist  []string `yaml:"denylist" json:"denylist"`

	// AutoApprove skips every confirmation. Used by `orbit run` for
	// non-interactive turns.
	AutoApprove bool `yaml:"auto_approve" json:"auto_approve"`
}

// Check evaluates one tool name against the policy.
func (p *ApprovalPolicy) Check(toolName string) Decision {
	if p == nil {
		return DecisionAsk
	}
	if matchesAny(p.Denylist, toolName) {
		return DecisionDenied
	}
	if p.AutoApprove || matchesAny(p.Allowlist, toolName) {
		return DecisionAllowed
	}
	return DecisionAsk
}

func matchesAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if matchPattern(pat, name) {
			return true
		}
	}
	return false
}

// matchPattern supports exact names, a trailing "*" wildcard, and the
// bare "*" matching everything.
func matchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
