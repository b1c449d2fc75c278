// Package policy implements the rule engine that decides, per step, whether
// an agent's proposal may proceed. Rules are evaluated in declaration order,
// first match wins, and the absence of a matching rule denies — there is no
// way to act without a rule saying so.
//
// The engine is pure: no I/O, no randomness, no mutation. Given the same
// rules and context it always returns the same verdict.
package policy

import (
	"fmt"

	"github.com/custos-run/custos/internal/capability"
)

// Wildcard matches any action or resource in a rule.
const Wildcard = "*"

// VerdictKind is the closed set of policy outcomes.
type VerdictKind string

const (
	VerdictAllow               VerdictKind = "allow"
	VerdictDeny                VerdictKind = "deny"
	VerdictRequireApproval     VerdictKind = "require-approval"
	VerdictRequireVerification VerdictKind = "require-verification"
)

// Verdict is the engine's decision for one step.
type Verdict struct {
	Kind VerdictKind `json:"kind"`
	// Reason explains a deny or approval requirement.
	Reason string `json:"reason,omitempty"`
	// ApproverRole names who must approve (require-approval only).
	ApproverRole string `json:"approver_role,omitempty"`
	// CheckID names the verification check (require-verification only). It is
	// recorded in the audit record; the executor does not use it to select a
	// verifier or schema.
	CheckID string `json:"check_id,omitempty"`
}

// Rule is one declarative policy entry. Declaration order is semantically
// significant: place narrower rules above broader ones.
type Rule struct {
	ID                   string   `toml:"id" validate:"required"`
	Action               string   `toml:"action" validate:"required"`
	Resource             string   `toml:"resource" validate:"required"`
	RequiredCapabilities []string `toml:"required_capabilities"`
	Verdict              string   `toml:"verdict" validate:"required,oneof=allow deny require-approval require-verification"`

	DenyReason          string `toml:"deny_reason"`
	ApprovalReason      string `toml:"approval_reason"`
	ApproverRole        string `toml:"approver_role"`
	VerificationCheckID string `toml:"verification_check_id"`
}

// matches reports whether the rule covers the context's action and resource.
// Comparisons are exact and case-sensitive; "*" matches anything.
func (r *Rule) matches(action, resource string) bool {
	if r.Action != Wildcard && r.Action != action {
		return false
	}
	if r.Resource != Wildcard && r.Resource != resource {
		return false
	}
	return true
}

// Context is the per-step snapshot handed to the engine. It is rebuilt for
// every step; the capability set is a read-only snapshot taken at step entry.
type Context struct {
	AgentID      string
	ExecutionID  string
	CurrentPhase string
	Action       string
	Resource     string
	Capabilities *capability.Set
	Metadata     map[string]any
}

// Engine evaluates an ordered rule list. It is stateless after construction
// and safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine over the given rules. The slice is copied so
// later mutation by the caller cannot change evaluation.
func NewEngine(rules []Rule) *Engine {
	owned := make([]Rule, len(rules))
	copy(owned, rules)
	return &Engine{rules: owned}
}

// Rules returns a copy of the rule list in declaration order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate scans the rules in declaration order and derives the verdict from
// the first match. A rule's required capabilities override its declared
// verdict: any absent capability converts the match into a structured deny,
// even when the rule says allow. No match at all denies by default.
func (e *Engine) Evaluate(ctx Context) Verdict {
	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.matches(ctx.Action, ctx.Resource) {
			continue
		}

		for _, cap := range rule.RequiredCapabilities {
			if !ctx.Capabilities.Has(capability.Capability(cap)) {
				return Verdict{
					Kind:   VerdictDeny,
					Reason: fmt.Sprintf("rule '%s' requires capability '%s' not granted", rule.ID, cap),
				}
			}
		}

		switch rule.Verdict {
		case string(VerdictAllow):
			return Verdict{Kind: VerdictAllow}
		case string(VerdictDeny):
			return Verdict{Kind: VerdictDeny, Reason: rule.DenyReason}
		case string(VerdictRequireApproval):
			return Verdict{
				Kind:         VerdictRequireApproval,
				Reason:       rule.ApprovalReason,
				ApproverRole: rule.ApproverRole,
			}
		case string(VerdictRequireVerification):
			return Verdict{
				Kind:    VerdictRequireVerification,
				CheckID: rule.VerificationCheckID,
			}
		default:
			// Unvalidated rule slipped past the loader. Refuse rather than
			// fall through to a broader rule.
			return Verdict{
				Kind:   VerdictDeny,
				Reason: fmt.Sprintf("rule '%s' has unknown verdict '%s'", rule.ID, rule.Verdict),
			}
		}
	}

	return Verdict{
		Kind:   VerdictDeny,
		Reason: fmt.Sprintf("denied by default: no rule matched action '%s' on resource '%s'", ctx.Action, ctx.Resource),
	}
}
