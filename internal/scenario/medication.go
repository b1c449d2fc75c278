// Package scenario ships the medication-safety reference scenario: a
// scripted agent that checks drug interactions and issues a recommendation,
// with the policy, capabilities, and output schema the demo runs under. The
// runner and the end-to-end tests both drive it; its policy uses the allow,
// require-verification, and deny verdicts (it has no require-approval rule).
package scenario

import (
	"fmt"

	"github.com/custos-run/custos/internal/agent"
	"github.com/custos-run/custos/internal/capability"
	"github.com/custos-run/custos/internal/policy"
	"github.com/custos-run/custos/internal/verify"
)

// AgentID identifies the reference agent in policy and audit records.
const AgentID agent.ID = "medication-agent"

// NewAgent builds the two-step medication agent: interaction check, then
// recommendation.
func NewAgent() *agent.Scripted {
	return agent.NewScripted(AgentID,
		agent.ScriptedStep{
			Action:   "drug-interaction-check",
			Resource: "drug-database",
			Requires: []string{"drug-database.read"},
			Output: agent.Output{
				Kind: "interaction-report",
				Payload: map[string]any{
					"result": map[string]any{
						"severity":     "HIGH",
						"interactions": []any{"warfarin + aspirin: bleeding risk"},
					},
				},
			},
			NextPhase: "recommend",
		},
		agent.ScriptedStep{
			Action:   "issue-recommendation",
			Resource: "treatment-plan",
			Requires: []string{"treatment-plan.write"},
			Output: agent.Output{
				Kind: "recommendation",
				Payload: map[string]any{
					"result": map[string]any{
						"severity": "HIGH",
						"dose_mg":  float64(75),
					},
					"recommendation": map[string]any{
						"text": "reduce aspirin dose and monitor INR weekly",
					},
				},
			},
			NextPhase: "done",
		},
	)
}

// Rules returns the demo policy: the interaction check is allowed outright,
// the recommendation requires verification, patient queries without consent
// are denied, and everything else falls to a catch-all deny.
func Rules() []policy.Rule {
	return []policy.Rule{
		{
			ID:                   "allow-drug-interaction-check",
			Action:               "drug-interaction-check",
			Resource:             "drug-database",
			RequiredCapabilities: []string{"drug-database.read"},
			Verdict:              "allow",
		},
		{
			ID:                  "verify-recommendation",
			Action:              "issue-recommendation",
			Resource:            "treatment-plan",
			Verdict:             "require-verification",
			VerificationCheckID: "dosage-range",
		},
		{
			ID:         "deny-patient-query-no-consent",
			Action:     "query",
			Resource:   "patient-records-no-consent",
			Verdict:    "deny",
			DenyReason: "patient has not provided consent",
		},
		{
			ID:         "deny-unmatched",
			Action:     "*",
			Resource:   "*",
			Verdict:    "deny",
			DenyReason: "no policy covers this action",
		},
	}
}

// Capabilities returns the grants the demo host hands out.
func Capabilities() *capability.Set {
	return capability.NewSet("drug-database.read", "treatment-plan.write")
}

// Schema returns the output schema both scripted outputs must satisfy.
func Schema() (*verify.Schema, error) {
	return verify.NewSchema("medication-output",
		map[string]any{
			"type":     "object",
			"required": []any{"result"},
		},
		[]verify.Rule{
			{Type: verify.RuleRequiredField, Path: "result"},
			{Type: verify.RuleAllowedValues, Path: "result.severity", Allowed: []any{"LOW", "MEDIUM", "HIGH"}},
			{Type: verify.RuleForbiddenPattern, Path: "recommendation.text", Pattern: "guaranteed"},
			{Type: verify.RuleCustom, Func: "dosage-range"},
		},
	)
}

// RegisterChecks installs the scenario's custom verification rules.
func RegisterChecks(v *verify.Verifier) {
	v.RegisterCustom("dosage-range", func(payload any) error {
		obj, ok := payload.(map[string]any)
		if !ok {
			return nil
		}
		result, ok := obj["result"].(map[string]any)
		if !ok {
			return nil
		}
		dose, ok := result["dose_mg"].(float64)
		if !ok {
			return nil
		}
		if dose <= 0 || dose > 4000 {
			return fmt.Errorf("dose %v mg outside the plausible range", dose)
		}
		return nil
	})
}
