package policy

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// ConfigError reports a policy file that could not be loaded or failed
// validation. It is raised at construction time only.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("policy config: %v", e.Err)
	}
	return fmt.Sprintf("policy config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// policyFile is the on-disk shape: an ordered list of [[rules]] tables.
type policyFile struct {
	Rules []Rule `toml:"rules"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFile reads an ordered rule list from a TOML policy file. Rules are
// validated structurally (required fields, known verdicts) and for
// verdict-specific completeness; any failure is a ConfigError.
func LoadFile(path string) ([]Rule, error) {
	var file policyFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}

	if err := ValidateRules(file.Rules); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return file.Rules, nil
}

// LoadString parses rules from TOML text. Used by tests and embedded policies.
func LoadString(text string) ([]Rule, error) {
	var file policyFile
	if _, err := toml.Decode(text, &file); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse: %w", err)}
	}

	if err := ValidateRules(file.Rules); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return file.Rules, nil
}

// ValidateRules checks every rule for structural and verdict-specific
// completeness: a deny rule must explain itself, an approval rule must name
// its approver, a verification rule must name its check.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return fmt.Errorf("no rules defined")
	}

	seen := make(map[string]struct{}, len(rules))
	for i := range rules {
		rule := &rules[i]
		if err := validate.Struct(rule); err != nil {
			return fmt.Errorf("rule %d (%q): %w", i, rule.ID, err)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("rule %d: duplicate id %q", i, rule.ID)
		}
		seen[rule.ID] = struct{}{}

		switch rule.Verdict {
		case string(VerdictDeny):
			if rule.DenyReason == "" {
				return fmt.Errorf("rule %q: deny verdict requires deny_reason", rule.ID)
			}
		case string(VerdictRequireApproval):
			if rule.ApproverRole == "" {
				return fmt.Errorf("rule %q: require-approval verdict requires approver_role", rule.ID)
			}
		case string(VerdictRequireVerification):
			if rule.VerificationCheckID == "" {
				return fmt.Errorf("rule %q: require-verification verdict requires verification_check_id", rule.ID)
			}
		}
	}
	return nil
}
