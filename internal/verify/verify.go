// Package verify decides whether an agent's output may be delivered. Every
// output passes a two-phase check against a declarative schema: a structural
// JSON-schema pass, then semantic rules in declaration order. Failures are
// accumulated, never short-circuited — a report lists everything wrong, not
// just the first problem.
package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"

	"github.com/custos-run/custos/internal/agent"
)

// RuleType is the closed set of semantic rule kinds.
type RuleType string

const (
	// RuleRequiredField fails when the path is missing or null.
	RuleRequiredField RuleType = "required-field"
	// RuleAllowedValues fails when the path is missing or its value is not
	// deep-equal to any allowed value.
	RuleAllowedValues RuleType = "allowed-values"
	// RuleForbiddenPattern fails when a string at the path contains the
	// pattern as a substring. Missing or non-string values pass.
	RuleForbiddenPattern RuleType = "forbidden-pattern"
	// RuleCustom delegates to a host-registered function.
	RuleCustom RuleType = "custom"
)

// Rule is one semantic verification rule.
type Rule struct {
	Type    RuleType `json:"type" yaml:"type"`
	Path    string   `json:"path,omitempty" yaml:"path,omitempty"`
	Allowed []any    `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Func    string   `json:"func,omitempty" yaml:"func,omitempty"`
}

// ID returns the rule's stable identifier used in failure reports.
func (r Rule) ID() string {
	if r.Type == RuleCustom {
		return fmt.Sprintf("%s:%s", r.Type, r.Func)
	}
	return fmt.Sprintf("%s:%s", r.Type, r.Path)
}

// Failure is one verification violation.
type Failure struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// Report is the outcome of verifying one output.
type Report struct {
	Passed   bool      `json:"passed"`
	Failures []Failure `json:"failures,omitempty"`
}

// CustomFunc is a host-registered semantic check. A nil return means the
// payload passes; an error's message becomes the failure message.
type CustomFunc func(payload any) error

// Verifier runs schemas against outputs. Stateless after registration and
// safe for concurrent use.
type Verifier struct {
	custom map[string]CustomFunc
	logger *zap.Logger
}

// NewVerifier creates a verifier. Custom rules are registered separately.
func NewVerifier(logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		custom: make(map[string]CustomFunc),
		logger: logger,
	}
}

// RegisterCustom registers a named custom rule function. Registration is a
// host setup concern; it must happen before executions begin.
func (v *Verifier) RegisterCustom(name string, fn CustomFunc) {
	v.custom[name] = fn
}

// Verify checks an output against a schema and reports every violation.
func (v *Verifier) Verify(output agent.Output, schema *Schema) Report {
	var failures []Failure

	payload, err := normalize(output.Payload)
	if err != nil {
		failures = append(failures, Failure{
			RuleID:  "json-schema",
			Message: fmt.Sprintf("payload is not serializable: %v", err),
		})
		return Report{Passed: false, Failures: failures}
	}

	// Phase 1: structural.
	if schema.Structural != nil {
		failures = append(failures, v.checkStructural(payload, schema.Structural)...)
	}

	// Phase 2: semantic rules, declaration order.
	for _, rule := range schema.Rules {
		if f, failed := v.checkRule(rule, payload); failed {
			failures = append(failures, f)
		}
	}

	passed := len(failures) == 0
	if !passed {
		v.logger.Warn("output failed verification",
			zap.String("schema_id", schema.SchemaID),
			zap.String("output_kind", output.Kind),
			zap.Int("failures", len(failures)),
		)
	}
	return Report{Passed: passed, Failures: failures}
}

func (v *Verifier) checkStructural(payload any, structural *openapi3.Schema) []Failure {
	err := structural.VisitJSON(payload, openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var multi openapi3.MultiError
	errs := []error{err}
	if errors.As(err, &multi) {
		errs = multi
	}

	failures := make([]Failure, 0, len(errs))
	for _, e := range errs {
		failures = append(failures, Failure{
			RuleID:  "json-schema",
			Message: structuralMessage(e),
		})
	}
	return failures
}

func (v *Verifier) checkRule(rule Rule, payload any) (Failure, bool) {
	switch rule.Type {
	case RuleRequiredField:
		value, found := resolvePath(payload, rule.Path)
		if !found || value == nil {
			return Failure{
				RuleID:  rule.ID(),
				Message: fmt.Sprintf("required field '%s' is missing or null", rule.Path),
			}, true
		}

	case RuleAllowedValues:
		value, found := resolvePath(payload, rule.Path)
		if !found {
			return Failure{
				RuleID:  rule.ID(),
				Message: fmt.Sprintf("field '%s' is missing, cannot check allowed values", rule.Path),
			}, true
		}
		for _, allowed := range rule.Allowed {
			if normalized, err := normalize(allowed); err == nil && reflect.DeepEqual(value, normalized) {
				return Failure{}, false
			}
		}
		return Failure{
			RuleID:  rule.ID(),
			Message: fmt.Sprintf("value at '%s' is not among the allowed values", rule.Path),
		}, true

	case RuleForbiddenPattern:
		value, found := resolvePath(payload, rule.Path)
		if !found {
			return Failure{}, false
		}
		str, ok := value.(string)
		if !ok {
			// Rule not applicable to non-string values.
			return Failure{}, false
		}
		if strings.Contains(str, rule.Pattern) {
			return Failure{
				RuleID:  rule.ID(),
				Message: fmt.Sprintf("value at '%s' contains forbidden pattern '%s'", rule.Path, rule.Pattern),
			}, true
		}

	case RuleCustom:
		fn, registered := v.custom[rule.Func]
		if !registered {
			// An unregistered custom rule is a misconfiguration, not a
			// silent pass.
			return Failure{
				RuleID:  rule.ID(),
				Message: fmt.Sprintf("no custom rule registered for '%s'", rule.Func),
			}, true
		}
		if err := fn(payload); err != nil {
			return Failure{
				RuleID:  rule.ID(),
				Message: fmt.Sprintf("custom rule '%s': %v", rule.Func, err),
			}, true
		}

	default:
		return Failure{
			RuleID:  rule.ID(),
			Message: fmt.Sprintf("unknown rule type '%s'", rule.Type),
		}, true
	}

	return Failure{}, false
}

// resolvePath walks dot-notation through nested JSON objects. The second
// return distinguishes "absent" from "present but null".
func resolvePath(payload any, path string) (any, bool) {
	current := payload
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// normalize round-trips a value through JSON so payloads built from structs,
// maps, or YAML all compare and validate in the same shape.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func structuralMessage(err error) string {
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		pointer := strings.Join(schemaErr.JSONPointer(), ".")
		if pointer == "" {
			return fmt.Sprintf("payload: %s", schemaErr.Reason)
		}
		return fmt.Sprintf("payload at '%s': %s", pointer, schemaErr.Reason)
	}
	return err.Error()
}
