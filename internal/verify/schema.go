package verify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// Schema declares how one class of agent output is checked: an optional
// structural JSON-schema document plus an ordered list of semantic rules.
type Schema struct {
	SchemaID   string
	Structural *openapi3.Schema
	Rules      []Rule
}

// SchemaValidationError reports a schema document that could not be loaded
// or compiled. Raised at construction time only.
type SchemaValidationError struct {
	SchemaID string
	Err      error
}

func (e *SchemaValidationError) Error() string {
	if e.SchemaID == "" {
		return fmt.Sprintf("output schema: %v", e.Err)
	}
	return fmt.Sprintf("output schema %q: %v", e.SchemaID, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// schemaDoc is the on-disk shape of a schema document (YAML or JSON).
type schemaDoc struct {
	SchemaID   string         `json:"schema_id" yaml:"schema_id"`
	Structural map[string]any `json:"structural,omitempty" yaml:"structural,omitempty"`
	Rules      []Rule         `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// NewSchema builds a schema from a raw structural document (may be nil) and
// semantic rules, compiling the structural part eagerly so misconfiguration
// fails at construction, not mid-execution.
func NewSchema(schemaID string, structural map[string]any, rules []Rule) (*Schema, error) {
	if schemaID == "" {
		return nil, &SchemaValidationError{Err: fmt.Errorf("schema_id is required")}
	}

	s := &Schema{SchemaID: schemaID, Rules: rules}

	if structural != nil {
		compiled, err := compileStructural(structural)
		if err != nil {
			return nil, &SchemaValidationError{SchemaID: schemaID, Err: err}
		}
		s.Structural = compiled
	}

	for i, rule := range rules {
		if err := validateRule(rule); err != nil {
			return nil, &SchemaValidationError{SchemaID: schemaID, Err: fmt.Errorf("rule %d: %w", i, err)}
		}
	}

	return s, nil
}

// LoadSchemaFile reads a schema document from a YAML or JSON file. YAML is a
// superset of JSON here, so one decoder covers both.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SchemaValidationError{Err: fmt.Errorf("read %s: %w", path, err)}
	}
	return LoadSchemaBytes(data)
}

// LoadSchemaBytes parses a schema document from YAML or JSON text.
func LoadSchemaBytes(data []byte) (*Schema, error) {
	var doc schemaDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &SchemaValidationError{Err: fmt.Errorf("parse: %w", err)}
	}
	return NewSchema(doc.SchemaID, normalizeStructural(doc.Structural), doc.Rules)
}

func compileStructural(structural map[string]any) (*openapi3.Schema, error) {
	raw, err := json.Marshal(structural)
	if err != nil {
		return nil, fmt.Errorf("serialize structural schema: %w", err)
	}
	var compiled openapi3.Schema
	if err := compiled.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("compile structural schema: %w", err)
	}
	return &compiled, nil
}

// normalizeStructural converts yaml.v3's map[any]any nesting into the
// map[string]any shape the JSON compiler expects.
func normalizeStructural(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	out := make(map[string]any, len(value))
	for k, v := range value {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return normalizeStructural(v)
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func validateRule(rule Rule) error {
	switch rule.Type {
	case RuleRequiredField, RuleAllowedValues, RuleForbiddenPattern:
		if rule.Path == "" {
			return fmt.Errorf("%s rule requires a path", rule.Type)
		}
		if rule.Type == RuleAllowedValues && len(rule.Allowed) == 0 {
			return fmt.Errorf("allowed-values rule requires at least one allowed value")
		}
		if rule.Type == RuleForbiddenPattern && rule.Pattern == "" {
			return fmt.Errorf("forbidden-pattern rule requires a pattern")
		}
	case RuleCustom:
		if rule.Func == "" {
			return fmt.Errorf("custom rule requires a function name")
		}
	default:
		return fmt.Errorf("unknown rule type %q", rule.Type)
	}
	return nil
}
