package verify

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/custos-run/custos/internal/agent"
)

func mustSchema(t *testing.T, structural map[string]any, rules ...Rule) *Schema {
	t.Helper()
	s, err := NewSchema("test-schema", structural, rules)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func outputWith(payload any) agent.Output {
	return agent.Output{Kind: "recommendation", Payload: payload}
}

func TestRequiredFieldPresent(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t, nil, Rule{Type: RuleRequiredField, Path: "result"})

	report := v.Verify(outputWith(map[string]any{"result": map[string]any{"severity": "HIGH"}}), schema)
	if !report.Passed {
		t.Errorf("expected pass, got failures %v", report.Failures)
	}
}

func TestRequiredFieldMissing(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t, nil, Rule{Type: RuleRequiredField, Path: "recommendation"})

	report := v.Verify(outputWith(map[string]any{"result": map[string]any{}}), schema)
	if report.Passed {
		t.Fatal("expected failure")
	}
	if !strings.Contains(report.Failures[0].Message, "recommendation") {
		t.Errorf("failure must name the field path: %q", report.Failures[0].Message)
	}
}

func TestRequiredFieldNullIsAbsent(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t, nil, Rule{Type: RuleRequiredField, Path: "a.b"})

	report := v.Verify(outputWith(map[string]any{"a": map[string]any{"b": nil}}), schema)
	if report.Passed {
		t.Error("null at the terminal path must fail required-field")
	}
}

func TestAllowedValues(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t, nil, Rule{
		Type: RuleAllowedValues, Path: "result.severity",
		Allowed: []any{"LOW", "MEDIUM", "HIGH"},
	})

	ok := v.Verify(outputWith(map[string]any{"result": map[string]any{"severity": "HIGH"}}), schema)
	if !ok.Passed {
		t.Errorf("HIGH is allowed, got failures %v", ok.Failures)
	}

	bad := v.Verify(outputWith(map[string]any{"result": map[string]any{"severity": "EXTREME"}}), schema)
	if bad.Passed {
		t.Error("EXTREME is not allowed")
	}

	missing := v.Verify(outputWith(map[string]any{"result": map[string]any{}}), schema)
	if missing.Passed {
		t.Error("missing value cannot be checked and must fail")
	}
}

func TestAllowedValuesNumericComparison(t *testing.T) {
	v := NewVerifier(nil)
	// Allowed values may come from YAML as ints; payloads decode as float64.
	schema := mustSchema(t, nil, Rule{Type: RuleAllowedValues, Path: "dose", Allowed: []any{5, 10}})

	report := v.Verify(outputWith(map[string]any{"dose": float64(5)}), schema)
	if !report.Passed {
		t.Errorf("numeric 5 should match allowed 5 after normalization: %v", report.Failures)
	}
}

func TestForbiddenPattern(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t, nil, Rule{Type: RuleForbiddenPattern, Path: "text", Pattern: "guaranteed cure"})

	bad := v.Verify(outputWith(map[string]any{"text": "this is a guaranteed cure"}), schema)
	if bad.Passed {
		t.Error("substring match must fail")
	}

	ok := v.Verify(outputWith(map[string]any{"text": "consult your physician"}), schema)
	if !ok.Passed {
		t.Errorf("clean text must pass: %v", ok.Failures)
	}
}

func TestForbiddenPatternNonStringSkips(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t, nil, Rule{Type: RuleForbiddenPattern, Path: "count", Pattern: "9"})

	report := v.Verify(outputWith(map[string]any{"count": 99}), schema)
	if !report.Passed {
		t.Errorf("non-string value is not applicable and must pass: %v", report.Failures)
	}
}

func TestForbiddenPatternMissingSkips(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t, nil, Rule{Type: RuleForbiddenPattern, Path: "absent", Pattern: "x"})

	report := v.Verify(outputWith(map[string]any{}), schema)
	if !report.Passed {
		t.Errorf("missing value skips the rule: %v", report.Failures)
	}
}

func TestCustomRule(t *testing.T) {
	v := NewVerifier(nil)
	v.RegisterCustom("dosage-range", func(payload any) error {
		obj, _ := payload.(map[string]any)
		dose, _ := obj["dose"].(float64)
		if dose > 100 {
			return fmt.Errorf("dose %v exceeds maximum", dose)
		}
		return nil
	})
	schema := mustSchema(t, nil, Rule{Type: RuleCustom, Func: "dosage-range"})

	ok := v.Verify(outputWith(map[string]any{"dose": float64(50)}), schema)
	if !ok.Passed {
		t.Errorf("in-range dose must pass: %v", ok.Failures)
	}

	bad := v.Verify(outputWith(map[string]any{"dose": float64(500)}), schema)
	if bad.Passed {
		t.Error("out-of-range dose must fail")
	}
}

func TestUnregisteredCustomRuleFails(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t, nil, Rule{Type: RuleCustom, Func: "never-registered"})

	report := v.Verify(outputWith(map[string]any{}), schema)
	if report.Passed {
		t.Fatal("unregistered custom rule is a misconfiguration, not a pass")
	}
	want := "no custom rule registered for 'never-registered'"
	if report.Failures[0].Message != want {
		t.Errorf("message mismatch:\n got %q\nwant %q", report.Failures[0].Message, want)
	}
}

func TestStructuralSchema(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t, map[string]any{
		"type":     "object",
		"required": []any{"result"},
		"properties": map[string]any{
			"result": map[string]any{"type": "object"},
		},
	})

	ok := v.Verify(outputWith(map[string]any{"result": map[string]any{}}), schema)
	if !ok.Passed {
		t.Errorf("conforming payload must pass: %v", ok.Failures)
	}

	bad := v.Verify(outputWith(map[string]any{"other": 1}), schema)
	if bad.Passed {
		t.Fatal("payload missing required property must fail")
	}
	if bad.Failures[0].RuleID != "json-schema" {
		t.Errorf("structural failures carry rule_id json-schema, got %q", bad.Failures[0].RuleID)
	}
}

func TestFailuresAccumulate(t *testing.T) {
	v := NewVerifier(nil)
	schema := mustSchema(t,
		map[string]any{"type": "object", "required": []any{"result"}},
		Rule{Type: RuleRequiredField, Path: "recommendation"},
		Rule{Type: RuleCustom, Func: "unregistered"},
	)

	report := v.Verify(outputWith(map[string]any{}), schema)
	if report.Passed {
		t.Fatal("expected failures")
	}
	if len(report.Failures) < 3 {
		t.Errorf("verification must accumulate all failures, got %d: %v", len(report.Failures), report.Failures)
	}
}

func TestLoadSchemaYAML(t *testing.T) {
	doc := `
schema_id: medication-recommendation
structural:
  type: object
  required: [result]
rules:
  - type: required-field
    path: result
  - type: allowed-values
    path: result.severity
    allowed: [LOW, MEDIUM, HIGH]
  - type: forbidden-pattern
    path: recommendation.text
    pattern: guaranteed
`
	schema, err := LoadSchemaBytes([]byte(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if schema.SchemaID != "medication-recommendation" {
		t.Errorf("schema_id not parsed: %q", schema.SchemaID)
	}
	if schema.Structural == nil {
		t.Error("structural schema not compiled")
	}
	if len(schema.Rules) != 3 {
		t.Errorf("expected 3 rules, got %d", len(schema.Rules))
	}
	// Declaration order is load-bearing for the report ordering.
	if schema.Rules[0].Type != RuleRequiredField || schema.Rules[2].Type != RuleForbiddenPattern {
		t.Errorf("rule order not preserved: %v", schema.Rules)
	}
}

func TestLoadSchemaRejectsBadDocs(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing schema_id", `rules: [{type: required-field, path: x}]`},
		{"unknown rule type", `
schema_id: s
rules:
  - type: nonsense
    path: x
`},
		{"required-field without path", `
schema_id: s
rules:
  - type: required-field
`},
		{"custom without func", `
schema_id: s
rules:
  - type: custom
`},
		{"not yaml", "\t{{{{"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadSchemaBytes([]byte(tc.doc))
			var schemaErr *SchemaValidationError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected SchemaValidationError, got %v", err)
			}
		})
	}
}
