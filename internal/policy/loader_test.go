package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const demoPolicy = `
[[rules]]
id = "allow-drug-interaction-check"
action = "drug-interaction-check"
resource = "drug-database"
required_capabilities = ["drug-database.read"]
verdict = "allow"

[[rules]]
id = "deny-patient-query-no-consent"
action = "query"
resource = "patient-records-no-consent"
verdict = "deny"
deny_reason = "patient has not provided consent"

[[rules]]
id = "approve-high-cost"
action = "propose-procedure"
resource = "high-cost-procedure"
verdict = "require-approval"
approval_reason = "cost threshold exceeded"
approver_role = "attending-physician"
`

func TestLoadString(t *testing.T) {
	rules, err := LoadString(demoPolicy)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}

	// Declaration order must survive loading — first-match-wins depends on it.
	if rules[0].ID != "allow-drug-interaction-check" || rules[2].ID != "approve-high-cost" {
		t.Errorf("rule order not preserved: %q, %q, %q", rules[0].ID, rules[1].ID, rules[2].ID)
	}
	if rules[0].RequiredCapabilities[0] != "drug-database.read" {
		t.Errorf("required_capabilities not parsed: %v", rules[0].RequiredCapabilities)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte(demoPolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if len(rules) != 3 {
		t.Errorf("expected 3 rules, got %d", len(rules))
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestValidationRejectsBadRules(t *testing.T) {
	cases := []struct {
		name string
		toml string
	}{
		{"unknown verdict", `
[[rules]]
id = "r1"
action = "a"
resource = "r"
verdict = "maybe"
`},
		{"missing id", `
[[rules]]
action = "a"
resource = "r"
verdict = "allow"
`},
		{"deny without reason", `
[[rules]]
id = "r1"
action = "a"
resource = "r"
verdict = "deny"
`},
		{"approval without role", `
[[rules]]
id = "r1"
action = "a"
resource = "r"
verdict = "require-approval"
`},
		{"verification without check", `
[[rules]]
id = "r1"
action = "a"
resource = "r"
verdict = "require-verification"
`},
		{"duplicate ids", `
[[rules]]
id = "r1"
action = "a"
resource = "r"
verdict = "allow"

[[rules]]
id = "r1"
action = "b"
resource = "r"
verdict = "allow"
`},
		{"empty file", ``},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadString(tc.toml)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}
