// ABOUTME: Tests for variable substitution covering type preservation, string splicing, and pollution defenses.
// ABOUTME: Exercises nested path lookups, missing references, and recursive config resolution.
package expr

import (
	"reflect"
	"testing"
)

func testOutputs() map[string]any {
	return map[string]any{
		"analyze": map[string]any{
			"passed": float64(5),
			"total":  float64(5),
			"ok":     true,
			"items":  []any{"a", "b", "c"},
			"report": map[string]any{"severity": "low"},
			"none":   nil,
		},
	}
}

func TestSubstituteVariables_TypePreservation(t *testing.T) {
	outputs := testOutputs()

	got := SubstituteVariables("${analyze.items}", outputs)
	items, ok := got.([]any)
	if !ok {
		t.Fatalf("expected []any, got %T", got)
	}
	if !reflect.DeepEqual(items, []any{"a", "b", "c"}) {
		t.Errorf("unexpected items: %v", items)
	}

	if got := SubstituteVariables("${analyze.passed}", outputs); got != float64(5) {
		t.Errorf("expected float64(5), got %v (%T)", got, got)
	}
	if got := SubstituteVariables("${analyze.ok}", outputs); got != true {
		t.Errorf("expected true, got %v (%T)", got, got)
	}
	if got := SubstituteVariables("${analyze.none}", outputs); got != nil {
		t.Errorf("expected nil, got %v (%T)", got, got)
	}
	if got := SubstituteVariables("${analyze.report}", outputs); !reflect.DeepEqual(got, map[string]any{"severity": "low"}) {
		t.Errorf("expected native map, got %v (%T)", got, got)
	}
}

func TestSubstituteVariables_StringSplicing(t *testing.T) {
	outputs := testOutputs()

	got := SubstituteVariables("${analyze.passed} === ${analyze.total}", outputs)
	if got != "5 === 5" {
		t.Errorf("expected %q, got %q", "5 === 5", got)
	}

	got = SubstituteVariables("result: ${analyze.ok}, items: ${analyze.items}", outputs)
	want := `result: true, items: ["a","b","c"]`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	got = SubstituteVariables("value is ${analyze.none}", outputs)
	if got != "value is null" {
		t.Errorf("expected null splice, got %q", got)
	}
}

func TestSubstituteVariables_MissingReferences(t *testing.T) {
	outputs := testOutputs()

	// Unknown node: the whole token stays intact.
	if got := SubstituteVariables("${unknown.field}", outputs); got != "${unknown.field}" {
		t.Errorf("expected token unchanged, got %v", got)
	}

	// Known node, missing segment.
	if got := SubstituteVariables("before ${analyze.missing} after", outputs); got != "before ${analyze.missing} after" {
		t.Errorf("expected token unchanged inside string, got %v", got)
	}
}

func TestSubstituteVariables_PollutionDefense(t *testing.T) {
	outputs := map[string]any{
		"node": map[string]any{
			"__proto__":   map[string]any{"polluted": true},
			"constructor": "bad",
			"safe":        "ok",
		},
	}

	for _, tmpl := range []string{
		"${node.__proto__}",
		"${node.__proto__.polluted}",
		"${node.constructor}",
		"${node.prototype}",
		"${__proto__.anything}",
	} {
		if got := SubstituteVariables(tmpl, outputs); got != tmpl {
			t.Errorf("SubstituteVariables(%q) = %v, want the token unchanged", tmpl, got)
		}
	}

	if got := SubstituteVariables("${node.safe}", outputs); got != "ok" {
		t.Errorf("safe path should resolve, got %v", got)
	}
}

func TestSubstituteVariables_ArrayIndexing(t *testing.T) {
	outputs := testOutputs()

	if got := SubstituteVariables("${analyze.items.1}", outputs); got != "b" {
		t.Errorf("expected element b, got %v", got)
	}
	if got := SubstituteVariables("${analyze.items.9}", outputs); got != "${analyze.items.9}" {
		t.Errorf("out-of-range index should leave token, got %v", got)
	}
}

func TestResolveConfig_RecursiveStructure(t *testing.T) {
	outputs := testOutputs()

	config := map[string]any{
		"operation": "lint",
		"items":     "${analyze.items}",
		"nested": map[string]any{
			"message": "passed ${analyze.passed} of ${analyze.total}",
			"flags":   []any{"${analyze.ok}", 42, "literal"},
		},
	}

	resolved := ResolveConfig(config, outputs)

	if resolved["operation"] != "lint" {
		t.Errorf("plain string mangled: %v", resolved["operation"])
	}
	if _, ok := resolved["items"].([]any); !ok {
		t.Errorf("single-token item list should stay an array, got %T", resolved["items"])
	}

	nested, ok := resolved["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested map lost: %T", resolved["nested"])
	}
	if nested["message"] != "passed 5 of 5" {
		t.Errorf("unexpected message: %v", nested["message"])
	}
	flags, ok := nested["flags"].([]any)
	if !ok || len(flags) != 3 {
		t.Fatalf("nested list lost: %v", nested["flags"])
	}
	if flags[0] != true {
		t.Errorf("single-token in list should keep native bool, got %v (%T)", flags[0], flags[0])
	}
	if flags[1] != 42 {
		t.Errorf("non-string leaf changed: %v", flags[1])
	}

	// Original config must not be mutated.
	if config["items"] != "${analyze.items}" {
		t.Error("ResolveConfig mutated its input")
	}
}
