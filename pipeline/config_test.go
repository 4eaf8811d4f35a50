// ABOUTME: Config parsing tests: YAML decoding, schema rejection of malformed documents, parameter validation.
package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestParseConfig_Valid(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
type: development
name: feature-x
description: build the thing
parameters:
  repo: skein
  reviewers: [a, b]
timeoutMs: 60000
concurrency: 4
retryPolicy:
  maxRetries: 2
  backoffMs: 100
  exponential: true
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Type != TypeDevelopment || cfg.Name != "feature-x" {
		t.Errorf("decoded %+v", cfg)
	}
	if cfg.Timeout() != time.Minute {
		t.Errorf("timeout %s, want 1m", cfg.Timeout())
	}
	policy := cfg.RetryPolicy.Policy()
	if policy.MaxRetries != 2 || policy.Backoff != 100*time.Millisecond || !policy.Exponential {
		t.Errorf("retry policy %+v", policy)
	}
	if len(cfg.Parameters["reviewers"].([]any)) != 2 {
		t.Errorf("parameters %v", cfg.Parameters)
	}
}

func TestParseConfig_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown type", "type: mystery\nname: p"},
		{"missing name", "type: development"},
		{"empty name", "type: development\nname: \"\""},
		{"negative timeout", "type: development\nname: p\ntimeoutMs: -5"},
		{"zero concurrency", "type: development\nname: p\nconcurrency: 0"},
		{"unknown field", "type: development\nname: p\nbogus: 1"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		if _, err := ParseConfig([]byte(tc.yaml)); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestConfigValidate_ParameterValues(t *testing.T) {
	cfg := Config{Type: TypeTesting, Name: "p", Parameters: map[string]any{
		"ok_list": []any{"a", 1, nil},
		"ok_map":  map[string]any{"nested": true},
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid parameters rejected: %v", err)
	}

	cfg.Parameters = map[string]any{"bad": func() {}}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("function parameter accepted: %v", err)
	}
}
