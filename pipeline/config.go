// ABOUTME: Pipeline configuration: YAML decoding, JSON-schema validation, and parameter checking.
// ABOUTME: Unknown pipeline types and malformed parameter values are rejected at the edge.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/skein-dev/skein/graph"
)

// PipelineType selects a factory template.
type PipelineType string

const (
	TypeDevelopment PipelineType = "development"
	TypeQuickFix    PipelineType = "quick_fix"
	TypeRefactoring PipelineType = "refactoring"
	TypeCodeReview  PipelineType = "code_review"
	TypeTesting     PipelineType = "testing"
	TypeDeployment  PipelineType = "deployment"
)

// ErrInvalidConfig wraps every config rejection.
var ErrInvalidConfig = errors.New("invalid pipeline config")

// RetryConfig mirrors a graph retry policy in config form.
type RetryConfig struct {
	MaxRetries  int   `yaml:"maxRetries" json:"maxRetries"`
	BackoffMS   int64 `yaml:"backoffMs" json:"backoffMs"`
	Exponential bool  `yaml:"exponential" json:"exponential"`
}

// Policy converts to the scheduler's retry policy.
func (r *RetryConfig) Policy() *graph.RetryPolicy {
	if r == nil {
		return nil
	}
	return &graph.RetryPolicy{
		MaxRetries:  r.MaxRetries,
		Backoff:     time.Duration(r.BackoffMS) * time.Millisecond,
		Exponential: r.Exponential,
	}
}

// Config describes one pipeline to build and run.
type Config struct {
	Type        PipelineType   `yaml:"type" json:"type"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters,omitempty"`
	TimeoutMS   int64          `yaml:"timeoutMs" json:"timeoutMs,omitempty"`
	RetryPolicy *RetryConfig   `yaml:"retryPolicy" json:"retryPolicy,omitempty"`
	Concurrency int            `yaml:"concurrency" json:"concurrency,omitempty"`
}

// Timeout returns the configured execution timeout, zero when unset.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "name"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["development", "quick_fix", "refactoring", "code_review", "testing", "deployment"]
		},
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"parameters": {"type": "object"},
		"timeoutMs": {"type": "integer", "minimum": 0},
		"concurrency": {"type": "integer", "minimum": 1},
		"retryPolicy": {
			"type": "object",
			"properties": {
				"maxRetries": {"type": "integer", "minimum": 0},
				"backoffMs": {"type": "integer", "minimum": 0},
				"exponential": {"type": "boolean"}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

var compiledSchema = jsonschema.MustCompileString("pipeline-config.schema.json", configSchema)

// ParseConfig decodes and validates a YAML pipeline config.
func ParseConfig(data []byte) (Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// Round-trip through JSON so the schema validator sees canonical types.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var cfg Config
	if err := json.Unmarshal(encoded, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML pipeline config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// validPipelineTypes enumerates the supported factory templates.
var validPipelineTypes = map[PipelineType]bool{
	TypeDevelopment: true,
	TypeQuickFix:    true,
	TypeRefactoring: true,
	TypeCodeReview:  true,
	TypeTesting:     true,
	TypeDeployment:  true,
}

// Validate checks a programmatically constructed config.
func (c *Config) Validate() error {
	if !validPipelineTypes[c.Type] {
		return fmt.Errorf("%w: unknown pipeline type %q", ErrInvalidConfig, c.Type)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: pipeline has no name", ErrInvalidConfig)
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: negative concurrency", ErrInvalidConfig)
	}
	for key, value := range c.Parameters {
		if err := checkParameterValue(value); err != nil {
			return fmt.Errorf("%w: parameter %q: %v", ErrInvalidConfig, key, err)
		}
	}
	return nil
}

// checkParameterValue admits primitives, lists, string-keyed maps, and nil.
func checkParameterValue(v any) error {
	switch val := v.(type) {
	case nil, bool, string, int, int64, float64:
		return nil
	case []any:
		for _, item := range val {
			if err := checkParameterValue(item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, item := range val {
			if err := checkParameterValue(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}
