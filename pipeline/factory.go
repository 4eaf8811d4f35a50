// ABOUTME: Pipeline factory: turns a typed Config into a concrete graph definition.
// ABOUTME: Each pipeline type has a fixed node template; parameters flow in as graph variables and config values.
package pipeline

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skein-dev/skein/graph"
)

// Factory builds graph definitions from pipeline configs.
type Factory struct{}

// NewFactory creates a Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Build validates the config and emits the graph for its pipeline type.
func (f *Factory) Build(cfg Config) (*graph.Definition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var nodes []graph.NodeDefinition
	var entry []string
	switch cfg.Type {
	case TypeDevelopment:
		nodes, entry = developmentTemplate(cfg)
	case TypeQuickFix:
		nodes, entry = quickFixTemplate(cfg)
	case TypeRefactoring:
		nodes, entry = refactoringTemplate(cfg)
	case TypeCodeReview:
		nodes, entry = codeReviewTemplate(cfg)
	case TypeTesting:
		nodes, entry = testingTemplate(cfg)
	case TypeDeployment:
		nodes, entry = deploymentTemplate(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown pipeline type %q", ErrInvalidConfig, cfg.Type)
	}

	id := fmt.Sprintf("%s-%s", cfg.Type, ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader))
	def, err := graph.NewDefinition(id, cfg.Name, cfg.Description, nodes, entry, cfg.Parameters)
	if err != nil {
		return nil, fmt.Errorf("build %s pipeline: %w", cfg.Type, err)
	}
	return def, nil
}

// task is a template shorthand for a TASK node running one operation.
func task(id, op string, cfg Config, deps ...string) graph.NodeDefinition {
	config := map[string]any{"operation": op}
	for k, v := range cfg.Parameters {
		config[k] = v
	}
	return graph.NodeDefinition{
		ID:           id,
		Type:         graph.NodeTask,
		Name:         id,
		Dependencies: deps,
		Config:       config,
		Retry:        cfg.RetryPolicy.Policy(),
	}
}

func developmentTemplate(cfg Config) ([]graph.NodeDefinition, []string) {
	nodes := []graph.NodeDefinition{
		task("plan", "plan", cfg),
		task("implement", "implement", cfg, "plan"),
		task("test", "run_tests", cfg, "implement"),
		{
			ID: "test_gate", Type: graph.NodeCondition, Name: "test_gate",
			Dependencies: []string{"test"},
			Config:       map[string]any{"condition": "${test.passed} === ${test.total}"},
		},
		task("review", "code_review", cfg, "test_gate"),
	}
	return nodes, []string{"plan"}
}

func quickFixTemplate(cfg Config) ([]graph.NodeDefinition, []string) {
	nodes := []graph.NodeDefinition{
		task("analyze", "analyze_issue", cfg),
		task("fix", "apply_fix", cfg, "analyze"),
		task("verify", "run_tests", cfg, "fix"),
	}
	return nodes, []string{"analyze"}
}

func refactoringTemplate(cfg Config) ([]graph.NodeDefinition, []string) {
	nodes := []graph.NodeDefinition{
		task("analyze", "analyze_structure", cfg),
		task("refactor", "apply_refactoring", cfg, "analyze"),
		task("test", "run_tests", cfg, "refactor"),
		{
			ID: "safety_gate", Type: graph.NodeCondition, Name: "safety_gate",
			Dependencies: []string{"test"},
			Config:       map[string]any{"condition": "${test.passed} === ${test.total}"},
		},
	}
	return nodes, []string{"analyze"}
}

func codeReviewTemplate(cfg Config) ([]graph.NodeDefinition, []string) {
	nodes := []graph.NodeDefinition{
		task("fetch", "fetch_changes", cfg),
		{
			ID: "fan_out", Type: graph.NodeParallel, Name: "fan_out",
			Dependencies: []string{"fetch"},
			Config:       map[string]any{},
		},
		task("style_review", "review_style", cfg, "fan_out"),
		task("security_review", "review_security", cfg, "fan_out"),
		task("logic_review", "review_logic", cfg, "fan_out"),
		{
			ID: "merge_reviews", Type: graph.NodeMerge, Name: "merge_reviews",
			Dependencies: []string{"style_review", "security_review", "logic_review"},
			Config:       map[string]any{},
		},
	}
	return nodes, []string{"fetch"}
}

func testingTemplate(cfg Config) ([]graph.NodeDefinition, []string) {
	nodes := []graph.NodeDefinition{
		task("discover", "discover_suites", cfg),
		{
			ID: "run_suites", Type: graph.NodeLoop, Name: "run_suites",
			Dependencies: []string{"discover"},
			Config: map[string]any{
				"operation": "run_suite",
				"items":     "${discover.suites}",
			},
			Retry: cfg.RetryPolicy.Policy(),
		},
		{
			ID: "collect", Type: graph.NodeMerge, Name: "collect",
			Dependencies: []string{"run_suites"},
			Config:       map[string]any{},
		},
	}
	return nodes, []string{"discover"}
}

func deploymentTemplate(cfg Config) ([]graph.NodeDefinition, []string) {
	nodes := []graph.NodeDefinition{
		task("build", "build_artifact", cfg),
		task("stage", "deploy_staging", cfg, "build"),
		{
			ID: "health_gate", Type: graph.NodeCondition, Name: "health_gate",
			Dependencies: []string{"stage"},
			Config:       map[string]any{"condition": "${stage.healthy} === true"},
		},
		task("deploy", "deploy_production", cfg, "health_gate"),
	}
	return nodes, []string{"build"}
}
