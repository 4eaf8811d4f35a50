// ABOUTME: Node handlers for the five node types: TASK, PARALLEL, CONDITION, MERGE, LOOP.
// ABOUTME: Handlers receive configs already resolved against upstream outputs by the scheduler.
package pipeline

import (
	"context"
	"fmt"

	"github.com/skein-dev/skein/expr"
	"github.com/skein-dev/skein/graph"
)

// ConditionFailedError reports a CONDITION node whose expression evaluated
// falsy. The scheduler treats it as a node failure; continueOnError decides
// whether downstream nodes stay runnable.
type ConditionFailedError struct {
	Condition string
	Evaluated string
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("condition %q evaluated false (as %q)", e.Condition, e.Evaluated)
}

// RegisterDefaultHandlers wires one handler per node type into a registry.
func RegisterDefaultHandlers(reg *graph.Registry, tools *ToolRegistry) {
	reg.Register(&TaskHandler{Tools: tools})
	reg.Register(&ParallelHandler{Tools: tools})
	reg.Register(&ConditionHandler{})
	reg.Register(&MergeHandler{})
	reg.Register(&LoopHandler{Tools: tools})
}

// TaskHandler dispatches config.operation to the tool registry.
type TaskHandler struct {
	Tools *ToolRegistry
}

func (h *TaskHandler) Type() graph.NodeType { return graph.NodeTask }

func (h *TaskHandler) Execute(ctx context.Context, node graph.NodeDefinition, ec *graph.ExecutionContext) (any, error) {
	op, _ := node.Config["operation"].(string)
	if op == "" {
		op = node.ID
	}
	return h.Tools.Execute(ctx, op, node.Config, toolContextFor(ec))
}

// ParallelHandler marks a fan-out point. Real parallelism comes from the
// scheduler running sibling nodes concurrently; the node itself either runs
// an operation or just records its branches.
type ParallelHandler struct {
	Tools *ToolRegistry
}

func (h *ParallelHandler) Type() graph.NodeType { return graph.NodeParallel }

func (h *ParallelHandler) Execute(ctx context.Context, node graph.NodeDefinition, ec *graph.ExecutionContext) (any, error) {
	if op, _ := node.Config["operation"].(string); op != "" {
		return h.Tools.Execute(ctx, op, node.Config, toolContextFor(ec))
	}
	return map[string]any{
		"status":           "completed",
		"nodeId":           node.ID,
		"parallelBranches": node.Dependencies,
	}, nil
}

// ConditionHandler gates downstream nodes on config.condition.
type ConditionHandler struct{}

func (h *ConditionHandler) Type() graph.NodeType { return graph.NodeCondition }

func (h *ConditionHandler) Execute(ctx context.Context, node graph.NodeDefinition, ec *graph.ExecutionContext) (any, error) {
	raw, present := node.Config["condition"]
	if !present {
		return nil, fmt.Errorf("condition node %q has no condition", node.ID)
	}

	result, evaluated := evaluateResolved(raw)
	if !result {
		return nil, &ConditionFailedError{Condition: fmt.Sprintf("%v", raw), Evaluated: evaluated}
	}
	return map[string]any{
		"status":             "passed",
		"condition":          raw,
		"evaluatedCondition": evaluated,
		"result":             true,
		"passed":             true,
	}, nil
}

// MergeHandler collects every dependency's output. Outputs carrying a
// "findings" list are concatenated into a flat findings slice.
type MergeHandler struct{}

func (h *MergeHandler) Type() graph.NodeType { return graph.NodeMerge }

func (h *MergeHandler) Execute(ctx context.Context, node graph.NodeDefinition, ec *graph.ExecutionContext) (any, error) {
	merged := make(map[string]any, len(node.Dependencies))
	var findings []any
	for _, dep := range node.Dependencies {
		out, ok := ec.Output(dep)
		if !ok {
			continue
		}
		merged[dep] = out
		if m, ok := out.(map[string]any); ok {
			if list, ok := m["findings"].([]any); ok {
				findings = append(findings, list...)
			}
		}
	}
	return map[string]any{
		"status":        "completed",
		"mergedResults": merged,
		"findings":      findings,
		"mergedCount":   len(merged),
	}, nil
}

// LoopHandler iterates either over config.items or while config.condition
// holds, bounded by config.maxIterations. Per-iteration outputs live under
// reserved keys and are removed before the handler returns.
type LoopHandler struct {
	Tools *ToolRegistry
}

const defaultMaxIterations = 100

func (h *LoopHandler) Type() graph.NodeType { return graph.NodeLoop }

func (h *LoopHandler) Execute(ctx context.Context, node graph.NodeDefinition, ec *graph.ExecutionContext) (any, error) {
	maxIterations := defaultMaxIterations
	if n, ok := asInt(node.Config["maxIterations"]); ok && n > 0 {
		maxIterations = n
	}
	op, _ := node.Config["operation"].(string)
	if op == "" {
		op = node.ID
	}

	items, itemsMode := node.Config["items"].([]any)
	condition, conditionMode := node.Config["condition"].(string)
	if !itemsMode && !conditionMode {
		// A resolved single-token condition may already be a native value.
		if raw, present := node.Config["condition"]; present {
			condition = fmt.Sprintf("%v", raw)
			conditionMode = true
		}
	}
	if !itemsMode && !conditionMode {
		return nil, fmt.Errorf("loop node %q needs items or condition", node.ID)
	}

	iterKeys := make([]string, 0, maxIterations)
	defer func() {
		for _, key := range iterKeys {
			ec.DeleteOutput(key)
		}
	}()

	var results []any
	iterations := 0
	for iterations < maxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if itemsMode && iterations >= len(items) {
			break
		}
		if conditionMode {
			// Re-substitute each round so the condition can observe
			// outputs written by earlier iterations.
			resolved := expr.SubstituteVariables(condition, ec.OutputsSnapshot())
			if ok, _ := evaluateResolved(resolved); !ok {
				break
			}
		}

		iterConfig := make(map[string]any, len(node.Config)+2)
		for k, v := range node.Config {
			iterConfig[k] = v
		}
		iterConfig["_index"] = iterations
		if itemsMode {
			iterConfig["_item"] = items[iterations]
		}

		out, err := h.Tools.Execute(ctx, op, iterConfig, toolContextFor(ec))
		if err != nil {
			return nil, fmt.Errorf("loop %q iteration %d: %w", node.ID, iterations, err)
		}
		key := fmt.Sprintf("__loop:%s:iteration:%d", node.ID, iterations)
		ec.SetOutput(key, out)
		iterKeys = append(iterKeys, key)
		results = append(results, out)
		iterations++
	}

	return map[string]any{
		"status":     "completed",
		"iterations": iterations,
		"results":    results,
	}, nil
}

// evaluateResolved turns a resolved condition value into a boolean. Native
// booleans and numbers use standard truthiness; strings go through the
// sandboxed evaluator.
func evaluateResolved(raw any) (bool, string) {
	switch v := raw.(type) {
	case bool:
		return v, fmt.Sprintf("%v", v)
	case float64:
		return v != 0, fmt.Sprintf("%v", v)
	case int:
		return v != 0, fmt.Sprintf("%v", v)
	case string:
		return expr.EvaluateCondition(v), v
	case nil:
		return false, "null"
	default:
		return false, fmt.Sprintf("%v", v)
	}
}

// asInt coerces config numbers, which arrive as float64 from JSON or int
// from YAML.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// toolContextFor builds a ToolContext from the execution metadata.
func toolContextFor(ec *graph.ExecutionContext) ToolContext {
	tc := ToolContext{RequestID: ec.ExecutionID}
	if v, ok := ec.Metadata("tenantId"); ok {
		tc.TenantID, _ = v.(string)
	}
	if v, ok := ec.Metadata("userId"); ok {
		tc.UserID, _ = v.(string)
	}
	if v, ok := ec.Metadata("workdir"); ok {
		tc.Workdir, _ = v.(string)
	}
	return tc
}
