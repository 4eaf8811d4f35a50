// ABOUTME: Tool interface consumed by TASK-style handlers, plus a registry keyed by operation name.
// ABOUTME: Unknown operations resolve to a simulated result so pipelines stay runnable without real tools.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ToolContext carries per-invocation environment for a tool.
type ToolContext struct {
	RequestID string
	TenantID  string
	UserID    string
	Workdir   string
	Env       map[string]string
	Timeout   time.Duration
}

// ToolResult is what a tool reports back.
type ToolResult struct {
	Success  bool
	Data     any
	Error    string
	Duration time.Duration
	Logs     []string
	Metadata map[string]any
}

// Tool executes one named operation with a resolved config.
type Tool interface {
	Name() string
	Execute(ctx context.Context, config map[string]any, tc ToolContext) (ToolResult, error)
}

// ToolRegistry maps operation names to tools. Safe for concurrent use.
type ToolRegistry struct {
	mu    sync.Mutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool under its name, replacing any previous one.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool for an operation name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered operation names.
func (r *ToolRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Execute runs the named operation. A registered tool's Data is returned
// as the node output; an unregistered operation yields a simulated result.
func (r *ToolRegistry) Execute(ctx context.Context, op string, config map[string]any, tc ToolContext) (any, error) {
	tool, ok := r.Get(op)
	if !ok {
		return map[string]any{
			"status": "completed",
			"output": fmt.Sprintf("Simulated execution of %s", op),
		}, nil
	}

	start := time.Now()
	result, err := tool.Execute(ctx, config, tc)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", op, err)
	}
	if !result.Success {
		return nil, fmt.Errorf("tool %q failed: %s", op, result.Error)
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	if result.Data != nil {
		return result.Data, nil
	}
	return map[string]any{"status": "completed", "duration": result.Duration.String()}, nil
}
