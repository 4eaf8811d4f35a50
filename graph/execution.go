// ABOUTME: Per-run execution state: node statuses, the shared ExecutionContext, and the final Result.
// ABOUTME: ExecutionContext is owned by the running graph; handlers read outputs and write only their own key.
package graph

import (
	"sync"
	"time"
)

// NodeStatus is the lifecycle state of a node within one execution.
type NodeStatus string

const (
	StatusPending   NodeStatus = "PENDING"
	StatusReady     NodeStatus = "READY"
	StatusRunning   NodeStatus = "RUNNING"
	StatusCompleted NodeStatus = "COMPLETED"
	StatusFailed    NodeStatus = "FAILED"
	StatusSkipped   NodeStatus = "SKIPPED"
	StatusBlocked   NodeStatus = "BLOCKED"
)

// terminal reports whether a status is final.
func (s NodeStatus) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusBlocked:
		return true
	}
	return false
}

// NodeExecution records the outcome of one node within an execution.
type NodeExecution struct {
	NodeID    string        `json:"node_id"`
	Status    NodeStatus    `json:"status"`
	StartTime time.Time     `json:"start_time,omitzero"`
	EndTime   time.Time     `json:"end_time,omitzero"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ExecutionContext is the mutable state shared by all nodes of a single
// execution. The executing graph owns it exclusively; a node's handler may
// read any output but must write only its own node's key.
type ExecutionContext struct {
	GraphID     string
	ExecutionID string

	mu        sync.RWMutex
	variables map[string]any
	outputs   map[string]any
	metadata  map[string]any
}

// NewExecutionContext creates an execution context seeded with the given
// variables.
func NewExecutionContext(graphID, executionID string, variables map[string]any) *ExecutionContext {
	return &ExecutionContext{
		GraphID:     graphID,
		ExecutionID: executionID,
		variables:   copyMap(variables),
		outputs:     make(map[string]any),
		metadata:    make(map[string]any),
	}
}

// Variable returns the named execution variable.
func (c *ExecutionContext) Variable(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// SetVariable stores an execution variable.
func (c *ExecutionContext) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.variables == nil {
		c.variables = make(map[string]any)
	}
	c.variables[key] = value
}

// Output returns the recorded output for the given node id.
func (c *ExecutionContext) Output(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[nodeID]
	return v, ok
}

// SetOutput records a node's output. Single-writer per key: only the node
// that owns nodeID (or the scheduler on its behalf) may call this.
func (c *ExecutionContext) SetOutput(nodeID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[nodeID] = output
}

// DeleteOutput removes a recorded output. Used by the loop handler to clear
// its per-iteration namespace keys.
func (c *ExecutionContext) DeleteOutput(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outputs, nodeID)
}

// OutputsSnapshot returns a shallow copy of all recorded outputs.
func (c *ExecutionContext) OutputsSnapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		snap[k] = v
	}
	return snap
}

// OutputKeys returns the node ids that currently have recorded outputs.
func (c *ExecutionContext) OutputKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.outputs))
	for k := range c.outputs {
		keys = append(keys, k)
	}
	return keys
}

// SetMetadata stores an execution metadata entry.
func (c *ExecutionContext) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns the named metadata entry.
func (c *ExecutionContext) Metadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Result holds the final state of a completed graph execution.
type Result struct {
	GraphID        string          `json:"graph_id"`
	ExecutionID    string          `json:"execution_id"`
	Success        bool            `json:"success"`
	Duration       time.Duration   `json:"duration"`
	Error          string          `json:"error,omitempty"`
	NodeExecutions []NodeExecution `json:"node_executions"`
	Outputs        map[string]any  `json:"outputs"`
}
