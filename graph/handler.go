// ABOUTME: Handler interface and per-node-type registry for graph execution dispatch.
// ABOUTME: Handlers receive a resolved node definition and the shared execution context.
package graph

import (
	"context"
)

// Handler executes the work of a single node. The scheduler calls Execute
// with the node's definition (config already variable-resolved) and the
// shared execution context. The returned output becomes the node's entry in
// ExecutionContext outputs; a returned error marks the attempt failed.
type Handler interface {
	// Type returns the node type this handler serves.
	Type() NodeType

	// Execute runs the handler logic. ctx carries per-attempt timeout and
	// execution-level cancellation.
	Execute(ctx context.Context, node NodeDefinition, ec *ExecutionContext) (any, error)
}

// Registry maps node types to handler instances.
type Registry struct {
	handlers map[NodeType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[NodeType]Handler)}
}

// Register adds a handler keyed by its Type(). Registering for an
// already-registered type replaces the previous handler.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Type()] = h
}

// Get returns the handler for the given node type, or nil if none is
// registered.
func (r *Registry) Get(t NodeType) Handler {
	return r.handlers[t]
}

// Types returns the registered node types.
func (r *Registry) Types() []NodeType {
	out := make([]NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
