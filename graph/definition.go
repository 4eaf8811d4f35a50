// ABOUTME: Immutable graph definitions with structural validation and cycle detection.
// ABOUTME: NewDefinition rejects unknown dependency ids, dependent entry nodes, duplicates, and cyclic graphs.
package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// NodeType identifies the kind of work a node performs.
type NodeType string

const (
	NodeTask      NodeType = "TASK"
	NodeParallel  NodeType = "PARALLEL"
	NodeCondition NodeType = "CONDITION"
	NodeMerge     NodeType = "MERGE"
	NodeLoop      NodeType = "LOOP"
)

// NodeDefinition describes a single unit of work and its declared
// dependencies within a graph.
type NodeDefinition struct {
	ID              string         `json:"id"`
	Type            NodeType       `json:"type"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	Timeout         time.Duration  `json:"timeout,omitempty"`
	Retry           *RetryPolicy   `json:"retryPolicy,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
}

// Definition is an immutable description of a pipeline graph. All accessors
// return copies; a Definition never changes after construction.
type Definition struct {
	id          string
	name        string
	description string
	nodes       []NodeDefinition
	byID        map[string]int
	entryNodes  []string
	variables   map[string]any
}

// validNodeTypes enumerates the accepted node type tags.
var validNodeTypes = map[NodeType]bool{
	NodeTask:      true,
	NodeParallel:  true,
	NodeCondition: true,
	NodeMerge:     true,
	NodeLoop:      true,
}

// NewDefinition validates and constructs a graph definition. It fails with
// ErrInvalidDefinition-wrapped errors for structural violations and with
// *CycleError when the dependency relation is cyclic.
func NewDefinition(id, name, description string, nodes []NodeDefinition, entryNodes []string, variables map[string]any) (*Definition, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: graph id is required", ErrInvalidDefinition)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: graph %q has no nodes", ErrInvalidDefinition, id)
	}

	byID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node at index %d has no id", ErrInvalidDefinition, i)
		}
		if !validNodeTypes[n.Type] {
			return nil, fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidDefinition, n.ID, n.Type)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, n.ID)
		}
		byID[n.ID] = i
	}

	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: node %q depends on unknown node %q", ErrInvalidDefinition, n.ID, dep)
			}
			if dep == n.ID {
				return nil, &CycleError{Path: []string{n.ID, n.ID}}
			}
		}
	}

	if len(entryNodes) == 0 {
		return nil, fmt.Errorf("%w: graph %q has no entry nodes", ErrInvalidDefinition, id)
	}
	for _, entry := range entryNodes {
		idx, ok := byID[entry]
		if !ok {
			return nil, fmt.Errorf("%w: entry node %q does not exist", ErrInvalidDefinition, entry)
		}
		if len(nodes[idx].Dependencies) > 0 {
			return nil, fmt.Errorf("%w: entry node %q must not have dependencies", ErrInvalidDefinition, entry)
		}
	}

	if cycle := findCycle(nodes, byID); cycle != nil {
		return nil, cycle
	}

	copied := make([]NodeDefinition, len(nodes))
	for i, n := range nodes {
		copied[i] = copyNode(n)
	}

	return &Definition{
		id:          id,
		name:        name,
		description: description,
		nodes:       copied,
		byID:        byID,
		entryNodes:  append([]string(nil), entryNodes...),
		variables:   copyMap(variables),
	}, nil
}

// findCycle runs a white/grey/black depth-first search over the dependency
// relation and returns a *CycleError describing the first cycle found.
func findCycle(nodes []NodeDefinition, byID map[string]int) *CycleError {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS stack
		black = 2 // fully explored
	)
	colors := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		colors[id] = grey
		stack = append(stack, id)

		for _, dep := range nodes[byID[id]].Dependencies {
			switch colors[dep] {
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case grey:
				// Slice the stack from the first occurrence of dep to close the loop.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), dep)
				return &CycleError{Path: path}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, n := range nodes {
		if colors[n.ID] == white {
			if cycle := visit(n.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ID returns the graph id.
func (d *Definition) ID() string { return d.id }

// Name returns the graph name.
func (d *Definition) Name() string { return d.name }

// Description returns the graph description.
func (d *Definition) Description() string { return d.description }

// Nodes returns a copy of all node definitions in declaration order.
func (d *Definition) Nodes() []NodeDefinition {
	out := make([]NodeDefinition, len(d.nodes))
	for i, n := range d.nodes {
		out[i] = copyNode(n)
	}
	return out
}

// Node returns the definition for the given node id.
func (d *Definition) Node(id string) (NodeDefinition, bool) {
	idx, ok := d.byID[id]
	if !ok {
		return NodeDefinition{}, false
	}
	return copyNode(d.nodes[idx]), true
}

// EntryNodes returns a copy of the entry node ids.
func (d *Definition) EntryNodes() []string {
	return append([]string(nil), d.entryNodes...)
}

// Variables returns a copy of the graph-level variables.
func (d *Definition) Variables() map[string]any {
	return copyMap(d.variables)
}

// NodeCount returns the number of nodes in the graph.
func (d *Definition) NodeCount() int { return len(d.nodes) }

// Dependents returns the ids of nodes that list the given node as a
// dependency, in declaration order.
func (d *Definition) Dependents(id string) []string {
	var out []string
	for _, n := range d.nodes {
		for _, dep := range n.Dependencies {
			if dep == id {
				out = append(out, n.ID)
				break
			}
		}
	}
	return out
}

// Fingerprint returns a stable blake3 hash of the graph topology and node
// configs, usable for definition dedup and baseline keys.
func (d *Definition) Fingerprint() string {
	payload := struct {
		ID    string           `json:"id"`
		Nodes []NodeDefinition `json:"nodes"`
		Entry []string         `json:"entry"`
	}{d.id, d.nodes, d.entryNodes}

	data, err := json.Marshal(payload)
	if err != nil {
		// Node configs are plain JSON-able maps; a marshal failure means a
		// handler stored something exotic. Fall back to the id.
		return fmt.Sprintf("graph:%s", d.id)
	}
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:16])
}

// copyNode deep-copies a node definition so callers cannot mutate the
// definition through returned values.
func copyNode(n NodeDefinition) NodeDefinition {
	c := n
	c.Dependencies = append([]string(nil), n.Dependencies...)
	c.Config = copyMap(n.Config)
	if n.Retry != nil {
		r := *n.Retry
		c.Retry = &r
	}
	return c
}

// copyMap deep-copies a string-keyed map, recursing into nested maps and
// slices.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return copyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
