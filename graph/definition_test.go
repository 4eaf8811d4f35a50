// ABOUTME: Tests for graph definition validation: missing ids, dependent entry nodes, duplicates, and cycles.
// ABOUTME: Also covers accessor immutability and fingerprint stability.
package graph

import (
	"errors"
	"testing"
)

func taskNode(id string, deps ...string) NodeDefinition {
	return NodeDefinition{ID: id, Type: NodeTask, Name: id, Dependencies: deps}
}

func TestNewDefinition_Valid(t *testing.T) {
	def, err := NewDefinition("g1", "diamond", "", []NodeDefinition{
		taskNode("a"),
		taskNode("b", "a"),
		taskNode("c", "a"),
		taskNode("d", "b", "c"),
	}, []string{"a"}, map[string]any{"env": "test"})
	if err != nil {
		t.Fatalf("NewDefinition returned error: %v", err)
	}

	if def.NodeCount() != 4 {
		t.Errorf("expected 4 nodes, got %d", def.NodeCount())
	}
	if got := def.Dependents("a"); len(got) != 2 {
		t.Errorf("expected 2 dependents of a, got %v", got)
	}
	if _, ok := def.Node("d"); !ok {
		t.Error("expected to find node d")
	}
}

func TestNewDefinition_RejectsCycle(t *testing.T) {
	_, err := NewDefinition("g1", "cyclic", "", []NodeDefinition{
		taskNode("a", "c"),
		taskNode("b", "a"),
		taskNode("c", "b"),
		taskNode("entry"),
	}, []string{"entry"}, nil)

	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected *CycleError, got %v", err)
	}
	if len(cycle.Path) < 3 {
		t.Errorf("cycle path too short: %v", cycle.Path)
	}
}

func TestNewDefinition_RejectsSelfDependency(t *testing.T) {
	_, err := NewDefinition("g1", "self", "", []NodeDefinition{
		taskNode("entry"),
		taskNode("a", "a"),
	}, []string{"entry"}, nil)

	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected *CycleError for self dependency, got %v", err)
	}
}

func TestNewDefinition_StructuralValidation(t *testing.T) {
	cases := []struct {
		name  string
		nodes []NodeDefinition
		entry []string
	}{
		{"no nodes", nil, []string{"a"}},
		{"unknown dependency", []NodeDefinition{taskNode("a", "ghost")}, []string{"a"}},
		{"duplicate id", []NodeDefinition{taskNode("a"), taskNode("a")}, []string{"a"}},
		{"no entry nodes", []NodeDefinition{taskNode("a")}, nil},
		{"unknown entry", []NodeDefinition{taskNode("a")}, []string{"ghost"}},
		{"entry with deps", []NodeDefinition{taskNode("a"), taskNode("b", "a")}, []string{"b"}},
		{"unknown node type", []NodeDefinition{{ID: "a", Type: "WEIRD", Name: "a"}}, []string{"a"}},
	}

	for _, tc := range cases {
		_, err := NewDefinition("g1", tc.name, "", tc.nodes, tc.entry, nil)
		if !errors.Is(err, ErrInvalidDefinition) {
			t.Errorf("%s: expected ErrInvalidDefinition, got %v", tc.name, err)
		}
	}
}

func TestDefinition_AccessorsReturnCopies(t *testing.T) {
	def, err := NewDefinition("g1", "copy", "", []NodeDefinition{
		{ID: "a", Type: NodeTask, Name: "a", Config: map[string]any{"op": "x"}},
	}, []string{"a"}, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("NewDefinition: %v", err)
	}

	node, _ := def.Node("a")
	node.Config["op"] = "mutated"
	again, _ := def.Node("a")
	if again.Config["op"] != "x" {
		t.Error("mutating a returned node leaked into the definition")
	}

	vars := def.Variables()
	vars["k"] = "mutated"
	if def.Variables()["k"] != "v" {
		t.Error("mutating returned variables leaked into the definition")
	}
}

func TestDefinition_Fingerprint(t *testing.T) {
	build := func(op string) *Definition {
		def, err := NewDefinition("g1", "fp", "", []NodeDefinition{
			{ID: "a", Type: NodeTask, Name: "a", Config: map[string]any{"op": op}},
		}, []string{"a"}, nil)
		if err != nil {
			t.Fatalf("NewDefinition: %v", err)
		}
		return def
	}

	if build("x").Fingerprint() != build("x").Fingerprint() {
		t.Error("identical definitions should share a fingerprint")
	}
	if build("x").Fingerprint() == build("y").Fingerprint() {
		t.Error("different configs should change the fingerprint")
	}
}
