// ABOUTME: Monitor tests: event aggregation, critical-path computation, bottleneck flags, pipeline events.
package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/skein-dev/skein/graph"
)

func monitorDefinition(t *testing.T) *graph.Definition {
	t.Helper()
	def, err := graph.NewDefinition("g1", "diamond", "", []graph.NodeDefinition{
		{ID: "a", Type: graph.NodeTask, Name: "a"},
		{ID: "b", Type: graph.NodeTask, Name: "b", Dependencies: []string{"a"}},
		{ID: "c", Type: graph.NodeTask, Name: "c", Dependencies: []string{"a"}},
		{ID: "d", Type: graph.NodeTask, Name: "d", Dependencies: []string{"b", "c"}},
	}, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("NewDefinition: %v", err)
	}
	return def
}

func feed(m *Monitor, def *graph.Definition, events []graph.Event) {
	ch := make(chan graph.Event, len(events))
	for _, evt := range events {
		evt.ExecutionID = "exec-1"
		evt.GraphID = "g1"
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now()
		}
		ch <- evt
	}
	close(ch)
	m.Observe(def, ch)
}

func nodeCompleted(id string, ms int64) graph.Event {
	return graph.Event{Type: graph.EventNodeCompleted, NodeID: id, Data: map[string]any{"duration_ms": ms}}
}

func TestMonitor_CriticalPath(t *testing.T) {
	m := NewMonitor(nil)
	feed(m, monitorDefinition(t), []graph.Event{
		{Type: graph.EventExecutionStarted},
		nodeCompleted("a", 10),
		nodeCompleted("b", 200),
		nodeCompleted("c", 20),
		nodeCompleted("d", 10),
		{Type: graph.EventExecutionCompleted},
	})

	st, ok := m.Stats("exec-1")
	if !ok {
		t.Fatal("no stats recorded")
	}
	want := []string{"a", "b", "d"}
	if len(st.CriticalPath) != len(want) {
		t.Fatalf("critical path %v, want %v", st.CriticalPath, want)
	}
	for i := range want {
		if st.CriticalPath[i] != want[i] {
			t.Fatalf("critical path %v, want %v", st.CriticalPath, want)
		}
	}
}

func TestMonitor_Bottlenecks(t *testing.T) {
	m := NewMonitor(nil)
	feed(m, monitorDefinition(t), []graph.Event{
		{Type: graph.EventExecutionStarted},
		nodeCompleted("a", 10),
		nodeCompleted("b", 500), // far above the mean
		{Type: graph.EventNodeRetry, NodeID: "c", Data: map[string]any{}},
		{Type: graph.EventNodeRetry, NodeID: "c", Data: map[string]any{}},
		nodeCompleted("c", 10),
		nodeCompleted("d", 10),
		{Type: graph.EventExecutionCompleted},
	})

	st, _ := m.Stats("exec-1")
	byNode := make(map[string]Bottleneck)
	for _, b := range st.Bottlenecks {
		byNode[b.NodeID] = b
	}
	if b, ok := byNode["b"]; !ok || b.Reason != "duration above 2x mean" {
		t.Errorf("b bottleneck: %+v", byNode["b"])
	}
	if b, ok := byNode["c"]; !ok || b.Reason != "repeated retries" || b.Retries != 2 {
		t.Errorf("c bottleneck: %+v", byNode["c"])
	}
	if _, ok := byNode["d"]; ok {
		t.Error("d should not be flagged")
	}
}

func TestMonitor_EmitsPipelineEvents(t *testing.T) {
	var mu sync.Mutex
	var types []EventType
	m := NewMonitor(func(evt Event) {
		mu.Lock()
		types = append(types, evt.Type)
		mu.Unlock()
	})
	feed(m, monitorDefinition(t), []graph.Event{
		{Type: graph.EventExecutionStarted},
		nodeCompleted("a", 10),
		nodeCompleted("b", 500),
		nodeCompleted("c", 10),
		nodeCompleted("d", 10),
		{Type: graph.EventExecutionCompleted},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(types) < 2 || types[0] != EventPipelineStarted {
		t.Fatalf("events %v", types)
	}
	sawCompleted, sawBottleneck := false, false
	for _, typ := range types {
		if typ == EventPipelineCompleted {
			sawCompleted = true
		}
		if typ == EventBottleneckDetected {
			sawBottleneck = true
		}
	}
	if !sawCompleted || !sawBottleneck {
		t.Errorf("events %v: want pipeline:completed and bottleneck:detected", types)
	}
}

func TestMonitor_FailureEvent(t *testing.T) {
	var types []EventType
	m := NewMonitor(func(evt Event) { types = append(types, evt.Type) })
	feed(m, monitorDefinition(t), []graph.Event{
		{Type: graph.EventExecutionStarted},
		nodeCompleted("a", 10),
		{Type: graph.EventNodeFailed, NodeID: "b", Data: map[string]any{"error": "boom", "duration_ms": int64(5)}},
		{Type: graph.EventExecutionFailed, Data: map[string]any{"error": "boom"}},
	})

	st, _ := m.Stats("exec-1")
	if !st.Failed || !st.Done {
		t.Errorf("stats %+v, want failed+done", st)
	}
	last := types[len(types)-1]
	if last != EventPipelineFailed && !contains(types, EventPipelineFailed) {
		t.Errorf("events %v: want pipeline:failed", types)
	}
}

func contains(types []EventType, want EventType) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}
