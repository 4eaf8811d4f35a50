// ABOUTME: Pipeline monitor: consumes graph events, aggregates per-execution timings, and flags bottlenecks.
// ABOUTME: The critical path is the dependency chain with the largest accumulated node duration.
package pipeline

import (
	"sync"
	"time"

	"github.com/skein-dev/skein/graph"
)

// EventType identifies monitor events.
type EventType string

const (
	EventPipelineStarted    EventType = "pipeline:started"
	EventPipelineCompleted  EventType = "pipeline:completed"
	EventPipelineFailed     EventType = "pipeline:failed"
	EventBottleneckDetected EventType = "bottleneck:detected"
)

// Event is a monitor-level event.
type Event struct {
	Type        EventType
	GraphID     string
	ExecutionID string
	NodeID      string
	Data        map[string]any
	Timestamp   time.Time
}

// Bottleneck flags a node that slowed an execution down.
type Bottleneck struct {
	NodeID   string        `json:"nodeId"`
	Duration time.Duration `json:"duration"`
	Retries  int           `json:"retries"`
	Reason   string        `json:"reason"`
}

// ExecutionStats aggregates one execution's timings.
type ExecutionStats struct {
	GraphID       string                   `json:"graphId"`
	ExecutionID   string                   `json:"executionId"`
	StartTime     time.Time                `json:"startTime"`
	EndTime       time.Time                `json:"endTime,omitzero"`
	Failed        bool                     `json:"failed"`
	Done          bool                     `json:"done"`
	NodeDurations map[string]time.Duration `json:"nodeDurations"`
	NodeRetries   map[string]int           `json:"nodeRetries"`
	CriticalPath  []string                 `json:"criticalPath,omitempty"`
	Bottlenecks   []Bottleneck             `json:"bottlenecks,omitempty"`
}

// Monitor aggregates graph events per execution. Safe for concurrent use.
type Monitor struct {
	handler func(Event)

	mu    sync.Mutex
	stats map[string]*ExecutionStats
}

// NewMonitor creates a Monitor. The handler receives pipeline-level events
// and must not call back into the monitor.
func NewMonitor(handler func(Event)) *Monitor {
	return &Monitor{handler: handler, stats: make(map[string]*ExecutionStats)}
}

// Observe consumes events from an emitter subscription until the channel
// closes. Run it in its own goroutine; the definition supplies the
// dependency shape for critical-path analysis.
func (m *Monitor) Observe(def *graph.Definition, events <-chan graph.Event) {
	for evt := range events {
		m.apply(def, evt)
	}
}

// Stats returns a copy of one execution's aggregate, if known.
func (m *Monitor) Stats(executionID string) (ExecutionStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[executionID]
	if !ok {
		return ExecutionStats{}, false
	}
	return copyStats(st), true
}

// Executions returns aggregates for every observed execution.
func (m *Monitor) Executions() []ExecutionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExecutionStats, 0, len(m.stats))
	for _, st := range m.stats {
		out = append(out, copyStats(st))
	}
	return out
}

func (m *Monitor) apply(def *graph.Definition, evt graph.Event) {
	m.mu.Lock()
	st, ok := m.stats[evt.ExecutionID]
	if !ok {
		st = &ExecutionStats{
			GraphID:       evt.GraphID,
			ExecutionID:   evt.ExecutionID,
			NodeDurations: make(map[string]time.Duration),
			NodeRetries:   make(map[string]int),
		}
		m.stats[evt.ExecutionID] = st
	}

	var emits []Event
	switch evt.Type {
	case graph.EventExecutionStarted:
		st.StartTime = evt.Timestamp
		emits = append(emits, Event{Type: EventPipelineStarted, GraphID: evt.GraphID, ExecutionID: evt.ExecutionID})

	case graph.EventNodeCompleted, graph.EventNodeFailed:
		if ms, ok := evt.Data["duration_ms"].(int64); ok {
			st.NodeDurations[evt.NodeID] = time.Duration(ms) * time.Millisecond
		}

	case graph.EventNodeRetry:
		st.NodeRetries[evt.NodeID]++

	case graph.EventExecutionCompleted, graph.EventExecutionFailed:
		st.EndTime = evt.Timestamp
		st.Done = true
		st.Failed = evt.Type == graph.EventExecutionFailed
		st.CriticalPath = criticalPath(def, st.NodeDurations)
		st.Bottlenecks = findBottlenecks(st)

		finalType := EventPipelineCompleted
		if st.Failed {
			finalType = EventPipelineFailed
		}
		emits = append(emits, Event{
			Type: finalType, GraphID: evt.GraphID, ExecutionID: evt.ExecutionID,
			Data: map[string]any{"duration": st.EndTime.Sub(st.StartTime)},
		})
		for _, b := range st.Bottlenecks {
			emits = append(emits, Event{
				Type: EventBottleneckDetected, GraphID: evt.GraphID, ExecutionID: evt.ExecutionID,
				NodeID: b.NodeID,
				Data:   map[string]any{"duration": b.Duration, "retries": b.Retries, "reason": b.Reason},
			})
		}
	}
	m.mu.Unlock()

	if m.handler != nil {
		now := time.Now()
		for i := range emits {
			emits[i].Timestamp = now
			m.handler(emits[i])
		}
	}
}

// criticalPath returns the dependency chain with the largest total
// duration, ordered from entry to sink.
func criticalPath(def *graph.Definition, durations map[string]time.Duration) []string {
	if def == nil {
		return nil
	}

	type result struct {
		total time.Duration
		path  []string
	}
	memo := make(map[string]result)

	var walk func(id string) result
	walk = func(id string) result {
		if r, ok := memo[id]; ok {
			return r
		}
		node, ok := def.Node(id)
		if !ok {
			return result{}
		}
		var best result
		for _, dep := range node.Dependencies {
			if r := walk(dep); r.total > best.total {
				best = r
			}
		}
		r := result{
			total: best.total + durations[id],
			path:  append(append([]string{}, best.path...), id),
		}
		memo[id] = r
		return r
	}

	var best result
	for _, node := range def.Nodes() {
		if r := walk(node.ID); r.total > best.total {
			best = r
		}
	}
	return best.path
}

// findBottlenecks flags nodes well above the mean duration, nodes with
// repeated retries, and slow critical-path members.
func findBottlenecks(st *ExecutionStats) []Bottleneck {
	if len(st.NodeDurations) == 0 {
		return nil
	}
	var total time.Duration
	for _, d := range st.NodeDurations {
		total += d
	}
	mean := total / time.Duration(len(st.NodeDurations))

	onPath := make(map[string]bool, len(st.CriticalPath))
	for _, id := range st.CriticalPath {
		onPath[id] = true
	}

	var out []Bottleneck
	for id, d := range st.NodeDurations {
		retries := st.NodeRetries[id]
		var reason string
		switch {
		case mean > 0 && d > 2*mean:
			reason = "duration above 2x mean"
		case retries >= 2:
			reason = "repeated retries"
		case onPath[id] && mean > 0 && d > mean:
			reason = "slow critical-path node"
		default:
			continue
		}
		out = append(out, Bottleneck{NodeID: id, Duration: d, Retries: retries, Reason: reason})
	}
	return out
}

func copyStats(st *ExecutionStats) ExecutionStats {
	out := *st
	out.NodeDurations = make(map[string]time.Duration, len(st.NodeDurations))
	for k, v := range st.NodeDurations {
		out.NodeDurations[k] = v
	}
	out.NodeRetries = make(map[string]int, len(st.NodeRetries))
	for k, v := range st.NodeRetries {
		out.NodeRetries[k] = v
	}
	out.CriticalPath = append([]string(nil), st.CriticalPath...)
	out.Bottlenecks = append([]Bottleneck(nil), st.Bottlenecks...)
	return out
}
