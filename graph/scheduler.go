// ABOUTME: Concurrent DAG scheduler: ready-set promotion, bounded parallel node execution, retries, and cancellation.
// ABOUTME: Nodes run as their dependencies resolve; failures propagate BLOCKED downstream unless continueOnError allows progress.
package graph

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skein-dev/skein/expr"
)

// Options configures a single graph execution.
type Options struct {
	// Concurrency bounds the number of simultaneously RUNNING nodes.
	// Defaults to 10.
	Concurrency int

	// Timeout bounds the whole execution. Zero means no outer timeout.
	Timeout time.Duration

	// DefaultRetry applies to nodes without their own retry policy.
	DefaultRetry RetryPolicy
}

// DefaultConcurrency is the scheduler's parallelism bound when Options
// leaves Concurrency unset.
const DefaultConcurrency = 10

// Execution drives one run of a graph definition. Create with NewExecution
// and call Run exactly once.
type Execution struct {
	def      *Definition
	registry *Registry
	emitter  *Emitter
	opts     Options

	ec     *ExecutionContext
	status map[string]NodeStatus
	execs  map[string]*NodeExecution
}

// NewExecution prepares a run of the given definition. The emitter may be
// shared across executions; events carry the execution id.
func NewExecution(def *Definition, registry *Registry, emitter *Emitter, opts Options) *Execution {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if emitter == nil {
		emitter = NewEmitter()
	}

	executionID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	e := &Execution{
		def:      def,
		registry: registry,
		emitter:  emitter,
		opts:     opts,
		ec:       NewExecutionContext(def.ID(), executionID, def.Variables()),
		status:   make(map[string]NodeStatus, def.NodeCount()),
		execs:    make(map[string]*NodeExecution, def.NodeCount()),
	}
	for _, n := range def.Nodes() {
		e.status[n.ID] = StatusPending
		e.execs[n.ID] = &NodeExecution{NodeID: n.ID, Status: StatusPending}
	}
	return e
}

// ID returns the execution id.
func (e *Execution) ID() string { return e.ec.ExecutionID }

// Context returns the shared execution context.
func (e *Execution) Context() *ExecutionContext { return e.ec }

// nodeDone carries a finished node from its executor goroutine back to the
// scheduling loop.
type nodeDone struct {
	id     string
	status NodeStatus
}

// Run executes the graph to completion and returns the final result. The
// returned error is non-nil when the execution did not succeed; the Result
// is populated either way.
func (e *Execution) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if e.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	e.emit(Event{Type: EventExecutionStarted, Data: map[string]any{
		"graph_name": e.def.Name(),
		"node_count": e.def.NodeCount(),
	}})

	done := make(chan nodeDone)
	inflight := 0
	var cancelled bool

	for {
		if !cancelled {
			e.promote()

			for _, node := range e.def.Nodes() {
				if inflight >= e.opts.Concurrency {
					break
				}
				if e.status[node.ID] != StatusReady {
					continue
				}
				e.status[node.ID] = StatusRunning
				inflight++
				go e.runNode(runCtx, node, done)
			}
		}

		if inflight == 0 {
			if cancelled || !e.hasRunnableWork() {
				break
			}
			// Nothing in flight but promotion yielded no READY nodes:
			// everything left is unreachable. promote() marks such nodes
			// BLOCKED, so this only happens transiently.
			continue
		}

		select {
		case d := <-done:
			inflight--
			e.status[d.id] = d.status
		case <-runCtx.Done():
			if !cancelled {
				cancelled = true
				e.skipPending()
			}
			// Keep draining in-flight nodes; their contexts are cancelled.
			d := <-done
			inflight--
			e.status[d.id] = d.status
		}
	}

	return e.finish(start, runCtx)
}

// hasRunnableWork reports whether any node is still pending or ready.
func (e *Execution) hasRunnableWork() bool {
	for _, s := range e.status {
		if s == StatusPending || s == StatusReady {
			return true
		}
	}
	return false
}

// promote advances PENDING nodes whose dependencies have settled: to READY
// when every dependency completed (or failed with continueOnError set), or
// to BLOCKED/SKIPPED when an upstream failure poisons the path. Repeats
// until a fixpoint so chains of blocked nodes settle in one call.
func (e *Execution) promote() {
	for {
		changed := false
		for _, node := range e.def.Nodes() {
			if e.status[node.ID] != StatusPending {
				continue
			}

			next := e.dependencyVerdict(node)
			if next == StatusPending {
				continue
			}

			e.status[node.ID] = next
			changed = true

			switch next {
			case StatusBlocked:
				ex := e.execs[node.ID]
				ex.Status = StatusBlocked
				ex.Error = "blocked by upstream failure"
				e.emit(Event{Type: EventNodeBlocked, NodeID: node.ID})
			case StatusSkipped:
				e.execs[node.ID].Status = StatusSkipped
			}
		}
		if !changed {
			return
		}
	}
}

// dependencyVerdict inspects a pending node's dependencies and decides its
// next status: READY when all are satisfied, BLOCKED when an upstream
// terminal failure poisons it, SKIPPED when an upstream node was skipped,
// or PENDING when some dependency is still unsettled.
func (e *Execution) dependencyVerdict(node NodeDefinition) NodeStatus {
	verdict := StatusReady
	for _, depID := range node.Dependencies {
		depStatus := e.status[depID]
		if !depStatus.terminal() {
			return StatusPending
		}
		switch depStatus {
		case StatusCompleted:
			// Satisfied.
		case StatusFailed:
			dep, _ := e.def.Node(depID)
			if !dep.ContinueOnError {
				return StatusBlocked
			}
		case StatusBlocked:
			return StatusBlocked
		case StatusSkipped:
			verdict = StatusSkipped
		}
	}
	return verdict
}

// skipPending marks every not-yet-started node SKIPPED after cancellation.
func (e *Execution) skipPending() {
	for id, s := range e.status {
		if s == StatusPending || s == StatusReady {
			e.status[id] = StatusSkipped
			e.execs[id].Status = StatusSkipped
		}
	}
}

// runNode executes a single node with retry, writing its output into the
// execution context on success. Each attempt gets a fresh per-attempt
// timeout; the execution-level deadline is cumulative across attempts.
func (e *Execution) runNode(ctx context.Context, node NodeDefinition, done chan<- nodeDone) {
	ex := e.execs[node.ID]
	ex.Status = StatusRunning
	ex.StartTime = time.Now()

	e.emit(Event{Type: EventNodeStarted, NodeID: node.ID, Data: map[string]any{
		"node_type": string(node.Type),
		"node_name": node.Name,
	}})

	policy := e.opts.DefaultRetry
	if node.Retry != nil {
		policy = *node.Retry
	}
	maxAttempts := policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// Resolve ${...} references against outputs visible at start time.
	// Dependencies have all settled, so their outputs are stable.
	resolved := node
	resolved.Config = expr.ResolveConfig(node.Config, e.ec.OutputsSnapshot())

	var output any
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		ex.Attempts = attempt + 1

		output, lastErr = e.runAttempt(ctx, resolved, attempt)
		if lastErr == nil {
			break
		}

		if ctx.Err() != nil || attempt == maxAttempts-1 {
			break
		}

		e.emit(Event{Type: EventNodeRetry, NodeID: node.ID, Data: map[string]any{
			"attempt": attempt + 1,
			"error":   lastErr.Error(),
		}})
		sleepWithContext(ctx, policy.DelayForAttempt(attempt))
	}

	ex.EndTime = time.Now()
	ex.Duration = ex.EndTime.Sub(ex.StartTime)

	if lastErr != nil {
		ex.Status = StatusFailed
		ex.Error = lastErr.Error()
		e.emit(Event{Type: EventNodeFailed, NodeID: node.ID, Data: map[string]any{
			"error":       lastErr.Error(),
			"attempts":    ex.Attempts,
			"duration_ms": ex.Duration.Milliseconds(),
		}})
		done <- nodeDone{id: node.ID, status: StatusFailed}
		return
	}

	ex.Status = StatusCompleted
	ex.Output = output
	e.ec.SetOutput(node.ID, output)
	e.emit(Event{Type: EventNodeCompleted, NodeID: node.ID, Data: map[string]any{
		"duration_ms": ex.Duration.Milliseconds(),
		"attempts":    ex.Attempts,
	}})
	done <- nodeDone{id: node.ID, status: StatusCompleted}
}

// attemptResult carries a handler return across the timeout select.
type attemptResult struct {
	output any
	err    error
}

// runAttempt executes one handler attempt under the node's timeout with
// panic recovery. Cancellation is cooperative: on timeout the attempt is
// recorded as failed even if the handler goroutine has not yet observed the
// cancelled context.
func (e *Execution) runAttempt(ctx context.Context, node NodeDefinition, attempt int) (any, error) {
	handler := e.registry.Get(node.Type)
	if handler == nil {
		return nil, fmt.Errorf("%w for node type %q", ErrNoHandler, node.Type)
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if node.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	resultCh := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("component=graph action=handler_panic node=%s panic=%v", node.ID, r)
				resultCh <- attemptResult{err: fmt.Errorf("handler panic in node %q: %v\n%s", node.ID, r, debug.Stack())}
			}
		}()
		output, err := handler.Execute(attemptCtx, node, e.ec)
		resultCh <- attemptResult{output: output, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.output, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{NodeID: node.ID, Attempt: attempt + 1}
	}
}

// finish assembles the final Result, emits the terminal execution event,
// and derives the overall error.
func (e *Execution) finish(start time.Time, runCtx context.Context) (*Result, error) {
	duration := time.Since(start)

	result := &Result{
		GraphID:        e.def.ID(),
		ExecutionID:    e.ec.ExecutionID,
		Duration:       duration,
		NodeExecutions: make([]NodeExecution, 0, e.def.NodeCount()),
		Outputs:        e.ec.OutputsSnapshot(),
	}

	var firstFailure *NodeExecution
	for _, node := range e.def.Nodes() {
		ex := e.execs[node.ID]
		result.NodeExecutions = append(result.NodeExecutions, *ex)
		if ex.Status == StatusFailed && !node.ContinueOnError && firstFailure == nil {
			firstFailure = ex
		}
	}

	var err error
	switch {
	case runCtx.Err() != nil:
		err = fmt.Errorf("%w: %v", ErrExecutionFailed, runCtx.Err())
	case firstFailure != nil:
		err = fmt.Errorf("%w: node %q: %s", ErrExecutionFailed, firstFailure.NodeID, firstFailure.Error)
	}

	if err != nil {
		result.Error = err.Error()
		e.emit(Event{Type: EventExecutionFailed, Data: map[string]any{
			"error":       result.Error,
			"duration_ms": duration.Milliseconds(),
		}})
		return result, err
	}

	result.Success = true
	e.emit(Event{Type: EventExecutionCompleted, Data: map[string]any{
		"duration_ms": duration.Milliseconds(),
	}})
	return result, nil
}

// emit stamps graph and execution ids onto an event and publishes it.
func (e *Execution) emit(evt Event) {
	evt.GraphID = e.def.ID()
	evt.ExecutionID = e.ec.ExecutionID
	e.emitter.Emit(evt)
}
