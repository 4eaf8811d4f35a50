// ABOUTME: Runtime wiring: one value carrying the bus, context store, tools, factory, SLO and pipeline monitors.
// ABOUTME: No package-level mutable state; tests construct fresh runtimes.
package runtime

import (
	"context"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skein-dev/skein/bus"
	"github.com/skein-dev/skein/ctxstore"
	"github.com/skein-dev/skein/graph"
	"github.com/skein-dev/skein/pipeline"
	"github.com/skein-dev/skein/slo"
)

// Options configures a Runtime. Zero-value fields take working defaults.
type Options struct {
	Bus      bus.Options
	Context  ctxstore.Options
	SLO      slo.Options
	Tools    *pipeline.ToolRegistry
	Registry *prometheus.Registry   // created when nil
	StartSLO bool                   // begin the periodic SLO check loop
}

// Runtime carries every orchestration subsystem as explicit dependencies.
type Runtime struct {
	Bus      *bus.Bus
	Context  ctxstore.ContextStore
	Tools    *pipeline.ToolRegistry
	Factory  *pipeline.Factory
	Handlers *graph.Registry
	SLO      *slo.Monitor
	Monitor  *pipeline.Monitor
	Registry *prometheus.Registry

	mu      sync.Mutex
	results map[string]graph.Result
}

// New constructs and wires a Runtime.
func New(opts Options) *Runtime {
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	tools := opts.Tools
	if tools == nil {
		tools = pipeline.NewToolRegistry()
	}

	busOpts := opts.Bus
	if busOpts.Metrics == nil {
		busOpts.Metrics = bus.NewMetrics(registry)
	}

	sloOpts := opts.SLO
	if sloOpts.Registerer == nil {
		sloOpts.Registerer = registry
	}

	handlers := graph.NewRegistry()
	pipeline.RegisterDefaultHandlers(handlers, tools)

	rt := &Runtime{
		Bus:      bus.New(busOpts),
		Context:  ctxstore.New(opts.Context),
		Tools:    tools,
		Factory:  pipeline.NewFactory(),
		Handlers: handlers,
		SLO:      slo.NewMonitor(sloOpts),
		Monitor:  pipeline.NewMonitor(nil),
		Registry: registry,
		results:  make(map[string]graph.Result),
	}
	if opts.StartSLO {
		rt.SLO.Start()
	}
	return rt
}

// RunPipeline builds the graph for a config and drives it to completion.
// The result is recorded either way; a failed execution returns both the
// result and the error.
func (rt *Runtime) RunPipeline(ctx context.Context, cfg pipeline.Config) (graph.Result, error) {
	def, err := rt.Factory.Build(cfg)
	if err != nil {
		return graph.Result{}, err
	}

	emitter := graph.NewEmitter()
	events := emitter.Subscribe()
	var observed sync.WaitGroup
	observed.Add(1)
	go func() {
		defer observed.Done()
		rt.Monitor.Observe(def, events)
	}()

	execOpts := graph.Options{Concurrency: cfg.Concurrency, Timeout: cfg.Timeout()}
	if policy := cfg.RetryPolicy.Policy(); policy != nil {
		execOpts.DefaultRetry = *policy
	}
	exec := graph.NewExecution(def, rt.Handlers, emitter, execOpts)

	log.Printf("component=runtime action=run_pipeline type=%s name=%s graph=%s", cfg.Type, cfg.Name, def.ID())
	result, runErr := exec.Run(ctx)
	emitter.Close()
	observed.Wait()

	rt.mu.Lock()
	rt.results[result.ExecutionID] = *result
	rt.mu.Unlock()
	return *result, runErr
}

// Result returns one recorded execution result.
func (rt *Runtime) Result(executionID string) (graph.Result, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.results[executionID]
	return r, ok
}

// Results returns every recorded execution result.
func (rt *Runtime) Results() []graph.Result {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]graph.Result, 0, len(rt.results))
	for _, r := range rt.results {
		out = append(out, r)
	}
	return out
}

// Shutdown stops the bus, context store, and SLO monitor.
func (rt *Runtime) Shutdown() {
	rt.SLO.Shutdown()
	rt.Bus.Shutdown()
	rt.Context.Shutdown()
}
