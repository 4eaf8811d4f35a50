// ABOUTME: CLI entrypoint for the skein pipeline orchestrator with run, validate, and server modes.
// ABOUTME: Wires together the runtime, HTTP status server, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skein-dev/skein/graph"
	"github.com/skein-dev/skein/pipeline"
	"github.com/skein-dev/skein/runtime"
)

var version = "dev"

// config holds all CLI configuration parsed from flags and positional
// arguments.
type config struct {
	serverMode   bool
	port         int
	validateOnly bool
	timeout      time.Duration
	verbose      bool
	showVersion  bool
	configFile   string
}

func main() {
	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("skein %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("skein", flag.ContinueOnError)
	fs.BoolVar(&cfg.serverMode, "server", false, "Keep the status server running after the pipeline finishes")
	fs.IntVar(&cfg.port, "port", 7468, "Status server port")
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Validate the pipeline config without executing")
	fs.DurationVar(&cfg.timeout, "timeout", 0, "Override the pipeline execution timeout")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `skein %s - pipeline orchestrator

Usage:
  skein [flags] <pipeline.yaml>

Flags:
`, version)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	args := fs.Args()
	if len(args) != 1 {
		fs.Usage()
		os.Exit(2)
	}
	cfg.configFile = args[0]
	return cfg
}

func run(cfg config) int {
	pipelineCfg, err := pipeline.LoadConfig(cfg.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skein: %v\n", err)
		return 1
	}

	if cfg.validateOnly {
		factory := pipeline.NewFactory()
		def, err := factory.Build(pipelineCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skein: %v\n", err)
			return 1
		}
		fmt.Printf("valid: %s pipeline %q (%d nodes, fingerprint %s)\n",
			pipelineCfg.Type, pipelineCfg.Name, def.NodeCount(), def.Fingerprint())
		return 0
	}

	if cfg.timeout > 0 {
		pipelineCfg.TimeoutMS = cfg.timeout.Milliseconds()
	}

	rt := runtime.New(runtime.Options{StartSLO: cfg.serverMode})
	defer rt.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.serverMode {
		server = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.port),
			Handler: runtime.NewServer(rt),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "skein: status server: %v\n", err)
			}
		}()
		fmt.Printf("status server listening on :%d\n", cfg.port)
	}

	result, runErr := rt.RunPipeline(ctx, pipelineCfg)
	if result.ExecutionID != "" {
		printResult(result, cfg.verbose)
	}

	if cfg.serverMode {
		fmt.Println("pipeline finished; status server still running (ctrl-c to exit)")
		<-ctx.Done()
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "skein: %v\n", runErr)
		return 1
	}
	return 0
}

// printResult writes a human-readable execution summary to stdout.
func printResult(result graph.Result, verbose bool) {
	status := "succeeded"
	if !result.Success {
		status = "failed"
	}
	fmt.Printf("pipeline %s execution=%s duration=%s nodes=%d\n",
		status, result.ExecutionID, result.Duration, len(result.NodeExecutions))

	if !verbose {
		return
	}
	for _, ex := range result.NodeExecutions {
		line := fmt.Sprintf("  node=%s status=%s duration=%s attempts=%d",
			ex.NodeID, ex.Status, ex.Duration, ex.Attempts)
		if ex.Error != "" {
			line += fmt.Sprintf(" error=%q", ex.Error)
		}
		fmt.Println(line)
	}
}
