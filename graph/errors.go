// ABOUTME: Error types for graph construction and execution.
// ABOUTME: CycleError carries the offending dependency path; sentinel errors cover validation, lookup, and shutdown.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDefinition wraps all structural validation failures raised
	// during graph construction.
	ErrInvalidDefinition = errors.New("invalid graph definition")

	// ErrNodeNotFound indicates a referenced node id does not exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoHandler indicates no handler is registered for a node type.
	ErrNoHandler = errors.New("no handler registered")

	// ErrExecutionFailed is the terminal error of a failed graph run.
	ErrExecutionFailed = errors.New("execution failed")
)

// CycleError reports a dependency cycle found during graph validation.
type CycleError struct {
	// Path lists the node ids along the cycle, ending where it started.
	Path []string
}

// Error renders the cycle as "a -> b -> a".
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// TimeoutError reports that a single node attempt exceeded its timeout.
type TimeoutError struct {
	NodeID  string
	Attempt int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %q attempt %d timed out", e.NodeID, e.Attempt)
}
