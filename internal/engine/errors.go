package engine

import "fmt"

// LoadError means the plugin source failed to compile or its top-level
// chunk failed while binding entry points. Always run-fatal: nothing of
// the plugin executed usefully.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return fmt.Sprintf("loading plugin: %v", e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// CallKind classifies a failed call into a loaded plugin.
type CallKind string

const (
	// MissingFunction: the conventional entry point is not defined.
	MissingFunction CallKind = "missing_function"
	// ScriptFault: the script raised an error that nothing caught.
	ScriptFault CallKind = "script_fault"
	// ResourceExceeded: the call breached its wall-clock or memory budget.
	ResourceExceeded CallKind = "resource_exceeded"
	// InvalidReturnShape: the script returned a value missing a required
	// field or with a field of the wrong type.
	InvalidReturnShape CallKind = "invalid_return_shape"
)

// CallError is any failure of a single entry-point call. Whether it is
// run-fatal or item-scoped is the orchestrator's decision, not the
// sandbox's.
type CallError struct {
	Kind CallKind
	Fn   string // Entry point that failed: "enumerate", "describe", "fetch".
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("calling %s: %s: %v", e.Fn, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
