package stagegraph

import (
	"errors"
	"fmt"
)

// Sentinel errors for compilation.
var (
	// ErrNoStages indicates Compile was called on an empty graph.
	ErrNoStages = errors.New("graph has no stages")

	// ErrDuplicateStage indicates two stages share a name.
	ErrDuplicateStage = errors.New("duplicate stage")

	// ErrUnknownDependency indicates a stage requires a stage that does not exist.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycle indicates the requirements cannot be ordered.
	ErrCycle = errors.New("dependency cycle")

	// ErrFallbackOnFatal indicates a Fatal stage declared a Fallback that
	// could never run.
	ErrFallbackOnFatal = errors.New("fallback on fatal stage")
)

// StageError wraps an error returned by a stage.
type StageError struct {
	Stage  string
	Policy Policy
	Err    error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.Stage, e.Policy, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StageError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised by a stage.
type PanicError struct {
	Stage string
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", e.Stage, e.Value)
}

// CancellationError records that the run's context ended.
type CancellationError struct {
	// Stage is the stage that was about to run or was running.
	Stage string
	// Cause is context.Canceled or context.DeadlineExceeded.
	Cause error
	// WasExecuting is true if cancellation was observed after the stage ran.
	WasExecuting bool
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.WasExecuting {
		return fmt.Sprintf("cancelled during stage %s: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("cancelled before stage %s: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	Stage string
	// Op is the operation that failed ("serialize", "marshal", "save").
	Op  string
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at stage %s: %v", e.Op, e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}
