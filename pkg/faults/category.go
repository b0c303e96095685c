// Package faults classifies pipeline failures and retries the transient ones.
//
// The taxonomy mirrors how the retrieval pipeline reacts to a failure:
//   - Transient: a retry will likely help (timeouts, connection resets,
//     pool exhaustion).
//   - Fatal: retrying cannot help (malformed query, bad credentials).
//   - Capability: an external language-understanding service is
//     unavailable or answered with garbage.
//   - Validation: caller-supplied values are out of range. These are
//     rejected at construction and never reach a pipeline run.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	CategoryTransient Category = iota

	// CategoryFatal indicates retry won't help.
	CategoryFatal

	// CategoryCapability indicates an external analysis capability failed.
	CategoryCapability

	// CategoryValidation indicates invalid input values.
	CategoryValidation
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryFatal:
		return "fatal"
	case CategoryCapability:
		return "capability"
	case CategoryValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// TransientIOError wraps a failure expected to be resolved by retrying.
type TransientIOError struct {
	// Op names the operation that failed ("acquire", "execute", ...).
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransientIOError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// FatalQueryError wraps a failure that retrying cannot fix.
type FatalQueryError struct {
	Op string
	// Code is the backend error code when one is known.
	Code string
	Err  error
}

// Error implements the error interface.
func (e *FatalQueryError) Error() string {
	switch {
	case e.Code != "" && e.Op != "":
		return fmt.Sprintf("fatal %s [%s]: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("fatal %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("fatal: %v", e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *FatalQueryError) Unwrap() error {
	return e.Err
}

// CapabilityError indicates an external analysis or enhancement
// capability was unreachable or returned an unusable response.
type CapabilityError struct {
	Capability string
	Err        error
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s unavailable: %v", e.Capability, e.Err)
}

// Unwrap returns the underlying error.
func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// ValidationError indicates a value outside its permitted range.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Transient wraps err as a TransientIOError.
func Transient(op string, err error) *TransientIOError {
	return &TransientIOError{Op: op, Err: err}
}

// Fatal wraps err as a FatalQueryError.
func Fatal(op string, err error) *FatalQueryError {
	return &FatalQueryError{Op: op, Err: err}
}

// Capability wraps err as a CapabilityError.
func Capability(name string, err error) *CapabilityError {
	return &CapabilityError{Capability: name, Err: err}
}

// Invalid creates a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Categorize determines how an error should be handled.
// Explicitly wrapped errors win; well-known network failures are
// transient; anything unrecognised is fatal.
func Categorize(err error) Category {
	if err == nil {
		return CategoryFatal // shouldn't happen, fail safe
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryValidation
	}

	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return CategoryCapability
	}

	var fatalErr *FatalQueryError
	if errors.As(err, &fatalErr) {
		return CategoryFatal
	}

	var transientErr *TransientIOError
	if errors.As(err, &transientErr) {
		return CategoryTransient
	}

	// Cancellation is the caller walking away; never retry it.
	if errors.Is(err, context.Canceled) {
		return CategoryFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) {
		return CategoryTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}

	return CategoryFatal
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
