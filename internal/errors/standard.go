// Package errors provides standardized error values for the collector.
//
// Errors carry a category and a stable code so callers can tell recoverable
// conditions (configuration mistakes, heap exhaustion) from fatal invariant
// violations that must terminate the process.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryMemory    ErrorCategory = "MEMORY"
	CategoryInvariant ErrorCategory = "INVARIANT"
	CategoryConfig    ErrorCategory = "CONFIG"
	CategorySystem    ErrorCategory = "SYSTEM"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
	Cause    error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Category, e.Code, e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString("}")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any
func (e *StandardError) Unwrap() error { return e.Cause }

// Is matches another StandardError with the same category and code, so
// sentinel values work with errors.Is.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Category == e.Category && t.Code == e.Code
}

// Fatal reports whether the error belongs to a category that must not be retried
func (e *StandardError) Fatal() bool {
	return e.Category == CategoryInvariant
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Wrap attaches a cause to a new standardized error
func Wrap(cause error, category ErrorCategory, code, message string) *StandardError {
	e := NewStandardError(category, code, message, nil)
	e.Cause = cause
	return e
}

// IsFatal reports whether err (or anything it wraps) is a fatal StandardError
func IsFatal(err error) bool {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Fatal()
	}
	return false
}

// Common error constructors

func OutOfMemory(requestedBytes uint64, detail string) *StandardError {
	return NewStandardError(CategoryMemory, "OUT_OF_MEMORY",
		fmt.Sprintf("heap exhausted satisfying %d-byte request: %s", requestedBytes, detail),
		map[string]interface{}{"requested": requestedBytes})
}

func InvalidSize(size uint64, context string) *StandardError {
	return NewStandardError(CategoryConfig, "INVALID_SIZE",
		fmt.Sprintf("Invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func InvalidOption(name string, value interface{}, reason string) *StandardError {
	return NewStandardError(CategoryConfig, "INVALID_OPTION",
		fmt.Sprintf("option %s=%v: %s", name, value, reason),
		map[string]interface{}{"option": name})
}

func RegionAccounting(detail string, counts map[string]interface{}) *StandardError {
	return NewStandardError(CategoryInvariant, "REGION_ACCOUNTING",
		"inconsistent region accounting: "+detail, counts)
}

func RemSetCorrupt(region uint32, detail string) *StandardError {
	return NewStandardError(CategoryInvariant, "REMSET_CORRUPT",
		fmt.Sprintf("remembered set of region %d is corrupt: %s", region, detail),
		map[string]interface{}{"region": region})
}

func InvariantViolation(code, detail string) *StandardError {
	return NewStandardError(CategoryInvariant, code, detail, nil)
}

func SystemFailure(op string, cause error) *StandardError {
	return Wrap(cause, CategorySystem, "SYSTEM_CALL", op+" failed")
}
