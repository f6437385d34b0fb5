package errors

import (
	"fmt"
	"runtime/debug"
)

const maxPanicStack = 4 << 10

// RecoverPanic turns a value recovered from a processor or store call into a permanent
// internal error. It never counts as transient, even when the panic value is. The goroutine
// stack, cut to a few KiB, is kept in the "stack" detail.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}

	stack := debug.Stack()
	if len(stack) > maxPanicStack {
		stack = stack[:maxPanicStack]
	}
	return ErrInternal.
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("stack", string(stack)).
		AsFatal()
}
