package observability

import (
	"fmt"
	"runtime/debug"
)

// PanicError is a recovered panic carried as an error, with the stack of the panicking goroutine
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// AsError wraps a value returned by recover, or returns nil for nil. Call it inside the
// deferred function so the captured stack still includes the panic site.
func AsError(r interface{}) error {
	if r == nil {
		return nil
	}
	return &PanicError{Value: r, Stack: debug.Stack()}
}

// RecoverPanic logs a panic raised in component and stops it. Call it deferred.
//
//	defer observability.RecoverPanic(logger, "event worker pool")
func RecoverPanic(logger *Logger, component string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"component": component,
			"panic":     fmt.Sprint(r),
			"stack":     string(debug.Stack()),
		}).Error("PANIC recovered")
	}
}
