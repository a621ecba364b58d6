// Package recovery converts panics in long-lived goroutines into logged errors.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is a recovered panic.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// RecoverWithLog recovers from a panic and logs it. Use with defer at the top
// of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "health")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, &PanicError{Name: name, Value: r, Stack: debug.Stack()})
	}
}

// RecoverToError recovers from a panic, logs it and stores it in *errp so the
// enclosing function returns it. errp is usually a named result:
//
//	func handle() (err error) {
//	    defer recovery.RecoverToError(logger, "exchange", &err)
//	    ...
//	}
func RecoverToError(logger *slog.Logger, name string, errp *error) {
	if r := recover(); r != nil {
		perr := &PanicError{Name: name, Value: r, Stack: debug.Stack()}
		logPanic(logger, perr)
		if errp != nil {
			*errp = perr
		}
	}
}

func logPanic(logger *slog.Logger, perr *PanicError) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", perr.Name,
		"panic", fmt.Sprintf("%v", perr.Value),
		"stack", string(perr.Stack))
}
