// Package panicerr turns panics in sweeps and background loops into errors
// so one bad record cannot take the process down.
package panicerr

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/conc/panics"
)

func call(fn func() error) (err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		err = fn()
	})
	if r := catcher.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

// Safe wraps fn so that a panic is returned as an error carrying the stack.
func Safe(fn func() error) func() error {
	return func() error {
		return call(fn)
	}
}

func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return call(func() error { return fn(ctx) })
	}
}

// Go runs fn on its own goroutine and logs its error or panic under name.
func Go(name string, fn func() error) {
	go func() {
		if err := call(fn); err != nil {
			slog.Error("background task stopped", "task", name, "error", err)
		}
	}()
}
