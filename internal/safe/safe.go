// Package safe guards goroutine boundaries against panics.
package safe

import (
	"errors"
	"fmt"
)

// ErrPanic marks an error produced from a recovered panic.
var ErrPanic = errors.New("panic recovered")

// Run calls fn and returns its error prefixed with scope. A panic inside fn is
// recovered and returned as an error wrapping ErrPanic.
func Run(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s: %w: %v", scope, ErrPanic, recovered)
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
