package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
)

type workerRun func(context.Context) error

// panicSafeNamedWorker returns run with panics recovered and reported as the
// worker's error.
func panicSafeNamedWorker(name string, run func(context.Context) error) workerRun {
	return func(ctx context.Context) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.ErrorContext(ctx, "session worker panicked", "worker", name, "panic", recovered, "stack", string(debug.Stack()))
				err = fmt.Errorf("%s worker panicked: %v", name, recovered)
			}
		}()

		if err = run(ctx); err != nil {
			return fmt.Errorf("%s worker failed: %w", name, err)
		}
		return nil
	}
}
