// Package executor defines the port through which assigned tasks are
// actually run.
package executor

import (
	"context"

	"github.com/hivegrid/hivegrid/internal/domain/task"
)

// Executor runs one task on behalf of one agent. The coordination core
// needs only the outcome: success or failure, a payload, and elapsed
// time. Implementations wrap whatever does the real work — a model
// invocation, a tool pipeline, a remote worker.
type Executor interface {
	Execute(ctx context.Context, req *task.Request) (*task.Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req *task.Request) (*task.Result, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req *task.Request) (*task.Result, error) {
	return f(ctx, req)
}
