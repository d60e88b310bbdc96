package queue

import "context"

// Executable is a unit of work the queue can run.
//
// Execute must honor ctx: it is cancelled on timeout, on Cancel() of a
// running task, and on queue shutdown. The queue never kills a body
// forcibly; cancellation is cooperative.
type Executable interface {
	Execute(ctx context.Context) (any, error)
}

// Func wraps a context-aware function. It is awaited in place on the
// worker goroutine.
func Func(fn func(ctx context.Context) (any, error)) Executable {
	return funcExec{fn: fn}
}

type funcExec struct {
	fn func(ctx context.Context) (any, error)
}

func (e funcExec) Execute(ctx context.Context) (any, error) {
	return e.fn(ctx)
}

// Action wraps a result-less function. Handy for maintenance jobs that
// only report success or failure.
func Action(fn func(ctx context.Context) error) Executable {
	return funcExec{fn: func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}}
}

// Blocking wraps a plain function with no cancellation points. It runs on
// its own goroutine and is raced against ctx, so the worker loop is never
// blocked past a timeout or cancellation.
//
// On cancellation the function keeps running to completion in the
// background; its result is discarded.
func Blocking(fn func() (any, error)) Executable {
	return blockingExec{fn: fn}
}

type blockingExec struct {
	fn func() (any, error)
}

type blockingResult struct {
	val any
	err error
}

func (e blockingExec) Execute(ctx context.Context) (any, error) {
	done := make(chan blockingResult, 1)
	go func() {
		val, err := e.fn()
		done <- blockingResult{val: val, err: err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream wraps a producer that emits a sequence of values. The emitted
// values are materialized into a []any result once the producer returns.
func Stream(fn func(ctx context.Context, emit func(any)) error) Executable {
	return streamExec{fn: fn}
}

type streamExec struct {
	fn func(ctx context.Context, emit func(any)) error
}

func (e streamExec) Execute(ctx context.Context) (any, error) {
	var vals []any
	err := e.fn(ctx, func(v any) { vals = append(vals, v) })
	if err != nil {
		return nil, err
	}
	return vals, nil
}
