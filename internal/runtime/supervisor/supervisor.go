// Package supervisor manages named goroutines tied to a shared context:
// panic recovery, optional restart with backoff, and graceful waiting.
//
// The task queue runs its scheduler loop and workers under a supervisor so
// a panicking task body can never take the pool down permanently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "taskq/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Best-effort operational counters.
	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	firstErr    atomic.Value // stores error
	wg          sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil goroutine error cancel the
// supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	err, _ := v.(error)
	return err
}

// Active returns the number of goroutines currently running under this
// supervisor. Operational signal only, not a synchronization primitive.
func (s *Supervisor) Active() int64 {
	if s == nil {
		return 0
	}
	return atomic.LoadInt64(&s.active)
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, err)
}

// Go runs fn under the supervisor. Panics are recovered and recorded as
// errors; the goroutine is not restarted.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		s.runOnce(name, fn)
	}()
}

// GoRestart runs fn under the supervisor and restarts it with a small
// backoff whenever it panics or returns an unexpected error. A return of
// nil or context.Canceled is treated as a clean exit.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		backoff := 250 * time.Millisecond
		const maxBackoff = 5 * time.Second
		for {
			err := s.runOnce(name, fn)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			if s.ctx.Err() != nil {
				return
			}
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting", logx.String("name", name), logx.Err(err), logx.Duration("backoff", backoff))
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()
}

// runOnce invokes fn once, converting panics to errors.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
			s.setErr(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	}()

	if !s.log.IsZero() {
		s.log.Debug("goroutine started", logx.String("name", name))
	}
	err = fn(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%s: %w", name, err)
		s.setErr(err)
		if s.cancelOnErr {
			s.cancel()
		}
	}
	if !s.log.IsZero() {
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}
	return err
}

// Wait blocks until all supervised goroutines exit or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
