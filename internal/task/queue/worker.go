package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskq/internal/eventbus"
	logx "taskq/pkg/logx"
)

// worker dispatches one record at a time: pop the highest non-empty tier,
// execute, repeat. Holding a single record per worker is the sole
// mechanism preventing double-execution.
func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	log := s.log.With(logx.String("worker", workerName(idx)))
	log.Debug("worker started")

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		rec := s.popDue()
		if rec == nil {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-time.After(s.cfg.IdleWait):
			}
			continue
		}

		s.execOne(ctx, stopCh, rec, log)
	}
}

// execOne runs a single attempt of rec and routes the outcome through the
// retry/backoff/periodic logic.
func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, rec *record, log logx.Logger) {
	now := time.Now()

	s.mu.Lock()
	if rec.status != StatusPending {
		// Cancelled (or otherwise moved on) between pop and dispatch.
		s.mu.Unlock()
		return
	}
	rec.status = StatusRunning
	rec.startedAt = now
	rec.completedAt = time.Time{}

	// Exactly one context per attempt; an extra WithCancel here would stay
	// registered on the worker context until engine shutdown.
	var runCtx context.Context
	var cancel context.CancelFunc
	if rec.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, rec.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	rec.cancel = cancel
	id := rec.id
	desc := rec.description
	run := rec.run
	timeout := rec.timeout
	startEv := taskEventLocked(rec, now)
	s.mu.Unlock()

	defer cancel()

	log.Debug("task started", logx.String("id", id), logx.String("desc", desc))
	s.publish(eventbus.TypeTaskStarted, startEv)

	// Guard against task panics: one bad body must not kill the worker.
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("task panicked",
					logx.String("id", id),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		result, err = run.Execute(runCtx)
	}()

	if err != nil && errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	s.settle(rec, result, err, stopCh, log)
}

// settle applies the outcome state machine: success completes or re-arms
// the record, failure retries with exponential backoff or fails it out.
// A record cancelled while running is left as-is and never rescheduled.
func (s *Service) settle(rec *record, result any, err error, stopCh <-chan struct{}, log logx.Logger) {
	now := time.Now()

	stopping := false
	select {
	case <-stopCh:
		stopping = true
	default:
	}

	s.mu.Lock()
	rec.cancel = nil

	if rec.status == StatusCancelled {
		s.mu.Unlock()
		log.Debug("task finished after cancellation", logx.String("id", rec.id))
		return
	}

	if err == nil {
		rec.result = result
		rec.errMsg = ""
		rec.completedAt = now
		if rec.periodic {
			// Successful periodic run: re-arm at the next interval.
			rec.scheduledAt = now.Add(rec.interval)
			rec.retryCount = 0
			rec.status = StatusPending
			s.pending[rec.id] = struct{}{}
			ev := taskEventLocked(rec, now)
			s.mu.Unlock()

			log.Debug("periodic task completed, re-armed",
				logx.String("id", rec.id),
				logx.Duration("interval", rec.interval))
			s.publish(eventbus.TypeTaskCompleted, ev)
			return
		}
		rec.status = StatusCompleted
		s.scheduleCleanupLocked(rec.id)
		ev := taskEventLocked(rec, now)
		s.mu.Unlock()

		log.Debug("task completed",
			logx.String("id", rec.id),
			logx.Duration("dur", ev.Duration.Duration()),
			logx.Int("attempts", ev.Attempts))
		s.publish(eventbus.TypeTaskCompleted, ev)
		return
	}

	// Failure path. Shutdown cancellations and NoRetry-wrapped errors never
	// consume the retry budget.
	permanent := false
	var nr noRetryError
	if errors.As(err, &nr) {
		permanent = true
		err = nr.err
	}
	if stopping && errors.Is(err, context.Canceled) {
		permanent = true
		err = errStopped
	}

	if !permanent && rec.retryCount < rec.maxRetries {
		rec.retryCount++
		delay := s.cfg.BackoffBase << (rec.retryCount - 1)
		rec.scheduledAt = now.Add(delay)
		rec.status = StatusPending
		rec.errMsg = err.Error()
		s.pending[rec.id] = struct{}{}
		ev := taskEventLocked(rec, now)
		retryCount := rec.retryCount
		s.mu.Unlock()

		log.Info("task will be retried",
			logx.String("id", rec.id),
			logx.Int("attempt", retryCount),
			logx.Duration("delay", delay),
			logx.Err(err))
		s.publish(eventbus.TypeTaskRetry, ev)
		return
	}

	rec.errMsg = err.Error()
	rec.completedAt = now

	if rec.periodic {
		// Retry budget exhausted for this occurrence. The record stays
		// alive and re-arms at the next natural interval with a fresh
		// budget; the last error remains visible until a later run
		// succeeds.
		rec.scheduledAt = now.Add(rec.interval)
		rec.retryCount = 0
		rec.status = StatusPending
		s.pending[rec.id] = struct{}{}
		ev := taskEventLocked(rec, now)
		s.mu.Unlock()

		log.Warn("periodic task failed, re-armed for next interval",
			logx.String("id", rec.id),
			logx.Duration("interval", rec.interval),
			logx.Err(err))
		s.publish(eventbus.TypeTaskFailed, ev)
		return
	}

	rec.status = StatusFailed
	s.scheduleCleanupLocked(rec.id)
	ev := taskEventLocked(rec, now)
	s.mu.Unlock()

	log.Warn("task failed",
		logx.String("id", rec.id),
		logx.Int("attempts", ev.Attempts),
		logx.Err(err))
	s.publish(eventbus.TypeTaskFailed, ev)
}
