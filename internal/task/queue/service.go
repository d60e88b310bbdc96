package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskq/internal/eventbus"
	rtsup "taskq/internal/runtime/supervisor"
	logx "taskq/pkg/logx"
)

// Service owns the registry, the pending set, and the three tier queues.
// It is safe for concurrent use. Construct one per process and hand it to
// callers explicitly; there is no package-level instance.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	tasks   map[string]*record
	pending map[string]struct{}
	tiers   [3][]tierEntry
	seq     uint64
	timers  map[string]*time.Timer
	workers int

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// Throttles scheduler-loop error logging so a persistent fault can't
	// flood the sinks.
	warnLimit *rate.Limiter
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		tasks:     make(map[string]*record),
		pending:   make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start launches the scheduler loop and the worker pool. It is idempotent;
// calling Start on a running queue is a no-op. Submission via Add works
// before Start: records accumulate in the registry until a scheduler loop
// exists to promote them.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		// If a stop is in flight, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	workers := s.cfg.Workers
	s.workers = workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskqueue"))),
		// A fault in one loop must never take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("scheduler", func(c context.Context) error {
		s.schedulerLoop(c, stopCh)
		return loopExit(c, stopCh)
	})
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(workerName(idx), func(c context.Context) error {
			s.worker(c, stopCh, idx)
			return loopExit(c, stopCh)
		})
	}

	s.log.Info("task queue started",
		logx.Int("workers", workers),
		logx.Duration("tick", s.cfg.Tick),
		logx.Duration("retention", s.cfg.Retention))
}

// Stop cancels the scheduler loop and all workers, cancels in-flight task
// contexts, and returns once every loop has exited (or ctx gives up
// waiting). It is idempotent.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; the caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		for id, t := range s.timers {
			t.Stop()
			delete(s.timers, id)
		}
		s.workers = 0
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task queue stopped")
	case <-ctx.Done():
		s.log.Warn("task queue stop timed out", logx.Err(ctx.Err()))
	}
}

// loopExit maps a loop return to a supervisor verdict: a closed stop
// channel is a clean shutdown, anything else is unexpected and triggers a
// restart.
func loopExit(ctx context.Context, stopCh <-chan struct{}) error {
	select {
	case <-stopCh:
		return context.Canceled
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return context.Canceled
}

func workerName(idx int) string {
	return fmt.Sprintf("worker.%d", idx)
}

// Add inserts a new pending record into the registry and the pending set.
// Nothing executes synchronously; the scheduler loop promotes the record
// once it is due. Returns the task id.
//
// Unrecognized priorities are coerced to normal rather than rejected,
// matching the permissive submission contract.
func (s *Service) Add(t Task) (string, error) {
	if t.Run == nil {
		return "", ErrNilExecutable
	}

	now := time.Now()

	id := strings.TrimSpace(t.ID)
	if id == "" {
		id = uuid.NewString()
	}

	scheduledAt := t.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
		if t.Delay > 0 {
			scheduledAt = now.Add(t.Delay)
		}
	}

	prio := NormalizePriority(t.Priority)
	if t.Priority != "" && prio != t.Priority {
		s.log.Debug("unknown priority coerced to normal",
			logx.String("id", id), logx.String("priority", string(t.Priority)))
	}

	interval := t.Interval
	if t.Periodic && interval <= 0 {
		interval = s.cfg.DefaultInterval
	}

	maxRetries := t.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	desc := strings.TrimSpace(t.Description)
	if desc == "" {
		desc = "task " + id
	}

	rec := &record{
		id:          id,
		run:         t.Run,
		description: desc,
		scheduledAt: scheduledAt,
		periodic:    t.Periodic,
		interval:    interval,
		maxRetries:  maxRetries,
		timeout:     t.Timeout,
		priority:    prio,
		status:      StatusPending,
		createdAt:   now,
	}

	s.mu.Lock()
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return "", ErrDuplicateID
	}
	s.tasks[id] = rec
	s.pending[id] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("task added",
		logx.String("id", id),
		logx.String("desc", desc),
		logx.String("priority", string(prio)),
		logx.Bool("periodic", t.Periodic),
		logx.Time("scheduled_at", scheduledAt))

	return id, nil
}

// Cancel cancels a task. A pending record is removed from the pending set
// and is guaranteed never to be dispatched. A running record is marked
// cancelled immediately and its execution context is cancelled; the body
// may still observe brief in-flight work before it sees the signal.
// Records already in a terminal state are left untouched.
//
// Returns false only when id is unknown.
func (s *Service) Cancel(id string) bool {
	now := time.Now()

	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	var cancel context.CancelFunc
	cancelled := false
	switch rec.status {
	case StatusPending:
		delete(s.pending, id)
		rec.status = StatusCancelled
		rec.completedAt = now
		s.scheduleCleanupLocked(id)
		cancelled = true
	case StatusRunning:
		rec.status = StatusCancelled
		rec.completedAt = now
		cancel = rec.cancel
		rec.cancel = nil
		s.scheduleCleanupLocked(id)
		cancelled = true
	}
	ev := taskEventLocked(rec, now)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancelled {
		s.log.Info("task cancelled", logx.String("id", id))
		s.publish(eventbus.TypeTaskCancelled, ev)
	}
	return true
}

// Info returns a snapshot of one task record.
func (s *Service) Info(id string) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return infoLocked(rec), true
}

// List returns snapshots of all records, optionally filtered by one or
// more statuses. Results are ordered by creation time.
func (s *Service) List(statuses ...Status) []TaskInfo {
	filter := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		filter[st] = struct{}{}
	}

	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if len(filter) > 0 {
			if _, ok := filter[rec.status]; !ok {
				continue
			}
		}
		out = append(out, infoLocked(rec))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Stats aggregates the live registry. The per-status counters always sum
// to Total.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Total: len(s.tasks), Workers: s.workers}
	for _, rec := range s.tasks {
		switch rec.status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
		if rec.periodic {
			st.Periodic++
		}
	}
	return st
}

// scheduleCleanupLocked arms the retention timer that purges a terminal
// record from the registry. Periodic records reach here only after
// cancellation. Caller holds s.mu.
func (s *Service) scheduleCleanupLocked(id string) {
	if prev, ok := s.timers[id]; ok {
		prev.Stop()
	}
	s.timers[id] = time.AfterFunc(s.cfg.Retention, func() {
		s.mu.Lock()
		delete(s.tasks, id)
		delete(s.pending, id)
		delete(s.timers, id)
		s.mu.Unlock()
		s.log.Debug("task record purged", logx.String("id", id))
	})
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// taskEventLocked builds the bus payload for rec. Caller holds s.mu.
func taskEventLocked(rec *record, now time.Time) TaskEvent {
	ev := TaskEvent{
		ID:          rec.id,
		Description: rec.description,
		Priority:    rec.priority,
		Periodic:    rec.periodic,
		Started:     rec.startedAt,
		Attempts:    rec.retryCount + 1,
		Error:       rec.errMsg,
	}
	if !rec.startedAt.IsZero() && now.After(rec.startedAt) {
		ev.Duration = Seconds(now.Sub(rec.startedAt))
	}
	return ev
}
