package queue

import (
	"context"
	"fmt"
	"time"

	logx "taskq/pkg/logx"
)

// How long the scheduler loop pauses after an unexpected fault before
// resuming. Faults are isolated per tick and never terminate the loop.
const schedulerErrPause = time.Second

// schedulerLoop promotes due pending records into their tier queue on a
// fixed tick. It never executes task bodies.
func (s *Service) schedulerLoop(ctx context.Context, stopCh <-chan struct{}) {
	s.log.Debug("scheduler loop started", logx.Duration("tick", s.cfg.Tick))

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}

		if err := s.tickOnce(time.Now()); err != nil {
			if s.warnLimit.Allow() {
				s.log.Error("scheduler tick failed", logx.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-time.After(schedulerErrPause):
			}
		}
	}
}

// tickOnce scans the pending set once and moves every due record onto the
// queue for its priority tier, tagged with the next enqueue sequence
// number. Panics are converted to errors so the loop self-heals.
func (s *Service) tickOnce(now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	s.mu.Lock()
	promoted := 0
	for id := range s.pending {
		rec, ok := s.tasks[id]
		if !ok {
			// Registry entry was purged; drop the orphan.
			delete(s.pending, id)
			continue
		}
		if rec.scheduledAt.After(now) {
			continue
		}
		delete(s.pending, id)
		s.seq++
		ti := tierIndex(rec.priority)
		s.tiers[ti] = append(s.tiers[ti], tierEntry{seq: s.seq, id: id})
		promoted++
	}
	s.mu.Unlock()

	if promoted > 0 {
		s.log.Trace("tasks promoted", logx.Int("count", promoted))
	}
	return nil
}

// popDue removes and returns the head of the first non-empty tier in
// strict high > normal > low order. Entries whose record is gone or no
// longer pending are discarded; a cancelled pending task is therefore
// never dispatched.
func (s *Service) popDue() *record {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		found := false
		for ti := range s.tiers {
			if len(s.tiers[ti]) == 0 {
				continue
			}
			e := s.tiers[ti][0]
			s.tiers[ti] = s.tiers[ti][1:]
			found = true

			rec, ok := s.tasks[e.id]
			if !ok || rec.status != StatusPending {
				break // stale entry, rescan tiers
			}
			return rec
		}
		if !found {
			return nil
		}
	}
}
