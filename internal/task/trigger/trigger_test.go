package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskq/internal/task/queue"
	logx "taskq/pkg/logx"
)

func startTestQueue(t *testing.T) *queue.Service {
	t.Helper()
	q := queue.New(queue.Config{
		Workers:  2,
		Tick:     5 * time.Millisecond,
		IdleWait: 5 * time.Millisecond,
	}, logx.Nop(), nil)
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return q
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := New(startTestQueue(t), logx.Nop())
	noop := queue.Action(func(context.Context) error { return nil })

	if err := s.Register(Job{Spec: "* * * * *", Run: noop}); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("empty name: got %v", err)
	}
	if err := s.Register(Job{Name: "j", Spec: "* * * * *"}); !errors.Is(err, ErrNilRun) {
		t.Fatalf("nil run: got %v", err)
	}
	if err := s.Register(Job{Name: "j", Spec: "not a cron spec", Run: noop}); err == nil {
		t.Fatal("invalid spec accepted")
	}
	if err := s.Register(Job{Name: "j", Spec: "*/5 * * * *", Run: noop}); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}
	if err := s.Register(Job{Name: "j", Spec: "* * * * *", Run: noop}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate name: got %v", err)
	}
	if got := s.Jobs(); len(got) != 1 || got[0] != "j" {
		t.Fatalf("Jobs = %v", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := New(startTestQueue(t), logx.Nop())
	noop := queue.Action(func(context.Context) error { return nil })

	if s.Remove("missing") {
		t.Fatal("Remove reported success for unknown job")
	}
	if err := s.Register(Job{Name: "j", Spec: "@hourly", Run: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !s.Remove("j") {
		t.Fatal("Remove failed for registered job")
	}
	if got := s.Jobs(); len(got) != 0 {
		t.Fatalf("Jobs = %v, want empty", got)
	}
}

func TestFireSubmitsOneShotTask(t *testing.T) {
	t.Parallel()
	q := startTestQueue(t)
	s := New(q, logx.Nop())

	var ran atomic.Int32
	job := Job{
		Name:     "count",
		Spec:     "@hourly",
		Priority: queue.PriorityHigh,
		Run:      queue.Action(func(context.Context) error { ran.Add(1); return nil }),
	}
	if err := s.Register(job); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Drive the firing path directly instead of waiting for wall-clock cron.
	s.fire(job)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ran.Load() == 1 {
			tasks := q.List()
			if len(tasks) != 1 {
				t.Fatalf("List returned %d tasks, want 1", len(tasks))
			}
			ti := tasks[0]
			if ti.Periodic {
				t.Fatal("cron submissions must be one-shot")
			}
			if ti.Priority != queue.PriorityHigh {
				t.Fatalf("Priority = %q, want high", ti.Priority)
			}
			if ti.Description != "cron: count" {
				t.Fatalf("Description = %q", ti.Description)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for fired task to run")
}

func TestEverySpecFires(t *testing.T) {
	t.Parallel()
	q := startTestQueue(t)
	s := New(q, logx.Nop())

	var ran atomic.Int32
	err := s.Register(Job{
		Name: "tick",
		Spec: "@every 1s",
		Run:  queue.Action(func(context.Context) error { ran.Add(1); return nil }),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ran.Load() >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for @every firing")
}
