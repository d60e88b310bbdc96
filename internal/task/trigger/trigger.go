// Package trigger bridges cron schedules onto the task queue. Each firing
// submits a fresh one-shot task, so cron-driven work flows through the same
// priority tiers, retry policy and bookkeeping as everything else.
package trigger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskq/internal/task/queue"
	logx "taskq/pkg/logx"
)

var (
	ErrEmptyName     = errors.New("trigger: job name is required")
	ErrNilRun        = errors.New("trigger: job run func is required")
	ErrDuplicateName = errors.New("trigger: job name already registered")
)

// Job describes a cron-driven submission. Spec uses the standard 5-field
// cron syntax, plus the @every and @hourly style descriptors.
type Job struct {
	Name string
	Spec string

	Run queue.Executable

	Priority   queue.Priority
	Timeout    time.Duration
	MaxRetries int
}

// Scheduler owns a cron runner and the set of registered jobs.
type Scheduler struct {
	q   *queue.Service
	log logx.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool
}

func New(q *queue.Service, log logx.Logger) *Scheduler {
	return &Scheduler{
		q:       q,
		log:     log,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Register validates the job and adds it to the cron table. Registration
// works before and after Start.
func (s *Scheduler) Register(job Job) error {
	name := strings.TrimSpace(job.Name)
	if name == "" {
		return ErrEmptyName
	}
	if job.Run == nil {
		return ErrNilRun
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("trigger: job %q has invalid spec %q: %w", name, job.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	job.Name = name
	id, err := s.cron.AddFunc(job.Spec, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("trigger: add job %q: %w", name, err)
	}
	s.entries[name] = id

	if !s.log.IsZero() {
		s.log.Info("trigger registered",
			logx.String("job", name),
			logx.String("spec", job.Spec))
	}
	return nil
}

// Remove drops a registered job. Returns false when the name is unknown.
// An already-submitted task from a prior firing is unaffected.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return true
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start begins firing registered jobs. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the cron runner and waits for in-flight firing callbacks.
// The submitted tasks themselves keep running in the queue.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(job Job) {
	id, err := s.q.Add(queue.Task{
		Run:         job.Run,
		Description: "cron: " + job.Name,
		Priority:    job.Priority,
		Timeout:     job.Timeout,
		MaxRetries:  job.MaxRetries,
	})
	if err != nil {
		if !s.log.IsZero() {
			s.log.Warn("trigger submission failed",
				logx.String("job", job.Name),
				logx.Err(err))
		}
		return
	}
	if !s.log.IsZero() {
		s.log.Debug("trigger fired",
			logx.String("job", job.Name),
			logx.String("task", id))
	}
}
