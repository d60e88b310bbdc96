package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Seconds is a duration that marshals as fractional seconds, the unit the
// status and history payloads report.
type Seconds time.Duration

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func (s Seconds) Seconds() float64 { return time.Duration(s).Seconds() }

func (s Seconds) String() string { return time.Duration(s).String() }

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*s = Seconds(time.Duration(f * float64(time.Second)))
	return nil
}

// Status is the lifecycle state of a task record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Priority selects the dispatch tier. Higher tiers are always drained
// before lower ones; within a tier dispatch is FIFO by enqueue order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// tierOrder is the strict dispatch order workers scan.
var tierOrder = [...]Priority{PriorityHigh, PriorityNormal, PriorityLow}

// NormalizePriority coerces unrecognized values to PriorityNormal.
// Submission stays permissive on purpose; see Add.
func NormalizePriority(p Priority) Priority {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p
	default:
		return PriorityNormal
	}
}

func tierIndex(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Config controls the queue. Zero values fall back to defaults.
type Config struct {
	// Workers is the dispatch pool size used by Start.
	Workers int

	// Tick is the scheduler loop's poll interval.
	Tick time.Duration

	// IdleWait is how long a worker sleeps when all tiers are empty.
	IdleWait time.Duration

	// BackoffBase scales the retry backoff: attempt n waits
	// BackoffBase << (n-1). The production default is 1s, giving the
	// 1s, 2s, 4s, ... progression.
	BackoffBase time.Duration

	// DefaultInterval is applied to periodic tasks submitted without one.
	DefaultInterval time.Duration

	// Retention is how long terminal non-periodic records stay visible in
	// the registry before being purged.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 100 * time.Millisecond
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// Task describes one submission. Only Run is required.
type Task struct {
	// ID is optional; a UUID is generated when empty.
	ID string

	Run Executable

	Description string

	// ScheduledAt is the earliest dispatch time. When zero, Delay (if any)
	// is added to the submission time; otherwise the task is due
	// immediately.
	ScheduledAt time.Time
	Delay       time.Duration

	Periodic bool
	Interval time.Duration

	MaxRetries int
	Timeout    time.Duration
	Priority   Priority
}

// record is the registry's mutable view of one task. All fields are
// guarded by Service.mu.
type record struct {
	id          string
	run         Executable
	description string

	scheduledAt time.Time
	periodic    bool
	interval    time.Duration

	maxRetries int
	retryCount int
	timeout    time.Duration
	priority   Priority

	status Status
	result any
	errMsg string

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	// cancel requests cooperative cancellation of the in-flight attempt.
	// Set only while Running; never an ownership relation.
	cancel context.CancelFunc
}

// tierEntry orders dispatch within a tier. seq is a monotonically
// increasing enqueue counter used as the FIFO tie-break.
type tierEntry struct {
	seq uint64
	id  string
}

// TaskInfo is a read-only snapshot of a task record.
type TaskInfo struct {
	TaskID      string     `json:"task_id"`
	Status      Status     `json:"status"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Periodic   bool          `json:"periodic"`
	Interval   Seconds `json:"interval,omitempty"`
	RetryCount int     `json:"retry_count"`
	MaxRetries int     `json:"max_retries"`
	Timeout    Seconds `json:"timeout,omitempty"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Stats aggregates the live registry. Counts are eventually consistent
// with in-flight transitions; the per-status counters sum to Total.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Periodic  int `json:"periodic"`
	Workers   int `json:"workers"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Priority    Priority      `json:"priority"`
	Periodic    bool          `json:"periodic"`
	Started     time.Time `json:"started"`
	Duration    Seconds   `json:"duration"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
}
