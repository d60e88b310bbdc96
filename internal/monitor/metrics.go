package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"taskq/internal/eventbus"
	"taskq/internal/task/queue"
)

// Metrics holds the event-driven instruments: per-run durations and a
// lifecycle event counter.
type Metrics struct {
	durations *prometheus.HistogramVec
	events    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskq",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of finished task attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskq",
			Name:      "task_events_total",
			Help:      "Task lifecycle events published on the bus.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.durations, m.events)
	return m
}

// Observe consumes bus events until ctx is done. Intended to run under a
// supervisor.
func (m *Metrics) Observe(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.events.WithLabelValues(ev.Type).Inc()

			var outcome string
			switch ev.Type {
			case eventbus.TypeTaskCompleted:
				outcome = "completed"
			case eventbus.TypeTaskFailed:
				outcome = "failed"
			case eventbus.TypeTaskRetry:
				outcome = "retry"
			default:
				continue
			}
			if te, ok := ev.Data.(queue.TaskEvent); ok && te.Duration > 0 {
				m.durations.WithLabelValues(outcome).Observe(te.Duration.Seconds())
			}
		}
	}
}

// statsCollector projects the queue's registry counters as gauges on every
// scrape, so /metrics never lags the /stats endpoint.
type statsCollector struct {
	q QueueAPI

	tasks   *prometheus.Desc
	workers *prometheus.Desc
}

func newStatsCollector(q QueueAPI) *statsCollector {
	return &statsCollector{
		q: q,
		tasks: prometheus.NewDesc(
			"taskq_tasks",
			"Tasks in the registry by state.",
			[]string{"state"}, nil),
		workers: prometheus.NewDesc(
			"taskq_workers",
			"Running worker goroutines.",
			nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.workers
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.q.Stats()
	states := []struct {
		name string
		n    int
	}{
		{"pending", st.Pending},
		{"running", st.Running},
		{"completed", st.Completed},
		{"failed", st.Failed},
		{"cancelled", st.Cancelled},
	}
	for _, s := range states {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(s.n), s.name)
	}
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(st.Workers))
}
