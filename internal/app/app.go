// Package app assembles the engine: config, logging, event bus, queue,
// triggers, journal and monitor, with one supervisor owning the background
// loops.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"taskq/internal/config"
	"taskq/internal/eventbus"
	"taskq/internal/journal"
	"taskq/internal/monitor"
	"taskq/internal/runtime/supervisor"
	"taskq/internal/task/queue"
	"taskq/internal/task/trigger"
	logx "taskq/pkg/logx"
)

type App struct {
	cfgm     *config.Manager
	log      logx.Logger
	logClose func() error

	bus  eventbus.Bus
	q    *queue.Service
	jrnl *journal.Journal
	trig *trigger.Scheduler
	mon  *monitor.Server

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, closeLog := logx.New(cfg.LogSettings())
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	qc, err := cfg.QueueSettings()
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	q := queue.New(qc, log.With(logx.String("comp", "queue")), bus)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logClose: closeLog,
		bus:      bus,
		q:        q,
	}

	if cfg.Journal.Enabled {
		a.jrnl, err = journal.Open(journal.Config{
			Path:    cfg.Journal.Path,
			MaxRows: cfg.Journal.MaxRows,
		}, log.With(logx.String("comp", "journal")))
		if err != nil {
			_ = closeLog()
			return nil, err
		}
	}

	a.trig = trigger.New(q, log.With(logx.String("comp", "trigger")))

	if cfg.Monitor.Enabled {
		var hist monitor.History
		if a.jrnl != nil {
			hist = a.jrnl
		}
		a.mon = monitor.New(monitor.Config{
			Addr:       cfg.Monitor.Addr,
			AuthToken:  cfg.Monitor.AuthToken,
			RatePerSec: cfg.Monitor.RatePerSec,
			Pprof:      cfg.Monitor.Pprof,
		}, q, hist, log.With(logx.String("comp", "monitor")))
	}

	return a, nil
}

// Queue exposes the task queue for embedders and task registration.
func (a *App) Queue() *queue.Service { return a.q }

// Triggers exposes the cron bridge for job registration.
func (a *App) Triggers() *trigger.Scheduler { return a.trig }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.q.Start(a.sup.Context())

	if a.jrnl != nil {
		a.sup.GoRestart("journal", func(c context.Context) error {
			return a.jrnl.Run(c, a.bus)
		})

		// Pruning goes through the queue itself as a low-priority periodic
		// task, so it shows up in /stats and /tasks like any other work.
		pruneEvery, err := config.ParseDurationOrDefault(
			"journal.prune_interval", a.cfgm.Get().Journal.PruneInterval, time.Hour)
		if err != nil {
			return err
		}
		_, err = a.q.Add(queue.Task{
			ID:          "journal.prune",
			Description: "journal retention prune",
			Periodic:    true,
			Interval:    pruneEvery,
			Priority:    queue.PriorityLow,
			Run: queue.Action(func(c context.Context) error {
				_, err := a.jrnl.Prune(c)
				return err
			}),
		})
		if err != nil {
			return err
		}
	}

	if a.mon != nil {
		a.sup.GoRestart("monitor.metrics", func(c context.Context) error {
			return a.mon.Metrics().Observe(c, a.bus)
		})
		a.sup.Go("monitor.http", a.mon.Run)
	}

	a.trig.Start()

	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				changed := diffSections(last, next)
				last = next
				if len(changed) == 0 {
					a.log.Debug("config reloaded, no effective changes")
					continue
				}
				// Sizing and addresses are fixed at startup; a reload records
				// the new desired state and readers via Get() pick it up.
				a.log.Info("config reloaded",
					logx.String("changed", strings.Join(changed, ",")))
			}
		}
	})

	a.log.Info("engine started")
	return nil
}

// Stop winds the engine down: triggers first so nothing new is submitted,
// then the queue (cancelling in-flight work), then the supervised loops.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	a.trig.Stop()
	if a.q != nil {
		a.q.Stop(ctx)
	}

	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil {
			a.log.Warn("background loops did not drain", logx.Err(err))
		}
	}

	if a.jrnl != nil {
		if err := a.jrnl.Close(); err != nil {
			a.log.Warn("journal close failed", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return nil
}

func diffSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	for _, s := range []struct {
		name       string
		prev, next any
	}{
		{"log", prev.Log, next.Log},
		{"queue", prev.Queue, next.Queue},
		{"monitor", prev.Monitor, next.Monitor},
		{"journal", prev.Journal, next.Journal},
	} {
		pb, _ := json.Marshal(s.prev)
		nb, _ := json.Marshal(s.next)
		if !bytes.Equal(pb, nb) {
			changed = append(changed, s.name)
		}
	}
	return changed
}
