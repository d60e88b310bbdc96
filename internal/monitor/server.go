// Package monitor exposes the queue's status surface over HTTP: health,
// stats, task inspection and cancellation, run history and Prometheus
// metrics.
package monitor

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"taskq/internal/journal"
	"taskq/internal/task/queue"
	logx "taskq/pkg/logx"
)

// QueueAPI is the slice of the queue service the monitor needs.
type QueueAPI interface {
	Stats() queue.Stats
	List(statuses ...queue.Status) []queue.TaskInfo
	Info(id string) (queue.TaskInfo, bool)
	Cancel(id string) bool
}

// History serves the /history endpoint. May be nil when the journal is
// disabled.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

type Config struct {
	Addr       string
	AuthToken  string
	RatePerSec int

	// Pprof mounts the runtime profiler under /debug. Keep it off unless
	// the monitor is bound to a trusted interface.
	Pprof bool
}

type Server struct {
	cfg  Config
	log  logx.Logger
	q    QueueAPI
	hist History

	reg     *prometheus.Registry
	metrics *Metrics
	srv     *http.Server
}

func New(cfg Config, q QueueAPI, hist History, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(newStatsCollector(q))
	m := NewMetrics(reg)

	s := &Server{cfg: cfg, log: log, q: q, hist: hist, reg: reg, metrics: m}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Metrics returns the server's duration observer so the caller can feed it
// from the event bus.
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Liveness stays open: no auth, no throttling.
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}).ServeHTTP)

	r.Group(func(r chi.Router) {
		if s.cfg.RatePerSec > 0 {
			r.Use(throttle(rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)))
		}
		if s.cfg.AuthToken != "" {
			r.Use(bearerAuth(s.cfg.AuthToken))
		}
		r.Get("/stats", s.handleStats)
		r.Get("/tasks", s.handleTasks)
		r.Get("/tasks/{id}", s.handleTask)
		r.Delete("/tasks/{id}", s.handleCancel)
		r.Get("/history", s.handleHistory)

		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Run serves until ctx is done, then drains with a short shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if !s.log.IsZero() {
		s.log.Info("monitor listening", logx.String("addr", s.cfg.Addr))
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shCtx); err != nil {
			_ = s.srv.Close()
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.q.Stats()
	status := "ok"
	code := http.StatusOK
	if st.Workers == 0 {
		status = "no_workers"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"workers": st.Workers,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.q.Stats())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []queue.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, queue.Status(strings.TrimSpace(part)))
		}
	}
	tasks := s.q.List(statuses...)
	if tasks == nil {
		tasks = []queue.TaskInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(tasks),
		"tasks": tasks,
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := s.q.Info(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.q.Cancel(id) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "cancelled": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		if !s.log.IsZero() {
			s.log.Warn("history query failed", logx.Err(err))
		}
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"history": entries,
	})
}

func throttle(lim *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
