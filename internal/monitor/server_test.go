package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskq/internal/journal"
	"taskq/internal/task/queue"
	logx "taskq/pkg/logx"
)

type fakeQueue struct {
	stats     queue.Stats
	tasks     map[string]queue.TaskInfo
	cancelled []string

	lastFilter []queue.Status
}

func (f *fakeQueue) Stats() queue.Stats { return f.stats }

func (f *fakeQueue) List(statuses ...queue.Status) []queue.TaskInfo {
	f.lastFilter = statuses
	out := make([]queue.TaskInfo, 0, len(f.tasks))
	for _, ti := range f.tasks {
		out = append(out, ti)
	}
	return out
}

func (f *fakeQueue) Info(id string) (queue.TaskInfo, bool) {
	ti, ok := f.tasks[id]
	return ti, ok
}

func (f *fakeQueue) Cancel(id string) bool {
	if _, ok := f.tasks[id]; !ok {
		return false
	}
	f.cancelled = append(f.cancelled, id)
	return true
}

type fakeHistory struct {
	entries []journal.Entry
	err     error
}

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func newTestServer(t *testing.T, cfg Config, q QueueAPI, hist History) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(cfg, q, hist, logx.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{stats: queue.Stats{Workers: 3}}
	srv := newTestServer(t, Config{}, q, nil)

	code, body := get(t, srv.URL+"/health")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthy: code=%d body=%v", code, body)
	}

	q.stats.Workers = 0
	code, body = get(t, srv.URL+"/health")
	if code != http.StatusServiceUnavailable || body["status"] != "no_workers" {
		t.Fatalf("unhealthy: code=%d body=%v", code, body)
	}
}

func TestTaskEndpoints(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{
		tasks: map[string]queue.TaskInfo{
			"abc": {TaskID: "abc", Status: queue.StatusPending, Priority: queue.PriorityNormal},
		},
	}
	srv := newTestServer(t, Config{}, q, nil)

	code, body := get(t, srv.URL+"/tasks?status=pending,running")
	if code != http.StatusOK {
		t.Fatalf("list: code=%d", code)
	}
	if body["count"].(float64) != 1 {
		t.Fatalf("list count = %v", body["count"])
	}
	want := []queue.Status{queue.StatusPending, queue.StatusRunning}
	if len(q.lastFilter) != 2 || q.lastFilter[0] != want[0] || q.lastFilter[1] != want[1] {
		t.Fatalf("status filter passed as %v", q.lastFilter)
	}

	code, body = get(t, srv.URL+"/tasks/abc")
	if code != http.StatusOK || body["task_id"] != "abc" {
		t.Fatalf("get: code=%d body=%v", code, body)
	}
	code, _ = get(t, srv.URL+"/tasks/nope")
	if code != http.StatusNotFound {
		t.Fatalf("get unknown: code=%d", code)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/abc", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: code=%d", resp.StatusCode)
	}
	if len(q.cancelled) != 1 || q.cancelled[0] != "abc" {
		t.Fatalf("cancelled = %v", q.cancelled)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{AuthToken: "sekret"}, &fakeQueue{stats: queue.Stats{Workers: 1}}, nil)

	// Health stays open.
	if code, _ := get(t, srv.URL+"/health"); code != http.StatusOK {
		t.Fatalf("health should not require auth, code=%d", code)
	}
	if code, _ := get(t, srv.URL+"/stats"); code != http.StatusUnauthorized {
		t.Fatalf("stats without token: code=%d", code)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stats", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats with token: code=%d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{RatePerSec: 1}, &fakeQueue{}, nil)

	if code, _ := get(t, srv.URL+"/stats"); code != http.StatusOK {
		t.Fatalf("first request: code=%d", code)
	}
	// Burst is exhausted; an immediate follow-up must be throttled.
	if code, _ := get(t, srv.URL+"/stats"); code != http.StatusTooManyRequests {
		t.Fatalf("second request: code=%d, want 429", code)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{entries: []journal.Entry{
		{TaskID: "a", Status: "completed", RecordedAt: time.Now()},
		{TaskID: "b", Status: "failed", RecordedAt: time.Now()},
	}}
	srv := newTestServer(t, Config{}, &fakeQueue{}, hist)

	code, body := get(t, srv.URL+"/history?limit=1")
	if code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("history: code=%d body=%v", code, body)
	}
	if code, _ := get(t, srv.URL+"/history?limit=nope"); code != http.StatusBadRequest {
		t.Fatalf("bad limit: code=%d", code)
	}

	disabled := newTestServer(t, Config{}, &fakeQueue{}, nil)
	if code, _ := get(t, disabled.URL+"/history"); code != http.StatusNotFound {
		t.Fatalf("disabled history: code=%d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{stats: queue.Stats{Workers: 2, Pending: 1}}
	srv := newTestServer(t, Config{}, q, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: code=%d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	text := string(raw)
	if !strings.Contains(text, "taskq_workers 2") {
		t.Fatalf("metrics output missing worker gauge:\n%s", text)
	}
	if !strings.Contains(text, `taskq_tasks{state="pending"} 1`) {
		t.Fatalf("metrics output missing pending gauge:\n%s", text)
	}
}
