package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "taskq.yaml", `
log:
  level: debug
queue:
  workers: 5
  tick: 50ms
  retention: 30m
monitor:
  enabled: true
  addr: ":9090"
  rate_per_sec: 20
journal:
  enabled: true
  path: ./run.db
  max_rows: 500
  prune_interval: 5m
`)

	cfg, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level = %q", cfg.Log.Level)
	}

	qc, err := cfg.QueueSettings()
	if err != nil {
		t.Fatalf("QueueSettings: %v", err)
	}
	if qc.Workers != 5 {
		t.Fatalf("Workers = %d, want 5", qc.Workers)
	}
	if qc.Tick != 50*time.Millisecond {
		t.Fatalf("Tick = %v, want 50ms", qc.Tick)
	}
	if qc.Retention != 30*time.Minute {
		t.Fatalf("Retention = %v, want 30m", qc.Retention)
	}
	// Unset fields stay zero here; the engine applies its own defaults.
	if qc.BackoffBase != 0 {
		t.Fatalf("BackoffBase = %v, want 0 (unset)", qc.BackoffBase)
	}

	if !cfg.Monitor.Enabled || cfg.Monitor.Addr != ":9090" {
		t.Fatalf("monitor = %+v", cfg.Monitor)
	}
	if cfg.Journal.MaxRows != 500 {
		t.Fatalf("Journal.MaxRows = %d", cfg.Journal.MaxRows)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "taskq.yaml", `
queue:
  wrokers: 3
`)
	if _, err := Parse(path); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestParseRejectsInvalidDuration(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "taskq.yaml", `
queue:
  tick: quickly
`)
	_, err := Parse(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "queue.tick") {
		t.Fatalf("error %q does not name the offending field", err)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("got (%v, %v), want (1m, nil)", d, err)
	}
	d, err = ParseDurationOrDefault("x", "2s", time.Minute)
	if err != nil || d != 2*time.Second {
		t.Fatalf("got (%v, %v), want (2s, nil)", d, err)
	}
	if _, err = ParseDurationOrDefault("x", "-5s", time.Minute); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestLogSettingsConsoleDefaultsOn(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "taskq.yaml", `
log:
  level: warn
`)
	cfg, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ls := cfg.LogSettings()
	if !ls.Console {
		t.Fatal("Console should default to true when unset")
	}
	if ls.Level != "warn" {
		t.Fatalf("Level = %q", ls.Level)
	}
}

func TestManagerPublishDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Log: LogConfig{Level: "info"}}
	second := &Config{Log: LogConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got.Log.Level != "debug" {
		t.Fatalf("Level = %q, want newest config delivered", got.Log.Level)
	}
}

func TestManagerWatchReloads(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "taskq.yaml", "log:\n  level: info\n")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to arm before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Log.Level != "debug" {
			t.Fatalf("Level = %q, want debug", cfg.Log.Level)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for reload")
	}

	if got := m.Get().Log.Level; got != "debug" {
		t.Fatalf("Get().Log.Level = %q, want debug", got)
	}
}
