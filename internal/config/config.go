// Package config loads and watches taskq's YAML configuration.
//
// Files are coerced to JSON and decoded strictly, so typos in field names
// fail loudly instead of being silently ignored. Durations are written as
// Go duration strings ("100ms", "1h").
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"taskq/internal/task/queue"
	logx "taskq/pkg/logx"
)

type Config struct {
	Log     LogConfig     `json:"log"`
	Queue   QueueConfig   `json:"queue"`
	Monitor MonitorConfig `json:"monitor"`
	Journal JournalConfig `json:"journal"`
}

type LogConfig struct {
	Level   string        `json:"level"`
	Console *bool         `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type QueueConfig struct {
	Workers         int    `json:"workers"`
	Tick            string `json:"tick"`
	IdleWait        string `json:"idle_wait"`
	BackoffBase     string `json:"backoff_base"`
	DefaultInterval string `json:"default_interval"`
	Retention       string `json:"retention"`
}

type MonitorConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	AuthToken  string `json:"auth_token"`
	RatePerSec int    `json:"rate_per_sec"`
	Pprof      bool   `json:"pprof"`
}

type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	MaxRows       int    `json:"max_rows"`
	PruneInterval string `json:"prune_interval"`
}

// LogSettings maps the raw log section onto logx.Config.
func (c *Config) LogSettings() logx.Config {
	console := true
	if c.Log.Console != nil {
		console = *c.Log.Console
	}
	return logx.Config{
		Level:   c.Log.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.Log.File.Enabled,
			Path:    c.Log.File.Path,
		},
	}
}

// QueueSettings parses the raw queue section into queue.Config. Unset
// fields fall back to the engine defaults.
func (c *Config) QueueSettings() (queue.Config, error) {
	var qc queue.Config
	var err error
	qc.Workers = c.Queue.Workers
	if qc.Tick, err = ParseDurationField("queue.tick", c.Queue.Tick); err != nil {
		return qc, err
	}
	if qc.IdleWait, err = ParseDurationField("queue.idle_wait", c.Queue.IdleWait); err != nil {
		return qc, err
	}
	if qc.BackoffBase, err = ParseDurationField("queue.backoff_base", c.Queue.BackoffBase); err != nil {
		return qc, err
	}
	if qc.DefaultInterval, err = ParseDurationField("queue.default_interval", c.Queue.DefaultInterval); err != nil {
		return qc, err
	}
	if qc.Retention, err = ParseDurationField("queue.retention", c.Queue.Retention); err != nil {
		return qc, err
	}
	return qc, nil
}

// Parse reads and strictly decodes the config file at path.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseBytes(path, b)
}

func parseBytes(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// Reject trailing tokens (e.g. concatenated documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse %s: trailing data", path)
		}
		return nil, err
	}

	// Validate duration fields up front so Watch never publishes a config
	// that fails later at apply time.
	if _, err := cfg.QueueSettings(); err != nil {
		return nil, err
	}
	if _, err := ParseDurationField("journal.prune_interval", cfg.Journal.PruneInterval); err != nil {
		return nil, err
	}
	return &cfg, nil
}
