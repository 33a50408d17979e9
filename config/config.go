// Package config loads the bridge's runtime settings from the environment
// and its filter policy from a JSON file, with optional hot reload of the
// policy when the file changes on disk.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"

	"github.com/procstream/mcp-bridge-go/filter"
)

// Config holds every tunable of the bridge. Defaults are embedded in the
// env tags so a bare environment yields a working instance.
type Config struct {
	// ListenAddr is the HTTP listen address. ENV: BRIDGE_LISTEN_ADDR
	ListenAddr string `env:"BRIDGE_LISTEN_ADDR,default=127.0.0.1:8787"`

	// ChildCommand is the executable to bridge. ENV: BRIDGE_CHILD_CMD
	ChildCommand string `env:"BRIDGE_CHILD_CMD,required"`
	// ChildArgs are semicolon-separated arguments. ENV: BRIDGE_CHILD_ARGS
	ChildArgs []string `env:"BRIDGE_CHILD_ARGS,default="`
	// ChildDir is the child's working directory. ENV: BRIDGE_CHILD_DIR
	ChildDir string `env:"BRIDGE_CHILD_DIR,default="`

	// MaxInFlight bounds concurrent requests to the child. ENV: BRIDGE_MAX_IN_FLIGHT
	MaxInFlight int `env:"BRIDGE_MAX_IN_FLIGHT,default=128"`
	// QueueCapacity bounds each session's outbound queue. ENV: BRIDGE_QUEUE_CAPACITY
	QueueCapacity int `env:"BRIDGE_QUEUE_CAPACITY,default=100"`

	// SessionMaxIdle is the idle age past which sessions are swept. ENV: BRIDGE_SESSION_MAX_IDLE
	SessionMaxIdle time.Duration `env:"BRIDGE_SESSION_MAX_IDLE,default=300s"`
	// SweepInterval is how often the idle sweeper runs. ENV: BRIDGE_SWEEP_INTERVAL
	SweepInterval time.Duration `env:"BRIDGE_SWEEP_INTERVAL,default=30s"`

	// CacheTTL is the filter result cache TTL. ENV: BRIDGE_CACHE_TTL
	CacheTTL time.Duration `env:"BRIDGE_CACHE_TTL,default=300s"`
	// CacheSize is the filter result cache entry cap. ENV: BRIDGE_CACHE_SIZE
	CacheSize int `env:"BRIDGE_CACHE_SIZE,default=1000"`

	// Heartbeat is the stream keep-alive interval. ENV: BRIDGE_HEARTBEAT
	Heartbeat time.Duration `env:"BRIDGE_HEARTBEAT,default=15s"`

	// AuthToken gates the HTTP surface when set. ENV: BRIDGE_AUTH_TOKEN
	AuthToken string `env:"BRIDGE_AUTH_TOKEN,default="`

	// PolicyPath points at the filter policy JSON file. Empty runs the
	// built-in defaults. ENV: BRIDGE_POLICY_PATH
	PolicyPath string `env:"BRIDGE_POLICY_PATH,default="`
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	return &cfg, nil
}

// LoadFilterPolicy reads a filter policy file. The file holds a
// filter.Config in JSON; absent optional sections keep their zero values.
func LoadFilterPolicy(path string) (filter.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return filter.Config{}, fmt.Errorf("config: read policy %s: %w", path, err)
	}

	cfg := filter.DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return filter.Config{}, fmt.Errorf("config: parse policy %s: %w", path, err)
	}
	return cfg, nil
}

// WatchFilterPolicy watches the policy file and swaps the pipeline's
// config on every successful reload. A policy that fails to load or
// compile leaves the previous one in force. Editors typically replace
// files by rename, so the watch covers the parent directory.
func WatchFilterPolicy(ctx context.Context, log *slog.Logger, path string, pipeline *filter.Pipeline) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer func() {
			_ = w.Close()
		}()

		target, err := filepath.Abs(path)
		if err != nil {
			target = path
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				name, err := filepath.Abs(ev.Name)
				if err != nil {
					name = ev.Name
				}
				if name != target {
					continue
				}

				cfg, err := LoadFilterPolicy(path)
				if err != nil {
					log.Warn("policy.reload.fail", slog.String("err", err.Error()))
					continue
				}
				if err := pipeline.SetConfig(cfg); err != nil {
					log.Warn("policy.reload.reject", slog.String("err", err.Error()))
					continue
				}
				log.Info("policy.reload", slog.String("path", path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("policy.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
