// Package config loads the worker and client settings from a YAML file
// and keeps an in-memory snapshot fresh via an fsnotify watch.
package config

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when WEATHERGW_CONFIG is unset.
const DefaultPath = "/etc/weathergw.yaml"

// EnvOverride names the environment variable that overrides DefaultPath.
const EnvOverride = "WEATHERGW_CONFIG"

// Config is the full set of settings loaded from YAML. Zero value fields
// fall back to the built-in defaults applied in Load.
type Config struct {
	CacheRoot       string   `yaml:"CACHE_ROOT"`
	Shares          []string `yaml:"SHARES"`
	Memcached       []string `yaml:"MEMCACHED"`
	CacheFolder     string   `yaml:"CACHE_FOLDER"`
	DownloadServers []string `yaml:"DOWNLOAD_SERVERS"`
	Cluster         string   `yaml:"CLUSTER"`

	Audit AuditConfig `yaml:"AUDIT"`
}

// AuditConfig configures the audit event logger; see internal/audit for
// the sink implementations.
type AuditConfig struct {
	Enabled            bool            `yaml:"ENABLED"`
	MaxEvents          int             `yaml:"MAX_EVENTS"`
	RedactMetadataKeys []string        `yaml:"REDACT_METADATA_KEYS"`
	Sink               AuditSinkConfig `yaml:"SINK"`
}

// AuditSinkConfig selects and configures the underlying event writer.
type AuditSinkConfig struct {
	Type          string            `yaml:"TYPE"` // "stdout", "file", "http"
	FilePath      string            `yaml:"FILE_PATH"`
	Endpoint      string            `yaml:"ENDPOINT"`
	Headers       map[string]string `yaml:"HEADERS"`
	BatchSize     int               `yaml:"BATCH_SIZE"`
	FlushInterval string            `yaml:"FLUSH_INTERVAL"` // duration string, e.g. "5s"
	RetryCount    int               `yaml:"RETRY_COUNT"`
	RetryBackoff  string            `yaml:"RETRY_BACKOFF"`
}

func defaults() Config {
	return Config{
		CacheRoot:   "/cache",
		Shares:      []string{"default"},
		Memcached:   []string{"127.0.0.1:6379"},
		CacheFolder: "weathergw",
		Cluster:     "default",
		Audit:       AuditConfig{Enabled: true, MaxEvents: 1000, Sink: AuditSinkConfig{Type: "stdout"}},
	}
}

// Load reads path (or the built-in defaults if path doesn't exist) and
// returns a populated Config. A missing file is not an error — it yields
// the built-in defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolvePath returns the configured path, honoring EnvOverride, falling
// back to DefaultPath.
func ResolvePath() string {
	if v := os.Getenv(EnvOverride); v != "" {
		return v
	}
	return DefaultPath
}

// Watcher holds an atomically-swapped Config snapshot kept fresh by an
// fsnotify watch on the backing file. Readers call Current(); nothing
// blocks on a reload.
type Watcher struct {
	path    string
	log     *logrus.Logger
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher loads path once, then starts watching it for writes/renames
// (editors typically replace a file rather than append to it, so both
// events trigger a reload). The initial load error is returned; reload
// errors after that are logged and the stale snapshot is kept.
func NewWatcher(path string, log *logrus.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: path, log: log, done: make(chan struct{})}
	w.current.Store(&cfg)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		// Not fatal: the snapshot loaded above stays in use, and since no
		// watch is registered, later changes to the file are not picked up.
		log.WithError(err).WithField("path", path).Warn("config: could not watch file, hot-reload disabled")
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("config: reload failed, keeping previous snapshot")
				continue
			}
			w.current.Store(&cfg)
			w.log.WithField("path", w.path).Info("config: reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config: watch error")
		case <-w.done:
			return
		}
	}
}

// Current returns the most recently loaded snapshot. Safe for concurrent
// use by any number of readers.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// Close stops the watch goroutine and releases the underlying inotify
// descriptor.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

// ParseDuration is a small helper so AuditSinkConfig.FlushInterval and
// RetryBackoff (YAML strings) can be turned into a time.Duration without importing time parsing logic
// into every caller.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
