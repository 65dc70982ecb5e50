// Package config implements the daemon's configuration manager (C2).
//
// Configuration file: YAML, default path /etc/sentineld/config.yaml.
//
// Hot-reload:
//   - The daemon listens for SIGHUP (see internal/daemon).
//   - On reload: re-read and re-validate the remembered file path.
//   - If the new file is invalid, the previous configuration remains
//     active and an error is returned to the caller — the process never
//     runs without a valid configuration.
//   - Subscribers registered via OnChange are invoked with the new value
//     after the atomic swap, outside the protecting mutex, so a
//     subscriber may safely call Get() without deadlocking.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultPath is the default configuration file location.
const DefaultPath = "/etc/sentineld/config.yaml"

// Config is the root configuration structure, mirroring spec.md §3/§6.
type Config struct {
	Socket      SocketConfig     `yaml:"socket"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	Alerts      AlertsConfig     `yaml:"alerts"`
	LogLevel    int              `yaml:"log_level"`
	LogFormat   string           `yaml:"log_format"`
	EnricherOn  bool             `yaml:"enricher_enabled"`
	MetricsAddr string           `yaml:"metrics_addr"`
}

// SocketConfig configures the local IPC endpoint (C6).
type SocketConfig struct {
	Path      string `yaml:"path"`
	Backlog   int    `yaml:"backlog"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// RateLimitConfig configures the IPC rate limiter (C5).
type RateLimitConfig struct {
	MaxRequestsPerSec int `yaml:"max_requests_per_sec"`
}

// MonitoringConfig configures the sampler and threshold evaluator (C8/C9).
type MonitoringConfig struct {
	IntervalSec int           `yaml:"interval_sec"`
	CPU         ThresholdPair `yaml:"cpu"`
	Memory      ThresholdPair `yaml:"memory"`
	Disk        ThresholdPair `yaml:"disk"`
	DiskPath    string        `yaml:"disk_path"`
}

// ThresholdPair holds a warning/critical pair in percent, [0,100].
type ThresholdPair struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// AlertsConfig configures the alert store (C3/C4).
type AlertsConfig struct {
	DBPath         string `yaml:"db_path"`
	RetentionHours int    `yaml:"retention_hours"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		Socket: SocketConfig{
			Path:      "/run/sentineld/sentineld.sock",
			Backlog:   64,
			TimeoutMs: 5000,
		},
		RateLimit: RateLimitConfig{MaxRequestsPerSec: 50},
		Monitoring: MonitoringConfig{
			IntervalSec: 10,
			CPU:         ThresholdPair{Warning: 70, Critical: 90},
			Memory:      ThresholdPair{Warning: 75, Critical: 90},
			Disk:        ThresholdPair{Warning: 80, Critical: 95},
			DiskPath:    "/",
		},
		Alerts: AlertsConfig{
			DBPath:         "/var/lib/sentineld/alerts.db",
			RetentionHours: 24 * 14,
		},
		LogLevel:    1,
		LogFormat:   "json",
		EnricherOn:  false,
		MetricsAddr: "127.0.0.1:9191",
	}
}

// Validate checks all config fields for correctness, aggregating every
// violation into a single descriptive error (spec §7: configuration
// errors are recovered locally, never crash the process).
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Socket.Path == "" {
		errs = append(errs, "socket.path must not be empty")
	}
	if cfg.Socket.Backlog <= 0 {
		errs = append(errs, fmt.Sprintf("socket.backlog must be > 0, got %d", cfg.Socket.Backlog))
	}
	if cfg.Socket.TimeoutMs <= 0 {
		errs = append(errs, fmt.Sprintf("socket.timeout_ms must be > 0, got %d", cfg.Socket.TimeoutMs))
	}
	if cfg.RateLimit.MaxRequestsPerSec <= 0 {
		errs = append(errs, fmt.Sprintf("rate_limit.max_requests_per_sec must be > 0, got %d", cfg.RateLimit.MaxRequestsPerSec))
	}
	if cfg.Monitoring.IntervalSec < 1 {
		errs = append(errs, fmt.Sprintf("monitoring.interval_sec must be >= 1, got %d", cfg.Monitoring.IntervalSec))
	}
	for name, pair := range map[string]ThresholdPair{
		"cpu":    cfg.Monitoring.CPU,
		"memory": cfg.Monitoring.Memory,
		"disk":   cfg.Monitoring.Disk,
	} {
		if pair.Warning < 0 || pair.Warning > 100 || pair.Critical < 0 || pair.Critical > 100 {
			errs = append(errs, fmt.Sprintf("monitoring.%s thresholds must be in [0,100]", name))
		}
		if pair.Warning > pair.Critical {
			errs = append(errs, fmt.Sprintf("monitoring.%s warning must be <= critical", name))
		}
	}
	if cfg.Alerts.DBPath == "" {
		errs = append(errs, "alerts.db_path must not be empty")
	}
	if cfg.Alerts.RetentionHours <= 0 {
		errs = append(errs, fmt.Sprintf("alerts.retention_hours must be > 0, got %d", cfg.Alerts.RetentionHours))
	}
	if cfg.LogLevel < 0 || cfg.LogLevel > 4 {
		errs = append(errs, fmt.Sprintf("log_level must be in [0,4], got %d", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// loadFile reads and validates a config file from the given path,
// merging it over Defaults(). Unknown keys are ignored by yaml.v3 by
// default; missing sections simply keep their default values.
func loadFile(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return cfg, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Subscriber is invoked after a successful Load/Reload with the new
// configuration value. Invoked outside the manager's mutex.
type Subscriber func(Config)

// Manager is the process-wide configuration singleton (C2). Construct
// one with New(); the spec's "singleton" requirement is satisfied by
// the daemon holding exactly one Manager for its lifetime, not by a
// package-level global — this keeps it testable without cross-test
// leakage, with Reset() available for tests that do want a shared
// instance.
type Manager struct {
	mu          sync.Mutex
	current     Config
	path        string
	hasLoaded   bool
	subscribers []Subscriber
}

// New creates a Manager seeded with default values and no remembered
// path. Callers must call Load before relying on non-default values.
func New() *Manager {
	return &Manager{current: Defaults()}
}

// Load parses and validates the file at path. On success the current
// value is atomically replaced, the path is remembered for future
// Reload calls, and subscribers are notified outside the lock. On
// failure the previous value (or defaults, if this is the first load)
// is retained and the error is returned.
func (m *Manager) Load(path string) error {
	cfg, err := loadFile(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = cfg
	m.path = path
	m.hasLoaded = true
	subs := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()

	for _, s := range subs {
		s(cfg)
	}
	return nil
}

// Reload re-runs Load against the remembered path. Returns an error if
// no path has ever been loaded.
func (m *Manager) Reload() error {
	m.mu.Lock()
	path := m.path
	loaded := m.hasLoaded
	m.mu.Unlock()

	if !loaded {
		return fmt.Errorf("config: reload called before any successful load")
	}
	return m.Load(path)
}

// Get returns a by-value copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// GetSerializable returns the subset of the current configuration safe
// to expose over the IPC surface (spec §4.7 "config.get ... serialized
// config (only non-secret fields)"). Every field on Config is
// currently non-secret, so this is presently the whole struct; kept as
// a distinct method so a future secret-bearing field has an obvious
// place to be excluded.
func (m *Manager) GetSerializable() interface{} {
	return m.Get()
}

// OnChange registers a subscriber invoked after every successful
// Load/Reload. Order of invocation matches registration order.
func (m *Manager) OnChange(cb Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, cb)
}

// Reset clears all subscribers and restores default configuration.
// Legal only in tests.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Defaults()
	m.path = ""
	m.hasLoaded = false
	m.subscribers = nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
