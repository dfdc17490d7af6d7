// Package config handles pmboard configuration loading and validation.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PortEnvVar overrides port resolution when set to a live port.
const PortEnvVar = "PMBOARD_API_PORT"

// Config is the root configuration for pmboard.
type Config struct {
	Worker   WorkerConfig   `yaml:"worker"`
	Ports    PortsConfig    `yaml:"ports"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Client   ClientConfig   `yaml:"client"`
}

// WorkerConfig defines how the backend worker is launched and monitored.
type WorkerConfig struct {
	// Command is the worker executable; the chosen port is appended as the
	// single positional argument.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`
	DataDir string   `yaml:"data_dir"`

	// Signature identifies worker processes on the command line; the reaper
	// only touches listeners whose command line contains it.
	Signature string `yaml:"signature"`

	Env       map[string]string `yaml:"env"`
	Debug     bool              `yaml:"debug"`
	QuietLogs bool              `yaml:"quiet_logs"`

	// StartupMarkers are output lines treated as equivalent serving hints.
	StartupMarkers []string `yaml:"startup_markers"`

	// StartupTimeout bounds the whole Starting phase.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// MarkerGrace is the secondary timeout after which a seen marker grants
	// degraded Ready even if the readiness endpoint never succeeded.
	MarkerGrace time.Duration `yaml:"marker_grace"`

	ReadyProbe ProbeConfig    `yaml:"ready_probe"`
	Shutdown   ShutdownConfig `yaml:"shutdown"`
}

// ProbeConfig bounds the readiness polling loop.
type ProbeConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Timeout      time.Duration `yaml:"timeout"`       // per-attempt HTTP timeout
	InitialDelay time.Duration `yaml:"initial_delay"` // delay between attempts
	MaxDelay     time.Duration `yaml:"max_delay"`     // delay growth ceiling
	Multiplier   float64       `yaml:"multiplier"`
}

// ShutdownConfig defines the teardown escalation ladder.
type ShutdownConfig struct {
	EndpointTimeout time.Duration `yaml:"endpoint_timeout"` // POST /api/shutdown
	TermGrace       time.Duration `yaml:"term_grace"`       // wait after SIGTERM
	KillGrace       time.Duration `yaml:"kill_grace"`       // wait after SIGKILL
}

// PortsConfig defines port resolution and discovery behavior.
type PortsConfig struct {
	Candidates []int `yaml:"candidates"`
	ScanStart  int   `yaml:"scan_start"`
	ScanEnd    int   `yaml:"scan_end"`

	ParallelTimeout time.Duration `yaml:"parallel_timeout"` // per-probe, parallel pass
	SerialTimeout   time.Duration `yaml:"serial_timeout"`   // per-probe, serial pass
	MaxConcurrent   int           `yaml:"max_concurrent"`

	// HintFile persists the last-used port; shared between host and UI.
	HintFile   string        `yaml:"hint_file"`
	HintMaxAge time.Duration `yaml:"hint_max_age"`
}

// RecoveryConfig bounds automatic crash recovery.
type RecoveryConfig struct {
	MaxRestarts int           `yaml:"max_restarts"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// DaemonConfig defines pmboardd settings.
type DaemonConfig struct {
	Socket    string `yaml:"socket"`
	Database  string `yaml:"database"`
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// ClientConfig defines UI-process connection behavior.
type ClientConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	AutoRetries       int           `yaml:"auto_retries"`
	RetryCountdown    time.Duration `yaml:"retry_countdown"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Worker: WorkerConfig{
			Command:   "pmboard-api",
			Signature: "pmboard-api",
			StartupMarkers: []string{
				"Application startup complete",
				"Uvicorn running on",
			},
			StartupTimeout: 45 * time.Second,
			MarkerGrace:    10 * time.Second,
			ReadyProbe: ProbeConfig{
				MaxAttempts:  30,
				Timeout:      2 * time.Second,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   1.5,
			},
			Shutdown: ShutdownConfig{
				EndpointTimeout: 3 * time.Second,
				TermGrace:       5 * time.Second,
				KillGrace:       2 * time.Second,
			},
		},
		Ports: PortsConfig{
			Candidates:      []int{8000, 8080, 8888, 8008},
			ScanStart:       8001,
			ScanEnd:         8099,
			ParallelTimeout: 500 * time.Millisecond,
			SerialTimeout:   2 * time.Second,
			MaxConcurrent:   8,
			HintFile:        filepath.Join(os.TempDir(), "pmboard-port.json"),
			HintMaxAge:      24 * time.Hour,
		},
		Recovery: RecoveryConfig{
			MaxRestarts: 3,
			Cooldown:    2 * time.Second,
		},
		Daemon: DaemonConfig{
			Socket:   "/tmp/pmboard.sock",
			Database: filepath.Join(homeDir, ".local/share/pmboard/pmboard.db"),
			LogFile:  filepath.Join(homeDir, ".local/share/pmboard/pmboard.log"),
			LogLevel: "info",
		},
		Client: ClientConfig{
			KeepaliveInterval: 30 * time.Second,
			ProbeTimeout:      2 * time.Second,
			AutoRetries:       3,
			RetryCountdown:    5 * time.Second,
		},
	}
}

// Load reads configuration from the default path or creates default config.
func Load() (*Config, error) {
	configPath := DefaultConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.expandEnvVars()
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("PMBOARD_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/pmboard/config.yaml")
}

func (c *Config) expandEnvVars() {
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
	c.Worker.Command = os.ExpandEnv(c.Worker.Command)
	c.Worker.WorkDir = os.ExpandEnv(c.Worker.WorkDir)
	c.Worker.DataDir = os.ExpandEnv(c.Worker.DataDir)
}
