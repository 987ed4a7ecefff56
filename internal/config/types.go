package config

import "time"

// Config represents the complete conductor configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Worker    WorkerConfig    `yaml:"worker"`
	Ephemeral EphemeralConfig `yaml:"ephemeral"`
	Chain     ChainConfig     `yaml:"chain"`
	Agents    AgentsConfig    `yaml:"agents"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api,omitempty"`
	NATS      *NATSConfig     `yaml:"nats,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LockPath string `yaml:"lock_path"`
}

// BusyPolicy decides what a dispatch does when the target worker is busy.
type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyWait   BusyPolicy = "wait"
)

// WorkerConfig defines how long-lived RPC workers are spawned and driven.
type WorkerConfig struct {
	Command    string        `yaml:"command"`
	Args       []string      `yaml:"args,omitempty"`
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
	KillGrace  time.Duration `yaml:"kill_grace"`
	BusyPolicy BusyPolicy    `yaml:"busy_policy"`
	// IdleTimeout kills workers left idle this long. Zero keeps them forever.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
	LogDir      string        `yaml:"log_dir,omitempty"`
}

// EphemeralConfig defines how one-shot task runners are spawned.
type EphemeralConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args,omitempty"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	LogDir         string        `yaml:"log_dir,omitempty"`
}

// FailurePolicy decides what a chain does when a step fails.
type FailurePolicy string

const (
	FailAbort FailurePolicy = "abort"
	FailSkip  FailurePolicy = "skip"
	FailRetry FailurePolicy = "retry"
)

// ChainConfig defines sequential chain behaviour.
type ChainConfig struct {
	FailurePolicy FailurePolicy `yaml:"failure_policy"`
	MaxRetries    int           `yaml:"max_retries,omitempty"`
}

// AgentsConfig points at the agent definition catalog.
type AgentsConfig struct {
	Path  string `yaml:"path,omitempty"`
	Watch bool   `yaml:"watch,omitempty"`
}

// StateConfig defines run history storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token, when set, is required as a bearer token on every route but /healthz.
	Token string `yaml:"token,omitempty"`
}

// NATSConfig enables forwarding of hub events to a NATS server.
type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
	// Embed starts an in-process NATS server on Port instead of dialing URL.
	Embed bool `yaml:"embed,omitempty"`
	Port  int  `yaml:"port,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "conductor",
			LogLevel: "info",
			LockPath: "./data/conductor.lock",
		},
		Worker: WorkerConfig{
			Command:    "pi",
			Args:       []string{"--mode", "rpc", "--no-session"},
			RPCTimeout: 300 * time.Second,
			KillGrace:  3 * time.Second,
			BusyPolicy: BusyReject,
			LogDir:     "./data/logs/workers",
		},
		Ephemeral: EphemeralConfig{
			Command:        "pi",
			Args:           []string{"--mode", "json", "-p", "--no-session"},
			KillGrace:      3 * time.Second,
			MaxConcurrency: 4,
			LogDir:         "./data/logs/runs",
		},
		Chain: ChainConfig{
			FailurePolicy: FailAbort,
		},
		State: StateConfig{
			Path: "./data/conductor.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8420",
		},
	}
}
