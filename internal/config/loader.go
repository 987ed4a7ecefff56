package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a YAML config file on top of Defaults().
// A directory argument is resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Relative agent catalog paths are relative to the config file.
	if cfg.Agents.Path != "" && !filepath.IsAbs(cfg.Agents.Path) {
		cfg.Agents.Path = filepath.Join(filepath.Dir(absPath), cfg.Agents.Path)
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyConfigDefaults fills zero values left behind by partial YAML sections.
func applyConfigDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Worker.RPCTimeout == 0 {
		cfg.Worker.RPCTimeout = def.Worker.RPCTimeout
	}
	if cfg.Worker.KillGrace == 0 {
		cfg.Worker.KillGrace = def.Worker.KillGrace
	}
	if cfg.Worker.BusyPolicy == "" {
		cfg.Worker.BusyPolicy = def.Worker.BusyPolicy
	}
	if cfg.Ephemeral.KillGrace == 0 {
		cfg.Ephemeral.KillGrace = def.Ephemeral.KillGrace
	}
	if cfg.Ephemeral.MaxConcurrency == 0 {
		cfg.Ephemeral.MaxConcurrency = def.Ephemeral.MaxConcurrency
	}
	if cfg.Chain.FailurePolicy == "" {
		cfg.Chain.FailurePolicy = def.Chain.FailurePolicy
	}
	if cfg.NATS != nil && cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = cfg.Service.Name
	}
}

// interpolateEnv replaces ${VAR} with its value. Unset variables are left in place.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}
	if cfg.Worker.RPCTimeout < 0 {
		return fmt.Errorf("worker.rpc_timeout must be positive")
	}
	if cfg.Worker.KillGrace < 0 {
		return fmt.Errorf("worker.kill_grace must be positive")
	}
	if cfg.Worker.IdleTimeout < 0 {
		return fmt.Errorf("worker.idle_timeout must not be negative")
	}
	switch cfg.Worker.BusyPolicy {
	case BusyReject, BusyWait:
	default:
		return fmt.Errorf("worker.busy_policy must be one of: reject, wait (got %q)", cfg.Worker.BusyPolicy)
	}

	if cfg.Ephemeral.Command == "" {
		return fmt.Errorf("ephemeral.command is required")
	}
	if cfg.Ephemeral.MaxConcurrency < 0 {
		return fmt.Errorf("ephemeral.max_concurrency must be positive (got %d)", cfg.Ephemeral.MaxConcurrency)
	}

	switch cfg.Chain.FailurePolicy {
	case FailAbort, FailSkip:
	case FailRetry:
		if cfg.Chain.MaxRetries <= 0 {
			return fmt.Errorf("chain.max_retries must be positive when failure_policy is retry")
		}
	default:
		return fmt.Errorf("chain.failure_policy must be one of: abort, skip, retry (got %q)", cfg.Chain.FailurePolicy)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}

	if envVarPattern.MatchString(cfg.API.Token) {
		matches := envVarPattern.FindStringSubmatch(cfg.API.Token)
		return fmt.Errorf("api.token: environment variable ${%s} is not set", matches[1])
	}

	if cfg.NATS != nil {
		if envVarPattern.MatchString(cfg.NATS.URL) {
			matches := envVarPattern.FindStringSubmatch(cfg.NATS.URL)
			return fmt.Errorf("nats.url: environment variable ${%s} is not set", matches[1])
		}
		if cfg.NATS.URL == "" && !cfg.NATS.Embed {
			return fmt.Errorf("nats.url is required unless nats.embed is set")
		}
	}
	return nil
}
