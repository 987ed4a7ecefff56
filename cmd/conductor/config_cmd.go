package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mattjoyce/conductor/internal/config"
)

const defaultConfigFile = "config.yaml"

// loadConfig resolves the config path from the flag, CONDUCTOR_CONFIG or
// ./config.yaml, in that order. With none present the defaults are used and
// source is "defaults".
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = os.Getenv("CONDUCTOR_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
	}
	if path == "" {
		return config.Defaults(), "defaults", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	if source == "defaults" {
		fmt.Println("No config file found; built-in defaults are valid.")
		return 0
	}

	file := source
	if info, err := os.Stat(file); err == nil && info.IsDir() {
		file = filepath.Join(file, defaultConfigFile)
	}
	sum, err := config.ComputeBlake3Hash(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash config: %v\n", err)
		return 1
	}

	fmt.Printf("Configuration valid: %s\n", file)
	fmt.Printf("blake3: %s\n", sum)
	fmt.Printf("worker: %s (busy_policy=%s, rpc_timeout=%s)\n", cfg.Worker.Command, cfg.Worker.BusyPolicy, cfg.Worker.RPCTimeout)
	fmt.Printf("ephemeral: %s (max_concurrency=%d)\n", cfg.Ephemeral.Command, cfg.Ephemeral.MaxConcurrency)
	if cfg.Agents.Path != "" {
		catalog, err := loadCatalog(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Agent catalog invalid: %v\n", err)
			return 1
		}
		fmt.Printf("agents: %d from %s\n", len(catalog.List()), cfg.Agents.Path)
	}
	return 0
}
