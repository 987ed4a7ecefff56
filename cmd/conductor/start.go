package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/conductor/internal/agents"
	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/lock"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/natsbus"
	"github.com/mattjoyce/conductor/internal/orchestrator"
	"github.com/mattjoyce/conductor/internal/storage"
)

// reapInterval is how often idle workers are checked against worker.idle_timeout.
const reapInterval = 30 * time.Second

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("conductor starting", "version", version, "config", source)

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)
	store := history.New(db)

	catalog, err := loadCatalog(cfg)
	if err != nil {
		logger.Error("failed to load agent catalog", "path", cfg.Agents.Path, "error", err)
		return 1
	}
	logger.Info("agent catalog loaded", "path", cfg.Agents.Path, "count", len(catalog.List()))

	hub := events.NewHub(256)
	orch, err := orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Agents:  catalog,
		Hub:     hub,
		History: store,
		Logger:  log.Get(),
	})
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		return 1
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logger.Warn("failed to stop every worker", "error", err)
		}
	}()

	errCh := make(chan error, 3)

	if cfg.Agents.Path != "" && cfg.Agents.Watch {
		go func() {
			if err := catalog.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("agent watcher: %w", err)
			}
		}()
	}

	if cfg.Worker.IdleTimeout > 0 {
		go orch.ReapIdle(ctx, reapInterval)
	}

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, orch, store, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.NATS != nil {
		closeNATS, err := startForwarder(ctx, cfg, hub, errCh)
		if err != nil {
			logger.Error("failed to start NATS forwarding", "error", err)
			return 1
		}
		defer closeNATS()
	}

	logger.Info("conductor running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		stop()
		return 1
	}

	logger.Info("conductor stopped")
	return 0
}

// startForwarder connects to NATS, starting an embedded server first when
// configured, and forwards hub events until ctx ends.
func startForwarder(ctx context.Context, cfg *config.Config, hub *events.Hub, errCh chan<- error) (func(), error) {
	logger := log.WithComponent("natsbus")

	var bus *natsbus.Bus
	url := cfg.NATS.URL
	if cfg.NATS.Embed {
		b, err := natsbus.NewBus(cfg.NATS.Port)
		if err != nil {
			return nil, err
		}
		bus = b
		url = bus.ClientURL()
		logger.Info("embedded NATS server started", "url", url)
	}

	client, err := natsbus.NewClient(url, cfg.Service.Name)
	if err != nil {
		if bus != nil {
			bus.Close()
		}
		return nil, err
	}

	fwd := natsbus.NewForwarder(client, hub, cfg.NATS.SubjectPrefix, logger)
	go func() {
		if err := fwd.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("nats forwarder: %w", err)
		}
	}()
	logger.Info("forwarding events to NATS", "url", url, "prefix", cfg.NATS.SubjectPrefix)

	return func() {
		client.Close()
		if bus != nil {
			bus.Close()
		}
	}, nil
}

func loadCatalog(cfg *config.Config) (*agents.Catalog, error) {
	if cfg.Agents.Path == "" {
		return agents.Empty(), nil
	}
	return agents.Load(cfg.Agents.Path, log.WithComponent("agents"))
}
