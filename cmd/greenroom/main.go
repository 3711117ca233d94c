package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/odvcencio/greenroom/pkg/bus"
	"github.com/odvcencio/greenroom/pkg/config"
	"github.com/odvcencio/greenroom/pkg/harness"
	"github.com/odvcencio/greenroom/pkg/ipc"
	"github.com/odvcencio/greenroom/pkg/logging"
	"github.com/odvcencio/greenroom/pkg/storage"
	"github.com/odvcencio/greenroom/pkg/syncengine"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath  string
	showVersion bool
	observeBind string
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to config file (default ~/.greenroom/config.yaml)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&observeBind, "observe", "", "enable the observe server on this address")
	flag.Parse()

	if showVersion {
		fmt.Printf("greenroom %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "greenroom: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if observeBind != "" {
		cfg.Observe.Enabled = true
		cfg.Observe.Bind = observeBind
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("open logs: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	store, err := storage.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	messageBus, err := buildBus(cfg)
	if err != nil {
		return err
	}
	defer messageBus.Close()

	engine := syncengine.New(syncengine.Options{
		Store:          store,
		Bus:            messageBus,
		Registry:       buildRegistry(cfg),
		RequestTimeout: cfg.RPC.Timeout,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Stop()

	var observe *ipc.Server
	if cfg.Observe.Enabled {
		observe = ipc.NewServer(ipc.Config{BindAddress: cfg.Observe.Bind}, store, messageBus, logger)
		if err := observe.Start(ctx); err != nil {
			return fmt.Errorf("start observe server: %w", err)
		}
		fmt.Printf("observe server listening on %s\n", observe.Addr())
	}

	fmt.Printf("greenroom %s ready (store %s, bus %s)\n", version, cfg.Store.Path, cfg.Bus.Mode)

	<-ctx.Done()

	if observe != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := observe.Shutdown(shutdownCtx); err != nil {
			logger.Error(logging.CategoryIPC, "shutdown", err.Error(), nil)
		}
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func buildBus(cfg *config.Config) (bus.MessageBus, error) {
	if cfg.Bus.Mode == "nats" {
		return bus.NewNATSBus(bus.Config{
			URL:     cfg.Bus.URL,
			Name:    cfg.Bus.Name,
			Timeout: cfg.RPC.Timeout,
		})
	}
	return bus.NewMemoryBus(), nil
}

func buildRegistry(cfg *config.Config) *harness.Registry {
	registry := harness.NewRegistry(harness.NewOpencode())
	for kind, binary := range cfg.Harness.Binaries {
		registry.Register(harness.NewCommand(kind, binary))
	}
	return registry
}
