// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command conductord is the automation orchestrator daemon: it wires the
// Job Store, Task Queue, Pub/Sub bus, Vault, Executor Plugins, Worker
// Runtime, and Workflow Engine together and runs the worker pool until
// signalled to shut down. The HTTP API that fronts this process (job
// CRUD, SSE log streaming, workflow/vault CRUD) is out of this core's
// scope; this binary only hosts the execution subsystem and a Prometheus
// metrics listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/automation/internal/config"
	"github.com/tombee/automation/internal/devices"
	"github.com/tombee/automation/internal/executor"
	"github.com/tombee/automation/internal/jobstore"
	"github.com/tombee/automation/internal/log"
	"github.com/tombee/automation/internal/pubsub"
	"github.com/tombee/automation/internal/queue"
	"github.com/tombee/automation/internal/tracing"
	"github.com/tombee/automation/internal/vault"
	"github.com/tombee/automation/internal/worker"
	"github.com/tombee/automation/internal/workflow"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config YAML (default: XDG config dir)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conductord exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tracerProvider, err := tracing.NewProvider(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("start tracing provider: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down tracing provider", slog.Any("error", err))
		}
	}()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer closeStore()

	q, closeQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}
	defer closeQueue()

	bus, closeBus, err := openBus(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open pub/sub bus: %w", err)
	}
	defer closeBus()

	deviceLookup, closeDevices, err := openDevices(cfg)
	if err != nil {
		return fmt.Errorf("open device directory: %w", err)
	}
	defer closeDevices()

	cipher, err := vault.Load(vault.KeySource(cfg.Vault.KeySource), cfg.Vault.KeyFile, cfg.Vault.KeychainService)
	if err != nil {
		return fmt.Errorf("load vault cipher: %w", err)
	}

	registry, err := buildRegistry(cfg, q)
	if err != nil {
		return fmt.Errorf("build executor registry: %w", err)
	}

	w := worker.New(workerConfig(cfg), store, q, bus, registry, logger)
	engine := workflow.New(store, store, registry, deviceLookup, cipher, logger)
	w.SetOnJobComplete(engine.OnJobComplete)

	configWatcher, err := config.Watch(cfg, func(newCfg *config.Config) {
		logger.Info("config file changed; backend, queue, vault and worker slot "+
			"settings require a restart to take effect",
			slog.String("store_backend", newCfg.Store.Backend),
			slog.String("queue_backend", newCfg.Queue.Backend),
			slog.Int("worker_slots", newCfg.Worker.Slots),
		)
	}, logger)
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	if configWatcher != nil {
		configWatcher.Start(ctx)
		defer func() {
			if err := configWatcher.Stop(); err != nil {
				logger.Warn("error stopping config watcher", slog.Any("error", err))
			}
		}()
	}

	metricsSrv := startMetricsServer(cfg.Metrics.Addr, logger)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("conductord started",
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.Int("worker_slots", cfg.Worker.Slots),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Bool("tracing_enabled", cfg.Tracing.Enabled),
	)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker stopped: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout+5*time.Second)
	defer shutdownCancel()
	if err := w.Stop(shutdownCtx); err != nil {
		logger.Error("error during worker shutdown", slog.Any("error", err))
	}
	return nil
}

// openStore constructs the Job Store backend selected by cfg.Store.Backend.
// Both backends satisfy jobstore.Backend, which in turn satisfies
// workflow.Store and jobstore.VaultStore, so the same value is handed to
// the worker (as jobstore.JobStore) and the engine (as both Store and
// VaultStore) without adapters.
func openStore(cfg *config.Config) (jobstore.Backend, func(), error) {
	switch cfg.Store.Backend {
	case "sqlite":
		backend, err := jobstore.NewSQLiteBackend(jobstore.SQLiteConfig{Path: cfg.Store.DSN, WAL: true})
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = backend.Close() }, nil
	case "memory":
		backend := jobstore.NewMemoryBackend()
		return backend, func() { _ = backend.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, func(), error) {
	switch cfg.Queue.Backend {
	case "redis":
		q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
			Addr:      cfg.Queue.Addr,
			Namespace: cfg.Queue.Namespace,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	case "memory":
		q := queue.NewMemoryQueue()
		return q, func() { _ = q.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

// openBus shares the Task Queue's Redis connection parameters for the
// Pub/Sub bus: a homelab-scale deployment runs one Redis instance for
// both broker and fan-out duties, and spec.md never requires them to be
// separate services.
func openBus(ctx context.Context, cfg *config.Config) (pubsub.Bus, func(), error) {
	if cfg.Queue.Backend == "redis" {
		bus, err := pubsub.NewRedisBus(ctx, pubsub.RedisBusConfig{Addr: cfg.Queue.Addr})
		if err != nil {
			return nil, nil, err
		}
		return bus, func() { _ = bus.Close() }, nil
	}
	bus := pubsub.NewMemoryBus()
	return bus, func() { _ = bus.Close() }, nil
}

func openDevices(cfg *config.Config) (workflow.DeviceLookup, func(), error) {
	switch cfg.Devices.Backend {
	case "sqlite":
		dir, err := devices.Open(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return dir, func() { _ = dir.Close() }, nil
	case "memory":
		dir, err := devices.LoadMemoryDirectory(cfg.Devices.File)
		if err != nil {
			return nil, nil, err
		}
		return dir, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported devices backend %q", cfg.Devices.Backend)
	}
}

func buildRegistry(cfg *config.Config, q queue.Queue) (*executor.Registry, error) {
	plugins := make([]executor.Plugin, 0, len(cfg.Executors))
	for _, ec := range cfg.Executors {
		switch ec.Type {
		case "ansible":
			plugins = append(plugins, executor.NewAnsiblePlugin(ec.ActionsDir, q))
		case "shell":
			plugins = append(plugins, executor.NewShellPlugin(ec.ActionsDir, q))
		default:
			return nil, fmt.Errorf("unsupported executor type %q", ec.Type)
		}
	}
	return executor.NewRegistry(plugins...), nil
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Slots:             cfg.Worker.Slots,
		SubprocessTimeout: cfg.Worker.SubprocessTimeout,
		DrainTimeout:      cfg.Worker.DrainTimeout,
		CancelPollLines:   cfg.Worker.CancelPollLines,
		SSHUser:           cfg.Worker.SSHUser,
		SSHHostKeyPolicy:  cfg.Worker.SSHHostKeyPolicy,
		SSHIdentityFile:   cfg.Worker.SSHIdentityFile,
	}
}

// startMetricsServer exposes the counters/gauges registered in
// internal/metrics on a bare promhttp.Handler, the same exposition
// pattern the teacher's OpenTelemetry Prometheus exporter uses.
func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}
