// Copyright 2025 The Ruleline Authors
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

// Package daemon assembles the lifecycle manager from its components and
// runs it as a long-lived process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ruleline/ruleline/internal/config"
	"github.com/ruleline/ruleline/internal/log"
	"github.com/ruleline/ruleline/internal/machine"
	"github.com/ruleline/ruleline/internal/manager"
	"github.com/ruleline/ruleline/internal/metrics"
	"github.com/ruleline/ruleline/internal/queue"
	"github.com/ruleline/ruleline/internal/relay"
	"github.com/ruleline/ruleline/internal/runtime"
	"github.com/ruleline/ruleline/internal/runtime/cluster"
	"github.com/ruleline/ruleline/internal/runtime/local"
	"github.com/ruleline/ruleline/internal/runtime/podman"
	"github.com/ruleline/ruleline/internal/store"
	"github.com/ruleline/ruleline/internal/store/memory"
	"github.com/ruleline/ruleline/internal/store/postgres"
	"github.com/ruleline/ruleline/internal/store/sqlite"
	"github.com/ruleline/ruleline/internal/tracing"
	"github.com/ruleline/ruleline/pkg/errors"
)

// Options carries build information into the daemon.
type Options struct {
	Version string
	Commit  string
}

// Daemon is the assembled lifecycle manager process.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	opts    Options
	store   store.Store
	queue   queue.Queue
	manager *manager.Manager
	metrics *metrics.Metrics
	tracer  *tracing.Provider
	httpSrv *http.Server
}

// New assembles a daemon from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Daemon, error) {
	st, q, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	met := metrics.New(q.Len)

	registry := runtime.NewRegistry()
	registry.Register(runtime.Instrument(local.New(logger), met.ObserveAdapterCall))
	if cfg.Runtime.Podman.SocketPath != "" {
		registry.Register(runtime.Instrument(podman.New(podman.Config{
			SocketPath: cfg.Runtime.Podman.SocketPath,
			MemLimit:   cfg.Runtime.Podman.MemLimit,
		}, logger), met.ObserveAdapterCall))
	}
	if cfg.Runtime.Cluster.BaseURL != "" {
		registry.Register(runtime.Instrument(cluster.New(cluster.Config{
			BaseURL:            cfg.Runtime.Cluster.BaseURL,
			Token:              cfg.Runtime.Cluster.Token,
			InsecureSkipVerify: cfg.Runtime.Cluster.InsecureSkipVerify,
		}, logger), met.ObserveAdapterCall))
	}

	tracer, err := tracing.New("rulelined", opts.Version, cfg.Metrics.Tracing, met.Registry())
	if err != nil {
		st.Close()
		return nil, err
	}
	r := relay.New(st, logger)

	mcfg := machine.DefaultConfig()
	if cfg.Manager.StopGrace > 0 {
		mcfg.StopGrace = cfg.Manager.StopGrace
	}
	mach := machine.New(st, registry, r, mcfg, logger)

	mgr := manager.New(st, q, mach, r, registry, met, manager.Config{
		Workers:      cfg.Manager.Workers,
		PollInterval: cfg.Manager.PollInterval,
		PollBurst:    manager.DefaultConfig().PollBurst,
	}, logger)

	return &Daemon{
		cfg:     cfg,
		logger:  log.WithComponent(logger, "daemon"),
		opts:    opts,
		store:   st,
		queue:   q,
		manager: mgr,
		metrics: met,
		tracer:  tracer,
	}, nil
}

// openStore opens the configured store and a queue that shares its
// durability. The sqlite queue lives in the store's database file; the
// memory and postgres drivers pair with the in-memory queue.
func openStore(cfg *config.Config) (store.Store, queue.Queue, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.New(), queue.NewMemoryQueue(cfg.Queue.Visibility), nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		st, err := sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
		if err != nil {
			return nil, nil, err
		}
		q, err := queue.NewSQLiteQueue(st.DB(), queue.SQLiteConfig{
			Visibility: cfg.Queue.Visibility,
		})
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, q, nil

	case "postgres":
		st, err := postgres.New(postgres.Config{ConnectionString: cfg.Store.DSN})
		if err != nil {
			return nil, nil, err
		}
		return st, queue.NewMemoryQueue(cfg.Queue.Visibility), nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

// Manager exposes the lifecycle request API.
func (d *Daemon) Manager() *manager.Manager {
	return d.manager
}

// Start runs the daemon until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting lifecycle manager",
		slog.String("version", d.opts.Version),
		slog.String("store", d.cfg.Store.Driver),
		slog.Int("workers", d.cfg.Manager.Workers))

	if d.cfg.Metrics.Listen != "" {
		d.httpSrv = &http.Server{
			Addr:              d.cfg.Metrics.Listen,
			Handler:           d.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics listener failed", log.Error(err))
			}
		}()
		d.logger.Info("metrics listening", slog.String("addr", d.cfg.Metrics.Listen))
	}

	return d.manager.Run(ctx)
}

// routes builds the observability mux.
func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Shutdown releases daemon resources after Start returns.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.httpSrv != nil {
		keep(d.httpSrv.Shutdown(ctx))
	}
	keep(d.queue.Close())
	keep(d.store.Close())
	keep(d.tracer.Shutdown(ctx))

	d.logger.Info("shutdown complete")
	return firstErr
}
