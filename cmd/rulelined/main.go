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

// rulelined is the activation lifecycle manager daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ruleline/ruleline/internal/config"
	"github.com/ruleline/ruleline/internal/daemon"
	"github.com/ruleline/ruleline/internal/log"
)

// Version information (injected via ldflags at build time).
var (
	version = "dev"
	commit  = "unknown"
)

// flags holds CLI overrides applied on top of the config file.
type flags struct {
	configPath    string
	storeDriver   string
	postgresDSN   string
	workers       int
	metricsListen string
	watchConfig   bool
}

func registerFlags(fs *pflag.FlagSet, f *flags) {
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to config file (default: defaults + environment)")
	fs.StringVar(&f.storeDriver, "store", "", "Storage driver (memory, sqlite, postgres)")
	fs.StringVar(&f.postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	fs.IntVar(&f.workers, "workers", 0, "Lifecycle worker pool size")
	fs.StringVar(&f.metricsListen, "metrics-listen", "", "Metrics listen address (empty string keeps config value)")
	fs.BoolVar(&f.watchConfig, "watch-config", false, "Reload configuration on file change")
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:           "rulelined",
		Short:         "Activation lifecycle manager daemon",
		Long: `rulelined launches long-running automation workers on container
backends, tracks their lifecycle state, and relays their status and logs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&f)
		},
	}
	registerFlags(root.Flags(), &f)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rulelined %s (commit: %s)\n", version, commit)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(f *flags) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Rebuild the logger from the loaded config. RULELINE_DEBUG still
	// wins so operators can crank verbosity without editing files.
	if os.Getenv("RULELINE_DEBUG") == "" {
		logger = log.New(&log.Config{
			Level:  cfg.Log.Level,
			Format: log.Format(cfg.Log.Format),
			Output: os.Stderr,
		})
		slog.SetDefault(logger)
	}

	d, err := daemon.New(cfg, logger, daemon.Options{Version: version, Commit: commit})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if f.watchConfig && f.configPath != "" {
		go func() {
			err := config.Watch(ctx, f.configPath, logger, func(next *config.Config) {
				// Only logging responds to reloads; structural
				// changes need a restart.
				logger.Info("applying reloaded log settings",
					slog.String("level", next.Log.Level),
					slog.String("format", next.Log.Format))
				slog.SetDefault(log.New(&log.Config{
					Level:  next.Log.Level,
					Format: log.Format(next.Log.Format),
					Output: os.Stderr,
				}))
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("config watcher stopped", log.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer scancel()
			_ = d.Shutdown(sctx)
			return err
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	return d.Shutdown(sctx)
}

// applyFlags folds CLI overrides into the loaded configuration.
func applyFlags(cfg *config.Config, f *flags) {
	if f.storeDriver != "" {
		cfg.Store.Driver = f.storeDriver
	}
	if f.postgresDSN != "" {
		cfg.Store.DSN = f.postgresDSN
	}
	if f.workers > 0 {
		cfg.Manager.Workers = f.workers
	}
	if f.metricsListen != "" {
		cfg.Metrics.Listen = f.metricsListen
	}
}
