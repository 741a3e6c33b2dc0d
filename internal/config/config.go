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

// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruleline/ruleline/pkg/errors"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	// Store configures the persistence backend.
	Store StoreConfig `yaml:"store"`

	// Queue configures the lifecycle command queue.
	Queue QueueConfig `yaml:"queue"`

	// Manager configures the worker pool and scheduler.
	Manager ManagerConfig `yaml:"manager"`

	// Runtime configures the execution backends.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Metrics configures the observability listener.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Driver selects the store: memory, sqlite, postgres.
	// Default: sqlite
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	// Default: ~/.ruleline/ruleline.db
	Path string `yaml:"path,omitempty"`

	// DSN is the PostgreSQL connection string (driver: postgres).
	// Environment: RULELINE_POSTGRES_DSN
	DSN string `yaml:"dsn,omitempty"`
}

// QueueConfig configures the lifecycle command queue.
type QueueConfig struct {
	// Visibility is the lease duration before a dequeued command is
	// redelivered to another worker.
	// Default: 30s
	Visibility time.Duration `yaml:"visibility,omitempty"`
}

// ManagerConfig configures the worker pool and scheduler.
type ManagerConfig struct {
	// Workers is the size of the pool draining the command queue.
	// Default: 4
	Workers int `yaml:"workers,omitempty"`

	// PollInterval is how often running activations are health-polled.
	// Zero disables polling.
	// Default: 15s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// StopGrace is how long a worker gets between the stop signal and
	// forced termination.
	// Default: 10s
	StopGrace time.Duration `yaml:"stop_grace,omitempty"`
}

// RuntimeConfig configures the execution backends. The local backend is
// always available; the others register only when configured.
type RuntimeConfig struct {
	// Podman configures the container engine backend.
	Podman PodmanConfig `yaml:"podman,omitempty"`

	// Cluster configures the remote orchestrator backend.
	Cluster ClusterConfig `yaml:"cluster,omitempty"`
}

// PodmanConfig configures the Podman backend.
type PodmanConfig struct {
	// SocketPath is the Podman API unix socket. Empty disables the
	// backend.
	// Environment: RULELINE_PODMAN_SOCKET
	SocketPath string `yaml:"socket_path,omitempty"`

	// MemLimit is the default per-worker memory limit in bytes.
	// Zero means unlimited.
	MemLimit int64 `yaml:"mem_limit,omitempty"`
}

// ClusterConfig configures the cluster orchestrator backend.
type ClusterConfig struct {
	// BaseURL is the orchestrator API root. Empty disables the backend.
	BaseURL string `yaml:"base_url,omitempty"`

	// Token is the bearer token for the orchestrator API.
	// Environment: RULELINE_CLUSTER_TOKEN
	Token string `yaml:"token,omitempty"`

	// InsecureSkipVerify disables TLS verification. Lab setups only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
}

// MetricsConfig configures the observability listener.
type MetricsConfig struct {
	// Listen is the address of the metrics endpoint. Empty disables it.
	// Default: 127.0.0.1:9155
	Listen string `yaml:"listen,omitempty"`

	// Tracing enables trace export to stdout.
	Tracing bool `yaml:"tracing,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	Format string `yaml:"format,omitempty"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(home, ".ruleline", "ruleline.db"),
		},
		Queue: QueueConfig{
			Visibility: 30 * time.Second,
		},
		Manager: ManagerConfig{
			Workers:      4,
			PollInterval: 15 * time.Second,
			StopGrace:    10 * time.Second,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9155",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path, layered over defaults and finished
// with environment overrides. An empty path yields defaults plus
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Reason: "failed to read " + path, Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Reason: "failed to parse " + path, Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv folds environment overrides into cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RULELINE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RULELINE_POSTGRES_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("RULELINE_PODMAN_SOCKET"); v != "" {
		cfg.Runtime.Podman.SocketPath = v
	}
	if v := os.Getenv("RULELINE_CLUSTER_TOKEN"); v != "" {
		cfg.Runtime.Cluster.Token = v
	}
	if v := os.Getenv("RULELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Manager.Workers = n
		}
	}
	if v := os.Getenv("RULELINE_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

// invalid builds a ConfigError for a failed validation check. The error
// matches ErrInvalidConfig under errors.Is.
func invalid(key, reason string) error {
	return &errors.ConfigError{Key: key, Reason: reason, Cause: ErrInvalidConfig}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return invalid("store.driver", fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return invalid("store.path", "sqlite store requires a path")
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return invalid("store.dsn", "postgres store requires a dsn")
	}
	if c.Manager.Workers < 1 {
		return invalid("manager.workers", "must be at least 1")
	}
	if c.Queue.Visibility < 0 {
		return invalid("queue.visibility", "must not be negative")
	}
	if c.Manager.PollInterval < 0 {
		return invalid("manager.poll_interval", "must not be negative")
	}
	if c.Runtime.Cluster.BaseURL != "" && c.Runtime.Cluster.Token == "" {
		return invalid("runtime.cluster.token", "cluster backend requires a token")
	}
	return nil
}
