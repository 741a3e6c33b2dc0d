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

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleline/ruleline/pkg/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Manager.Workers)
	assert.Equal(t, 30*time.Second, cfg.Queue.Visibility)
	assert.Equal(t, 15*time.Second, cfg.Manager.PollInterval)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: memory
manager:
  workers: 8
  poll_interval: 5s
runtime:
  podman:
    socket_path: /run/podman/podman.sock
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Manager.Workers)
	assert.Equal(t, 5*time.Second, cfg.Manager.PollInterval)
	assert.Equal(t, "/run/podman/podman.sock", cfg.Runtime.Podman.SocketPath)
	// Untouched sections keep defaults.
	assert.Equal(t, 30*time.Second, cfg.Queue.Visibility)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RULELINE_STORE_DRIVER", "postgres")
	t.Setenv("RULELINE_POSTGRES_DSN", "postgres://ruleline@localhost/ruleline")
	t.Setenv("RULELINE_WORKERS", "2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://ruleline@localhost/ruleline", cfg.Store.DSN)
	assert.Equal(t, 2, cfg.Manager.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, true},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"zero workers", func(c *Config) { c.Manager.Workers = 0 }, true},
		{"cluster without token", func(c *Config) { c.Runtime.Cluster.BaseURL = "https://orch" }, true},
		{"negative poll interval", func(c *Config) { c.Manager.PollInterval = -time.Second }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_ReportsOffendingKey(t *testing.T) {
	cfg := Default()
	cfg.Manager.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)

	var cerr *errors.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "manager.workers", cerr.Key)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	var cerr *errors.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go func() {
		_ = Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\nmanager:\n  workers: 9\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Manager.Workers)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
