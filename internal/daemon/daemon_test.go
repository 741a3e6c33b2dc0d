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

package daemon

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleline/ruleline/internal/config"
	"github.com/ruleline/ruleline/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Metrics.Listen = ""
	cfg.Manager.PollInterval = 0
	return cfg
}

func TestDaemon_StartShutdown(t *testing.T) {
	d, err := New(testConfig(t), testLogger(), Options{Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// Let the manager finish its startup reconciliation pass.
	time.Sleep(50 * time.Millisecond)

	err = d.Manager().RequestStart(ctx, "no-such")
	assert.True(t, errors.IsNotFound(err))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDaemon_SQLiteDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "data", "ruleline.db")

	d, err := New(cfg, testLogger(), Options{Version: "test"})
	require.NoError(t, err)
	require.NoError(t, d.Shutdown(context.Background()))

	assert.FileExists(t, cfg.Store.Path)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "redis"

	_, _, err := openStore(cfg)
	assert.Error(t, err)
}
