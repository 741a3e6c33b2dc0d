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

package podman

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleline/ruleline/internal/runtime"
)

// newTestEngine serves mux on a unix socket and returns an engine dialing it.
func newTestEngine(t *testing.T, mux *http.ServeMux) *Engine {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "podman.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return New(Config{SocketPath: sock}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEngine_CreateAndStart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v4.0.0/libpod/containers/create", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"Id":"abc123"}`))
	})
	var started bool
	mux.HandleFunc("POST /v4.0.0/libpod/containers/abc123/start", func(w http.ResponseWriter, r *http.Request) {
		started = true
		w.WriteHeader(http.StatusNoContent)
	})

	e := newTestEngine(t, mux)
	ctx := context.Background()

	h, err := e.Create(ctx, runtime.Spec{Name: "worker", Image: "quay.io/test/worker:1"})
	require.NoError(t, err)
	assert.Equal(t, runtime.Handle("abc123"), h)

	require.NoError(t, e.Start(ctx, h))
	assert.True(t, started)
}

func TestEngine_CreatePullsMissingImage(t *testing.T) {
	mux := http.NewServeMux()
	var pulled bool
	mux.HandleFunc("POST /v4.0.0/libpod/containers/create", func(w http.ResponseWriter, r *http.Request) {
		if !pulled {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"cause":"no such image"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"Id":"abc123"}`))
	})
	mux.HandleFunc("POST /v4.0.0/libpod/images/pull", func(w http.ResponseWriter, r *http.Request) {
		pulled = true
		w.Write([]byte(`{"stream":"pulling"}`))
	})

	e := newTestEngine(t, mux)

	h, err := e.Create(context.Background(), runtime.Spec{Name: "worker", Image: "quay.io/test/worker:1"})
	require.NoError(t, err)
	assert.Equal(t, runtime.Handle("abc123"), h)
	assert.True(t, pulled)
}

func TestEngine_InspectStateMapping(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		code     int
		expected runtime.State
		exitCode int
	}{
		{"running", `{"State":{"Status":"running"}}`, 200, runtime.StateRunning, 0},
		{"exited", `{"State":{"Status":"exited","ExitCode":2}}`, 200, runtime.StateExited, 2},
		{"stopped", `{"State":{"Status":"stopped","ExitCode":0}}`, 200, runtime.StateExited, 0},
		{"created", `{"State":{"Status":"created"}}`, 200, runtime.StateUnknown, 0},
		{"missing", `{"cause":"no such container"}`, 404, runtime.StateUnknown, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /v4.0.0/libpod/containers/c1/json", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				w.Write([]byte(tc.body))
			})

			e := newTestEngine(t, mux)
			st, err := e.Inspect(context.Background(), "c1")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, st.State)
			assert.Equal(t, tc.exitCode, st.ExitCode)
		})
	}
}

func TestEngine_StopIdempotent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v4.0.0/libpod/containers/gone/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /v4.0.0/libpod/containers/stopped/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})

	e := newTestEngine(t, mux)
	assert.NoError(t, e.Stop(context.Background(), "gone", 5*time.Second))
	assert.NoError(t, e.Stop(context.Background(), "stopped", 5*time.Second))
}

func TestEngine_RemoveMissingSucceeds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v4.0.0/libpod/containers/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	e := newTestEngine(t, mux)
	assert.NoError(t, e.Remove(context.Background(), "gone"))
}

func TestMemLimitBytes(t *testing.T) {
	assert.Equal(t, int64(512<<20), memLimitBytes("512m", 0))
	assert.Equal(t, int64(2<<30), memLimitBytes("2g", 0))
	assert.Equal(t, int64(1024), memLimitBytes("1k", 0))
	assert.Equal(t, int64(100), memLimitBytes("100", 0))
	assert.Equal(t, int64(42), memLimitBytes("", 42))
	assert.Equal(t, int64(42), memLimitBytes("bogus", 42))
}
