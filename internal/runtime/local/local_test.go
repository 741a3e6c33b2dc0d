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

package local

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rt "github.com/ruleline/ruleline/internal/runtime"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("local backend requires a unix shell")
	}
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEngine_RunToCompletion(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	h, err := e.Create(ctx, rt.Spec{
		Name:    "echo-worker",
		Image:   "/bin/sh",
		Command: []string{"-c", "echo hello; echo world"},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, h))

	waitExited(t, e, h, 5*time.Second)

	st, err := e.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, rt.StateExited, st.State)
	assert.Equal(t, 0, st.ExitCode)

	lines := collectLogs(t, e, h, time.Time{})
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0].Text)
	assert.Equal(t, "world", lines[1].Text)
}

func TestEngine_NonZeroExit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	h, err := e.Create(ctx, rt.Spec{
		Name:    "failing-worker",
		Image:   "/bin/sh",
		Command: []string{"-c", "exit 3"},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, h))

	waitExited(t, e, h, 5*time.Second)

	st, err := e.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, rt.StateExited, st.State)
	assert.Equal(t, 3, st.ExitCode)
}

func TestEngine_StopTerminatesGracefully(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	h, err := e.Create(ctx, rt.Spec{
		Name:    "sleeper",
		Image:   "/bin/sh",
		Command: []string{"-c", "sleep 60"},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, h))

	st, err := e.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, rt.StateRunning, st.State)

	require.NoError(t, e.Stop(ctx, h, 2*time.Second))

	st, err = e.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, rt.StateExited, st.State)

	// Second stop is a no-op.
	require.NoError(t, e.Stop(ctx, h, time.Second))
}

func TestEngine_StopSignalsForkedChildren(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	// The shell forks a child that inherits the output pipes. Stop must
	// take down the whole process group, or the orphan keeps the pipes
	// open and exit collection blocks for the child's full lifetime.
	h, err := e.Create(ctx, rt.Spec{
		Name:    "forker",
		Image:   "/bin/sh",
		Command: []string{"-c", "sleep 60 & echo up; wait"},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, h))

	began := time.Now()
	require.NoError(t, e.Stop(ctx, h, 2*time.Second))
	assert.Less(t, time.Since(began), 10*time.Second)

	st, err := e.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, rt.StateExited, st.State)
}

func TestEngine_StopEscalatesToKill(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	h, err := e.Create(ctx, rt.Spec{
		Name:    "stubborn",
		Image:   "/bin/sh",
		Command: []string{"-c", "trap '' TERM; sleep 60"},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, h))

	began := time.Now()
	require.NoError(t, e.Stop(ctx, h, 200*time.Millisecond))
	assert.Less(t, time.Since(began), 10*time.Second)

	st, err := e.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, rt.StateExited, st.State)
}

func TestEngine_InspectUnknownHandle(t *testing.T) {
	e := newEngine(t)

	st, err := e.Inspect(context.Background(), "no-such-handle")
	require.NoError(t, err)
	assert.Equal(t, rt.StateUnknown, st.State)
}

func TestEngine_StopUnknownHandleSucceeds(t *testing.T) {
	e := newEngine(t)
	assert.NoError(t, e.Stop(context.Background(), "no-such-handle", time.Second))
	assert.NoError(t, e.Remove(context.Background(), "no-such-handle"))
}

func TestEngine_RemoveForgetsProcess(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	h, err := e.Create(ctx, rt.Spec{
		Name:    "sleeper",
		Image:   "/bin/sh",
		Command: []string{"-c", "sleep 60"},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, h))
	require.NoError(t, e.Remove(ctx, h))

	st, err := e.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, rt.StateUnknown, st.State)
}

func TestEngine_StreamLogsSince(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	h, err := e.Create(ctx, rt.Spec{
		Name:    "ticker",
		Image:   "/bin/sh",
		Command: []string{"-c", "echo first; sleep 0.3; echo second"},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, h))

	waitExited(t, e, h, 5*time.Second)

	all := collectLogs(t, e, h, time.Time{})
	require.Len(t, all, 2)

	// Resuming after the first line replays only the second.
	later := collectLogs(t, e, h, all[0].Timestamp.Add(time.Millisecond))
	require.Len(t, later, 1)
	assert.Equal(t, "second", later[0].Text)
}

func waitExited(t *testing.T, e *Engine, h rt.Handle, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := e.Inspect(context.Background(), h)
		require.NoError(t, err)
		if st.State == rt.StateExited {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("process did not exit in time")
}

func collectLogs(t *testing.T, e *Engine, h rt.Handle, since time.Time) []rt.LogLine {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := e.StreamLogs(ctx, h, since)
	require.NoError(t, err)

	var lines []rt.LogLine
	for line := range ch {
		lines = append(lines, line)
	}
	return lines
}
