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

package manager

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleline/ruleline/internal/machine"
	"github.com/ruleline/ruleline/internal/queue"
	"github.com/ruleline/ruleline/internal/relay"
	"github.com/ruleline/ruleline/internal/runtime"
	"github.com/ruleline/ruleline/internal/runtime/local"
	"github.com/ruleline/ruleline/internal/runtime/runtimetest"
	"github.com/ruleline/ruleline/internal/store"
	"github.com/ruleline/ruleline/internal/store/memory"
	"github.com/ruleline/ruleline/pkg/errors"
)

type fixture struct {
	manager *Manager
	store   store.Store
	queue   queue.Queue
	engine  *runtimetest.Fake
	cancel  context.CancelFunc
	done    chan error
}

func newFixture(t *testing.T, extra ...runtime.Engine) *fixture {
	t.Helper()

	st := memory.New()
	q := queue.NewMemoryQueue(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := runtimetest.NewFake()
	registry := runtime.NewRegistry()
	registry.Register(engine)
	for _, e := range extra {
		registry.Register(e)
	}

	r := relay.New(st, logger)
	mcfg := machine.DefaultConfig()
	mcfg.Retry = runtime.RetryConfig{Attempts: 1}
	mcfg.StopGrace = time.Second
	mach := machine.New(st, registry, r, mcfg, logger)

	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.PollInterval = 0 // tests drive polls explicitly

	f := &fixture{
		manager: New(st, q, mach, r, registry, nil, cfg, logger),
		store:   st,
		queue:   q,
		engine:  engine,
		done:    make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.manager.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-f.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("manager did not shut down")
		}
		q.Close()
		st.Close()
	})
	return f
}

func (f *fixture) createActivation(t *testing.T, id string, policy store.RestartPolicy) {
	t.Helper()
	act := &store.Activation{
		ID:            id,
		Name:          "worker-" + id,
		Backend:       "fake",
		Image:         "quay.io/test/worker:1",
		Status:        store.StatusStopped,
		RestartPolicy: policy,
	}
	require.NoError(t, f.store.CreateActivation(context.Background(), act))
}

func (f *fixture) waitStatus(t *testing.T, id string, want store.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		act, err := f.store.GetActivation(context.Background(), id)
		return err == nil && act.Status == want
	}, 5*time.Second, 10*time.Millisecond, "activation %s never reached %s", id, want)
}

func TestRequestStart_DrivesActivationToRunning(t *testing.T) {
	f := newFixture(t)
	f.createActivation(t, "act-1", store.RestartPolicy{Rule: store.RestartNever})

	require.NoError(t, f.manager.RequestStart(context.Background(), "act-1"))
	f.waitStatus(t, "act-1", store.StatusRunning)
}

func TestRequestStart_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createActivation(t, "act-1", store.RestartPolicy{Rule: store.RestartNever})

	require.NoError(t, f.manager.RequestStart(ctx, "act-1"))
	f.waitStatus(t, "act-1", store.StatusRunning)

	err := f.manager.RequestStart(ctx, "act-1")
	assert.True(t, errors.IsInvalidTransition(err))

	err = f.manager.RequestStart(ctx, "no-such")
	assert.True(t, errors.IsNotFound(err))
}

func TestRequestStart_ExhaustedRejectedWithTaxonomy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createActivation(t, "act-1", store.RestartPolicy{Rule: store.RestartNever})

	act, err := f.store.GetActivation(ctx, "act-1")
	require.NoError(t, err)
	act.Status = store.StatusExhausted
	act.RestartCount = 4
	require.NoError(t, f.store.UpdateActivation(ctx, act))

	err = f.manager.RequestStart(ctx, "act-1")
	var exhausted *errors.RetriesExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, exhausted.Attempts)
}

func TestConcurrentStartStorm_SingleInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createActivation(t, "act-1", store.RestartPolicy{Rule: store.RestartNever})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Later requests may be rejected synchronously once the
			// activation leaves stopped; both outcomes are fine.
			_ = f.manager.RequestStart(ctx, "act-1")
		}()
	}
	wg.Wait()

	f.waitStatus(t, "act-1", store.StatusRunning)
	require.Eventually(t, func() bool { return f.queue.Len() == 0 },
		5*time.Second, 10*time.Millisecond, "queue never drained")

	open, err := f.store.ListOpenInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1, "at most one non-terminal instance may exist")

	instances, err := f.store.ListInstances(ctx, "act-1")
	require.NoError(t, err)
	assert.Len(t, instances, 1, "duplicate starts must not allocate instances")
}

func TestRedelivery_SameTokenHasOneSideEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createActivation(t, "act-1", store.RestartPolicy{Rule: store.RestartNever})

	token := uuid.NewString()
	for i := 0; i < 2; i++ {
		require.NoError(t, f.queue.Enqueue(ctx, &queue.Command{
			ID:           uuid.NewString(),
			Kind:         queue.KindStart,
			ActivationID: "act-1",
			Token:        token,
			RequestedAt:  time.Now(),
		}))
	}

	f.waitStatus(t, "act-1", store.StatusRunning)
	require.Eventually(t, func() bool { return f.queue.Len() == 0 },
		5*time.Second, 10*time.Millisecond)

	var creates int
	for _, call := range f.engine.Calls() {
		if call == "create" {
			creates++
		}
	}
	assert.Equal(t, 1, creates, "duplicate token must not reach the backend")
}

func TestRestartPolicy_BackoffThenExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createActivation(t, "act-1", store.RestartPolicy{
		Rule:       store.RestartOnFailure,
		MaxRetries: 1,
		Backoff:    []time.Duration{200 * time.Millisecond},
	})

	// Every create attempt fails.
	fail := func() {
		f.engine.FailNext("create", &errors.AdapterFailureError{
			Backend: "fake", Operation: "create", Message: "boom",
		})
	}
	fail()

	require.NoError(t, f.manager.RequestStart(ctx, "act-1"))
	f.waitStatus(t, "act-1", store.StatusFailed)
	fail()

	// The backoff elapses and a second attempt is observed, which
	// exhausts the single-retry budget.
	f.waitStatus(t, "act-1", store.StatusExhausted)

	var creates int
	for _, call := range f.engine.Calls() {
		if call == "create" {
			creates++
		}
	}
	assert.Equal(t, 2, creates)

	act, err := f.store.GetActivation(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, 2, act.RestartCount)
}

func TestPollCommand_DrivesExitTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createActivation(t, "act-1", store.RestartPolicy{Rule: store.RestartNever})

	require.NoError(t, f.manager.RequestStart(ctx, "act-1"))
	f.waitStatus(t, "act-1", store.StatusRunning)

	act, err := f.store.GetActivation(ctx, "act-1")
	require.NoError(t, err)
	inst, err := f.store.GetInstance(ctx, act.CurrentInstanceID)
	require.NoError(t, err)
	f.engine.SetStatus(runtime.Handle(inst.Handle), runtime.Status{
		State: runtime.StateExited, ExitCode: 0,
	})

	require.NoError(t, f.queue.Enqueue(ctx, &queue.Command{
		ID:           uuid.NewString(),
		Kind:         queue.KindPoll,
		ActivationID: "act-1",
		Token:        uuid.NewString(),
		RequestedAt:  time.Now(),
	}))

	f.waitStatus(t, "act-1", store.StatusStopped)
}

func TestRequestDelete_RemovesActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createActivation(t, "act-1", store.RestartPolicy{Rule: store.RestartNever})

	require.NoError(t, f.manager.RequestStart(ctx, "act-1"))
	f.waitStatus(t, "act-1", store.StatusRunning)

	require.NoError(t, f.manager.RequestDelete(ctx, "act-1"))
	require.Eventually(t, func() bool {
		_, err := f.store.GetActivation(ctx, "act-1")
		return errors.IsNotFound(err)
	}, 5*time.Second, 10*time.Millisecond, "activation record should be gone")
}

func TestScenario_LocalBackendStartStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	localEngine := local.New(logger)
	f := newFixture(t, localEngine)
	ctx := context.Background()

	act := &store.Activation{
		ID:            "act-local",
		Name:          "sleeper",
		Backend:       "local",
		Image:         "/bin/sh",
		Command:       []string{"-c", "sleep 60"},
		Status:        store.StatusStopped,
		RestartPolicy: store.RestartPolicy{Rule: store.RestartNever},
	}
	require.NoError(t, f.store.CreateActivation(ctx, act))

	require.NoError(t, f.manager.RequestStart(ctx, "act-local"))
	f.waitStatus(t, "act-local", store.StatusRunning)

	got, err := f.store.GetActivation(ctx, "act-local")
	require.NoError(t, err)
	handle := func() runtime.Handle {
		inst, err := f.store.GetInstance(ctx, got.CurrentInstanceID)
		require.NoError(t, err)
		return runtime.Handle(inst.Handle)
	}()

	require.NoError(t, f.manager.RequestStop(ctx, "act-local"))
	f.waitStatus(t, "act-local", store.StatusStopped)

	st, err := localEngine.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateExited, st.State)
}

func TestReconcile_ClosesVanishedInstance(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { st.Close() })
	q := queue.NewMemoryQueue(time.Minute)
	t.Cleanup(func() { q.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := runtimetest.NewFake()
	registry := runtime.NewRegistry()
	registry.Register(engine)
	r := relay.New(st, logger)
	mach := machine.New(st, registry, r, machine.DefaultConfig(), logger)
	ctx := context.Background()

	// Persisted state says running, but the backend has no such workload
	// (simulates the workload dying while the daemon was down).
	act := &store.Activation{
		ID:            "act-1",
		Name:          "worker",
		Backend:       "fake",
		Status:        store.StatusRunning,
		RestartPolicy: store.RestartPolicy{Rule: store.RestartNever},
	}
	require.NoError(t, st.CreateActivation(ctx, act))
	inst := &store.Instance{
		ID:           "inst-1",
		ActivationID: "act-1",
		Seq:          1,
		Handle:       "gone",
		Backend:      "fake",
		Status:       store.InstanceRunning,
	}
	require.NoError(t, st.CreateInstance(ctx, inst))
	act.CurrentInstanceID = "inst-1"
	require.NoError(t, st.UpdateActivation(ctx, act))

	m := New(st, q, mach, r, registry, nil, DefaultConfig(), logger)
	require.NoError(t, m.reconcile(ctx))

	got, err := st.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.InstanceFailed, got.Status)

	gotAct, err := st.GetActivation(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, gotAct.Status)
}
