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

package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleline/ruleline/pkg/errors"
)

type nopEngine struct {
	Engine
	name string
}

func (e nopEngine) Name() string { return e.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(nopEngine{name: "local"})
	r.Register(nopEngine{name: "podman"})

	e, err := r.Get("local")
	require.NoError(t, err)
	assert.Equal(t, "local", e.Name())

	_, err = r.Get("nomad")
	assert.Error(t, err)

	assert.ElementsMatch(t, []string{"local", "podman"}, r.Names())
}

type inspectEngine struct {
	nopEngine
}

func (inspectEngine) Inspect(ctx context.Context, h Handle) (Status, error) {
	return Status{State: StateRunning}, nil
}

func TestInstrument(t *testing.T) {
	base := inspectEngine{nopEngine{name: "local"}}

	assert.Equal(t, Engine(base), Instrument(base, nil))

	type call struct {
		backend, operation string
	}
	var calls []call
	e := Instrument(base, func(backend, operation string, d time.Duration) {
		calls = append(calls, call{backend, operation})
	})

	st, err := e.Inspect(context.Background(), "h-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, []call{{"local", "inspect"}}, calls)
	assert.Equal(t, "local", e.Name())
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	cfg := RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	var calls int
	err := WithRetry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &errors.AdapterFailureError{
				Backend: "fake", Operation: "start",
				Message: "engine busy", Transient: true,
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_NonTransientAbortsImmediately(t *testing.T) {
	cfg := RetryConfig{Attempts: 3, BaseDelay: time.Millisecond}

	var calls int
	err := WithRetry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return &errors.AdapterFailureError{
			Backend: "fake", Operation: "create",
			Message: "image not found",
		}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_Exhaustion(t *testing.T) {
	cfg := RetryConfig{Attempts: 2, BaseDelay: time.Millisecond}

	var calls int
	err := WithRetry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return &errors.AdapterFailureError{
			Backend: "fake", Operation: "stop",
			Message: "timeout", Transient: true,
		}
	})
	assert.True(t, errors.IsAdapterFailure(err))
	assert.Equal(t, 2, calls)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{Attempts: 5, BaseDelay: time.Hour}
	err := WithRetry(ctx, cfg, func(ctx context.Context) error {
		return &errors.AdapterFailureError{
			Backend: "fake", Operation: "inspect",
			Message: "slow", Transient: true,
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
