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

// Package runtime defines the uniform interface over heterogeneous
// container execution backends.
//
// Backend contract, honored by every implementation:
//   - Stop is idempotent: stopping an already-stopped handle succeeds.
//   - Inspect on an unknown handle returns StateUnknown, not an error.
//   - StreamLogs is restartable from a point in time; reconnecting after a
//     transient loss resumes without losing lines, at the cost of a small
//     overlap window around the resume point.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Handle is a backend-scoped workload identifier (process ID, container ID,
// pod name). Opaque to callers; only the issuing backend can interpret it.
type Handle string

// State is the observed runtime state of a workload.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	// StateUnknown covers handles the backend has no record of, and
	// workloads in states the backend cannot classify.
	StateUnknown State = "unknown"
)

// Status is the result of inspecting a handle.
type Status struct {
	State State

	// ExitCode is meaningful only when State is StateExited.
	ExitCode int

	// Message carries backend detail (e.g. the engine's error string).
	Message string
}

// LogLine is one line of workload output.
type LogLine struct {
	Timestamp time.Time
	Text      string
}

// Spec describes a workload to launch.
type Spec struct {
	// Name is a human-readable workload name, unique per instance.
	Name string

	// Image is the container image reference, or the executable path for
	// process backends.
	Image string

	// Command and Env parameterize the worker.
	Command []string
	Env     map[string]string

	// Secret is opaque material injected into the worker's environment at
	// launch. Backends must never log it.
	Secret string

	// MemLimit is a backend-interpreted memory limit (e.g. "512m").
	MemLimit string
}

// Engine is the capability set implemented by each backend variant.
// Every call honors the context deadline; exceeding it surfaces as an
// adapter failure, never a hung caller.
type Engine interface {
	// Name returns the backend identifier used in activation records.
	Name() string

	// Create prepares a workload from the spec and returns its handle.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Start launches a created workload.
	Start(ctx context.Context, h Handle) error

	// Stop halts a workload, waiting up to grace before force-killing.
	// Stopping an already-stopped handle succeeds.
	Stop(ctx context.Context, h Handle, grace time.Duration) error

	// Inspect reports the workload's observed state. Unknown handles
	// yield StateUnknown with a nil error.
	Inspect(ctx context.Context, h Handle) (Status, error)

	// StreamLogs returns workload output lines at or after since.
	// The channel follows live output and closes when the workload
	// exits, the stream fails, or ctx is cancelled.
	StreamLogs(ctx context.Context, h Handle, since time.Time) (<-chan LogLine, error)

	// Remove tears down a workload and releases its resources.
	// Removing an unknown handle succeeds.
	Remove(ctx context.Context, h Handle) error
}

// Registry resolves backend names to engines. Backend selection is a
// property of each activation, so heterogeneous backends coexist.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine under its name. Later registrations replace
// earlier ones.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown runtime backend: %s", name)
	}
	return e, nil
}

// Names returns the registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}
