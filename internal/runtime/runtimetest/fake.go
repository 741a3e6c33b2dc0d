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

// Package runtimetest provides a scriptable in-memory engine for exercising
// lifecycle logic without a real backend.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ruleline/ruleline/internal/runtime"
)

// workload is a fake backend workload.
type workload struct {
	spec     runtime.Spec
	status   runtime.Status
	logs     []runtime.LogLine
	started  bool
}

// Fake is a scriptable runtime.Engine. Tests drive workload state through
// SetStatus and EmitLog, and inject failures per operation through FailNext.
type Fake struct {
	BackendName string

	mu        sync.Mutex
	workloads map[runtime.Handle]*workload
	nextID    int
	failures  map[string]error
	calls     []string
}

// NewFake creates an empty fake engine named "fake".
func NewFake() *Fake {
	return &Fake{
		BackendName: "fake",
		workloads:   make(map[runtime.Handle]*workload),
		failures:    make(map[string]error),
	}
}

// Name returns the configured backend name.
func (f *Fake) Name() string { return f.BackendName }

// FailNext makes the next call to op (create, start, stop, inspect, logs,
// remove) return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// Calls returns the operations invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// SetStatus overrides the status a handle reports.
func (f *Fake) SetStatus(h runtime.Handle, st runtime.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[h]; ok {
		w.status = st
	}
}

// EmitLog records a log line for a handle.
func (f *Fake) EmitLog(h runtime.Handle, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[h]; ok {
		w.logs = append(w.logs, runtime.LogLine{Timestamp: time.Now(), Text: text})
	}
}

// Running reports whether the handle exists and was started.
func (f *Fake) Running(h runtime.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workloads[h]
	return ok && w.started && w.status.State == runtime.StateRunning
}

func (f *Fake) takeFailure(op string) error {
	err, ok := f.failures[op]
	if ok {
		delete(f.failures, op)
	}
	f.calls = append(f.calls, op)
	return err
}

// Create registers a workload in the created state.
func (f *Fake) Create(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("create"); err != nil {
		return "", err
	}

	f.nextID++
	h := runtime.Handle(fmt.Sprintf("%s-%d", f.BackendName, f.nextID))
	f.workloads[h] = &workload{
		spec:   spec,
		status: runtime.Status{State: runtime.StateUnknown, Message: "created"},
	}
	return h, nil
}

// Start marks a workload running.
func (f *Fake) Start(ctx context.Context, h runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("start"); err != nil {
		return err
	}

	w, ok := f.workloads[h]
	if !ok {
		return fmt.Errorf("fake: unknown handle %s", h)
	}
	w.started = true
	w.status = runtime.Status{State: runtime.StateRunning}
	return nil
}

// Stop marks a workload exited with code 0. Idempotent.
func (f *Fake) Stop(ctx context.Context, h runtime.Handle, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("stop"); err != nil {
		return err
	}

	if w, ok := f.workloads[h]; ok && w.status.State == runtime.StateRunning {
		w.status = runtime.Status{State: runtime.StateExited, ExitCode: 0}
	}
	return nil
}

// Inspect reports the scripted status. Unknown handles yield StateUnknown.
func (f *Fake) Inspect(ctx context.Context, h runtime.Handle) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("inspect"); err != nil {
		return runtime.Status{}, err
	}

	w, ok := f.workloads[h]
	if !ok {
		return runtime.Status{State: runtime.StateUnknown, Message: "no such workload"}, nil
	}
	return w.status, nil
}

// StreamLogs replays recorded lines at or after since, then closes.
func (f *Fake) StreamLogs(ctx context.Context, h runtime.Handle, since time.Time) (<-chan runtime.LogLine, error) {
	f.mu.Lock()
	if err := f.takeFailure("logs"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	var lines []runtime.LogLine
	if w, ok := f.workloads[h]; ok {
		for _, l := range w.logs {
			if !l.Timestamp.Before(since) {
				lines = append(lines, l)
			}
		}
	}
	f.mu.Unlock()

	out := make(chan runtime.LogLine, len(lines))
	for _, l := range lines {
		out <- l
	}
	close(out)
	return out, nil
}

// Remove deletes a workload. Removing an unknown handle succeeds.
func (f *Fake) Remove(ctx context.Context, h runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("remove"); err != nil {
		return err
	}
	delete(f.workloads, h)
	return nil
}

var _ runtime.Engine = (*Fake)(nil)
