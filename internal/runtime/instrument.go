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
	"time"
)

// ObserveFunc records the latency of one backend call.
type ObserveFunc func(backend, operation string, d time.Duration)

// Instrument wraps an engine so every call reports its latency through
// observe. A nil observe returns the engine unwrapped.
func Instrument(e Engine, observe ObserveFunc) Engine {
	if observe == nil {
		return e
	}
	return &instrumented{inner: e, observe: observe}
}

type instrumented struct {
	inner   Engine
	observe ObserveFunc
}

func (i *instrumented) Name() string { return i.inner.Name() }

func (i *instrumented) Create(ctx context.Context, spec Spec) (Handle, error) {
	defer i.timed("create")()
	return i.inner.Create(ctx, spec)
}

func (i *instrumented) Start(ctx context.Context, h Handle) error {
	defer i.timed("start")()
	return i.inner.Start(ctx, h)
}

func (i *instrumented) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	defer i.timed("stop")()
	return i.inner.Stop(ctx, h, grace)
}

func (i *instrumented) Inspect(ctx context.Context, h Handle) (Status, error) {
	defer i.timed("inspect")()
	return i.inner.Inspect(ctx, h)
}

func (i *instrumented) StreamLogs(ctx context.Context, h Handle, since time.Time) (<-chan LogLine, error) {
	// Only stream setup is timed; the stream itself lives as long as
	// the workload.
	defer i.timed("stream_logs")()
	return i.inner.StreamLogs(ctx, h, since)
}

func (i *instrumented) Remove(ctx context.Context, h Handle) error {
	defer i.timed("remove")()
	return i.inner.Remove(ctx, h)
}

func (i *instrumented) timed(operation string) func() {
	began := time.Now()
	return func() {
		i.observe(i.inner.Name(), operation, time.Since(began))
	}
}
