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

// Package local runs activation workers as child processes of the daemon.
// It is the zero-infrastructure backend: no container engine, no cluster,
// just os/exec with the same lifecycle contract as the heavier backends.
package local

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ruleline/ruleline/internal/log"
	"github.com/ruleline/ruleline/internal/runtime"
	"github.com/ruleline/ruleline/pkg/errors"
)

// Name is the backend identifier for process execution.
const Name = "local"

// killReapTimeout bounds the wait for exit collection after SIGKILL.
const killReapTimeout = 5 * time.Second

// proc tracks one supervised child process.
type proc struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	lines    []runtime.LogLine
	subs     map[chan runtime.LogLine]struct{}
	exitCode int
	exited   bool
	started  bool
	removed  bool
}

// Engine executes workloads as local child processes. The Spec's Image
// field is interpreted as the executable path.
type Engine struct {
	logger *slog.Logger

	mu    sync.Mutex
	procs map[runtime.Handle]*proc
}

// New creates a local process engine.
func New(logger *slog.Logger) *Engine {
	return &Engine{
		logger: log.WithComponent(logger, "runtime.local"),
		procs:  make(map[runtime.Handle]*proc),
	}
}

// Name returns the backend identifier.
func (e *Engine) Name() string { return Name }

// Create prepares a child process from the spec without starting it.
func (e *Engine) Create(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	if spec.Image == "" {
		return "", &errors.AdapterFailureError{
			Backend:   Name,
			Operation: "create",
			Message:   "spec has no executable path",
		}
	}

	cmd := exec.Command(spec.Image, spec.Command...)
	cmd.Env = flattenEnv(spec)
	// New process group so Stop can signal the worker and anything it
	// forked, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := runtime.Handle(uuid.NewString())
	e.mu.Lock()
	e.procs[h] = &proc{
		cmd:  cmd,
		done: make(chan struct{}),
		subs: make(map[chan runtime.LogLine]struct{}),
	}
	e.mu.Unlock()

	e.logger.Debug("created local process", slog.String("name", spec.Name),
		slog.String("handle", string(h)))
	return h, nil
}

// Start launches a created process and begins capturing its output.
func (e *Engine) Start(ctx context.Context, h runtime.Handle) error {
	p := e.lookup(h)
	if p == nil {
		return &errors.AdapterFailureError{
			Backend:   Name,
			Operation: "start",
			Message:   "unknown handle: " + string(h),
		}
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return &errors.AdapterFailureError{
			Backend: Name, Operation: "start",
			Message: "stdout pipe", Cause: err,
		}
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		p.mu.Unlock()
		return &errors.AdapterFailureError{
			Backend: Name, Operation: "start",
			Message: "stderr pipe", Cause: err,
		}
	}

	if err := p.cmd.Start(); err != nil {
		p.mu.Unlock()
		return &errors.AdapterFailureError{
			Backend: Name, Operation: "start",
			Message: "exec start", Transient: true, Cause: err,
		}
	}
	p.started = true
	p.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go p.capture(stdout, &readers)
	go p.capture(stderr, &readers)

	go func() {
		readers.Wait()
		err := p.cmd.Wait()

		p.mu.Lock()
		p.exited = true
		p.exitCode = exitCode(err)
		for ch := range p.subs {
			close(ch)
		}
		p.subs = make(map[chan runtime.LogLine]struct{})
		p.mu.Unlock()
		close(p.done)
	}()

	e.logger.Info("started local process", slog.String("handle", string(h)),
		slog.Int("pid", p.cmd.Process.Pid))
	return nil
}

// Stop halts the process, escalating from SIGTERM to SIGKILL after grace.
// Stopping an unknown or already-exited handle succeeds.
func (e *Engine) Stop(ctx context.Context, h runtime.Handle, grace time.Duration) error {
	p := e.lookup(h)
	if p == nil {
		return nil
	}

	p.mu.Lock()
	if !p.started || p.exited {
		p.mu.Unlock()
		return nil
	}
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	// Signal the whole group; the worker may have forked children that
	// hold the output pipes open.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Already gone between the check and the signal.
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	e.logger.Warn("grace period elapsed, killing process group",
		slog.String("handle", string(h)), slog.Int("pid", pid))
	_ = syscall.Kill(-pid, syscall.SIGKILL)

	reap := time.NewTimer(killReapTimeout)
	defer reap.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-reap.C:
		return &errors.AdapterFailureError{
			Backend:   Name,
			Operation: "stop",
			Message:   "process did not exit after SIGKILL",
			Transient: true,
		}
	}
}

// Inspect reports the process state. Unknown handles yield StateUnknown.
func (e *Engine) Inspect(ctx context.Context, h runtime.Handle) (runtime.Status, error) {
	p := e.lookup(h)
	if p == nil {
		return runtime.Status{State: runtime.StateUnknown, Message: "no such process"}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.exited:
		return runtime.Status{State: runtime.StateExited, ExitCode: p.exitCode}, nil
	case p.started:
		return runtime.Status{State: runtime.StateRunning}, nil
	default:
		return runtime.Status{State: runtime.StateUnknown, Message: "created, not started"}, nil
	}
}

// StreamLogs replays buffered output at or after since and follows live
// output until the process exits or ctx is cancelled.
func (e *Engine) StreamLogs(ctx context.Context, h runtime.Handle, since time.Time) (<-chan runtime.LogLine, error) {
	p := e.lookup(h)
	if p == nil {
		return nil, &errors.AdapterFailureError{
			Backend:   Name,
			Operation: "stream_logs",
			Message:   "unknown handle: " + string(h),
		}
	}

	out := make(chan runtime.LogLine, 64)

	p.mu.Lock()
	replay := make([]runtime.LogLine, 0, len(p.lines))
	for _, line := range p.lines {
		if !line.Timestamp.Before(since) {
			replay = append(replay, line)
		}
	}
	var live chan runtime.LogLine
	exited := p.exited
	if !exited {
		live = make(chan runtime.LogLine, 64)
		p.subs[live] = struct{}{}
	}
	p.mu.Unlock()

	go func() {
		defer close(out)
		for _, line := range replay {
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
		if live == nil {
			return
		}
		defer func() {
			p.mu.Lock()
			delete(p.subs, live)
			p.mu.Unlock()
		}()
		for {
			select {
			case line, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Remove tears down a process record, stopping it first if still running.
// Removing an unknown handle succeeds.
func (e *Engine) Remove(ctx context.Context, h runtime.Handle) error {
	p := e.lookup(h)
	if p == nil {
		return nil
	}

	if err := e.Stop(ctx, h, 5*time.Second); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.procs, h)
	e.mu.Unlock()
	return nil
}

func (e *Engine) lookup(h runtime.Handle) *proc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.procs[h]
}

// capture reads one output stream line by line, timestamping and fanning
// out to subscribers. Slow subscribers drop lines rather than block the
// reader.
func (p *proc) capture(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := runtime.LogLine{Timestamp: time.Now(), Text: scanner.Text()}
		p.mu.Lock()
		p.lines = append(p.lines, line)
		for ch := range p.subs {
			select {
			case ch <- line:
			default:
			}
		}
		p.mu.Unlock()
	}
}

// flattenEnv builds the child environment from the spec. The secret rides
// in RULELINE_WORKER_SECRET and never appears in logs.
func flattenEnv(spec runtime.Spec) []string {
	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	if spec.Secret != "" {
		env = append(env, "RULELINE_WORKER_SECRET="+spec.Secret)
	}
	return env
}

// exitCode extracts the process exit code from cmd.Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

var _ runtime.Engine = (*Engine)(nil)
