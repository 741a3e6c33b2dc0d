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

// Package machine owns the authoritative lifecycle state of activations.
//
// Handlers run under the manager's per-activation lock, so commands for one
// activation never interleave. Every handler re-reads the activation from
// the store before acting and persists the new state before touching the
// runtime backend; after a crash the persisted state is ground truth and a
// redelivered command resumes cleanly.
package machine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ruleline/ruleline/internal/log"
	"github.com/ruleline/ruleline/internal/queue"
	"github.com/ruleline/ruleline/internal/relay"
	"github.com/ruleline/ruleline/internal/runtime"
	"github.com/ruleline/ruleline/internal/store"
	"github.com/ruleline/ruleline/pkg/errors"
)

// startable reports whether a start command is valid in the given state.
func startable(s store.Status) bool {
	return s == store.StatusStopped || s == store.StatusFailed
}

// Config holds state machine tunables.
type Config struct {
	// StopGrace is how long a worker gets between SIGTERM and SIGKILL.
	StopGrace time.Duration

	// Retry bounds transient backend retries inside a single transition.
	Retry runtime.RetryConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StopGrace: 10 * time.Second,
		Retry:     runtime.DefaultRetry,
	}
}

// Outcome reports what a handler did and what should happen next.
type Outcome struct {
	// Status is the activation state after the transition.
	Status store.Status

	// InstanceID is the instance now running, for log attachment.
	// Empty when no instance was started.
	InstanceID string

	// FollowUp is a command to enqueue with a future eligibility time,
	// such as a policy restart after backoff. Nil when none.
	FollowUp *queue.Command
}

// Machine drives activation state transitions against the store and the
// runtime backends.
type Machine struct {
	store   store.Store
	engines *runtime.Registry
	relay   *relay.Relay
	cfg     Config
	logger  *slog.Logger
}

// New creates a state machine.
func New(st store.Store, engines *runtime.Registry, r *relay.Relay, cfg Config, logger *slog.Logger) *Machine {
	return &Machine{
		store:   st,
		engines: engines,
		relay:   r,
		cfg:     cfg,
		logger:  log.WithComponent(logger, "machine"),
	}
}

// HandleStart launches a new instance for a stopped or failed activation.
// A backend launch failure folds into the failed state and, policy
// permitting, yields a delayed restart follow-up; it never propagates.
func (m *Machine) HandleStart(ctx context.Context, activationID string) (*Outcome, error) {
	act, err := m.store.GetActivation(ctx, activationID)
	if err != nil {
		return nil, err
	}
	if !startable(act.Status) {
		return nil, &errors.InvalidTransitionError{
			ActivationID: act.ID,
			From:         string(act.Status),
			Requested:    "start",
		}
	}

	return m.launch(ctx, act)
}

// launch performs the Starting transition and the backend create+start.
func (m *Machine) launch(ctx context.Context, act *store.Activation) (*Outcome, error) {
	engine, err := m.engines.Get(act.Backend)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	act.Status = store.StatusStarting
	act.LastStartedAt = &now
	if err := m.store.UpdateActivation(ctx, act); err != nil {
		return nil, err
	}

	history, err := m.store.ListInstances(ctx, act.ID)
	if err != nil {
		return nil, err
	}
	inst := &store.Instance{
		ID:           uuid.NewString(),
		ActivationID: act.ID,
		Seq:          len(history) + 1,
		Backend:      act.Backend,
		Status:       store.InstanceCreated,
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	act.CurrentInstanceID = inst.ID
	if err := m.store.UpdateActivation(ctx, act); err != nil {
		return nil, err
	}
	m.publish(ctx, act.ID, inst.ID, relay.LevelStatus, "starting")

	spec := runtime.Spec{
		Name:     fmt.Sprintf("%s-%d", act.Name, inst.Seq),
		Image:    act.Image,
		Command:  act.Command,
		Env:      act.Env,
		Secret:   act.Secret,
		MemLimit: act.MemLimit,
	}

	var handle runtime.Handle
	err = runtime.WithRetry(ctx, m.cfg.Retry, func(ctx context.Context) error {
		var cerr error
		handle, cerr = engine.Create(ctx, spec)
		return cerr
	})
	if err != nil {
		return m.fail(ctx, act, inst, err)
	}

	inst.Handle = string(handle)
	inst.Status = store.InstanceStarting
	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	err = runtime.WithRetry(ctx, m.cfg.Retry, func(ctx context.Context) error {
		return engine.Start(ctx, handle)
	})
	if err != nil {
		_ = engine.Remove(ctx, handle)
		return m.fail(ctx, act, inst, err)
	}

	started := time.Now()
	inst.Status = store.InstanceRunning
	inst.StartedAt = &started
	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	act.Status = store.StatusRunning
	if err := m.store.UpdateActivation(ctx, act); err != nil {
		return nil, err
	}
	m.publish(ctx, act.ID, inst.ID, relay.LevelStatus, "running")

	m.logger.Info("activation running",
		slog.String(log.ActivationIDKey, act.ID),
		slog.String(log.InstanceIDKey, inst.ID),
		slog.String(log.BackendKey, act.Backend))

	return &Outcome{Status: act.Status, InstanceID: inst.ID}, nil
}

// HandleStop drives a running activation to stopped. Stopping an already
// stopped activation is a no-op.
func (m *Machine) HandleStop(ctx context.Context, activationID string) (*Outcome, error) {
	act, err := m.store.GetActivation(ctx, activationID)
	if err != nil {
		return nil, err
	}

	switch act.Status {
	case store.StatusStopped, store.StatusFailed, store.StatusExhausted, store.StatusDeleted:
		return &Outcome{Status: act.Status}, nil
	}

	act.Status = store.StatusStopping
	if err := m.store.UpdateActivation(ctx, act); err != nil {
		return nil, err
	}

	inst, engine, err := m.currentInstance(ctx, act)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		m.publish(ctx, act.ID, inst.ID, relay.LevelStatus, "stopping")

		err = runtime.WithRetry(ctx, m.cfg.Retry, func(ctx context.Context) error {
			return engine.Stop(ctx, runtime.Handle(inst.Handle), m.cfg.StopGrace)
		})
		if err != nil {
			return m.fail(ctx, act, inst, err)
		}

		st, err := engine.Inspect(ctx, runtime.Handle(inst.Handle))
		if err != nil {
			return m.fail(ctx, act, inst, err)
		}
		code := st.ExitCode
		if err := m.closeInstance(ctx, inst, store.InstanceStopped, &code, "stop requested"); err != nil {
			return nil, err
		}
		m.publish(ctx, act.ID, inst.ID, relay.LevelStatus, "stopped")
		m.relay.Release(inst.ID)
	}

	now := time.Now()
	act.Status = store.StatusStopped
	act.LastStoppedAt = &now
	act.CurrentInstanceID = ""
	if err := m.store.UpdateActivation(ctx, act); err != nil {
		return nil, err
	}

	m.logger.Info("activation stopped", slog.String(log.ActivationIDKey, act.ID))
	return &Outcome{Status: act.Status}, nil
}

// HandleRestart stops the current instance if any, resets the retry
// budget, and launches a fresh instance. An explicit restart is an
// operator action, so it also recovers activations parked in the
// exhausted state.
func (m *Machine) HandleRestart(ctx context.Context, activationID string) (*Outcome, error) {
	act, err := m.store.GetActivation(ctx, activationID)
	if err != nil {
		return nil, err
	}
	if act.Status == store.StatusDeleted {
		return nil, &errors.InvalidTransitionError{
			ActivationID: act.ID,
			From:         string(act.Status),
			Requested:    "restart",
		}
	}

	if act.Status == store.StatusRunning || act.Status == store.StatusStarting || act.Status == store.StatusStopping {
		if _, err := m.HandleStop(ctx, activationID); err != nil {
			return nil, err
		}
		act, err = m.store.GetActivation(ctx, activationID)
		if err != nil {
			return nil, err
		}
	}

	act.RestartCount = 0
	if act.Status == store.StatusExhausted {
		act.Status = store.StatusStopped
	}
	if err := m.store.UpdateActivation(ctx, act); err != nil {
		return nil, err
	}

	return m.launch(ctx, act)
}

// HandleDelete tears down any live instance and marks the activation
// deleted. Valid from every state; deleting a deleted activation is a
// no-op.
func (m *Machine) HandleDelete(ctx context.Context, activationID string) (*Outcome, error) {
	act, err := m.store.GetActivation(ctx, activationID)
	if err != nil {
		if errors.IsNotFound(err) {
			return &Outcome{Status: store.StatusDeleted}, nil
		}
		return nil, err
	}
	if act.Status == store.StatusDeleted {
		return &Outcome{Status: act.Status}, nil
	}

	history, err := m.store.ListInstances(ctx, act.ID)
	if err != nil {
		return nil, err
	}
	for _, inst := range history {
		if inst.Status.Closed() {
			continue
		}
		engine, err := m.engines.Get(inst.Backend)
		if err != nil {
			continue
		}
		if inst.Handle != "" {
			_ = engine.Stop(ctx, runtime.Handle(inst.Handle), m.cfg.StopGrace)
			_ = engine.Remove(ctx, runtime.Handle(inst.Handle))
		}
		code := 0
		if err := m.closeInstance(ctx, inst, store.InstanceStopped, &code, "activation deleted"); err != nil {
			return nil, err
		}
		m.publish(ctx, act.ID, inst.ID, relay.LevelStatus, "deleted")
		m.relay.Release(inst.ID)
	}

	now := time.Now()
	act.Status = store.StatusDeleted
	act.LastStoppedAt = &now
	act.CurrentInstanceID = ""
	if err := m.store.UpdateActivation(ctx, act); err != nil {
		return nil, err
	}

	m.logger.Info("activation deleted", slog.String(log.ActivationIDKey, act.ID))
	return &Outcome{Status: act.Status}, nil
}

// HandlePoll folds the observed backend state of the current instance into
// the store. Exits are classified by exit code and the restart policy
// decides what happens next.
func (m *Machine) HandlePoll(ctx context.Context, activationID string) (*Outcome, error) {
	act, err := m.store.GetActivation(ctx, activationID)
	if err != nil {
		return nil, err
	}
	if act.Status != store.StatusRunning && act.Status != store.StatusStarting {
		return &Outcome{Status: act.Status}, nil
	}

	inst, engine, err := m.currentInstance(ctx, act)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return &Outcome{Status: act.Status}, nil
	}

	var st runtime.Status
	err = runtime.WithRetry(ctx, m.cfg.Retry, func(ctx context.Context) error {
		var ierr error
		st, ierr = engine.Inspect(ctx, runtime.Handle(inst.Handle))
		return ierr
	})
	if err != nil {
		return m.fail(ctx, act, inst, err)
	}

	switch st.State {
	case runtime.StateRunning:
		return &Outcome{Status: act.Status, InstanceID: inst.ID}, nil

	case runtime.StateExited:
		if st.ExitCode == 0 {
			return m.cleanExit(ctx, act, inst)
		}
		return m.fail(ctx, act, inst, &errors.AdapterFailureError{
			Backend:   act.Backend,
			Operation: "poll",
			Message:   fmt.Sprintf("worker exited with code %d", st.ExitCode),
		})

	default:
		// The backend lost the workload (node reboot, manual removal).
		return m.fail(ctx, act, inst, &errors.AdapterFailureError{
			Backend:   act.Backend,
			Operation: "poll",
			Message:   "workload in unknown state: " + st.Message,
		})
	}
}

// cleanExit closes an instance that finished with exit code zero. The
// always-restart rule schedules a relaunch; everything else parks the
// activation in stopped.
func (m *Machine) cleanExit(ctx context.Context, act *store.Activation, inst *store.Instance) (*Outcome, error) {
	code := 0
	if err := m.closeInstance(ctx, inst, store.InstanceStopped, &code, "worker exited cleanly"); err != nil {
		return nil, err
	}
	m.publish(ctx, act.ID, inst.ID, relay.LevelStatus, "stopped")
	m.relay.Release(inst.ID)

	now := time.Now()
	act.Status = store.StatusStopped
	act.LastStoppedAt = &now
	act.CurrentInstanceID = ""
	if err := m.store.UpdateActivation(ctx, act); err != nil {
		return nil, err
	}

	out := &Outcome{Status: act.Status}
	if act.RestartPolicy.Rule == store.RestartAlways {
		out.FollowUp = m.restartCommand(act, act.RestartPolicy.Delay(1))
	}
	return out, nil
}

// fail records a failed instance and applies the restart policy: schedule
// a backoff relaunch while the retry budget lasts, otherwise park the
// activation in the exhausted state.
func (m *Machine) fail(ctx context.Context, act *store.Activation, inst *store.Instance, cause error) (*Outcome, error) {
	m.logger.Warn("activation failed",
		slog.String(log.ActivationIDKey, act.ID),
		slog.String(log.InstanceIDKey, inst.ID),
		log.Error(cause))

	code := -1
	var af *errors.AdapterFailureError
	if errors.As(cause, &af) && af.Operation == "poll" {
		code = 1
	}
	if err := m.closeInstance(ctx, inst, store.InstanceFailed, &code, cause.Error()); err != nil {
		return nil, err
	}
	m.publish(ctx, act.ID, inst.ID, relay.LevelError, cause.Error())
	m.publish(ctx, act.ID, inst.ID, relay.LevelStatus, "failed")
	m.relay.Release(inst.ID)

	act.RestartCount++
	act.CurrentInstanceID = ""

	policy := act.RestartPolicy
	restart := policy.Rule != store.RestartNever && act.RestartCount <= policy.MaxRetries

	if restart {
		act.Status = store.StatusFailed
		if err := m.store.UpdateActivation(ctx, act); err != nil {
			return nil, err
		}
		delay := policy.Delay(act.RestartCount)
		m.logger.Info("scheduling restart",
			slog.String(log.ActivationIDKey, act.ID),
			slog.Int("attempt", act.RestartCount),
			slog.Duration("delay", delay))
		return &Outcome{Status: act.Status, FollowUp: m.restartCommand(act, delay)}, nil
	}

	if policy.Rule == store.RestartNever {
		act.Status = store.StatusFailed
	} else {
		act.Status = store.StatusExhausted
		m.publish(ctx, act.ID, inst.ID, relay.LevelStatus, "exhausted")
		m.logger.Error("retries exhausted",
			slog.String(log.ActivationIDKey, act.ID),
			slog.Int("attempts", act.RestartCount))
	}
	if err := m.store.UpdateActivation(ctx, act); err != nil {
		return nil, err
	}
	return &Outcome{Status: act.Status}, nil
}

// restartCommand builds a delayed start command for the scheduler path.
func (m *Machine) restartCommand(act *store.Activation, delay time.Duration) *queue.Command {
	return &queue.Command{
		ID:           uuid.NewString(),
		Kind:         queue.KindStart,
		ActivationID: act.ID,
		Token:        uuid.NewString(),
		RequestedAt:  time.Now(),
		EligibleAt:   time.Now().Add(delay),
	}
}

// currentInstance resolves the activation's current instance and its
// engine. Returns (nil, nil, nil) when there is no current instance.
func (m *Machine) currentInstance(ctx context.Context, act *store.Activation) (*store.Instance, runtime.Engine, error) {
	if act.CurrentInstanceID == "" {
		return nil, nil, nil
	}
	inst, err := m.store.GetInstance(ctx, act.CurrentInstanceID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if inst.Status.Closed() {
		return nil, nil, nil
	}
	engine, err := m.engines.Get(inst.Backend)
	if err != nil {
		return nil, nil, err
	}
	return inst, engine, nil
}

// closeInstance finalizes an instance record.
func (m *Machine) closeInstance(ctx context.Context, inst *store.Instance, status store.InstanceStatus, exitCode *int, reason string) error {
	now := time.Now()
	inst.Status = status
	inst.ExitCode = exitCode
	inst.ExitReason = reason
	inst.EndedAt = &now
	return m.store.UpdateInstance(ctx, inst)
}

// publish emits a status event, logging rather than failing the transition
// when the relay write goes wrong.
func (m *Machine) publish(ctx context.Context, activationID, instanceID, level, message string) {
	if _, err := m.relay.Publish(ctx, activationID, instanceID, level, message); err != nil {
		m.logger.Warn("failed to publish status event",
			slog.String(log.ActivationIDKey, activationID),
			log.Error(err))
	}
}
