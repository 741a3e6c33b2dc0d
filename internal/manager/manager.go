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

// Package manager is the top-level lifecycle orchestrator. It accepts
// asynchronous lifecycle requests, drains the command queue with a fixed
// worker pool, schedules health polls and policy restarts, and reconciles
// persisted state with observed backend state on startup.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ruleline/ruleline/internal/log"
	"github.com/ruleline/ruleline/internal/machine"
	"github.com/ruleline/ruleline/internal/metrics"
	"github.com/ruleline/ruleline/internal/queue"
	"github.com/ruleline/ruleline/internal/relay"
	"github.com/ruleline/ruleline/internal/runtime"
	"github.com/ruleline/ruleline/internal/store"
	"github.com/ruleline/ruleline/pkg/errors"
)

// Config holds manager tunables.
type Config struct {
	// Workers is the size of the pool draining the command queue. It
	// bounds concurrent lifecycle operations, not running activations.
	Workers int

	// PollInterval is how often running activations are health-polled.
	// Zero disables the scheduler.
	PollInterval time.Duration

	// PollBurst caps how many poll commands the scheduler may enqueue
	// per interval tick.
	PollBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 15 * time.Second,
		PollBurst:    50,
	}
}

// Manager coordinates the queue, the state machine, and the relay.
type Manager struct {
	store   store.Store
	queue   queue.Queue
	machine *machine.Machine
	relay   *relay.Relay
	engines *runtime.Registry
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger

	locks keyedLocks

	pumpMu sync.Mutex
	pumps  map[string]context.CancelFunc // instance ID -> pump cancel
	pumpWG sync.WaitGroup
}

// New creates a lifecycle manager.
func New(st store.Store, q queue.Queue, m *machine.Machine, r *relay.Relay,
	engines *runtime.Registry, met *metrics.Metrics, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Manager{
		store:   st,
		queue:   q,
		machine: m,
		relay:   r,
		engines: engines,
		metrics: met,
		cfg:     cfg,
		logger:  log.WithComponent(logger, "manager"),
		pumps:   make(map[string]context.CancelFunc),
	}
}

// RequestStart enqueues a start command for the activation. Validation is
// synchronous; the outcome is observed through state queries or the relay.
func (m *Manager) RequestStart(ctx context.Context, activationID string) error {
	act, err := m.store.GetActivation(ctx, activationID)
	if err != nil {
		return err
	}
	switch act.Status {
	case store.StatusStopped, store.StatusFailed:
	case store.StatusExhausted:
		return &errors.RetriesExhaustedError{
			ActivationID: act.ID,
			Attempts:     act.RestartCount,
		}
	default:
		return &errors.InvalidTransitionError{
			ActivationID: act.ID,
			From:         string(act.Status),
			Requested:    "start",
		}
	}
	return m.enqueue(ctx, queue.KindStart, activationID)
}

// RequestStop enqueues a stop command for the activation.
func (m *Manager) RequestStop(ctx context.Context, activationID string) error {
	if err := m.ensureNotDeleted(ctx, activationID, "stop"); err != nil {
		return err
	}
	return m.enqueue(ctx, queue.KindStop, activationID)
}

// RequestRestart enqueues a restart command for the activation.
func (m *Manager) RequestRestart(ctx context.Context, activationID string) error {
	if err := m.ensureNotDeleted(ctx, activationID, "restart"); err != nil {
		return err
	}
	return m.enqueue(ctx, queue.KindRestart, activationID)
}

// RequestDelete enqueues a delete command for the activation.
func (m *Manager) RequestDelete(ctx context.Context, activationID string) error {
	if _, err := m.store.GetActivation(ctx, activationID); err != nil {
		return err
	}
	return m.enqueue(ctx, queue.KindDelete, activationID)
}

func (m *Manager) ensureNotDeleted(ctx context.Context, activationID, requested string) error {
	act, err := m.store.GetActivation(ctx, activationID)
	if err != nil {
		return err
	}
	if act.Status == store.StatusDeleted {
		return &errors.InvalidTransitionError{
			ActivationID: act.ID,
			From:         string(act.Status),
			Requested:    requested,
		}
	}
	return nil
}

func (m *Manager) enqueue(ctx context.Context, kind queue.Kind, activationID string) error {
	cmd := &queue.Command{
		ID:           uuid.NewString(),
		Kind:         kind,
		ActivationID: activationID,
		Token:        uuid.NewString(),
		RequestedAt:  time.Now(),
	}
	if err := m.queue.Enqueue(ctx, cmd); err != nil {
		return errors.Wrap(err, "failed to enqueue lifecycle command")
	}
	m.logger.Debug("command enqueued",
		slog.String(log.CommandKey, string(kind)),
		slog.String(log.ActivationIDKey, activationID),
		slog.String(log.TokenKey, cmd.Token))
	return nil
}

// Run reconciles persisted state, then drains the queue with the worker
// pool and runs the poll scheduler until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.reconcile(ctx); err != nil {
		return errors.Wrap(err, "startup reconciliation failed")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.Workers; i++ {
		g.Go(func() error { return m.worker(ctx) })
	}
	if m.cfg.PollInterval > 0 {
		g.Go(func() error { return m.schedule(ctx) })
	}

	err := g.Wait()
	m.stopPumps()
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
		return nil
	}
	return err
}

// worker drains the queue until ctx is cancelled.
func (m *Manager) worker(ctx context.Context) error {
	for {
		cmd, err := m.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		m.process(ctx, cmd)
	}
}

// process executes one command under the activation's lock. The token is
// recorded only after the handlers succeed, so a crash mid-processing
// leads to a redelivery that starts over from persisted state.
func (m *Manager) process(ctx context.Context, cmd *queue.Command) {
	logger := m.logger.With(
		slog.String(log.CommandKey, string(cmd.Kind)),
		slog.String(log.ActivationIDKey, cmd.ActivationID),
		slog.String(log.TokenKey, cmd.Token))

	unlock := m.locks.lock(cmd.ActivationID)
	defer unlock()

	seen, err := m.store.HasToken(ctx, cmd.Token)
	if err != nil {
		logger.Error("token lookup failed, returning to queue", log.Error(err))
		if nerr := m.queue.Nack(ctx, cmd.ID); nerr != nil && !errors.Is(nerr, queue.ErrUnknownLease) {
			logger.Error("nack failed", log.Error(nerr))
		}
		return
	}
	if seen {
		// Redelivery after the effects already landed. Resolved by the
		// token; logged, not an error to anyone.
		conflict := &errors.RedeliveryConflictError{
			Token:        cmd.Token,
			ActivationID: cmd.ActivationID,
		}
		logger.Warn("queue redelivery conflict", log.Error(conflict))
		if aerr := m.queue.Ack(ctx, cmd.ID); aerr != nil && !errors.Is(aerr, queue.ErrUnknownLease) {
			logger.Error("ack failed", log.Error(aerr))
		}
		return
	}

	began := time.Now()
	out, err := m.dispatch(ctx, cmd)

	switch {
	case err == nil:
	case errors.IsInvalidTransition(err):
		// The activation moved on since the command was enqueued.
		// Not retryable; consume the command.
		logger.Info("command no longer applicable", log.Error(err))
	case errors.IsNotFound(err):
		logger.Info("activation gone, dropping command", log.Error(err))
	default:
		logger.Error("command failed, returning to queue", log.Error(err))
		if nerr := m.queue.Nack(ctx, cmd.ID); nerr != nil && !errors.Is(nerr, queue.ErrUnknownLease) {
			logger.Error("nack failed", log.Error(nerr))
		}
		return
	}

	if rerr := m.store.RecordToken(ctx, cmd.Token); rerr != nil && !errors.Is(rerr, store.ErrDuplicateToken) {
		logger.Error("failed to record token", log.Error(rerr))
	}

	if out != nil {
		if out.FollowUp != nil {
			if qerr := m.queue.Enqueue(ctx, out.FollowUp); qerr != nil {
				logger.Error("failed to enqueue follow-up", log.Error(qerr))
			}
		}
		if out.InstanceID != "" {
			m.attachLogs(cmd.ActivationID, out.InstanceID)
		}
		m.metrics.ObserveTransition(string(cmd.Kind), string(out.Status), time.Since(began))
	}

	if aerr := m.queue.Ack(ctx, cmd.ID); aerr != nil && !errors.Is(aerr, queue.ErrUnknownLease) {
		logger.Error("ack failed", log.Error(aerr))
	}
}

// dispatch routes the command to its state machine handler. Handlers
// re-derive current state from the store, so a redelivered command whose
// token check races is still safe.
func (m *Manager) dispatch(ctx context.Context, cmd *queue.Command) (*machine.Outcome, error) {
	switch cmd.Kind {
	case queue.KindStart:
		return m.machine.HandleStart(ctx, cmd.ActivationID)
	case queue.KindStop:
		return m.machine.HandleStop(ctx, cmd.ActivationID)
	case queue.KindRestart:
		return m.machine.HandleRestart(ctx, cmd.ActivationID)
	case queue.KindDelete:
		out, err := m.machine.HandleDelete(ctx, cmd.ActivationID)
		if err == nil {
			if derr := m.store.DeleteActivation(ctx, cmd.ActivationID); derr != nil && !errors.IsNotFound(derr) {
				return out, derr
			}
		}
		return out, err
	case queue.KindPoll:
		return m.machine.HandlePoll(ctx, cmd.ActivationID)
	default:
		m.logger.Warn("unknown command kind", slog.String(log.CommandKey, string(cmd.Kind)))
		return nil, nil
	}
}

// attachLogs starts (or restarts) the log pump for an instance.
func (m *Manager) attachLogs(activationID, instanceID string) {
	m.pumpMu.Lock()
	defer m.pumpMu.Unlock()

	if _, running := m.pumps[instanceID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.pumps[instanceID] = cancel

	m.pumpWG.Add(1)
	go func() {
		defer m.pumpWG.Done()
		defer func() {
			m.pumpMu.Lock()
			delete(m.pumps, instanceID)
			m.pumpMu.Unlock()
		}()
		m.pump(ctx, activationID, instanceID)
	}()
}

// pump streams backend logs into the relay, reconnecting from the last
// relayed timestamp after transient stream loss, until the instance closes
// or ctx is cancelled.
func (m *Manager) pump(ctx context.Context, activationID, instanceID string) {
	logger := log.WithInstance(m.logger, activationID, instanceID)
	var since time.Time

	for ctx.Err() == nil {
		inst, err := m.store.GetInstance(ctx, instanceID)
		if err != nil || inst.Status.Closed() {
			return
		}
		engine, err := m.engines.Get(inst.Backend)
		if err != nil {
			logger.Error("log pump cannot resolve backend", log.Error(err))
			return
		}

		lines, err := engine.StreamLogs(ctx, runtime.Handle(inst.Handle), since)
		if err != nil {
			logger.Warn("log stream failed, retrying", log.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		last, err := m.relay.Pump(ctx, activationID, instanceID, lines)
		if !last.IsZero() {
			// Resume just past the last relayed line. The overlap
			// window is bounded by backend timestamp granularity.
			since = last.Add(time.Nanosecond)
		}
		if err != nil {
			return
		}

		// Stream closed: either the worker exited or the connection
		// dropped. Let the next iteration decide via instance state.
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// stopPumps cancels all log pumps and waits for them to finish.
func (m *Manager) stopPumps() {
	m.pumpMu.Lock()
	for _, cancel := range m.pumps {
		cancel()
	}
	m.pumpMu.Unlock()
	m.pumpWG.Wait()
}

// keyedLocks serializes command processing per activation.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the mutex for a key, creating it on first use, and
// returns the unlock function.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
