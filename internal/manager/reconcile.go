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
	"log/slog"
	"time"

	"github.com/ruleline/ruleline/internal/log"
	"github.com/ruleline/ruleline/internal/runtime"
	"github.com/ruleline/ruleline/internal/store"
)

// reconcileTimeout bounds each backend inspect during startup.
const reconcileTimeout = 10 * time.Second

// reconcile folds observed backend state into the store before command
// processing resumes. Workers that kept running while the daemon was down
// get their log streams reattached; workloads that exited or vanished are
// closed through the normal poll transition, which also applies the
// restart policy.
func (m *Manager) reconcile(ctx context.Context) error {
	open, err := m.store.ListOpenInstances(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	m.logger.Info("reconciling instances", slog.Int("count", len(open)))

	for _, inst := range open {
		if err := m.reconcileInstance(ctx, inst); err != nil {
			log.WithInstance(m.logger, inst.ActivationID, inst.ID).
				Error("reconciliation failed", log.Error(err))
		}
	}
	return nil
}

func (m *Manager) reconcileInstance(ctx context.Context, inst *store.Instance) error {
	logger := log.WithInstance(m.logger, inst.ActivationID, inst.ID)

	unlock := m.locks.lock(inst.ActivationID)
	defer unlock()

	// Continue event numbering where the previous process stopped.
	if err := m.relay.Resume(ctx, inst.ActivationID, inst.ID); err != nil {
		return err
	}

	ictx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	var observed runtime.State
	if inst.Handle == "" {
		// Crashed between instance creation and backend create.
		observed = runtime.StateUnknown
	} else {
		engine, err := m.engines.Get(inst.Backend)
		if err != nil {
			return err
		}
		st, err := engine.Inspect(ictx, runtime.Handle(inst.Handle))
		if err != nil {
			// Unreachable backend; treat as unknown and let the
			// poll transition classify it.
			logger.Warn("inspect failed during reconciliation", log.Error(err))
			observed = runtime.StateUnknown
		} else {
			observed = st.State
		}
	}

	if observed == runtime.StateRunning {
		// The worker survived the daemon restart.
		if inst.Status != store.InstanceRunning {
			inst.Status = store.InstanceRunning
			if err := m.store.UpdateInstance(ctx, inst); err != nil {
				return err
			}
		}
		act, err := m.store.GetActivation(ctx, inst.ActivationID)
		if err != nil {
			return err
		}
		if act.Status != store.StatusRunning {
			act.Status = store.StatusRunning
			act.CurrentInstanceID = inst.ID
			if err := m.store.UpdateActivation(ctx, act); err != nil {
				return err
			}
		}
		logger.Info("instance survived restart, reattaching logs")
		m.attachLogs(inst.ActivationID, inst.ID)
		return nil
	}

	// Exited or unknown: the poll handler closes the instance by exit
	// code and applies the restart policy.
	out, err := m.machine.HandlePoll(ctx, inst.ActivationID)
	if err != nil {
		return err
	}
	if out.FollowUp != nil {
		if err := m.queue.Enqueue(ctx, out.FollowUp); err != nil {
			return err
		}
	}
	logger.Info("instance reconciled",
		slog.String(log.StatusKey, string(out.Status)))
	return nil
}
