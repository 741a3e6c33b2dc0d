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
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ruleline/ruleline/internal/log"
	"github.com/ruleline/ruleline/internal/queue"
	"github.com/ruleline/ruleline/internal/store"
)

// schedule runs the periodic health-poll loop. Each tick enqueues a poll
// command per running or starting activation; delayed restart commands are
// already in the queue with a future eligibility time, so no separate
// timer wheel is needed. A rate limiter keeps a large fleet from flooding
// the queue in one tick.
func (m *Manager) schedule(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	burst := m.cfg.PollBurst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(burst), burst)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := m.pollTick(ctx, limiter); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error("poll tick failed", log.Error(err))
		}
		m.updateGauges(ctx)
	}
}

// pollTick enqueues one health poll per live activation.
func (m *Manager) pollTick(ctx context.Context, limiter *rate.Limiter) error {
	for _, status := range []store.Status{store.StatusRunning, store.StatusStarting} {
		acts, err := m.store.ListActivations(ctx, store.ActivationFilter{Status: status})
		if err != nil {
			return err
		}
		for _, act := range acts {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			cmd := &queue.Command{
				ID:           uuid.NewString(),
				Kind:         queue.KindPoll,
				ActivationID: act.ID,
				Token:        uuid.NewString(),
				RequestedAt:  time.Now(),
			}
			if err := m.queue.Enqueue(ctx, cmd); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateGauges refreshes the per-status activation gauges.
func (m *Manager) updateGauges(ctx context.Context) {
	statuses := []store.Status{
		store.StatusStopped, store.StatusStarting, store.StatusRunning,
		store.StatusStopping, store.StatusFailed, store.StatusExhausted,
	}
	for _, status := range statuses {
		acts, err := m.store.ListActivations(ctx, store.ActivationFilter{Status: status})
		if err != nil {
			return
		}
		m.metrics.SetActivations(string(status), len(acts))
	}
}
