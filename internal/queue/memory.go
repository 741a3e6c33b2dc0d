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

package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// lease tracks an in-flight command and its redelivery deadline.
type lease struct {
	cmd     *Command
	expires time.Time
}

// MemoryQueue is an in-memory queue implementation with visibility-timeout
// redelivery. Suitable for tests and single-process deployments where
// durability across restarts is not required.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []*Command // sorted by EligibleAt
	leases   map[string]*lease
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex

	visibility time.Duration
	now        func() time.Time
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		pending:    make([]*Command, 0),
		leases:     make(map[string]*lease),
		signal:     make(chan struct{}, 1),
		visibility: visibility,
		now:        time.Now,
	}
}

// Enqueue adds a command to the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, cmd *Command) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrQueueClosed
	}
	q.closedMu.RUnlock()

	c := *cmd
	if c.EligibleAt.IsZero() {
		c.EligibleAt = q.now()
	}

	q.mu.Lock()
	q.pending = append(q.pending, &c)
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].EligibleAt.Before(q.pending[j].EligibleAt)
	})
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue leases and returns the next eligible command.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Command, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		now := q.now()
		q.reapExpiredLocked(now)

		if len(q.pending) > 0 && !q.pending[0].EligibleAt.After(now) {
			cmd := q.pending[0]
			q.pending = q.pending[1:]
			cmd.Attempts++
			q.leases[cmd.ID] = &lease{cmd: cmd, expires: now.Add(q.visibility)}
			out := *cmd
			q.mu.Unlock()
			return &out, nil
		}

		wait := q.nextWakeLocked(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack completes a leased command.
func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leases[id]; !ok {
		return ErrUnknownLease
	}
	delete(q.leases, id)
	return nil
}

// Nack returns a leased command to the queue for immediate redelivery.
func (q *MemoryQueue) Nack(ctx context.Context, id string) error {
	q.mu.Lock()
	l, ok := q.leases[id]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownLease
	}
	delete(q.leases, id)
	l.cmd.EligibleAt = q.now()
	q.pending = append([]*Command{l.cmd}, q.pending...)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Len returns the number of commands awaiting delivery.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close closes the queue.
func (q *MemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

// reapExpiredLocked returns expired leases to the pending list.
// Caller holds q.mu.
func (q *MemoryQueue) reapExpiredLocked(now time.Time) {
	for id, l := range q.leases {
		if now.After(l.expires) {
			delete(q.leases, id)
			l.cmd.EligibleAt = now
			q.pending = append(q.pending, l.cmd)
		}
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].EligibleAt.Before(q.pending[j].EligibleAt)
	})
}

// nextWakeLocked computes how long Dequeue may sleep before the next
// delayed command or lease expiry becomes actionable. Caller holds q.mu.
func (q *MemoryQueue) nextWakeLocked(now time.Time) time.Duration {
	wait := time.Second
	if len(q.pending) > 0 {
		if d := q.pending[0].EligibleAt.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	for _, l := range q.leases {
		if d := l.expires.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// wake signals a blocked Dequeue that the queue changed.
func (q *MemoryQueue) wake() {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
