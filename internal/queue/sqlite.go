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
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// SQLiteQueue is a durable queue implementation backed by SQLite. Commands
// survive daemon restarts; leases are stored as timestamps so an expired
// lease is visible to any worker on the next poll.
//
// The queue can share the store's database handle so a single file holds
// both state and work.
type SQLiteQueue struct {
	db         *sql.DB
	visibility time.Duration
	poll       time.Duration
	signal     chan struct{}

	closedMu sync.RWMutex
	closed   bool
}

// SQLiteConfig contains durable queue configuration.
type SQLiteConfig struct {
	// Visibility is the lease duration before redelivery.
	Visibility time.Duration

	// PollInterval bounds how long Dequeue waits between eligibility
	// checks when idle (default 250ms).
	PollInterval time.Duration
}

// NewSQLiteQueue creates a durable queue on the given database handle.
func NewSQLiteQueue(db *sql.DB, cfg SQLiteConfig) (*SQLiteQueue, error) {
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibilityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}

	q := &SQLiteQueue{
		db:         db,
		visibility: cfg.Visibility,
		poll:       cfg.PollInterval,
		signal:     make(chan struct{}, 1),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run queue migrations: %w", err)
	}
	return q, nil
}

// migrate creates the command table.
func (q *SQLiteQueue) migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS lifecycle_commands (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			activation_id TEXT NOT NULL,
			token TEXT NOT NULL,
			requested_at TEXT NOT NULL,
			eligible_at TEXT NOT NULL,
			leased_until TEXT,
			attempts INTEGER DEFAULT 0
		)`)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_commands_eligible
		ON lifecycle_commands(eligible_at, leased_until)`)
	return err
}

// Enqueue adds a command to the queue.
func (q *SQLiteQueue) Enqueue(ctx context.Context, cmd *Command) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrQueueClosed
	}
	q.closedMu.RUnlock()

	eligible := cmd.EligibleAt
	if eligible.IsZero() {
		eligible = time.Now()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO lifecycle_commands (id, kind, activation_id, token, requested_at, eligible_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		cmd.ID, string(cmd.Kind), cmd.ActivationID, cmd.Token,
		cmd.RequestedAt.Format(time.RFC3339Nano),
		eligible.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue leases and returns the next eligible command. Eligibility covers
// never-leased commands, expired leases, and delayed commands whose time
// has come.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Command, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		cmd, err := q.tryLease(ctx)
		if err != nil {
			return nil, err
		}
		if cmd != nil {
			return cmd, nil
		}

		timer := time.NewTimer(q.poll)
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

// tryLease atomically claims one eligible command. Returns (nil, nil) when
// nothing is eligible.
func (q *SQLiteQueue) tryLease(ctx context.Context) (*Command, error) {
	now := time.Now()
	nowStr := now.Format(time.RFC3339Nano)
	leaseStr := now.Add(q.visibility).Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
		UPDATE lifecycle_commands
		SET leased_until = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM lifecycle_commands
			WHERE eligible_at <= ?
			  AND (leased_until IS NULL OR leased_until <= ?)
			ORDER BY eligible_at
			LIMIT 1
		)
		RETURNING id, kind, activation_id, token, requested_at, eligible_at, attempts`,
		leaseStr, nowStr, nowStr)

	var cmd Command
	var kind, requestedAt, eligibleAt string
	err := row.Scan(&cmd.ID, &kind, &cmd.ActivationID, &cmd.Token,
		&requestedAt, &eligibleAt, &cmd.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease command: %w", err)
	}

	cmd.Kind = Kind(kind)
	cmd.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
	cmd.EligibleAt, _ = time.Parse(time.RFC3339Nano, eligibleAt)
	return &cmd, nil
}

// Ack completes a leased command.
func (q *SQLiteQueue) Ack(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM lifecycle_commands WHERE id = ? AND leased_until IS NOT NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to ack command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownLease
	}
	return nil
}

// Nack returns a leased command to the queue for immediate redelivery.
func (q *SQLiteQueue) Nack(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE lifecycle_commands SET leased_until = NULL
		WHERE id = ? AND leased_until IS NOT NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to nack command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownLease
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of commands awaiting delivery.
func (q *SQLiteQueue) Len() int {
	now := time.Now().Format(time.RFC3339Nano)
	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM lifecycle_commands
		WHERE leased_until IS NULL OR leased_until <= ?`, now).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

// Close closes the queue. The shared database handle is left open for the
// store to close.
func (q *SQLiteQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	// Nudge one idle waiter; the rest notice on their next poll. The
	// channel stays open because concurrent Enqueue calls may still
	// attempt a non-blocking send.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Compile-time interface assertions.
var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*SQLiteQueue)(nil)
)
