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

// Package postgres provides a PostgreSQL store implementation for
// deployments that already run a relational database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ruleline/ruleline/internal/store"
	"github.com/ruleline/ruleline/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.ActivationStore = (*Store)(nil)
	_ store.InstanceStore   = (*Store)(nil)
	_ store.EventStore      = (*Store)(nil)
	_ store.TokenStore      = (*Store)(nil)
	_ store.Store           = (*Store)(nil)
)

// Store is a PostgreSQL storage implementation.
type Store struct {
	db *sql.DB
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection URL.
	ConnectionString string

	// MaxOpenConns bounds the connection pool (default 10).
	MaxOpenConns int

	// MaxIdleConns bounds idle connections (default 5).
	MaxIdleConns int

	// ConnMaxLifetime recycles connections after this duration.
	ConnMaxLifetime time.Duration
}

// New creates a new PostgreSQL store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS activations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			rulebook_ref TEXT NOT NULL,
			backend TEXT NOT NULL,
			image TEXT NOT NULL,
			command JSONB,
			env JSONB,
			secret TEXT,
			mem_limit TEXT,
			restart_policy TEXT,
			status TEXT NOT NULL,
			restart_count INTEGER DEFAULT 0,
			current_instance_id TEXT,
			last_started_at TIMESTAMPTZ,
			last_stopped_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activations_status ON activations(status)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			activation_id TEXT NOT NULL REFERENCES activations(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			handle TEXT,
			backend TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			exit_reason TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_activation ON instances(activation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS events (
			instance_id TEXT NOT NULL,
			activation_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (instance_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateActivation creates a new activation record.
func (s *Store) CreateActivation(ctx context.Context, a *store.Activation) error {
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt

	command, env, policy, err := encodeActivation(a)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activations (
			id, name, rulebook_ref, backend, image, command, env, secret,
			mem_limit, restart_policy, status, restart_count,
			current_instance_id, last_started_at, last_stopped_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.Name, a.RulebookRef, a.Backend, a.Image, command, env,
		a.Secret, a.MemLimit, policy, string(a.Status), a.RestartCount,
		nullString(a.CurrentInstanceID), a.LastStartedAt, a.LastStoppedAt,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create activation: %w", err)
	}
	return nil
}

// GetActivation retrieves an activation by ID.
func (s *Store) GetActivation(ctx context.Context, id string) (*store.Activation, error) {
	row := s.db.QueryRowContext(ctx, selectActivation+` WHERE id = $1`, id)
	a, err := scanActivation(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "activation", ID: id}
	}
	return a, err
}

// UpdateActivation updates an existing activation.
func (s *Store) UpdateActivation(ctx context.Context, a *store.Activation) error {
	a.UpdatedAt = time.Now()

	command, env, policy, err := encodeActivation(a)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE activations SET
			name = $1, rulebook_ref = $2, backend = $3, image = $4,
			command = $5, env = $6, secret = $7, mem_limit = $8,
			restart_policy = $9, status = $10, restart_count = $11,
			current_instance_id = $12, last_started_at = $13,
			last_stopped_at = $14, updated_at = $15
		WHERE id = $16`,
		a.Name, a.RulebookRef, a.Backend, a.Image, command, env, a.Secret,
		a.MemLimit, policy, string(a.Status), a.RestartCount,
		nullString(a.CurrentInstanceID), a.LastStartedAt, a.LastStoppedAt,
		a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update activation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "activation", ID: a.ID}
	}
	return nil
}

// ListActivations lists activations with optional filtering.
func (s *Store) ListActivations(ctx context.Context, filter store.ActivationFilter) ([]*store.Activation, error) {
	query := selectActivation
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Backend != "" {
		args = append(args, filter.Backend)
		conds = append(conds, fmt.Sprintf("backend = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations: %w", err)
	}
	defer rows.Close()

	var result []*store.Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// DeleteActivation removes an activation and its history.
func (s *Store) DeleteActivation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM activations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete activation: %w", err)
	}
	return nil
}

// CreateInstance appends a new instance to an activation's history.
func (s *Store) CreateInstance(ctx context.Context, inst *store.Instance) error {
	inst.CreatedAt = time.Now()
	inst.UpdatedAt = inst.CreatedAt

	var exitCode any
	if inst.ExitCode != nil {
		exitCode = *inst.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (
			id, activation_id, seq, handle, backend, status, exit_code,
			exit_reason, started_at, ended_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID, inst.ActivationID, inst.Seq, nullString(inst.Handle),
		inst.Backend, string(inst.Status), exitCode, inst.ExitReason,
		inst.StartedAt, inst.EndedAt, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	row := s.db.QueryRowContext(ctx, selectInstance+` WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "instance", ID: id}
	}
	return inst, err
}

// UpdateInstance updates a non-closed instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *store.Instance) error {
	existing, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if existing.Status.Closed() {
		return store.ErrClosedInstance
	}
	if !existing.Status.CanAdvance(inst.Status) {
		return store.ErrBackwardTransition
	}

	inst.UpdatedAt = time.Now()
	var exitCode any
	if inst.ExitCode != nil {
		exitCode = *inst.ExitCode
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE instances SET
			handle = $1, status = $2, exit_code = $3, exit_reason = $4,
			started_at = $5, ended_at = $6, updated_at = $7
		WHERE id = $8`,
		nullString(inst.Handle), string(inst.Status), exitCode,
		inst.ExitReason, inst.StartedAt, inst.EndedAt, inst.UpdatedAt,
		inst.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return nil
}

// ListInstances returns an activation's instances ordered by Seq.
func (s *Store) ListInstances(ctx context.Context, activationID string) ([]*store.Instance, error) {
	return s.queryInstances(ctx,
		selectInstance+` WHERE activation_id = $1 ORDER BY seq`, activationID)
}

// ListOpenInstances returns all non-closed instances across activations.
func (s *Store) ListOpenInstances(ctx context.Context) ([]*store.Instance, error) {
	return s.queryInstances(ctx,
		selectInstance+` WHERE status NOT IN ('stopped', 'failed') ORDER BY created_at`)
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]*store.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var result []*store.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// AppendEvents appends events to an instance's history.
func (s *Store) AppendEvents(ctx context.Context, events []*store.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (instance_id, activation_id, seq, level, message, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.InstanceID, ev.ActivationID, ev.Seq, ev.Level, ev.Message,
			ev.Timestamp); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}
	return tx.Commit()
}

// ListEvents returns events for an instance with Seq >= fromSeq.
func (s *Store) ListEvents(ctx context.Context, instanceID string, fromSeq int64) ([]*store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, activation_id, seq, level, message, timestamp
		FROM events WHERE instance_id = $1 AND seq >= $2 ORDER BY seq`,
		instanceID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var result []*store.Event
	for rows.Next() {
		var ev store.Event
		if err := rows.Scan(&ev.InstanceID, &ev.ActivationID, &ev.Seq,
			&ev.Level, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// RecordToken records an idempotency token. First write wins.
func (s *Store) RecordToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (token, recorded_at) VALUES ($1, $2)
		ON CONFLICT (token) DO NOTHING`,
		token, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrDuplicateToken
	}
	return nil
}

// HasToken reports whether a token was recorded before.
func (s *Store) HasToken(ctx context.Context, token string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens WHERE token = $1`, token).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query token: %w", err)
	}
	return n > 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectActivation = `
	SELECT id, name, rulebook_ref, backend, image, command, env, secret,
	       mem_limit, restart_policy, status, restart_count,
	       current_instance_id, last_started_at, last_stopped_at,
	       created_at, updated_at
	FROM activations`

const selectInstance = `
	SELECT id, activation_id, seq, handle, backend, status, exit_code,
	       exit_reason, started_at, ended_at, created_at, updated_at
	FROM instances`

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func encodeActivation(a *store.Activation) (command, env any, policy string, err error) {
	if len(a.Command) > 0 {
		out, err := json.Marshal(a.Command)
		if err != nil {
			return nil, nil, "", fmt.Errorf("failed to encode command: %w", err)
		}
		command = string(out)
	}
	if len(a.Env) > 0 {
		out, err := json.Marshal(a.Env)
		if err != nil {
			return nil, nil, "", fmt.Errorf("failed to encode env: %w", err)
		}
		env = string(out)
	}
	policy, err = store.EncodePolicy(a.RestartPolicy)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to encode restart policy: %w", err)
	}
	return command, env, policy, nil
}

func scanActivation(row scanner) (*store.Activation, error) {
	var a store.Activation
	var command, env, policy, currentInstance sql.NullString
	var status string
	var lastStarted, lastStopped sql.NullTime

	err := row.Scan(&a.ID, &a.Name, &a.RulebookRef, &a.Backend, &a.Image,
		&command, &env, &a.Secret, &a.MemLimit, &policy, &status,
		&a.RestartCount, &currentInstance, &lastStarted, &lastStopped,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Status = store.Status(status)
	a.CurrentInstanceID = currentInstance.String
	if command.Valid && command.String != "" {
		if err := json.Unmarshal([]byte(command.String), &a.Command); err != nil {
			return nil, fmt.Errorf("failed to decode command: %w", err)
		}
	}
	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &a.Env); err != nil {
			return nil, fmt.Errorf("failed to decode env: %w", err)
		}
	}
	if policy.Valid {
		a.RestartPolicy, err = store.DecodePolicy(policy.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decode restart policy: %w", err)
		}
	}
	if lastStarted.Valid {
		t := lastStarted.Time
		a.LastStartedAt = &t
	}
	if lastStopped.Valid {
		t := lastStopped.Time
		a.LastStoppedAt = &t
	}
	return &a, nil
}

func scanInstance(row scanner) (*store.Instance, error) {
	var inst store.Instance
	var status string
	var handle sql.NullString
	var exitCode sql.NullInt64
	var startedAt, endedAt sql.NullTime

	err := row.Scan(&inst.ID, &inst.ActivationID, &inst.Seq, &handle,
		&inst.Backend, &status, &exitCode, &inst.ExitReason,
		&startedAt, &endedAt, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}

	inst.Status = store.InstanceStatus(status)
	inst.Handle = handle.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		inst.ExitCode = &code
	}
	if startedAt.Valid {
		t := startedAt.Time
		inst.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		inst.EndedAt = &t
	}
	return &inst, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
