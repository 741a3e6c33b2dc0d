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

// Package store provides durable storage for activations, their instances,
// and the status event history.
//
// # Interface Hierarchy
//
// The store package uses interface segregation to allow minimal implementations:
//
//   - ActivationStore (core, required): CreateActivation, GetActivation, UpdateActivation
//   - InstanceStore (required for lifecycle): instance CRUD and ordered history
//   - EventStore (optional): persisted status event history beyond the relay window
//   - TokenStore (optional): idempotency token ledger for queue redelivery
//   - io.Closer (optional): Close
//
// The Store interface composes all of these for full-featured implementations.
package store

import (
	"context"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of an activation.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusFailed   Status = "failed"
	// StatusExhausted is terminal: the restart policy ran out of attempts.
	// Operator action is required to recover.
	StatusExhausted Status = "exhausted"
	// StatusDeleted is terminal: the activation was torn down on request.
	StatusDeleted Status = "deleted"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusExhausted || s == StatusDeleted
}

// InstanceStatus is the lifecycle state of a single activation run.
type InstanceStatus string

const (
	InstanceCreated  InstanceStatus = "created"
	InstanceStarting InstanceStatus = "starting"
	InstanceRunning  InstanceStatus = "running"
	InstanceStopping InstanceStatus = "stopping"
	InstanceStopped  InstanceStatus = "stopped"
	InstanceFailed   InstanceStatus = "failed"
)

// Closed reports whether the instance has finished running.
// Closed instances are append-only history and are never mutated again.
func (s InstanceStatus) Closed() bool {
	return s == InstanceStopped || s == InstanceFailed
}

// instanceRank orders instance states along the only legal path:
// created -> starting -> running -> stopping -> stopped|failed.
var instanceRank = map[InstanceStatus]int{
	InstanceCreated:  0,
	InstanceStarting: 1,
	InstanceRunning:  2,
	InstanceStopping: 3,
	InstanceStopped:  4,
	InstanceFailed:   4,
}

// CanAdvance reports whether moving from s to next is monotonic.
func (s InstanceStatus) CanAdvance(next InstanceStatus) bool {
	return instanceRank[next] > instanceRank[s] ||
		(s == next)
}

// RestartRule controls when the restart policy applies.
type RestartRule string

const (
	// RestartOnFailure restarts only after a nonzero exit.
	RestartOnFailure RestartRule = "on-failure"
	// RestartAlways restarts after any exit, clean or not.
	RestartAlways RestartRule = "always"
	// RestartNever disables automatic restarts.
	RestartNever RestartRule = "never"
)

// RestartPolicy describes how an activation recovers from exits.
type RestartPolicy struct {
	// Rule controls which exits trigger a restart.
	Rule RestartRule `yaml:"rule" json:"rule"`

	// MaxRetries bounds consecutive restart attempts before the
	// activation goes terminal.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Backoff is the sequence of delays between attempts. Attempts beyond
	// the last entry reuse it.
	Backoff []time.Duration `yaml:"backoff" json:"backoff"`
}

// Delay returns the backoff delay to apply before the given attempt
// (1-based). A policy with no schedule restarts immediately.
func (p RestartPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// Activation is a configured event-driven automation unit. It is owned by
// the state machine: all mutation goes through serialized transitions.
type Activation struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RulebookRef string `json:"rulebook_ref"`

	// Backend selects the runtime backend for this activation
	// (e.g. "local", "podman", "cluster"). Heterogeneous backends coexist.
	Backend string `json:"backend"`

	// Image is the worker image or command path the backend launches.
	Image string `json:"image"`

	// Command and Env parameterize the worker process.
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Secret is opaque material handed to the worker at launch.
	// Never logged.
	Secret string `json:"-"`

	// MemLimit is a backend-interpreted resource limit (e.g. "512m").
	MemLimit string `json:"mem_limit,omitempty"`

	RestartPolicy RestartPolicy `json:"restart_policy"`

	Status       Status `json:"status"`
	RestartCount int    `json:"restart_count"`

	// CurrentInstanceID is the zero-or-one non-terminal instance.
	// Empty when no instance is live.
	CurrentInstanceID string `json:"current_instance_id,omitempty"`

	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
	LastStoppedAt *time.Time `json:"last_stopped_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Instance is one concrete run of an activation.
type Instance struct {
	ID           string `json:"id"`
	ActivationID string `json:"activation_id"`

	// Seq is the per-activation run sequence number, starting at 1.
	Seq int `json:"seq"`

	// Handle is the backend-scoped process/container/pod identifier.
	// Empty until the adapter has created the workload.
	Handle string `json:"handle,omitempty"`

	Backend string         `json:"backend"`
	Status  InstanceStatus `json:"status"`

	ExitCode   *int   `json:"exit_code,omitempty"`
	ExitReason string `json:"exit_reason,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Event is one persisted status/log record for an instance. Sequence
// numbers are strictly increasing and gap-free per instance.
type Event struct {
	ActivationID string    `json:"activation_id"`
	InstanceID   string    `json:"instance_id"`
	Seq          int64     `json:"seq"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// ActivationFilter contains filtering options for listing activations.
type ActivationFilter struct {
	Status  Status
	Backend string
	Limit   int
}

// ActivationStore is the core interface for activation records.
type ActivationStore interface {
	// CreateActivation creates a new activation record.
	CreateActivation(ctx context.Context, a *Activation) error

	// GetActivation retrieves an activation by ID.
	GetActivation(ctx context.Context, id string) (*Activation, error)

	// UpdateActivation updates an existing activation.
	UpdateActivation(ctx context.Context, a *Activation) error

	// ListActivations lists activations with optional filtering.
	ListActivations(ctx context.Context, filter ActivationFilter) ([]*Activation, error)

	// DeleteActivation removes an activation and its history.
	DeleteActivation(ctx context.Context, id string) error
}

// InstanceStore manages the per-activation run history.
type InstanceStore interface {
	// CreateInstance appends a new instance to an activation's history.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstance updates a non-closed instance.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// ListInstances returns an activation's instances ordered by Seq.
	ListInstances(ctx context.Context, activationID string) ([]*Instance, error)

	// ListOpenInstances returns all non-closed instances across activations.
	// Used by startup reconciliation.
	ListOpenInstances(ctx context.Context) ([]*Instance, error)
}

// EventStore persists status events beyond the relay's in-memory window.
type EventStore interface {
	// AppendEvents appends events to an instance's history.
	AppendEvents(ctx context.Context, events []*Event) error

	// ListEvents returns events for an instance with Seq >= fromSeq,
	// ordered by Seq.
	ListEvents(ctx context.Context, instanceID string, fromSeq int64) ([]*Event, error)
}

// TokenStore records idempotency tokens of processed commands.
type TokenStore interface {
	// RecordToken records a token. Returns ErrDuplicateToken if the token
	// was recorded before. First write wins.
	RecordToken(ctx context.Context, token string) error

	// HasToken reports whether a token was recorded before.
	HasToken(ctx context.Context, token string) (bool, error)
}

// Store is the full interface for lifecycle manager storage.
type Store interface {
	ActivationStore
	InstanceStore
	EventStore
	TokenStore
	io.Closer
}

// EncodePolicy serializes a restart policy for storage columns.
func EncodePolicy(p RestartPolicy) (string, error) {
	out, err := yaml.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecodePolicy deserializes a restart policy from a storage column.
func DecodePolicy(raw string) (RestartPolicy, error) {
	var p RestartPolicy
	if raw == "" {
		return p, nil
	}
	err := yaml.Unmarshal([]byte(raw), &p)
	return p, err
}
