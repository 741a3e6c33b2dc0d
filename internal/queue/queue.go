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

// Package queue provides the at-least-once lifecycle command queue.
//
// Delivery contract: a dequeued command is leased for the queue's visibility
// timeout. A worker that neither acks nor nacks within the lease (e.g. it
// crashed) gets the command redelivered to another worker. Consumers must
// therefore treat processing as safely retryable; the idempotency token on
// each command is the dedupe key.
package queue

import (
	"context"
	"errors"
	"time"
)

// Kind identifies a lifecycle command.
type Kind string

const (
	KindStart   Kind = "start"
	KindStop    Kind = "stop"
	KindRestart Kind = "restart"
	KindDelete  Kind = "delete"
	// KindPoll is a periodic health poll for a running activation,
	// injected by the scheduler.
	KindPoll Kind = "poll"
)

// Command is a queued unit of lifecycle work. Commands are immutable once
// enqueued.
type Command struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	ActivationID string    `json:"activation_id"`

	// Token is the idempotency token; duplicates with the same token are
	// no-ops at the consumer.
	Token string `json:"token"`

	RequestedAt time.Time `json:"requested_at"`

	// EligibleAt defers delivery for scheduled work (restart backoff,
	// health polls). Zero means immediately eligible.
	EligibleAt time.Time `json:"eligible_at,omitempty"`

	// Attempts counts deliveries, maintained by the queue.
	Attempts int `json:"attempts"`
}

// Queue defines the interface for lifecycle command queues.
type Queue interface {
	// Enqueue adds a command to the queue, honoring its EligibleAt.
	Enqueue(ctx context.Context, cmd *Command) error

	// Dequeue leases and returns the next eligible command.
	// Blocks until a command is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Command, error)

	// Ack completes a leased command, removing it from the queue.
	Ack(ctx context.Context, id string) error

	// Nack returns a leased command to the queue for immediate redelivery.
	Nack(ctx context.Context, id string) error

	// Len returns the number of commands awaiting delivery.
	Len() int

	// Close closes the queue.
	Close() error
}

// ErrQueueClosed is returned when operations are performed on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// ErrUnknownLease is returned by Ack/Nack for a command that is not leased,
// typically because its visibility timeout already expired.
var ErrUnknownLease = errors.New("command is not leased")

// DefaultVisibilityTimeout is how long a dequeued command stays invisible
// before it is redelivered.
const DefaultVisibilityTimeout = 30 * time.Second
