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

package errors

import (
	"fmt"
)

// InvalidTransitionError represents a lifecycle request that is not legal
// from the activation's current state. It is rejected synchronously and
// produces no state change.
type InvalidTransitionError struct {
	// ActivationID identifies the target activation
	ActivationID string

	// From is the state the activation was in when the request arrived
	From string

	// Requested is the operation that was rejected (e.g. "start", "stop")
	Requested string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s activation %s in state %s",
		e.Requested, e.ActivationID, e.From)
}

// AdapterFailureError represents a runtime backend that could not perform a
// requested lifecycle operation. It drives the activation to the failed
// state and is retried per restart policy.
type AdapterFailureError struct {
	// Backend is the runtime backend name (e.g. "local", "podman")
	Backend string

	// Operation is the adapter verb that failed (e.g. "create", "inspect")
	Operation string

	// Message is the human-readable error description
	Message string

	// Transient marks failures that were retried locally before surfacing
	Transient bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *AdapterFailureError) Error() string {
	msg := fmt.Sprintf("adapter failure: %s %s: %s", e.Backend, e.Operation, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AdapterFailureError) Unwrap() error {
	return e.Cause
}

// RetriesExhaustedError represents an activation whose restart policy has run
// out of attempts. The activation is terminal until an operator intervenes.
type RetriesExhaustedError struct {
	// ActivationID identifies the activation
	ActivationID string

	// Attempts is the number of restart attempts made
	Attempts int
}

// Error implements the error interface.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for activation %s after %d attempts",
		e.ActivationID, e.Attempts)
}

// RedeliveryConflictError represents a queued command redelivered after its
// effects already landed. It is resolved via the idempotency token, logged,
// and never surfaced to the caller as a failure.
type RedeliveryConflictError struct {
	// Token is the idempotency token that was seen before
	Token string

	// ActivationID identifies the target activation
	ActivationID string
}

// Error implements the error interface.
func (e *RedeliveryConflictError) Error() string {
	return fmt.Sprintf("command token %s for activation %s was already processed",
		e.Token, e.ActivationID)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "activation", "instance")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "queue.workers")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsAdapterFailure reports whether err is (or wraps) an AdapterFailureError.
func IsAdapterFailure(err error) bool {
	var af *AdapterFailureError
	return As(err, &af)
}

// IsInvalidTransition reports whether err is (or wraps) an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return As(err, &it)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return As(err, &nf)
}
