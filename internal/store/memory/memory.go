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

// Package memory provides an in-memory store implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ruleline/ruleline/internal/store"
	"github.com/ruleline/ruleline/pkg/errors"
)

// Compile-time interface assertions.
// Ensures Store implements all segregated interfaces.
var (
	_ store.ActivationStore = (*Store)(nil)
	_ store.InstanceStore   = (*Store)(nil)
	_ store.EventStore      = (*Store)(nil)
	_ store.TokenStore      = (*Store)(nil)
	_ store.Store           = (*Store)(nil)
)

// Store is an in-memory storage implementation.
type Store struct {
	mu          sync.RWMutex
	activations map[string]*store.Activation
	instances   map[string]*store.Instance
	events      map[string][]*store.Event // keyed by instance ID
	tokens      map[string]struct{}
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		activations: make(map[string]*store.Activation),
		instances:   make(map[string]*store.Instance),
		events:      make(map[string][]*store.Event),
		tokens:      make(map[string]struct{}),
	}
}

// CreateActivation creates a new activation record.
func (s *Store) CreateActivation(ctx context.Context, a *store.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activations[a.ID]; exists {
		return errors.New("activation already exists: " + a.ID)
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	s.activations[a.ID] = &cp
	return nil
}

// GetActivation retrieves an activation by ID.
func (s *Store) GetActivation(ctx context.Context, id string) (*store.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.activations[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "activation", ID: id}
	}
	cp := *a
	return &cp, nil
}

// UpdateActivation updates an existing activation.
func (s *Store) UpdateActivation(ctx context.Context, a *store.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activations[a.ID]; !exists {
		return &errors.NotFoundError{Resource: "activation", ID: a.ID}
	}
	a.UpdatedAt = time.Now()
	cp := *a
	s.activations[a.ID] = &cp
	return nil
}

// ListActivations lists activations with optional filtering.
func (s *Store) ListActivations(ctx context.Context, filter store.ActivationFilter) ([]*store.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Activation
	for _, a := range s.activations {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Backend != "" && a.Backend != filter.Backend {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// DeleteActivation removes an activation and its history.
func (s *Store) DeleteActivation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activations, id)
	for instID, inst := range s.instances {
		if inst.ActivationID == id {
			delete(s.instances, instID)
			delete(s.events, instID)
		}
	}
	return nil
}

// CreateInstance appends a new instance to an activation's history.
func (s *Store) CreateInstance(ctx context.Context, inst *store.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst.CreatedAt = time.Now()
	inst.UpdatedAt = inst.CreatedAt
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "instance", ID: id}
	}
	cp := *inst
	return &cp, nil
}

// UpdateInstance updates a non-closed instance. Updates to closed instances
// and backward status moves are rejected.
func (s *Store) UpdateInstance(ctx context.Context, inst *store.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return &errors.NotFoundError{Resource: "instance", ID: inst.ID}
	}
	if existing.Status.Closed() {
		return store.ErrClosedInstance
	}
	if !existing.Status.CanAdvance(inst.Status) {
		return store.ErrBackwardTransition
	}
	inst.UpdatedAt = time.Now()
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

// ListInstances returns an activation's instances ordered by Seq.
func (s *Store) ListInstances(ctx context.Context, activationID string) ([]*store.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Instance
	for _, inst := range s.instances {
		if inst.ActivationID == activationID {
			cp := *inst
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

// ListOpenInstances returns all non-closed instances across activations.
func (s *Store) ListOpenInstances(ctx context.Context) ([]*store.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Instance
	for _, inst := range s.instances {
		if !inst.Status.Closed() {
			cp := *inst
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// AppendEvents appends events to an instance's history.
func (s *Store) AppendEvents(ctx context.Context, events []*store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		cp := *ev
		s.events[ev.InstanceID] = append(s.events[ev.InstanceID], &cp)
	}
	return nil
}

// ListEvents returns events for an instance with Seq >= fromSeq.
func (s *Store) ListEvents(ctx context.Context, instanceID string, fromSeq int64) ([]*store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Event
	for _, ev := range s.events[instanceID] {
		if ev.Seq >= fromSeq {
			cp := *ev
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

// RecordToken records an idempotency token. First write wins.
func (s *Store) RecordToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.tokens[token]; seen {
		return store.ErrDuplicateToken
	}
	s.tokens[token] = struct{}{}
	return nil
}

// HasToken reports whether a token was recorded before.
func (s *Store) HasToken(ctx context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, seen := s.tokens[token]
	return seen, nil
}

// Close releases resources. No-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
