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

// Package relay fans worker status and log events out to subscribers.
//
// Every event carries a per-instance sequence number, strictly increasing
// and gap-free. Events are persisted before they are relayed, so a
// subscriber can always close a gap by replaying from the store. A bounded
// in-memory window serves recent replays without touching the store.
//
// A subscriber that cannot keep up is disconnected rather than silently
// skipped: its channel closes and it resubscribes from its last seen
// sequence number, which preserves the gap-free guarantee.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruleline/ruleline/internal/log"
	"github.com/ruleline/ruleline/internal/runtime"
	"github.com/ruleline/ruleline/internal/store"
	"github.com/ruleline/ruleline/pkg/errors"
)

// Event levels.
const (
	LevelLog    = "log"
	LevelStatus = "status"
	LevelError  = "error"
)

// DefaultWindow is the per-instance replay window size.
const DefaultWindow = 1024

const subscriberBuffer = 256

// stream is the per-instance event pipeline.
type stream struct {
	mu      sync.Mutex
	primed  bool
	lastSeq int64
	window  []store.Event // ring of the most recent events
	start   int           // index of the oldest buffered event
	count   int
	subs    map[chan store.Event]struct{}
}

// Relay distributes instance events to live subscribers and the event store.
type Relay struct {
	events store.EventStore
	window int
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// New creates a relay persisting through the given event store.
func New(events store.EventStore, logger *slog.Logger) *Relay {
	return &Relay{
		events:  events,
		window:  DefaultWindow,
		logger:  log.WithComponent(logger, "relay"),
		streams: make(map[string]*stream),
	}
}

func (r *Relay) stream(instanceID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[instanceID]
	if !ok {
		s = &stream{
			window: make([]store.Event, r.window),
			subs:   make(map[chan store.Event]struct{}),
		}
		r.streams[instanceID] = s
	}
	return s
}

// Resume primes a stream's sequence counter from the store so numbering
// continues across daemon restarts.
func (r *Relay) Resume(ctx context.Context, activationID, instanceID string) error {
	s := r.stream(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.primeLocked(ctx, s, instanceID)
}

// primeLocked loads the last persisted sequence number the first time a
// stream is touched. Numbering therefore continues across daemon restarts
// and across Release dropping the in-memory stream. Caller holds s.mu.
func (r *Relay) primeLocked(ctx context.Context, s *stream, instanceID string) error {
	if s.primed {
		return nil
	}
	persisted, err := r.events.ListEvents(ctx, instanceID, 0)
	if err != nil {
		return errors.Wrap(err, "failed to prime event stream")
	}
	for _, ev := range persisted {
		if ev.Seq > s.lastSeq {
			s.lastSeq = ev.Seq
		}
	}
	s.primed = true
	return nil
}

// Publish assigns the next sequence number, persists the event, and fans it
// out. The store write happens before any subscriber sees the event.
func (r *Relay) Publish(ctx context.Context, activationID, instanceID, level, message string) (int64, error) {
	s := r.stream(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.primeLocked(ctx, s, instanceID); err != nil {
		return 0, err
	}

	ev := store.Event{
		ActivationID: activationID,
		InstanceID:   instanceID,
		Seq:          s.lastSeq + 1,
		Level:        level,
		Message:      message,
		Timestamp:    time.Now(),
	}

	if err := r.events.AppendEvents(ctx, []*store.Event{&ev}); err != nil {
		return 0, errors.Wrap(err, "failed to persist event")
	}
	s.lastSeq = ev.Seq

	// Ring append.
	idx := (s.start + s.count) % len(s.window)
	if s.count == len(s.window) {
		s.start = (s.start + 1) % len(s.window)
		s.window[idx] = ev
	} else {
		s.window[idx] = ev
		s.count++
	}

	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Lagging subscriber; disconnect so it replays on return.
			delete(s.subs, ch)
			close(ch)
			r.logger.Warn("disconnected lagging subscriber",
				slog.String(log.InstanceIDKey, instanceID),
				slog.Int64(log.SeqKey, ev.Seq))
		}
	}
	return ev.Seq, nil
}

// Subscribe returns events for an instance starting at fromSeq. Events
// below the in-memory window are replayed from the store. The returned
// cancel function releases the subscription; the channel also closes if
// the subscriber falls too far behind.
func (r *Relay) Subscribe(ctx context.Context, instanceID string, fromSeq int64) (<-chan store.Event, func(), error) {
	s := r.stream(instanceID)

	s.mu.Lock()
	var replay []store.Event
	oldest := int64(0)
	if s.count > 0 {
		oldest = s.window[s.start].Seq
	}

	if fromSeq > 0 && (s.count == 0 || fromSeq < oldest) {
		// Requested range predates the window; pull it from the store.
		s.mu.Unlock()
		persisted, err := r.events.ListEvents(ctx, instanceID, fromSeq)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to replay events")
		}
		s.mu.Lock()
		replay = make([]store.Event, 0, len(persisted))
		for _, ev := range persisted {
			replay = append(replay, *ev)
		}
	}

	// Append any windowed events not already covered by the store replay.
	covered := fromSeq - 1
	if n := len(replay); n > 0 {
		covered = replay[n-1].Seq
	}
	for i := 0; i < s.count; i++ {
		ev := s.window[(s.start+i)%len(s.window)]
		if ev.Seq > covered && ev.Seq >= fromSeq {
			replay = append(replay, ev)
		}
	}

	live := make(chan store.Event, subscriberBuffer)
	s.subs[live] = struct{}{}
	s.mu.Unlock()

	out := make(chan store.Event, subscriberBuffer)
	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[live]; ok {
			delete(s.subs, live)
			close(live)
		}
		s.mu.Unlock()
	}

	go func() {
		defer close(out)
		lastSent := int64(0)
		for _, ev := range replay {
			select {
			case out <- ev:
				lastSent = ev.Seq
			case <-ctx.Done():
				cancel()
				return
			}
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				// Live events that raced the replay are duplicates.
				if ev.Seq <= lastSent {
					continue
				}
				select {
				case out <- ev:
					lastSent = ev.Seq
				case <-ctx.Done():
					cancel()
					return
				}
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
	return out, cancel, nil
}

// Pump drains a backend log stream into the relay until the stream closes
// or ctx is cancelled. Returns the timestamp of the last relayed line, the
// resume point for a reconnect.
func (r *Relay) Pump(ctx context.Context, activationID, instanceID string, lines <-chan runtime.LogLine) (time.Time, error) {
	var last time.Time
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return last, nil
			}
			if _, err := r.Publish(ctx, activationID, instanceID, LevelLog, line.Text); err != nil {
				return last, err
			}
			last = line.Timestamp
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

// Release drops the in-memory stream for an instance once it is closed.
// Persisted events remain readable through the store.
func (r *Relay) Release(instanceID string) {
	r.mu.Lock()
	s, ok := r.streams[instanceID]
	if ok {
		delete(r.streams, instanceID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.mu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan store.Event]struct{})
	s.mu.Unlock()
}
