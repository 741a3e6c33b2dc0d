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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ruleline/ruleline/internal/store"
	"github.com/ruleline/ruleline/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivationCRUD(t *testing.T) {
	s := New()
	ctx := context.Background()

	act := &store.Activation{
		ID:          "act-1",
		Name:        "webhook-responder",
		RulebookRef: "rulebooks/webhook.yml",
		Backend:     "local",
		Image:       "/usr/bin/ruleline-worker",
		Status:      store.StatusStopped,
	}
	require.NoError(t, s.CreateActivation(ctx, act))

	got, err := s.GetActivation(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, "webhook-responder", got.Name)
	assert.Equal(t, store.StatusStopped, got.Status)

	got.Status = store.StatusStarting
	require.NoError(t, s.UpdateActivation(ctx, got))

	got, err = s.GetActivation(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStarting, got.Status)

	_, err = s.GetActivation(ctx, "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestGetActivation_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateActivation(ctx, &store.Activation{
		ID:     "act-1",
		Status: store.StatusStopped,
	}))

	a, err := s.GetActivation(ctx, "act-1")
	require.NoError(t, err)
	a.Status = store.StatusRunning // mutate the copy, not the store

	b, err := s.GetActivation(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, b.Status)
}

func TestInstanceHistory(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.CreateInstance(ctx, &store.Instance{
			ID:           string(rune('a'+i-1)) + "-inst",
			ActivationID: "act-1",
			Seq:          i,
			Backend:      "local",
			Status:       store.InstanceStopped,
		}))
	}

	insts, err := s.ListInstances(ctx, "act-1")
	require.NoError(t, err)
	require.Len(t, insts, 3)
	for i, inst := range insts {
		assert.Equal(t, i+1, inst.Seq)
	}
}

func TestUpdateInstance_ClosedIsImmutable(t *testing.T) {
	s := New()
	ctx := context.Background()

	inst := &store.Instance{
		ID:           "inst-1",
		ActivationID: "act-1",
		Seq:          1,
		Backend:      "local",
		Status:       store.InstanceStopped,
	}
	require.NoError(t, s.CreateInstance(ctx, inst))

	inst.Status = store.InstanceRunning
	err := s.UpdateInstance(ctx, inst)
	assert.ErrorIs(t, err, store.ErrClosedInstance)
}

func TestUpdateInstance_NoBackwardMoves(t *testing.T) {
	s := New()
	ctx := context.Background()

	inst := &store.Instance{
		ID:           "inst-1",
		ActivationID: "act-1",
		Seq:          1,
		Backend:      "local",
		Status:       store.InstanceRunning,
	}
	require.NoError(t, s.CreateInstance(ctx, inst))

	inst.Status = store.InstanceStarting
	err := s.UpdateInstance(ctx, inst)
	assert.ErrorIs(t, err, store.ErrBackwardTransition)

	inst.Status = store.InstanceStopping
	assert.NoError(t, s.UpdateInstance(ctx, inst))
}

func TestListOpenInstances(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateInstance(ctx, &store.Instance{
		ID: "open", ActivationID: "a", Seq: 1, Status: store.InstanceRunning,
	}))
	require.NoError(t, s.CreateInstance(ctx, &store.Instance{
		ID: "closed", ActivationID: "a", Seq: 2, Status: store.InstanceFailed,
	}))

	open, err := s.ListOpenInstances(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].ID)
}

func TestEvents(t *testing.T) {
	s := New()
	ctx := context.Background()

	var events []*store.Event
	for seq := int64(1); seq <= 5; seq++ {
		events = append(events, &store.Event{
			ActivationID: "act-1",
			InstanceID:   "inst-1",
			Seq:          seq,
			Level:        "info",
			Message:      "line",
			Timestamp:    time.Now(),
		})
	}
	require.NoError(t, s.AppendEvents(ctx, events))

	got, err := s.ListEvents(ctx, "inst-1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(5), got[2].Seq)
}

func TestRecordToken_FirstWriteWins(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.RecordToken(ctx, "tok-1"))
	assert.ErrorIs(t, s.RecordToken(ctx, "tok-1"), store.ErrDuplicateToken)
	assert.NoError(t, s.RecordToken(ctx, "tok-2"))
}

func TestDeleteActivation_RemovesHistory(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateActivation(ctx, &store.Activation{ID: "act-1"}))
	require.NoError(t, s.CreateInstance(ctx, &store.Instance{
		ID: "inst-1", ActivationID: "act-1", Seq: 1, Status: store.InstanceStopped,
	}))

	require.NoError(t, s.DeleteActivation(ctx, "act-1"))

	_, err := s.GetActivation(ctx, "act-1")
	assert.True(t, errors.IsNotFound(err))
	insts, err := s.ListInstances(ctx, "act-1")
	require.NoError(t, err)
	assert.Empty(t, insts)
}
