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

package store

import "errors"

var (
	// ErrDuplicateToken is returned by RecordToken when the idempotency
	// token was recorded before.
	ErrDuplicateToken = errors.New("idempotency token already recorded")

	// ErrClosedInstance is returned when updating an instance that has
	// already closed. Closed instances are append-only history.
	ErrClosedInstance = errors.New("instance is closed")

	// ErrBackwardTransition is returned when an instance update would move
	// its status backward along the lifecycle path.
	ErrBackwardTransition = errors.New("instance status cannot move backward")
)
