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

package errors_test

import (
	stderrors "errors"
	"strings"
	"testing"

	rlerrors "github.com/ruleline/ruleline/pkg/errors"
)

func TestInvalidTransitionError(t *testing.T) {
	err := &rlerrors.InvalidTransitionError{
		ActivationID: "act-1",
		From:         "running",
		Requested:    "start",
	}

	if !strings.Contains(err.Error(), "running") {
		t.Errorf("Expected error to mention current state, got %q", err.Error())
	}
	if !rlerrors.IsInvalidTransition(err) {
		t.Error("Expected IsInvalidTransition to return true")
	}
	if rlerrors.IsAdapterFailure(err) {
		t.Error("Expected IsAdapterFailure to return false")
	}
}

func TestAdapterFailureError_Unwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := &rlerrors.AdapterFailureError{
		Backend:   "podman",
		Operation: "create",
		Message:   "engine unreachable",
		Cause:     cause,
	}

	if !stderrors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause")
	}

	wrapped := rlerrors.Wrap(err, "processing start command")
	if !rlerrors.IsAdapterFailure(wrapped) {
		t.Error("Expected IsAdapterFailure to see through wrapping")
	}
}

func TestNotFoundError(t *testing.T) {
	err := &rlerrors.NotFoundError{Resource: "activation", ID: "missing"}

	if err.Error() != "activation not found: missing" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
	if !rlerrors.IsNotFound(rlerrors.Wrap(err, "lookup")) {
		t.Error("Expected IsNotFound to see through wrapping")
	}
}

func TestWrap_NilError(t *testing.T) {
	if rlerrors.Wrap(nil, "context") != nil {
		t.Error("Expected Wrap(nil) to return nil")
	}
	if rlerrors.Wrapf(nil, "context %d", 1) != nil {
		t.Error("Expected Wrapf(nil) to return nil")
	}
}

func TestRetriesExhaustedError(t *testing.T) {
	err := &rlerrors.RetriesExhaustedError{ActivationID: "act-2", Attempts: 3}

	var re *rlerrors.RetriesExhaustedError
	if !rlerrors.As(rlerrors.Wrap(err, "restart"), &re) {
		t.Fatal("Expected As to find RetriesExhaustedError")
	}
	if re.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", re.Attempts)
	}
}
