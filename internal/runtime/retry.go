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

package runtime

import (
	"context"
	"time"

	"github.com/ruleline/ruleline/pkg/errors"
)

// RetryConfig bounds the retry loop applied to transient backend failures.
type RetryConfig struct {
	// Attempts is the maximum number of tries, including the first.
	Attempts int

	// BaseDelay is the delay after the first failure; it doubles per
	// attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry is the retry policy backends apply to engine calls.
var DefaultRetry = RetryConfig{
	Attempts:  3,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  2 * time.Second,
}

// WithRetry runs fn, retrying on transient adapter failures with bounded
// exponential backoff. Non-transient errors and context cancellation abort
// immediately. The last error is returned when attempts are exhausted.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	delay := cfg.BaseDelay
	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsAdapterFailure(err) || !isTransient(err) {
			return err
		}
		if attempt == cfg.Attempts {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}

// isTransient reports whether err is an adapter failure marked retryable.
func isTransient(err error) bool {
	var af *errors.AdapterFailureError
	if errors.As(err, &af) {
		return af.Transient
	}
	return false
}
