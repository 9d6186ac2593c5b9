// Copyright 2026 Google LLC. All Rights Reserved.
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

// Package retry runs storage operations a bounded number of times.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/google/slotboot/api"
)

// DefaultAttempts is the number of times an operation is tried before
// giving up.
const DefaultAttempts = 3

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls f until it succeeds, returns a permanent error, or has been
// called attempts times. There is no delay between attempts.
//
// Errors which describe an invalid image, corrupt metadata or a concurrent
// access are never retried. If every attempt fails, the returned error wraps
// both api.ErrStorageFault and the last failure.
func Do(attempts int, op string, f func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	permanent := false
	operation := func() error {
		err := f()
		if err == nil {
			return nil
		}
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			permanent = true
			return err
		}
		if isPermanent(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1))
	err := backoff.RetryNotify(operation, bo, func(err error, _ time.Duration) {
		glog.Warningf("%s failed, retrying: %v", op, err)
	})
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	}
	glog.Errorf("%s failed after %d attempts: %v", op, attempts, err)
	return fmt.Errorf("%w: %s: %w", api.ErrStorageFault, op, err)
}

func isPermanent(err error) bool {
	if _, ok := api.InvalidReason(err); ok {
		return true
	}
	return errors.Is(err, api.ErrCorrupt) || errors.Is(err, api.ErrConcurrentAccess) || errors.Is(err, api.ErrStorageFault)
}
