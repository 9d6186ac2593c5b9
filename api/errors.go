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

package api

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is returned by storage drivers which fail to complete an operation.
	// Drivers may return other errors; the core treats any driver error as an
	// I/O error.
	ErrIO = errors.New("storage I/O error")

	// ErrCorrupt indicates that the metadata region holds no record which can
	// be trusted.
	ErrCorrupt = errors.New("metadata corruption detected")

	// ErrConcurrentAccess indicates that the single-writer discipline was
	// broken, e.g. the metadata changed underneath an in-progress transaction.
	ErrConcurrentAccess = errors.New("concurrent access violation")

	// ErrStorageFault indicates that a storage operation kept failing after
	// all retries were used.
	ErrStorageFault = errors.New("storage fault")

	// ErrNoBootableImage is the terminal boot selection failure.
	ErrNoBootableImage = errors.New("no bootable image")
)

// Reason describes why an image failed validation.
type Reason int

const (
	ReasonHeaderMalformed Reason = iota + 1
	ReasonSizeExceedsSlot
	ReasonDigestMismatch
	ReasonSignatureInvalid
)

func (r Reason) String() string {
	switch r {
	case ReasonHeaderMalformed:
		return "HeaderMalformed"
	case ReasonSizeExceedsSlot:
		return "SizeExceedsSlot"
	case ReasonDigestMismatch:
		return "DigestMismatch"
	case ReasonSignatureInvalid:
		return "SignatureInvalid"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// InvalidImageError is returned when an image fails validation.
type InvalidImageError struct {
	Reason Reason
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid image: %s", e.Reason)
	}
	return fmt.Sprintf("invalid image: %s: %v", e.Reason, e.Err)
}

func (e *InvalidImageError) Unwrap() error {
	return e.Err
}

// Invalid returns an InvalidImageError with a formatted cause.
func Invalid(r Reason, format string, args ...interface{}) error {
	return &InvalidImageError{Reason: r, Err: fmt.Errorf(format, args...)}
}

// InvalidReason returns the reason an image failed validation, if err (or
// anything it wraps) is an InvalidImageError.
func InvalidReason(err error) (Reason, bool) {
	var ie *InvalidImageError
	if errors.As(err, &ie) {
		return ie.Reason, true
	}
	return 0, false
}
