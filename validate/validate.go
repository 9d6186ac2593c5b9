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

// Package validate checks that the image held in a slot is well formed,
// intact, and signed by a trusted key.
package validate

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"
	"time"

	"github.com/golang/glog"
	"github.com/google/slotboot/api"
	"github.com/google/slotboot/fwimage"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/storage"
	"golang.org/x/mod/sumdb/note"
)

// DefaultChunkSize is the number of bytes hashed per storage read.
const DefaultChunkSize = 4096

// Result describes a valid image.
type Result struct {
	Header fwimage.Header
	// Digest is the digest computed over the payload.
	Digest api.Digest
}

// Info returns the slot metadata view of the validated image.
func (r Result) Info() api.ImageInfo {
	return api.ImageInfo{
		Version: r.Header.Version,
		Size:    r.Header.Size,
		Digest:  append(api.Digest(nil), r.Digest...),
	}
}

// Validator checks images against a set of trust anchors.
//
// Validation only ever reads from storage.
type Validator struct {
	d       storage.Driver
	anchors map[uint32][]note.Verifier

	// ChunkSize is the number of bytes read from storage at a time.
	ChunkSize int
	// NewHash returns the hash used for payload digests; it must produce
	// fwimage.DigestSize byte sums.
	NewHash func() hash.Hash
}

// New returns a validator which accepts images signed by any of anchors.
func New(d storage.Driver, anchors ...note.Verifier) *Validator {
	v := &Validator{
		d:         d,
		anchors:   make(map[uint32][]note.Verifier),
		ChunkSize: DefaultChunkSize,
		NewHash:   sha256.New,
	}
	for _, a := range anchors {
		v.anchors[a.KeyHash()] = append(v.anchors[a.KeyHash()], a)
	}
	return v
}

// Validate checks the image held in region r.
//
// The checks run in order, stopping at the first failure: the header is well
// formed and its declared size fits r; the payload digest matches the header;
// the header is signed by a trust anchor. Failed checks are reported as
// *api.InvalidImageError. Any other error is a failure to read storage.
func (v *Validator) Validate(r layout.Region) (Result, error) {
	if r.Size < fwimage.HeaderSize {
		return Result{}, api.Invalid(api.ReasonHeaderMalformed, "%v is too small to hold a header", r)
	}
	hb := make([]byte, fwimage.HeaderSize)
	if err := v.d.Read(r, 0, hb); err != nil {
		return Result{}, fmt.Errorf("failed to read header from %v: %w", r, err)
	}
	h, err := fwimage.ParseHeader(hb)
	if err != nil {
		return Result{}, fmt.Errorf("%v: %w", r, err)
	}
	if avail := r.Size - fwimage.HeaderSize; h.Size > avail {
		return Result{}, api.Invalid(api.ReasonSizeExceedsSlot, "declared size %d exceeds the %d bytes available in %v", h.Size, avail, r)
	}

	digest, err := v.measure(r, h.Size)
	if err != nil {
		return Result{}, fmt.Errorf("failed to hash %v: %w", r, err)
	}
	if !bytes.Equal(digest, h.Digest[:]) {
		return Result{}, api.Invalid(api.ReasonDigestMismatch, "%v: computed digest %x, header claims %x", r, digest, h.Digest)
	}

	if !v.verify(h) {
		return Result{}, api.Invalid(api.ReasonSignatureInvalid, "%v: no trust anchor with key hash %08x verifies the header", r, h.KeyHash)
	}
	glog.V(1).Infof("%v holds valid %v", r, h)
	return Result{Header: h, Digest: digest}, nil
}

func (v *Validator) verify(h fwimage.Header) bool {
	msg := h.SignedMessage()
	for _, a := range v.anchors[h.KeyHash] {
		if a.Verify(msg, h.Signature[:]) {
			return true
		}
	}
	return false
}

// measure returns the digest of the size bytes following the header in r,
// read a chunk at a time.
func (v *Validator) measure(r layout.Region, size uint32) ([]byte, error) {
	start := time.Now()
	h := v.NewHash()
	bs := uint32(v.ChunkSize)
	if bs == 0 {
		bs = DefaultChunkSize
	}
	buf := make([]byte, bs)
	for off := uint32(0); off < size; {
		n := size - off
		if n > bs {
			n = bs
		}
		if err := v.d.Read(r, fwimage.HeaderSize+off, buf[:n]); err != nil {
			return nil, err
		}
		h.Write(buf[:n])
		off += n
	}
	glog.V(2).Infof("Hashed %d bytes of %v in %s", size, r, time.Since(start))
	return h.Sum(nil), nil
}
