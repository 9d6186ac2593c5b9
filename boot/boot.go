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

// Package boot decides which slot to execute on every boot.
package boot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/slotboot/api"
	"github.com/google/slotboot/fwimage"
	"github.com/google/slotboot/internal/retry"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/metadata"
	"github.com/google/slotboot/storage"
	"github.com/google/slotboot/swap"
	"github.com/google/slotboot/validate"
	"golang.org/x/mod/sumdb/note"
)

// Store provides the persisted slot metadata.
type Store interface {
	// Read returns the current record, or an error wrapping api.ErrCorrupt
	// if it cannot be trusted.
	Read() (api.Record, error)
	// Recover re-establishes a trustworthy record from a corrupt region.
	Recover() (api.Record, error)
}

// Resumer completes interrupted swaps.
type Resumer interface {
	Resume(rec api.Record) (api.Record, error)
}

// Validator checks the image held in a region.
type Validator interface {
	Validate(r layout.Region) (validate.Result, error)
}

// Handle describes the image to execute.
type Handle struct {
	Role   api.Role
	Region layout.Region
	Image  api.ImageInfo
	// EntryOffset is the absolute storage offset of the first payload byte.
	EntryOffset uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%s %s entry=0x%x", h.Role, h.Image, h.EntryOffset)
}

// Selector picks the slot to boot.
type Selector struct {
	l     layout.Layout
	store Store
	swap  Resumer
	v     Validator

	// VerifyActive causes the Active image to be fully validated on every
	// boot, rather than only after an interrupted swap.
	VerifyActive bool
	// Attempts is the number of times a read-only validation is tried.
	Attempts int
}

// New returns a selector for a device laid out as l.
func New(l layout.Layout, s Store, r Resumer, v Validator) *Selector {
	return &Selector{
		l:        l,
		store:    s,
		swap:     r,
		v:        v,
		Attempts: retry.DefaultAttempts,
	}
}

// ForDevice returns a selector wired to the metadata store, swap engine and
// validator for the device d laid out as l.
func ForDevice(l layout.Layout, d storage.Driver, anchors ...note.Verifier) *Selector {
	s := metadata.ForLayout(d, l)
	v := validate.New(d, anchors...)
	return New(l, s, swap.New(l, d, s, v), v)
}

// Select completes any pending swap and returns the slot to boot.
//
// Every failure to find a bootable image wraps api.ErrNoBootableImage.
// Storage faults while completing a swap are not fatal: the slot which was
// last recorded as Active is re-validated and booted without any further
// writes.
func (s *Selector) Select() (Handle, error) {
	rec, err := s.store.Read()
	if errors.Is(err, api.ErrCorrupt) {
		glog.Warningf("Metadata is corrupt, recovering: %v", err)
		rec, err = s.store.Recover()
	}
	if err != nil {
		return Handle{}, fmt.Errorf("%w: failed to read metadata: %w", api.ErrNoBootableImage, err)
	}

	if rec.Swap != nil {
		next, err := s.swap.Resume(rec)
		switch {
		case err == nil:
			rec = next
		case errors.Is(err, api.ErrStorageFault):
			glog.Errorf("Failed to complete swap, booting last known Active slot: %v", err)
			return s.fallback(next)
		default:
			return Handle{}, fmt.Errorf("%w: failed to resume swap: %w", api.ErrNoBootableImage, err)
		}
	}

	role, ok := rec.Active()
	if !ok {
		return Handle{}, fmt.Errorf("%w: no active slot in %v", api.ErrNoBootableImage, rec)
	}
	img := rec.Slot(role).Image
	if s.VerifyActive {
		var err error
		if img, err = s.verify(role, img); err != nil {
			return Handle{}, err
		}
	}
	h := s.handle(role, img)
	glog.Infof("Booting %v", h)
	return h, nil
}

// fallback returns the slot which executes images, once it has been checked
// to hold an image recorded in rec.
//
// While a swap which moves data is pending, the Active position may already
// hold a verified copy of the incoming image, so either the image recorded
// as Active or the one recorded for the source is accepted there.
func (s *Selector) fallback(rec api.Record) (Handle, error) {
	role, ok := rec.Active()
	var want []api.ImageInfo
	if ok {
		want = append(want, rec.Slot(role).Image)
	}
	if t := rec.Swap; t != nil && t.Moves() {
		role, ok = t.Destination, true
		want = append(want, rec.Slot(t.Source).Image)
	}
	if !ok {
		return Handle{}, fmt.Errorf("%w: no active slot to fall back to in %v", api.ErrNoBootableImage, rec)
	}
	img, err := s.verify(role, want...)
	if err != nil {
		return Handle{}, err
	}
	h := s.handle(role, img)
	glog.Warningf("Booting %v with swap still pending", h)
	return h, nil
}

// verify checks that the image in role is valid and is one of want, and
// returns the one it matches.
func (s *Selector) verify(role api.Role, want ...api.ImageInfo) (api.ImageInfo, error) {
	var res validate.Result
	err := retry.Do(s.Attempts, fmt.Sprintf("validate %s", role), func() error {
		var err error
		res, err = s.v.Validate(s.l.MustRegion(role))
		return err
	})
	if err != nil {
		return api.ImageInfo{}, fmt.Errorf("%w: active slot %s: %w", api.ErrNoBootableImage, role, err)
	}
	for _, w := range want {
		if len(w.Digest) > 0 && bytes.Equal(res.Digest, w.Digest) {
			return w, nil
		}
	}
	return api.ImageInfo{}, fmt.Errorf("%w: active slot %s holds digest %s, recorded %v", api.ErrNoBootableImage, role, res.Digest, want)
}

func (s *Selector) handle(role api.Role, img api.ImageInfo) Handle {
	r := s.l.MustRegion(role)
	return Handle{
		Role:        role,
		Region:      r,
		Image:       img,
		EntryOffset: r.Offset + fwimage.HeaderSize,
	}
}
