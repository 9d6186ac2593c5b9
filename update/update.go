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

// Package update provides the operations an updater performs on a device:
// staging an image into a slot, verifying it, installing it, and reverting
// to the previous image.
//
// Every operation reads the current record, persists its outcome, and
// returns the resulting record. None of them may run concurrently with
// another writer of the same device.
package update

import (
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

// Updater performs update operations on a single device.
type Updater struct {
	l      layout.Layout
	d      storage.Driver
	store  *metadata.Store
	v      *validate.Validator
	engine *swap.Engine

	// Attempts is the number of times writes of image data are tried.
	Attempts int
}

// New returns an updater for the device d laid out as l, trusting images
// signed by any of anchors.
func New(l layout.Layout, d storage.Driver, anchors ...note.Verifier) *Updater {
	s := metadata.ForLayout(d, l)
	v := validate.New(d, anchors...)
	return &Updater{
		l:        l,
		d:        d,
		store:    s,
		v:        v,
		engine:   swap.New(l, d, s, v),
		Attempts: retry.DefaultAttempts,
	}
}

// Record returns the current metadata record.
func (u *Updater) Record() (api.Record, error) {
	return u.store.Read()
}

// idle returns the current record, which must have no swap pending.
func (u *Updater) idle() (api.Record, error) {
	rec, err := u.store.Read()
	if err != nil {
		return rec, err
	}
	if t := rec.Swap; t != nil {
		return rec, fmt.Errorf("%w: swap %s -> %s is pending in phase %s, boot or resume first", api.ErrConcurrentAccess, t.Source, t.Destination, t.Phase)
	}
	return rec, nil
}

// Stage writes img, a complete image including its header, into role and
// records it as Staged.
//
// The Active slot cannot be staged into. On single-bank devices with an
// Active image only slot B can be staged into, since slot A holds the
// running image.
func (u *Updater) Stage(role api.Role, img []byte) (api.Record, error) {
	rec, err := u.idle()
	if err != nil {
		return rec, err
	}
	if !role.IsImageSlot() {
		return rec, fmt.Errorf("%s is not an image slot", role)
	}
	if s := rec.Slot(role).State; s == api.StateActive {
		return rec, fmt.Errorf("cannot stage into %s, it is %s", role, s)
	}
	if _, ok := rec.Active(); ok && u.l.Topology == layout.SingleBank && role != api.RoleSlotB {
		return rec, fmt.Errorf("single-bank devices only stage into %s", api.RoleSlotB)
	}
	h, err := fwimage.ParseHeader(img)
	if err != nil {
		return rec, err
	}
	r := u.l.MustRegion(role)
	if uint64(len(img)) > uint64(r.Size) {
		return rec, api.Invalid(api.ReasonSizeExceedsSlot, "image of %d bytes does not fit %v", len(img), r)
	}

	// The slot is emptied before its contents are touched, so an interrupted
	// stage never leaves metadata describing a partial image.
	next := rec.Clone()
	*next.Slot(role) = api.SlotInfo{State: api.StateEmpty}
	if next.Rollback == role {
		next.Rollback = api.RoleNone
	}
	w, err := u.store.Write(next)
	if err != nil {
		return rec, err
	}
	rec = w

	glog.Infof("Staging %v into %s", h, role)
	if err := retry.Do(u.Attempts, fmt.Sprintf("stage %s", role), func() error {
		if err := u.d.Erase(r); err != nil {
			return err
		}
		return u.d.Write(r, 0, img)
	}); err != nil {
		return rec, err
	}

	next = rec.Clone()
	*next.Slot(role) = api.SlotInfo{State: api.StateStaged, Image: h.Info()}
	return u.store.Write(next)
}

// Verify validates the image in role, and records it as Validated or
// Invalid. If the image is invalid the updated record is returned together
// with the validation error.
func (u *Updater) Verify(role api.Role) (api.Record, error) {
	rec, err := u.idle()
	if err != nil {
		return rec, err
	}
	if !role.IsImageSlot() {
		return rec, fmt.Errorf("%s is not an image slot", role)
	}
	switch s := rec.Slot(role).State; s {
	case api.StateEmpty, api.StateActive:
		return rec, fmt.Errorf("cannot verify %s, it is %s", role, s)
	}

	var res validate.Result
	verr := retry.Do(u.Attempts, fmt.Sprintf("validate %s", role), func() error {
		var err error
		res, err = u.v.Validate(u.l.MustRegion(role))
		return err
	})
	next := rec.Clone()
	slot := next.Slot(role)
	if verr != nil {
		if _, ok := api.InvalidReason(verr); !ok {
			return rec, verr
		}
		glog.Warningf("Image in %s is invalid: %v", role, verr)
		slot.State = api.StateInvalid
		if next.Rollback == role {
			next.Rollback = api.RoleNone
		}
		w, err := u.store.Write(next)
		if err != nil {
			return rec, err
		}
		return w, verr
	}
	*slot = api.SlotInfo{State: api.StateValidated, Image: res.Info()}
	return u.store.Write(next)
}

// Install makes the Validated image in role the Active one.
func (u *Updater) Install(role api.Role) (api.Record, error) {
	rec, err := u.idle()
	if err != nil {
		return rec, err
	}
	return u.engine.Swap(rec, role)
}

// Revert makes the rollback candidate the Active image again.
func (u *Updater) Revert() (api.Record, error) {
	rec, err := u.idle()
	if err != nil {
		return rec, err
	}
	if rec.Rollback == api.RoleNone {
		return rec, errors.New("there is no rollback candidate")
	}
	glog.Infof("Reverting to %s (%s)", rec.Rollback, rec.Slot(rec.Rollback).Image)
	return u.engine.Swap(rec, rec.Rollback)
}

// Resume completes a pending swap, if any.
func (u *Updater) Resume() (api.Record, error) {
	rec, err := u.store.Read()
	if err != nil {
		return rec, err
	}
	return u.engine.Resume(rec)
}

// Provision activates the image in role on a device with no Active slot.
//
// Metadata which cannot be read or recovered is erased first, leaving every
// slot Empty until it is verified again.
func (u *Updater) Provision(role api.Role) (api.Record, error) {
	rec, err := u.store.Read()
	if errors.Is(err, api.ErrCorrupt) {
		glog.Warningf("Metadata is corrupt, recovering: %v", err)
		if rec, err = u.store.Recover(); errors.Is(err, api.ErrCorrupt) {
			glog.Warningf("Metadata is unrecoverable, resetting: %v", err)
			rec, err = u.store.Reset()
		}
	}
	if err != nil {
		return rec, err
	}
	if rec.Swap != nil {
		if rec, err = u.engine.Resume(rec); err != nil {
			return rec, err
		}
	}
	if a, ok := rec.Active(); ok {
		return rec, fmt.Errorf("device is already provisioned, %s is active", a)
	}
	if rec.Slot(role) != nil && rec.Slot(role).State == api.StateEmpty {
		// Factory images are programmed without going through Stage.
		next := rec.Clone()
		next.Slot(role).State = api.StateStaged
		if _, err := u.store.Write(next); err != nil {
			return rec, err
		}
	}
	if rec, err = u.Verify(role); err != nil {
		return rec, err
	}
	return u.engine.Swap(rec, role)
}
