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

package swap

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/google/slotboot/api"
	"github.com/google/slotboot/fwimage"
)

// copier swaps on devices which can only execute from slot A, by copying
// through the scratch region:
//
//	backup:   A -> scratch
//	install:  B -> A, then verify A
//	relocate: scratch -> B, after DataCopied
//	restore:  scratch -> A, when rolling back after install began
//
// Each stage reads from a region it never writes, so a stage interrupted
// at any point is redone from its start.
type copier struct {
	e    *Engine
	flip flipper
}

func (copier) destination(api.Role) api.Role {
	return api.RoleSlotA
}

func (copier) firstStage(t api.SwapTransaction) api.Stage {
	if !t.Moves() {
		return api.StageNone
	}
	return api.StageBackup
}

// imageLen returns the number of bytes occupied by the image described in s.
func imageLen(s *api.SlotInfo) uint32 {
	if s.State == api.StateEmpty {
		return 0
	}
	return fwimage.HeaderSize + s.Image.Size
}

func (c *copier) transfer(rec api.Record) (api.Record, error) {
	if !rec.Swap.Moves() {
		return c.flip.transfer(rec)
	}
	var err error
	for {
		switch t := rec.Swap; t.Stage {
		case api.StageBackup:
			glog.Infof("Backing up %s to scratch", t.Destination)
			if err := c.e.copy(api.RoleScratch, t.Destination, imageLen(rec.Slot(t.Destination))); err != nil {
				return rec, err
			}
			if rec, err = c.e.advance(rec, api.PhaseIntentRecorded, api.StageInstall); err != nil {
				return rec, err
			}
		case api.StageInstall:
			glog.Infof("Installing %s into %s", t.Source, t.Destination)
			if err := c.e.copy(t.Destination, t.Source, imageLen(rec.Slot(t.Source))); err != nil {
				return rec, err
			}
			_, verr := c.e.validate(t.Destination, rec.Slot(t.Source).Image.Digest)
			if verr == nil {
				return c.e.advance(rec, api.PhaseDataCopied, api.StageRelocate)
			}
			if _, ok := api.InvalidReason(verr); !ok {
				return rec, verr
			}
			next := rec.Clone()
			if !t.Retried {
				glog.Warningf("Copy of %s into %s failed verification, retrying: %v", t.Source, t.Destination, verr)
				next.Swap.Retried = true
			} else {
				glog.Warningf("Copy of %s into %s failed verification again, rolling back: %v", t.Source, t.Destination, verr)
				next.Swap.Stage = api.StageRestore
			}
			if rec, err = c.e.write(rec, next); err != nil {
				return rec, err
			}
		case api.StageRestore:
			glog.Infof("Restoring %s from scratch", t.Destination)
			if err := c.e.copy(t.Destination, api.RoleScratch, imageLen(rec.Slot(t.Destination))); err != nil {
				return rec, err
			}
			return c.e.write(rec, rolledBack(rec))
		default:
			return rec, fmt.Errorf("%w: swap %s -> %s in stage %s during %s", api.ErrCorrupt, t.Source, t.Destination, t.Stage, t.Phase)
		}
	}
}

// commit moves the previous image from scratch into the incoming image's
// slot, then records the new roles.
func (c *copier) commit(rec api.Record) (api.Record, error) {
	t := rec.Swap
	if !t.Moves() {
		return c.flip.commit(rec)
	}
	prev := *rec.Slot(t.Destination)
	glog.Infof("Relocating previous %s image to %s", t.Destination, t.Source)
	if err := c.e.copy(t.Source, api.RoleScratch, imageLen(&prev)); err != nil {
		return rec, err
	}

	next := rec.Clone()
	*next.Slot(t.Destination) = api.SlotInfo{State: api.StateActive, Image: rec.Slot(t.Source).Image}
	next.Rollback = api.RoleNone
	relocated := prev
	switch prev.State {
	case api.StateActive, api.StateValidated:
		if _, err := c.e.validate(t.Source, prev.Image.Digest); err != nil {
			if _, ok := api.InvalidReason(err); !ok {
				return rec, err
			}
			glog.Warningf("Relocated image in %s is invalid: %v", t.Source, err)
			relocated.State = api.StateInvalid
			break
		}
		relocated.State = api.StateValidated
		if prev.State == api.StateActive {
			next.Rollback = t.Source
		}
	}
	*next.Slot(t.Source) = relocated
	next.Swap.Phase, next.Swap.Stage = api.PhaseCommitted, api.StageNone
	return c.e.write(rec, next)
}
