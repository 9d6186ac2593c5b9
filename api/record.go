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

// Phase is the progress of a swap transaction.
type Phase uint8

const (
	PhaseNone Phase = iota
	// PhaseIntentRecorded is written before any image data is touched.
	PhaseIntentRecorded
	// PhaseDataCopied is written once the incoming image has been verified in
	// its destination.
	PhaseDataCopied
	// PhaseCommitted is written together with the new slot roles.
	PhaseCommitted
	// PhaseRolledBack is written together with the incoming slot marked invalid.
	PhaseRolledBack
)

var phaseNames = map[Phase]string{
	PhaseNone:           "none",
	PhaseIntentRecorded: "intent-recorded",
	PhaseDataCopied:     "data-copied",
	PhaseCommitted:      "committed",
	PhaseRolledBack:     "rolled-back",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if _, ok := phaseNames[p]; !ok {
		return nil, fmt.Errorf("unknown phase %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	for k, v := range phaseNames {
		if v == string(b) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(b))
}

// Stage tracks data movement within a phase for copy-based swaps.
//
// Every stage copies from a region which is left untouched for the duration
// of the stage, so a stage interrupted at any point can be re-run from its
// start. Only stage boundaries are persisted.
type Stage uint8

const (
	StageNone Stage = iota
	// StageBackup copies the active position into scratch.
	StageBackup
	// StageInstall copies the incoming image into the active position.
	StageInstall
	// StageRestore copies scratch back into the active position.
	StageRestore
	// StageRelocate copies scratch into the incoming image's slot, leaving the
	// previous image there as the rollback candidate.
	StageRelocate
)

var stageNames = map[Stage]string{
	StageNone:     "none",
	StageBackup:   "backup",
	StageInstall:  "install",
	StageRestore:  "restore",
	StageRelocate: "relocate",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if _, ok := stageNames[s]; !ok {
		return nil, fmt.Errorf("unknown stage %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	for k, v := range stageNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", string(b))
}

// SwapTransaction represents an in-flight swap.
type SwapTransaction struct {
	// Source is the slot holding the incoming image.
	Source Role `yaml:"source"`
	// Destination is the slot which will be Active once the swap commits.
	// It equals Source on dual-bank devices.
	Destination Role `yaml:"destination"`
	// Previous is the slot which was Active when the swap began, if any.
	Previous Role  `yaml:"previous"`
	Phase    Phase `yaml:"phase"`
	Stage    Stage `yaml:"stage,omitempty"`
	// Retried is set once the install stage has been re-run after a failed
	// verification.
	Retried bool `yaml:"retried,omitempty"`
}

// Moves returns true if the swap requires image data to be copied.
func (t SwapTransaction) Moves() bool {
	return t.Source != t.Destination
}

// Record is the persisted metadata for all slots.
type Record struct {
	// Sequence is the journal sequence number this record was read from or
	// written at. It is not part of the encoded record.
	Sequence uint32 `yaml:"-"`

	SlotA SlotInfo `yaml:"slot-a"`
	SlotB SlotInfo `yaml:"slot-b"`
	// Rollback names the slot holding the previously Active image, if any.
	Rollback Role `yaml:"rollback,omitempty"`
	// Swap is the in-flight swap transaction, or nil.
	Swap *SwapTransaction `yaml:"swap,omitempty"`
}

// Slot returns a pointer to the info for the given image slot, or nil if
// r is not an image slot.
func (rec *Record) Slot(r Role) *SlotInfo {
	switch r {
	case RoleSlotA:
		return &rec.SlotA
	case RoleSlotB:
		return &rec.SlotB
	}
	return nil
}

// Active returns the role of the Active slot.
func (rec Record) Active() (Role, bool) {
	for _, r := range []Role{RoleSlotA, RoleSlotB} {
		if rec.Slot(r).State == StateActive {
			return r, true
		}
	}
	return RoleNone, false
}

// Clone returns a deep copy of the record.
func (rec Record) Clone() Record {
	c := rec
	c.SlotA.Image.Digest = append(Digest(nil), rec.SlotA.Image.Digest...)
	c.SlotB.Image.Digest = append(Digest(nil), rec.SlotB.Image.Digest...)
	if rec.Swap != nil {
		s := *rec.Swap
		c.Swap = &s
	}
	return c
}

// Validate checks that the record is internally consistent.
func (rec Record) Validate() error {
	if rec.SlotA.State == StateActive && rec.SlotB.State == StateActive {
		return errors.New("both image slots are active")
	}
	for _, r := range []Role{RoleSlotA, RoleSlotB} {
		if s := rec.Slot(r).State; s > StateInvalid {
			return fmt.Errorf("%s has unknown state %d", r, s)
		}
	}
	if rec.Rollback != RoleNone {
		if !rec.Rollback.IsImageSlot() {
			return fmt.Errorf("rollback candidate %s is not an image slot", rec.Rollback)
		}
		if rec.Slot(rec.Rollback).State == StateActive {
			return fmt.Errorf("rollback candidate %s is active", rec.Rollback)
		}
	}
	if t := rec.Swap; t != nil {
		if !t.Source.IsImageSlot() || !t.Destination.IsImageSlot() {
			return fmt.Errorf("swap %s -> %s names a non-image slot", t.Source, t.Destination)
		}
		if t.Previous != RoleNone && !t.Previous.IsImageSlot() {
			return fmt.Errorf("swap previous slot %s is not an image slot", t.Previous)
		}
		if t.Phase == PhaseNone || t.Phase > PhaseRolledBack {
			return fmt.Errorf("swap has invalid phase %s", t.Phase)
		}
	}
	return nil
}

// String returns a compact human-readable summary of the record.
func (rec Record) String() string {
	s := fmt.Sprintf("seq=%d a=%s/%s b=%s/%s rollback=%s", rec.Sequence,
		rec.SlotA.State, rec.SlotA.Image, rec.SlotB.State, rec.SlotB.Image, rec.Rollback)
	if t := rec.Swap; t != nil {
		s += fmt.Sprintf(" swap=%s->%s/%s/%s", t.Source, t.Destination, t.Phase, t.Stage)
	}
	return s
}
