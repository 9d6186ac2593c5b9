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

// Package api contains the types shared between the bootloader core
// components: slot roles and states, the persisted metadata record, and the
// error taxonomy surfaced to integrators.
package api

import (
	"encoding/hex"
	"fmt"
)

// Role identifies the purpose of a region on the storage medium.
type Role uint8

const (
	// RoleNone is the zero value and never names a region.
	RoleNone Role = iota
	// RoleBoot holds the bootloader itself.
	RoleBoot
	// RoleSlotA is the first image slot. On single-bank devices this is the
	// only position from which an image can be executed.
	RoleSlotA
	// RoleSlotB is the second image slot.
	RoleSlotB
	// RoleScratch is auxiliary storage used by copy-based swaps.
	RoleScratch
	// RoleMetadata holds the slot metadata journal.
	RoleMetadata
)

var roleNames = map[Role]string{
	RoleNone:     "none",
	RoleBoot:     "boot",
	RoleSlotA:    "slot-a",
	RoleSlotB:    "slot-b",
	RoleScratch:  "scratch",
	RoleMetadata: "metadata",
}

// String returns the configuration name of the role.
func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if _, ok := roleNames[r]; !ok {
		return nil, fmt.Errorf("unknown role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	for k, v := range roleNames {
		if v == string(b) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", string(b))
}

// IsImageSlot returns true for the roles which can hold a firmware image.
func (r Role) IsImageSlot() bool {
	return r == RoleSlotA || r == RoleSlotB
}

// Other returns the opposite image slot, or RoleNone if r is not an image slot.
func (r Role) Other() Role {
	switch r {
	case RoleSlotA:
		return RoleSlotB
	case RoleSlotB:
		return RoleSlotA
	}
	return RoleNone
}

// SlotState is the lifecycle state of the image held in a slot.
type SlotState uint8

const (
	// StateEmpty means the slot holds no image, or one which has been discarded.
	StateEmpty SlotState = iota
	// StateStaged means an updater has written bytes which are yet to be validated.
	StateStaged
	// StateValidated means the image passed validation and may be activated.
	StateValidated
	// StateActive marks the slot the Boot Selector will boot.
	StateActive
	// StateInvalid means the image failed validation or an integrity check.
	StateInvalid
)

var stateNames = map[SlotState]string{
	StateEmpty:     "empty",
	StateStaged:    "staged",
	StateValidated: "validated",
	StateActive:    "active",
	StateInvalid:   "invalid",
}

func (s SlotState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SlotState(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s SlotState) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("unknown slot state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SlotState) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown slot state %q", string(b))
}

// ImageInfo describes the image occupying a slot.
type ImageInfo struct {
	// Version is the monotonic version number from the image header.
	Version uint64 `yaml:"version"`
	// Size is the declared payload size in bytes, excluding the header.
	Size uint32 `yaml:"size"`
	// Digest is the SHA256 over the payload.
	Digest Digest `yaml:"digest,omitempty"`
}

// String returns a human-readable representation of the image info.
func (i ImageInfo) String() string {
	d := i.Digest.String()
	if len(d) > 16 {
		d = d[:16]
	}
	return fmt.Sprintf("v%d (%d bytes, digest %s)", i.Version, i.Size, d)
}

// Digest is an image digest, stored as hex text in the metadata record.
type Digest []byte

func (d Digest) String() string {
	return hex.EncodeToString(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(d)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	r, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("invalid digest: %v", err)
	}
	*d = r
	return nil
}

// SlotInfo is the persisted view of a single image slot.
type SlotInfo struct {
	State SlotState `yaml:"state"`
	Image ImageInfo `yaml:"image"`
}
