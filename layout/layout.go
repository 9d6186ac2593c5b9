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

// Package layout describes the static partitioning of a device's storage
// into named regions.
package layout

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/slotboot/api"
	"gopkg.in/yaml.v3"
)

// Topology describes how the device can boot images from its slots, and
// therefore how a swap is carried out.
type Topology uint8

const (
	// DualBank devices can execute from either image slot, so a swap is a
	// change of roles with no data movement.
	DualBank Topology = iota
	// SingleBank devices only execute from slot A; a swap copies the incoming
	// image into slot A using the scratch region.
	SingleBank
)

func (t Topology) String() string {
	switch t {
	case DualBank:
		return "dual-bank"
	case SingleBank:
		return "single-bank"
	}
	return fmt.Sprintf("Topology(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Topology) MarshalText() ([]byte, error) {
	if t > SingleBank {
		return nil, fmt.Errorf("unknown topology %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Topology) UnmarshalText(b []byte) error {
	switch string(b) {
	case "dual-bank":
		*t = DualBank
	case "single-bank":
		*t = SingleBank
	default:
		return fmt.Errorf("unknown topology %q", string(b))
	}
	return nil
}

// Region is a contiguous range of bytes on the storage medium.
type Region struct {
	Name string `yaml:"Name"`
	// Offset is the address of the first byte of the region.
	Offset uint32 `yaml:"Offset"`
	// Size is the number of bytes covered by the region, i.e. the region
	// covers [Offset, Offset+Size).
	Size uint32   `yaml:"Size"`
	Role api.Role `yaml:"Role"`
}

// End returns the address of the first byte following the region.
func (r Region) End() uint64 {
	return uint64(r.Offset) + uint64(r.Size)
}

// Sub returns the region covering [off, off+size) relative to the start of r.
// It panics if the requested range does not lie within r.
func (r Region) Sub(off, size uint32) Region {
	if uint64(off)+uint64(size) > uint64(r.Size) {
		panic(fmt.Sprintf("sub-region [%d, %d) outside %q (%d bytes)", off, uint64(off)+uint64(size), r.Name, r.Size))
	}
	return Region{
		Name:   fmt.Sprintf("%s[%d:%d]", r.Name, off, off+size),
		Offset: r.Offset + off,
		Size:   size,
		Role:   r.Role,
	}
}

func (r Region) String() string {
	return fmt.Sprintf("%s(%s@0x%x+0x%x)", r.Name, r.Role, r.Offset, r.Size)
}

// Layout describes the physical layout of a device's storage.
type Layout struct {
	// BlockSize is the erase block size of the medium. All region offsets and
	// sizes must be multiples of it.
	BlockSize uint32   `yaml:"BlockSize"`
	Topology  Topology `yaml:"Topology"`
	Regions   []Region `yaml:"Regions"`
}

// Validate checks that the layout is self-consistent.
func (l Layout) Validate() error {
	if l.BlockSize == 0 {
		return errors.New("missing field: BlockSize")
	}
	if l.Topology > SingleBank {
		return fmt.Errorf("unknown topology %d", l.Topology)
	}

	counts := make(map[api.Role]int)
	for _, r := range l.Regions {
		if r.Name == "" {
			return fmt.Errorf("region at 0x%x has no name", r.Offset)
		}
		if r.Size == 0 {
			return fmt.Errorf("region %q is empty", r.Name)
		}
		if r.Offset%l.BlockSize != 0 || r.Size%l.BlockSize != 0 {
			return fmt.Errorf("region %q is not aligned to the %d byte block size", r.Name, l.BlockSize)
		}
		if r.End() > 1<<32 {
			return fmt.Errorf("region %q extends past the 4GiB address space", r.Name)
		}
		if r.Role == api.RoleNone {
			return fmt.Errorf("region %q has no role", r.Name)
		}
		counts[r.Role]++
	}

	sorted := append([]Region(nil), l.Regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		if prev, cur := sorted[i-1], sorted[i]; prev.End() > uint64(cur.Offset) {
			return fmt.Errorf("regions %q and %q overlap", prev.Name, cur.Name)
		}
	}

	for _, role := range []api.Role{api.RoleSlotA, api.RoleSlotB, api.RoleMetadata} {
		if c := counts[role]; c != 1 {
			return fmt.Errorf("layout must have exactly one %s region, found %d", role, c)
		}
	}
	for _, role := range []api.Role{api.RoleBoot, api.RoleScratch} {
		if c := counts[role]; c > 1 {
			return fmt.Errorf("layout must have at most one %s region, found %d", role, c)
		}
	}

	meta, _ := l.Region(api.RoleMetadata)
	if blocks := meta.Size / l.BlockSize; blocks < 2 || blocks%2 != 0 {
		return fmt.Errorf("metadata region must span an even number of blocks (at least 2), has %d", blocks)
	}

	if l.Topology == SingleBank {
		a, _ := l.Region(api.RoleSlotA)
		b, _ := l.Region(api.RoleSlotB)
		s, ok := l.Region(api.RoleScratch)
		if !ok {
			return errors.New("single-bank layout requires a scratch region")
		}
		if a.Size != b.Size {
			return fmt.Errorf("single-bank layout requires equally sized slots (%d != %d)", a.Size, b.Size)
		}
		if s.Size < a.Size {
			return fmt.Errorf("scratch region (%d bytes) is smaller than slot A (%d bytes)", s.Size, a.Size)
		}
	}
	return nil
}

// Region returns the region with the given role.
func (l Layout) Region(role api.Role) (Region, bool) {
	for _, r := range l.Regions {
		if r.Role == role {
			return r, true
		}
	}
	return Region{}, false
}

// MustRegion returns the region with the given role, and panics if there is
// none. It is intended for use with layouts which have passed Validate.
func (l Layout) MustRegion(role api.Role) Region {
	r, ok := l.Region(role)
	if !ok {
		panic(fmt.Sprintf("layout has no %s region", role))
	}
	return r
}

// Size returns the number of bytes of storage the layout spans, starting
// from address zero.
func (l Layout) Size() uint64 {
	var s uint64
	for _, r := range l.Regions {
		if e := r.End(); e > s {
			s = e
		}
	}
	return s
}

// Parse decodes and validates a YAML layout description.
func Parse(b []byte) (Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(b, &l); err != nil {
		return Layout{}, fmt.Errorf("failed to unmarshal layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Layout{}, fmt.Errorf("invalid layout: %w", err)
	}
	return l, nil
}

// Load reads and parses the YAML layout description at path.
func Load(path string) (Layout, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to read layout %q: %w", path, err)
	}
	return Parse(b)
}
