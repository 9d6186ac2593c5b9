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

// Package mem provides an in-memory NOR flash with fault injection, for use
// in tests and by the emulator.
package mem

import (
	"fmt"

	"github.com/google/slotboot/api"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/storage"
)

var (
	// ErrPowerCut is returned by every operation from the moment a scheduled
	// power cut happens until Restart is called.
	ErrPowerCut = fmt.Errorf("%w: power cut", api.ErrIO)
	// ErrInjected is returned by operations failed by FailNext.
	ErrInjected = fmt.Errorf("%w: injected failure", api.ErrIO)
)

// Flash is a simple in-memory NOR flash device.
//
// Programming a byte can only clear bits, so writing over data which has not
// been erased corrupts it the same way it would on real hardware.
//
// Power cuts are scheduled in units of work: one unit is one byte programmed
// or one block erased. A write interrupted by a power cut leaves the bytes
// preceding the cut programmed and the rest untouched.
type Flash struct {
	blockSize uint32
	mem       []byte

	budget int
	off    bool
	fail   int

	// Units counts bytes programmed plus blocks erased since creation.
	Units int
	// Writes and Erases count successful calls to Write and Erase.
	Writes, Erases int
}

// New creates a new erased flash device of size bytes.
func New(size, blockSize uint32) *Flash {
	if blockSize == 0 || size%blockSize != 0 {
		panic(fmt.Sprintf("size %d is not a multiple of block size %d", size, blockSize))
	}
	m := make([]byte, size)
	for i := range m {
		m[i] = storage.ErasedByte
	}
	return &Flash{blockSize: blockSize, mem: m, budget: -1}
}

// ForLayout creates a new erased flash device large enough to hold l.
func ForLayout(l layout.Layout) *Flash {
	s := l.Size()
	if r := s % uint64(l.BlockSize); r != 0 {
		s += uint64(l.BlockSize) - r
	}
	return New(uint32(s), l.BlockSize)
}

// BlockSize returns the erase block size of the device.
func (f *Flash) BlockSize() uint32 {
	return f.blockSize
}

// Bytes returns the raw contents of the device. The returned slice aliases
// the device's memory.
func (f *Flash) Bytes() []byte {
	return f.mem
}

// Clone returns an independent copy of the device, including its counters,
// with no faults scheduled.
func (f *Flash) Clone() *Flash {
	c := *f
	c.mem = append([]byte(nil), f.mem...)
	c.budget, c.off, c.fail = -1, false, 0
	return &c
}

// CutPowerAfter schedules a power cut once n further units of work have
// completed. A negative n cancels any scheduled cut.
func (f *Flash) CutPowerAfter(n int) {
	f.budget = n
}

// Restart restores power after a cut.
func (f *Flash) Restart() {
	f.off = false
	f.budget = -1
}

// PoweredOff returns true if a scheduled power cut has happened.
func (f *Flash) PoweredOff() bool {
	return f.off
}

// FailNext makes the next n operations fail with ErrInjected without
// touching the medium.
func (f *Flash) FailNext(n int) {
	f.fail = n
}

// FlipBit inverts a single bit at the given absolute address.
func (f *Flash) FlipBit(addr uint32, bit uint8) {
	f.mem[addr] ^= 1 << (bit % 8)
}

func (f *Flash) check(r layout.Region, off uint32, n int) error {
	if f.off {
		return ErrPowerCut
	}
	if f.fail > 0 {
		f.fail--
		return ErrInjected
	}
	if err := storage.CheckBounds(r, off, n); err != nil {
		return err
	}
	if r.End() > uint64(len(f.mem)) {
		return fmt.Errorf("region %v extends past end of device (%d bytes)", r, len(f.mem))
	}
	return nil
}

// spend consumes one unit of work, and returns false if the power has been
// cut before it could be done.
func (f *Flash) spend() bool {
	if f.budget == 0 {
		f.off = true
		return false
	}
	if f.budget > 0 {
		f.budget--
	}
	f.Units++
	return true
}

// Read implements storage.Driver.
func (f *Flash) Read(r layout.Region, off uint32, b []byte) error {
	if err := f.check(r, off, len(b)); err != nil {
		return err
	}
	start := r.Offset + off
	copy(b, f.mem[start:start+uint32(len(b))])
	return nil
}

// Write implements storage.Driver.
func (f *Flash) Write(r layout.Region, off uint32, b []byte) error {
	if err := f.check(r, off, len(b)); err != nil {
		return err
	}
	start := r.Offset + off
	for i, v := range b {
		if !f.spend() {
			return ErrPowerCut
		}
		f.mem[start+uint32(i)] &= v
	}
	f.Writes++
	return nil
}

// Erase implements storage.Driver.
func (f *Flash) Erase(r layout.Region) error {
	if err := f.check(r, 0, int(r.Size)); err != nil {
		return err
	}
	if r.Offset%f.blockSize != 0 || r.Size%f.blockSize != 0 {
		return fmt.Errorf("erase of %v is not aligned to %d byte blocks", r, f.blockSize)
	}
	for b := r.Offset; b < r.Offset+r.Size; b += f.blockSize {
		if !f.spend() {
			return ErrPowerCut
		}
		blk := f.mem[b : b+f.blockSize]
		for i := range blk {
			blk[i] = storage.ErasedByte
		}
	}
	f.Erases++
	return nil
}
