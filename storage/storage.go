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

// Package storage defines the contract between the bootloader core and the
// device's non-volatile storage, along with helpers built on top of it.
package storage

import (
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/google/slotboot/layout"
)

// ErasedByte is the value read back from erased storage.
const ErasedByte = 0xff

// Driver describes a type which knows how to access NOR-like storage.
//
// Storage must be erased before it is written, and a write which is
// interrupted may leave any subset of the targeted bytes programmed.
// Any error returned by a Driver is treated as an I/O error.
type Driver interface {
	// Read reads len(b) bytes into b from offset off within region r.
	Read(r layout.Region, off uint32, b []byte) error

	// Write programs b at offset off within region r.
	Write(r layout.Region, off uint32, b []byte) error

	// Erase returns every byte of region r to ErasedByte.
	// r must be aligned to the device's erase block size.
	Erase(r layout.Region) error
}

// CheckBounds returns an error if [off, off+n) does not lie within r.
func CheckBounds(r layout.Region, off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(r.Size) {
		return fmt.Errorf("access [%d, %d) outside region %v", off, uint64(off)+uint64(n), r)
	}
	return nil
}

// IsErased returns true if every byte in b reads as erased.
func IsErased(b []byte) bool {
	for _, v := range b {
		if v != ErasedByte {
			return false
		}
	}
	return true
}

// Reader provides an io.Reader over the contents of a region.
type Reader struct {
	d   Driver
	r   layout.Region
	pos uint32
}

// NewReader creates a new reader for region r whose Read function starts at
// offset off.
func NewReader(d Driver, r layout.Region, off uint32) *Reader {
	return &Reader{d: d, r: r, pos: off}
}

// Read implements io.Reader.
func (r *Reader) Read(b []byte) (int, error) {
	if r.pos >= r.r.Size {
		return 0, io.EOF
	}
	if rem := r.r.Size - r.pos; uint64(len(b)) > uint64(rem) {
		b = b[:rem]
	}
	if err := r.d.Read(r.r, r.pos, b); err != nil {
		return 0, err
	}
	r.pos += uint32(len(b))
	return len(b), nil
}

// Offset returns the region offset of the next byte to be read.
func (r *Reader) Offset() uint32 {
	return r.pos
}

// DefaultChunkSize is the number of bytes Copy moves per read when no chunk
// size is given.
const DefaultChunkSize = 4096

// Copy erases dst and copies the first n bytes of src into it, chunk bytes at
// a time, or DefaultChunkSize if chunk is not positive. dst must be at least
// n bytes long.
//
// Copy never modifies src, so an interrupted copy can be restarted from
// scratch.
func Copy(d Driver, dst, src layout.Region, n uint32, chunk int) error {
	if n > dst.Size || n > src.Size {
		return fmt.Errorf("cannot copy %d bytes from %v to %v", n, src, dst)
	}
	if chunk < 1 {
		chunk = DefaultChunkSize
	}
	glog.V(1).Infof("Copying %d bytes %v -> %v", n, src, dst)
	if err := d.Erase(dst); err != nil {
		return fmt.Errorf("failed to erase %v: %w", dst, err)
	}
	buf := make([]byte, chunk)
	for off := uint32(0); off < n; {
		l := n - off
		if l > uint32(chunk) {
			l = uint32(chunk)
		}
		b := buf[:l]
		if err := d.Read(src, off, b); err != nil {
			return fmt.Errorf("failed to read %v at %d: %w", src, off, err)
		}
		if err := d.Write(dst, off, b); err != nil {
			return fmt.Errorf("failed to write %v at %d: %w", dst, off, err)
		}
		off += l
	}
	return nil
}
