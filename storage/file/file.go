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

// Package file provides a storage.Driver backed by an image file on the host,
// emulating NOR flash semantics.
package file

import (
	"bytes"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/google/slotboot/api"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/storage"
)

// Device is a flash device emulated in a regular file.
type Device struct {
	f         *os.File
	size      int64
	blockSize uint32
}

// Create creates (or truncates) the file at path, sized to hold l, with
// every byte erased.
func Create(path string, l layout.Layout) (*Device, error) {
	size := int64(l.Size())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %q: %w", path, err)
	}
	if _, err := f.WriteAt(bytes.Repeat([]byte{storage.ErasedByte}, int(size)), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to erase %q: %w", path, err)
	}
	glog.Infof("Created %d byte device at %q", size, path)
	return &Device{f: f, size: size, blockSize: l.BlockSize}, nil
}

// Open opens an existing device file, which must be large enough to hold l.
func Open(path string, l layout.Layout) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %q: %w", path, err)
	}
	if want := int64(l.Size()); fi.Size() < want {
		f.Close()
		return nil, fmt.Errorf("device %q is %d bytes, layout needs %d", path, fi.Size(), want)
	}
	return &Device{f: f, size: fi.Size(), blockSize: l.BlockSize}, nil
}

// Close closes the underlying file.
func (d *Device) Close() error {
	return d.f.Close()
}

// Read implements storage.Driver.
func (d *Device) Read(r layout.Region, off uint32, b []byte) error {
	if err := storage.CheckBounds(r, off, len(b)); err != nil {
		return err
	}
	glog.V(2).Infof("read %v+%d (%d bytes)", r, off, len(b))
	if _, err := d.f.ReadAt(b, int64(r.Offset)+int64(off)); err != nil {
		return fmt.Errorf("%w: read failed: %w", api.ErrIO, err)
	}
	return nil
}

// Write implements storage.Driver.
//
// As with NOR flash, programming only clears bits.
func (d *Device) Write(r layout.Region, off uint32, b []byte) error {
	if err := storage.CheckBounds(r, off, len(b)); err != nil {
		return err
	}
	glog.V(2).Infof("write %v+%d (%d bytes)", r, off, len(b))
	at := int64(r.Offset) + int64(off)
	cur := make([]byte, len(b))
	if _, err := d.f.ReadAt(cur, at); err != nil {
		return fmt.Errorf("%w: read before write failed: %w", api.ErrIO, err)
	}
	for i := range cur {
		cur[i] &= b[i]
	}
	if _, err := d.f.WriteAt(cur, at); err != nil {
		return fmt.Errorf("%w: write failed: %w", api.ErrIO, err)
	}
	return d.f.Sync()
}

// Erase implements storage.Driver.
func (d *Device) Erase(r layout.Region) error {
	if r.Offset%d.blockSize != 0 || r.Size%d.blockSize != 0 {
		return fmt.Errorf("erase of %v is not aligned to %d byte blocks", r, d.blockSize)
	}
	if int64(r.End()) > d.size {
		return fmt.Errorf("region %v extends past end of device (%d bytes)", r, d.size)
	}
	glog.V(2).Infof("erase %v", r)
	if _, err := d.f.WriteAt(bytes.Repeat([]byte{storage.ErasedByte}, int(r.Size)), int64(r.Offset)); err != nil {
		return fmt.Errorf("%w: erase failed: %w", api.ErrIO, err)
	}
	return d.f.Sync()
}
