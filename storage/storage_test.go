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

package storage_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/slotboot/api"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/storage"
	"github.com/google/slotboot/storage/mem"
)

var (
	src = layout.Region{Name: "src", Offset: 0, Size: 64, Role: api.RoleSlotB}
	dst = layout.Region{Name: "dst", Offset: 64, Size: 64, Role: api.RoleSlotA}
)

func TestCopy(t *testing.T) {
	f := mem.New(128, 16)
	want := []byte("The quick brown fox jumps over the lazy dog")
	if err := f.Write(src, 0, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Leave junk in dst, which Copy must erase first.
	if err := f.Write(dst, 0, bytes.Repeat([]byte{0x55}, 64)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, chunk := range []int{5, 64, 0, -1} {
		if err := storage.Copy(f, dst, src, uint32(len(want)), chunk); err != nil {
			t.Fatalf("Copy(chunk=%d): %v", chunk, err)
		}
		got := make([]byte, 64)
		if err := f.Read(dst, 0, got); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !bytes.Equal(got[:len(want)], want) {
			t.Errorf("Copy(chunk=%d) wrote %q, want %q", chunk, got[:len(want)], want)
		}
		if !storage.IsErased(got[len(want):]) {
			t.Errorf("Copy(chunk=%d): bytes past copied range not erased: %x", chunk, got[len(want):])
		}
	}
}

func TestCopyTooLarge(t *testing.T) {
	f := mem.New(128, 16)
	if err := storage.Copy(f, dst.Sub(0, 32), src, 48, 16); err == nil {
		t.Error("Copy into short region succeeded")
	}
}

func TestReader(t *testing.T) {
	f := mem.New(128, 16)
	want := bytes.Repeat([]byte("0123456789abcdef"), 4)
	if err := f.Write(src, 0, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r := storage.NewReader(f, src, 10)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want[10:]) {
		t.Errorf("ReadAll() = %q, want %q", got, want[10:])
	}
	if r.Offset() != src.Size {
		t.Errorf("Offset() = %d, want %d", r.Offset(), src.Size)
	}
}
