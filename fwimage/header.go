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

// Package fwimage defines the on-flash firmware image format: a fixed size
// signed header followed by the payload.
package fwimage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/google/slotboot/api"
)

const (
	// HeaderSize is the number of bytes preceding the payload.
	HeaderSize = 128
	// FormatVersion is the only header format version understood by this package.
	FormatVersion = 1
	// DigestSize is the length of the payload digest.
	DigestSize = sha256.Size
	// SignatureSize is the length of an Ed25519 signature.
	SignatureSize = 64

	// signedLen is the length of the header prefix covered by the signature.
	signedLen = 52
)

// Magic identifies a firmware image header.
var Magic = [4]byte{'S', 'B', 'I', '0'}

// Header is the decoded form of an image header.
//
// On flash it is laid out big endian as:
//
//	magic[4] | format u16 | flags u16 | size u32 | version u64 |
//	digest[32] | key hash u32 | signature[64] | reserved[8]
type Header struct {
	Format    uint16
	Flags     uint16
	Size      uint32
	Version   uint64
	Digest    [DigestSize]byte
	KeyHash   uint32
	Signature [SignatureSize]byte
}

// Marshal returns the on-flash encoding of the header.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:4], Magic[:])
	binary.BigEndian.PutUint16(b[4:6], h.Format)
	binary.BigEndian.PutUint16(b[6:8], h.Flags)
	binary.BigEndian.PutUint32(b[8:12], h.Size)
	binary.BigEndian.PutUint64(b[12:20], h.Version)
	copy(b[20:52], h.Digest[:])
	binary.BigEndian.PutUint32(b[52:56], h.KeyHash)
	copy(b[56:120], h.Signature[:])
	return b
}

// SignedMessage returns the bytes covered by the header signature.
func (h Header) SignedMessage() []byte {
	return h.Marshal()[:signedLen]
}

// Info returns the slot metadata view of the header.
func (h Header) Info() api.ImageInfo {
	return api.ImageInfo{
		Version: h.Version,
		Size:    h.Size,
		Digest:  append(api.Digest(nil), h.Digest[:]...),
	}
}

// ParseHeader decodes an image header.
//
// Errors are *api.InvalidImageError with reason HeaderMalformed.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, api.Invalid(api.ReasonHeaderMalformed, "header is %d bytes, want %d", len(b), HeaderSize)
	}
	if !bytes.Equal(b[0:4], Magic[:]) {
		return Header{}, api.Invalid(api.ReasonHeaderMalformed, "bad magic %x", b[0:4])
	}
	h := Header{
		Format:  binary.BigEndian.Uint16(b[4:6]),
		Flags:   binary.BigEndian.Uint16(b[6:8]),
		Size:    binary.BigEndian.Uint32(b[8:12]),
		Version: binary.BigEndian.Uint64(b[12:20]),
		KeyHash: binary.BigEndian.Uint32(b[52:56]),
	}
	copy(h.Digest[:], b[20:52])
	copy(h.Signature[:], b[56:120])
	if h.Format != FormatVersion {
		return Header{}, api.Invalid(api.ReasonHeaderMalformed, "unknown format version %d", h.Format)
	}
	if h.Flags != 0 {
		return Header{}, api.Invalid(api.ReasonHeaderMalformed, "unknown flags 0x%04x", h.Flags)
	}
	if r := b[120:HeaderSize]; !bytes.Equal(r, make([]byte, len(r))) {
		return Header{}, api.Invalid(api.ReasonHeaderMalformed, "reserved bytes %x are not zero", r)
	}
	return h, nil
}

func (h Header) String() string {
	return fmt.Sprintf("image v%d, %d bytes, digest %x, key %08x", h.Version, h.Size, h.Digest, h.KeyHash)
}
