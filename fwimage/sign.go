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

package fwimage

import (
	"crypto/sha256"
	"fmt"
	"math"

	"golang.org/x/mod/sumdb/note"
)

// Sign builds a complete image, header followed by payload, signed by s.
//
// s must produce Ed25519 signatures, as the signers returned by
// note.NewSigner for keys made with note.GenerateKey do.
func Sign(payload []byte, version uint64, s note.Signer) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("payload of %d bytes is too large", len(payload))
	}
	h := Header{
		Format:  FormatVersion,
		Size:    uint32(len(payload)),
		Version: version,
		Digest:  sha256.Sum256(payload),
		KeyHash: s.KeyHash(),
	}
	sig, err := s.Sign(h.SignedMessage())
	if err != nil {
		return nil, fmt.Errorf("failed to sign header: %w", err)
	}
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("signer %q produced a %d byte signature, want %d", s.Name(), len(sig), SignatureSize)
	}
	copy(h.Signature[:], sig)
	return append(h.Marshal(), payload...), nil
}
