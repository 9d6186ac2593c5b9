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

// Package keys reads and writes note-encoded image signing keys.
package keys

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

// Generate creates a new key pair named name, writing the private key to
// privFile and the public key to pubFile. Existing files are never
// overwritten.
func Generate(name, privFile, pubFile string) (note.Verifier, error) {
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		return nil, fmt.Errorf("unable to create key: %w", err)
	}
	if err := writeFileIfNotExists(privFile, skey); err != nil {
		return nil, err
	}
	if err := writeFileIfNotExists(pubFile, vkey); err != nil {
		return nil, err
	}
	return note.NewVerifier(vkey)
}

// Signer reads a private key from path.
func Signer(path string) (note.Signer, error) {
	k, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	s, err := note.NewSigner(strings.TrimSpace(string(k)))
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %q: %w", path, err)
	}
	return s, nil
}

// Verifiers reads one public key from each of paths.
func Verifiers(paths ...string) ([]note.Verifier, error) {
	var vs []note.Verifier
	for _, p := range paths {
		k, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		v, err := note.NewVerifier(strings.TrimSpace(string(k)))
		if err != nil {
			return nil, fmt.Errorf("invalid public key in %q: %w", p, err)
		}
		vs = append(vs, v)
	}
	return vs, nil
}

// writeFileIfNotExists ensures files do not already exist to avoid
// accidental overwriting.
func writeFileIfNotExists(filename string, key string) error {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("unable to create new key file %q: %w", filename, err)
	}
	defer file.Close()
	if _, err := file.WriteString(key); err != nil {
		return fmt.Errorf("unable to write new key file %q: %w", filename, err)
	}
	return nil
}
