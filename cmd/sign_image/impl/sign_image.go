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

// Package impl is the implementation of the image signing tool.
package impl

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/google/slotboot/fwimage"
	"github.com/google/slotboot/internal/keys"
)

// SignOpts encapsulates the signing tool parameters.
type SignOpts struct {
	Keygen  bool
	KeyName string
	KeyFile string
	In      string
	Out     string
	Version uint64
}

// Main is the entry point for the signing tool.
func Main(opts SignOpts) error {
	if len(opts.KeyFile) == 0 {
		return errors.New("--key_file required")
	}
	if opts.Keygen {
		if len(opts.KeyName) == 0 {
			return errors.New("--key_name required with --keygen")
		}
		v, err := keys.Generate(opts.KeyName, opts.KeyFile, opts.KeyFile+".pub")
		if err != nil {
			return err
		}
		glog.Infof("Generated key %q with hash %08x", v.Name(), v.KeyHash())
		return nil
	}

	if len(opts.In) == 0 || len(opts.Out) == 0 {
		return errors.New("--in and --out required")
	}
	s, err := keys.Signer(opts.KeyFile)
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(opts.In)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	img, err := fwimage.Sign(payload, opts.Version, s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.Out, img, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	h, err := fwimage.ParseHeader(img)
	if err != nil {
		return err
	}
	glog.Infof("Wrote %v to %q", h, opts.Out)
	return nil
}
