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

// Package impl is the implementation of a util to stage, verify and install
// signed images on a file-backed flash device.
package impl

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/google/slotboot/api"
	"github.com/google/slotboot/internal/keys"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/storage/file"
	"github.com/google/slotboot/update"
)

// FlashOpts encapsulates flash tool parameters.
type FlashOpts struct {
	LayoutFile string
	Device     string
	PubKeys    []string
	Init       bool
	Stage      string
	Slot       string
	Verify     bool
	Provision  bool
	Install    bool
	Revert     bool
	Resume     bool
}

// Main runs the requested steps against the device, and returns the
// resulting metadata record.
func Main(opts FlashOpts) (api.Record, error) {
	if len(opts.LayoutFile) == 0 || len(opts.Device) == 0 {
		return api.Record{}, errors.New("--layout and --device required")
	}
	l, err := layout.Load(opts.LayoutFile)
	if err != nil {
		return api.Record{}, err
	}
	var role api.Role
	if err := role.UnmarshalText([]byte(opts.Slot)); err != nil {
		return api.Record{}, fmt.Errorf("invalid --slot: %w", err)
	}
	vs, err := keys.Verifiers(opts.PubKeys...)
	if err != nil {
		return api.Record{}, err
	}
	if len(vs) == 0 && (opts.Verify || opts.Provision || opts.Install || opts.Revert || opts.Resume) {
		return api.Record{}, errors.New("--pub_keys required to validate images")
	}

	open := file.Open
	if opts.Init {
		open = file.Create
	}
	dev, err := open(opts.Device, l)
	if err != nil {
		return api.Record{}, err
	}
	defer dev.Close()

	u := update.New(l, dev, vs...)
	steps := []struct {
		want bool
		name string
		f    func() (api.Record, error)
	}{
		{opts.Resume, "resume", u.Resume},
		{len(opts.Stage) > 0, "stage", func() (api.Record, error) {
			img, err := os.ReadFile(opts.Stage)
			if err != nil {
				return api.Record{}, fmt.Errorf("failed to read image: %w", err)
			}
			return u.Stage(role, img)
		}},
		{opts.Verify, "verify", func() (api.Record, error) { return u.Verify(role) }},
		{opts.Provision, "provision", func() (api.Record, error) { return u.Provision(role) }},
		{opts.Install, "install", func() (api.Record, error) { return u.Install(role) }},
		{opts.Revert, "revert", u.Revert},
	}
	for _, s := range steps {
		if !s.want {
			continue
		}
		glog.Infof("Running %s", s.name)
		if _, err := s.f(); err != nil {
			return api.Record{}, fmt.Errorf("%s failed: %w", s.name, err)
		}
	}

	rec, err := u.Record()
	if err != nil {
		return api.Record{}, err
	}
	fmt.Println(rec)
	return rec, nil
}
