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

// Package impl is the implementation of the boot emulator.
package impl

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/google/slotboot/api"
	"github.com/google/slotboot/boot"
	"github.com/google/slotboot/internal/keys"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/metadata"
	"github.com/google/slotboot/storage"
	"github.com/google/slotboot/storage/file"
	"github.com/google/slotboot/storage/mem"
	"github.com/google/slotboot/validate"
	"golang.org/x/mod/sumdb/note"
	"golang.org/x/sync/errgroup"
)

// EmulatorOpts encapsulates the parameters for running the emulator.
type EmulatorOpts struct {
	LayoutFile   string
	Device       string
	PubKeys      []string
	VerifyActive bool
	CrashSweep   bool
	Stride       int
	Workers      int
}

// Main is the entry point for the emulator.
func Main(opts EmulatorOpts) error {
	if len(opts.LayoutFile) == 0 || len(opts.Device) == 0 {
		return errors.New("--layout and --device required")
	}
	l, err := layout.Load(opts.LayoutFile)
	if err != nil {
		return err
	}
	vs, err := keys.Verifiers(opts.PubKeys...)
	if err != nil {
		return err
	}
	if len(vs) == 0 {
		return errors.New("--pub_keys required")
	}
	dev, err := file.Open(opts.Device, l)
	if err != nil {
		return err
	}
	defer dev.Close()

	if opts.CrashSweep {
		f, err := load(l, dev)
		if err != nil {
			return err
		}
		res, err := Sweep(l, f, vs, opts.Stride, opts.Workers)
		if err != nil {
			return err
		}
		fmt.Println(res)
		return nil
	}

	sel := boot.ForDevice(l, dev, vs...)
	sel.VerifyActive = opts.VerifyActive
	h, err := sel.Select()
	if err != nil {
		return err
	}
	fmt.Printf("Jumping to %v\n", h)
	return nil
}

// load copies every region of l from d into a new in-memory device.
func load(l layout.Layout, d storage.Driver) (*mem.Flash, error) {
	f := mem.ForLayout(l)
	for _, r := range l.Regions {
		b := make([]byte, r.Size)
		if err := d.Read(r, 0, b); err != nil {
			return nil, fmt.Errorf("failed to read %v: %w", r, err)
		}
		if err := f.Write(r, 0, b); err != nil {
			return nil, fmt.Errorf("failed to load %v: %w", r, err)
		}
	}
	return f, nil
}

// SweepResult summarises a crash sweep.
type SweepResult struct {
	// Units is the amount of storage work needed to complete the swap.
	Units int
	// Runs is the number of power cuts replayed.
	Runs int
	// Booted counts the runs which booted each image version.
	Booted map[uint64]int
}

func (r SweepResult) String() string {
	return fmt.Sprintf("%d power cuts over %d units of work, booted versions %v", r.Runs, r.Units, r.Booted)
}

// Sweep replays the swap pending on base with a power cut after every stride
// units of storage work, running up to workers replays in parallel. Each
// replay is followed by a clean boot, which must complete the swap and boot
// a valid copy of either the image Active before the swap or the one Active
// after it.
//
// base itself is never modified.
func Sweep(l layout.Layout, base *mem.Flash, vs []note.Verifier, stride, workers int) (SweepResult, error) {
	if stride < 1 {
		stride = 1
	}
	rec, err := metadata.ForLayout(base.Clone(), l).Read()
	if err != nil {
		return SweepResult{}, err
	}
	if rec.Swap == nil {
		return SweepResult{}, errors.New("no swap is pending")
	}
	var allowed []api.Digest
	if r, ok := rec.Active(); ok {
		allowed = append(allowed, rec.Slot(r).Image.Digest)
	}

	probe := base.Clone()
	start := probe.Units
	h, err := boot.ForDevice(l, probe, vs...).Select()
	if err != nil {
		return SweepResult{}, fmt.Errorf("uninterrupted boot failed: %w", err)
	}
	allowed = append(allowed, h.Image.Digest)
	res := SweepResult{Units: probe.Units - start, Booted: make(map[uint64]int)}
	glog.Infof("Swap %s -> %s takes %d units of work, booting %v", rec.Swap.Source, rec.Swap.Destination, res.Units, h)

	var mu sync.Mutex
	g := errgroup.Group{}
	if workers > 0 {
		g.SetLimit(workers)
	}
	for n := 0; n < res.Units; n += stride {
		n := n
		g.Go(func() error {
			v, err := replay(l, base, vs, n, allowed)
			if err != nil {
				return fmt.Errorf("power cut after %d units: %w", n, err)
			}
			mu.Lock()
			defer mu.Unlock()
			res.Runs++
			res.Booted[v]++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

// replay boots a copy of base with the power cut after n units, then boots
// it again and checks the outcome. It returns the version booted.
func replay(l layout.Layout, base *mem.Flash, vs []note.Verifier, n int, allowed []api.Digest) (uint64, error) {
	f := base.Clone()
	f.CutPowerAfter(n)
	if _, err := boot.ForDevice(l, f, vs...).Select(); err == nil && f.PoweredOff() {
		return 0, errors.New("boot reported success after losing power")
	}
	f.Restart()

	h, err := boot.ForDevice(l, f, vs...).Select()
	if err != nil {
		return 0, fmt.Errorf("reboot failed: %w", err)
	}
	known := false
	for _, d := range allowed {
		known = known || bytes.Equal(d, h.Image.Digest)
	}
	if !known {
		return 0, fmt.Errorf("booted unexpected image %v", h.Image)
	}
	vr, err := validate.New(f, vs...).Validate(h.Region)
	if err != nil {
		return 0, fmt.Errorf("booted slot %s does not validate: %w", h.Role, err)
	}
	if !bytes.Equal(vr.Digest, h.Image.Digest) {
		return 0, fmt.Errorf("booted slot %s holds %v, expected %v", h.Role, vr.Info(), h.Image)
	}
	rec, err := metadata.ForLayout(f, l).Read()
	if err != nil {
		return 0, fmt.Errorf("metadata unreadable after reboot: %w", err)
	}
	if rec.Swap != nil {
		return 0, fmt.Errorf("swap still pending after reboot: %v", rec)
	}
	return h.Image.Version, nil
}
