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

package impl

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/slotboot/api"
	"github.com/google/slotboot/fwimage"
	"github.com/google/slotboot/internal/keys"
)

const testLayout = `
BlockSize: 512
Topology: single-bank
Regions:
  - Name: meta
    Offset: 0x0
    Size: 0x1000
    Role: metadata
  - Name: primary
    Offset: 0x1000
    Size: 0x800
    Role: slot-a
  - Name: secondary
    Offset: 0x1800
    Size: 0x800
    Role: slot-b
  - Name: swap
    Offset: 0x2000
    Size: 0x800
    Role: scratch
`

type env struct {
	layout, device, pub string
	images              map[uint64]string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		layout: filepath.Join(dir, "layout.yaml"),
		device: filepath.Join(dir, "device"),
		pub:    filepath.Join(dir, "vendor.key.pub"),
		images: make(map[uint64]string),
	}
	if err := os.WriteFile(e.layout, []byte(testLayout), 0o644); err != nil {
		t.Fatal(err)
	}
	priv := filepath.Join(dir, "vendor.key")
	if _, err := keys.Generate("vendor", priv, e.pub); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	s, err := keys.Signer(priv)
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	for _, v := range []uint64{1, 2} {
		img, err := fwimage.Sign([]byte(fmt.Sprintf("firmware version %d", v)), v, s)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		p := filepath.Join(dir, fmt.Sprintf("v%d.img", v))
		if err := os.WriteFile(p, img, 0o644); err != nil {
			t.Fatal(err)
		}
		e.images[v] = p
	}
	return e
}

func (e env) opts(o FlashOpts) FlashOpts {
	o.LayoutFile, o.Device, o.PubKeys = e.layout, e.device, []string{e.pub}
	if o.Slot == "" {
		o.Slot = "slot-b"
	}
	return o
}

func activeVersion(t *testing.T, rec api.Record) uint64 {
	t.Helper()
	r, ok := rec.Active()
	if !ok {
		t.Fatalf("no active slot in %v", rec)
	}
	return rec.Slot(r).Image.Version
}

func TestUpdateFlow(t *testing.T) {
	e := newEnv(t)
	for _, step := range []struct {
		desc        string
		opts        FlashOpts
		wantErr     bool
		wantVersion uint64
	}{
		{
			desc: "provision",
			opts: FlashOpts{Init: true, Stage: e.images[1], Slot: "slot-a", Provision: true},
			// Provisioning activates slot A.
			wantVersion: 1,
		}, {
			desc:        "stage and install",
			opts:        FlashOpts{Stage: e.images[2], Verify: true, Install: true},
			wantVersion: 2,
		}, {
			desc:    "install again",
			opts:    FlashOpts{Install: true, Slot: "slot-a"},
			wantErr: true,
		}, {
			desc:        "revert",
			opts:        FlashOpts{Revert: true},
			wantVersion: 1,
		}, {
			desc:        "resume with nothing pending",
			opts:        FlashOpts{Resume: true},
			wantVersion: 1,
		},
	} {
		rec, err := Main(e.opts(step.opts))
		if gotErr := err != nil; gotErr != step.wantErr {
			t.Fatalf("%s: Main() = %v, want error %t", step.desc, err, step.wantErr)
		}
		if err != nil {
			continue
		}
		if v := activeVersion(t, rec); v != step.wantVersion {
			t.Errorf("%s: active version %d, want %d", step.desc, v, step.wantVersion)
		}
	}
}

func TestErrors(t *testing.T) {
	e := newEnv(t)
	if _, err := Main(e.opts(FlashOpts{Init: true})); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, test := range []struct {
		desc string
		opts FlashOpts
	}{
		{desc: "missing layout", opts: FlashOpts{Device: e.device}},
		{desc: "bad slot", opts: e.opts(FlashOpts{Slot: "slot-c"})},
		{desc: "no keys", opts: FlashOpts{LayoutFile: e.layout, Device: e.device, Slot: "slot-b", Verify: true}},
		{desc: "missing device", opts: FlashOpts{LayoutFile: e.layout, Device: e.device + ".missing", Slot: "slot-b"}},
		{desc: "missing image", opts: e.opts(FlashOpts{Stage: e.device + ".img"})},
		{desc: "verify empty slot", opts: e.opts(FlashOpts{Verify: true})},
		{desc: "revert without candidate", opts: e.opts(FlashOpts{Revert: true})},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if _, err := Main(test.opts); err == nil {
				t.Error("Main succeeded")
			}
		})
	}
}
