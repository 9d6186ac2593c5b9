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

package boot_test

//go:generate mockgen -write_package_comment=false -self_package github.com/google/slotboot/boot_test -package boot_test -destination mock_boot_test.go github.com/google/slotboot/boot Store,Resumer,Validator

import (
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/slotboot/api"
	"github.com/google/slotboot/boot"
	"github.com/google/slotboot/fwimage"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/metadata"
	"github.com/google/slotboot/storage"
	"github.com/google/slotboot/storage/mem"
	"github.com/google/slotboot/swap"
	"github.com/google/slotboot/validate"
	"golang.org/x/mod/sumdb/note"
)

var (
	dualBank = layout.Layout{
		BlockSize: 512,
		Topology:  layout.DualBank,
		Regions: []layout.Region{
			{Name: "meta", Offset: 0, Size: 4096, Role: api.RoleMetadata},
			{Name: "a", Offset: 4096, Size: 1024, Role: api.RoleSlotA},
			{Name: "b", Offset: 5120, Size: 1024, Role: api.RoleSlotB},
		},
	}
	singleBank = layout.Layout{
		BlockSize: 512,
		Topology:  layout.SingleBank,
		Regions: append(append([]layout.Region(nil), dualBank.Regions...),
			layout.Region{Name: "scratch", Offset: 6144, Size: 1024, Role: api.RoleScratch}),
	}

	digestA = api.Digest{0xa}
	digestB = api.Digest{0xb}
	imageA  = api.ImageInfo{Version: 1, Size: 100, Digest: digestA}
	imageB  = api.ImageInfo{Version: 2, Size: 100, Digest: digestB}

	bootedA = api.Record{
		Sequence: 3,
		SlotA:    api.SlotInfo{State: api.StateActive, Image: imageA},
		SlotB:    api.SlotInfo{State: api.StateValidated, Image: imageB},
	}
	pending = func() api.Record {
		r := bootedA.Clone()
		r.Swap = &api.SwapTransaction{Source: api.RoleSlotB, Destination: api.RoleSlotB, Previous: api.RoleSlotA, Phase: api.PhaseIntentRecorded}
		return r
	}()
	// copied has the incoming image from slot B installed into slot A, with
	// the previous image still to be moved out of scratch.
	copied = func() api.Record {
		r := bootedA.Clone()
		r.Swap = &api.SwapTransaction{Source: api.RoleSlotB, Destination: api.RoleSlotA, Previous: api.RoleSlotA, Phase: api.PhaseDataCopied, Stage: api.StageRelocate}
		return r
	}()
	bootedB = api.Record{
		Sequence: 6,
		SlotA:    api.SlotInfo{State: api.StateValidated, Image: imageA},
		SlotB:    api.SlotInfo{State: api.StateActive, Image: imageB},
		Rollback: api.RoleSlotA,
	}
)

func TestSelect(t *testing.T) {
	regionA, regionB := dualBank.MustRegion(api.RoleSlotA), dualBank.MustRegion(api.RoleSlotB)
	for _, test := range []struct {
		desc         string
		expect       func(s *MockStore, r *MockResumer, v *MockValidator)
		verifyActive bool
		want         boot.Handle
		wantErr      []error
	}{
		{
			desc: "active slot",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(bootedA, nil)
			},
			want: boot.Handle{Role: api.RoleSlotA, Region: regionA, Image: imageA, EntryOffset: regionA.Offset + fwimage.HeaderSize},
		}, {
			desc: "verified active slot",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(bootedB, nil)
				v.EXPECT().Validate(regionB).Return(validate.Result{Digest: digestB}, nil)
			},
			verifyActive: true,
			want:         boot.Handle{Role: api.RoleSlotB, Region: regionB, Image: imageB, EntryOffset: regionB.Offset + fwimage.HeaderSize},
		}, {
			desc: "verified active slot holds another image",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(bootedB, nil)
				v.EXPECT().Validate(regionB).Return(validate.Result{Digest: digestA}, nil)
			},
			verifyActive: true,
			wantErr:      []error{api.ErrNoBootableImage},
		}, {
			desc: "verified active slot invalid",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(bootedB, nil)
				v.EXPECT().Validate(regionB).Return(validate.Result{}, api.Invalid(api.ReasonSignatureInvalid, "bad"))
			},
			verifyActive: true,
			wantErr:      []error{api.ErrNoBootableImage},
		}, {
			desc: "corrupt metadata recovered",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(api.Record{}, fmt.Errorf("%w: duplicate sequence", api.ErrCorrupt))
				s.EXPECT().Recover().Return(bootedA, nil)
			},
			want: boot.Handle{Role: api.RoleSlotA, Region: regionA, Image: imageA, EntryOffset: regionA.Offset + fwimage.HeaderSize},
		}, {
			desc: "corrupt metadata unrecoverable",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(api.Record{}, fmt.Errorf("%w: duplicate sequence", api.ErrCorrupt))
				s.EXPECT().Recover().Return(api.Record{}, fmt.Errorf("%w: nothing decodes", api.ErrCorrupt))
			},
			wantErr: []error{api.ErrNoBootableImage, api.ErrCorrupt},
		}, {
			desc: "metadata unreadable",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(api.Record{}, fmt.Errorf("%w: gone", api.ErrStorageFault))
			},
			wantErr: []error{api.ErrNoBootableImage, api.ErrStorageFault},
		}, {
			desc: "factory record",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(api.Record{}, nil)
			},
			wantErr: []error{api.ErrNoBootableImage},
		}, {
			desc: "pending swap completes",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(pending, nil)
				r.EXPECT().Resume(pending).Return(bootedB, nil)
			},
			want: boot.Handle{Role: api.RoleSlotB, Region: regionB, Image: imageB, EntryOffset: regionB.Offset + fwimage.HeaderSize},
		}, {
			desc: "pending swap storage fault falls back",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(pending, nil)
				r.EXPECT().Resume(pending).Return(pending, fmt.Errorf("%w: copy", api.ErrStorageFault))
				v.EXPECT().Validate(regionA).Return(validate.Result{Digest: digestA}, nil)
			},
			want: boot.Handle{Role: api.RoleSlotA, Region: regionA, Image: imageA, EntryOffset: regionA.Offset + fwimage.HeaderSize},
		}, {
			desc: "fallback validation retried",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(pending, nil)
				r.EXPECT().Resume(pending).Return(pending, fmt.Errorf("%w: copy", api.ErrStorageFault))
				gomock.InOrder(
					v.EXPECT().Validate(regionA).Return(validate.Result{}, errors.New("flaky read")),
					v.EXPECT().Validate(regionA).Return(validate.Result{Digest: digestA}, nil),
				)
			},
			want: boot.Handle{Role: api.RoleSlotA, Region: regionA, Image: imageA, EntryOffset: regionA.Offset + fwimage.HeaderSize},
		}, {
			desc: "fallback slot damaged",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(pending, nil)
				r.EXPECT().Resume(pending).Return(pending, fmt.Errorf("%w: copy", api.ErrStorageFault))
				v.EXPECT().Validate(regionA).Return(validate.Result{}, api.Invalid(api.ReasonDigestMismatch, "torn"))
			},
			wantErr: []error{api.ErrNoBootableImage},
		}, {
			desc: "copied image booted after storage fault",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(copied, nil)
				r.EXPECT().Resume(copied).Return(copied, fmt.Errorf("%w: relocate", api.ErrStorageFault))
				v.EXPECT().Validate(regionA).Return(validate.Result{Digest: digestB}, nil)
			},
			want: boot.Handle{Role: api.RoleSlotA, Region: regionA, Image: imageB, EntryOffset: regionA.Offset + fwimage.HeaderSize},
		}, {
			desc: "previous image booted after storage fault during copy",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(copied, nil)
				r.EXPECT().Resume(copied).Return(copied, fmt.Errorf("%w: relocate", api.ErrStorageFault))
				v.EXPECT().Validate(regionA).Return(validate.Result{Digest: digestA}, nil)
			},
			want: boot.Handle{Role: api.RoleSlotA, Region: regionA, Image: imageA, EntryOffset: regionA.Offset + fwimage.HeaderSize},
		}, {
			desc: "copy target holds neither image",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(copied, nil)
				r.EXPECT().Resume(copied).Return(copied, fmt.Errorf("%w: relocate", api.ErrStorageFault))
				v.EXPECT().Validate(regionA).Return(validate.Result{Digest: api.Digest{0xc}}, nil)
			},
			wantErr: []error{api.ErrNoBootableImage},
		}, {
			desc: "resume fails otherwise",
			expect: func(s *MockStore, r *MockResumer, v *MockValidator) {
				s.EXPECT().Read().Return(pending, nil)
				r.EXPECT().Resume(pending).Return(pending, fmt.Errorf("%w: unknown stage", api.ErrCorrupt))
			},
			wantErr: []error{api.ErrNoBootableImage, api.ErrCorrupt},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			s, r, v := NewMockStore(ctrl), NewMockResumer(ctrl), NewMockValidator(ctrl)
			test.expect(s, r, v)
			sel := boot.New(dualBank, s, r, v)
			sel.VerifyActive = test.verifyActive

			got, err := sel.Select()
			if gotErr := err != nil; gotErr != (len(test.wantErr) > 0) {
				t.Fatalf("Select() = %v, want error %v", err, test.wantErr)
			}
			for _, want := range test.wantErr {
				if !errors.Is(err, want) {
					t.Errorf("Select() = %v, want %v", err, want)
				}
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("unexpected handle, diff:\n%s", diff)
			}
		})
	}
}

func newKey(t *testing.T) (note.Signer, note.Verifier) {
	t.Helper()
	skey, vkey, err := note.GenerateKey(rand.Reader, "vendor")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	v, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return s, v
}

// install programs a signed image into role and returns its metadata.
func install(t *testing.T, f *mem.Flash, l layout.Layout, s note.Signer, role api.Role, version uint64) api.ImageInfo {
	t.Helper()
	p := make([]byte, 200)
	for i := range p {
		p[i] = byte(version) + byte(i)
	}
	img, err := fwimage.Sign(p, version, s)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	r := l.MustRegion(role)
	if err := f.Erase(r); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := f.Write(r, 0, img); err != nil {
		t.Fatalf("Write: %v", err)
	}
	h, err := fwimage.ParseHeader(img)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	return h.Info()
}

func TestSelectBlankDevice(t *testing.T) {
	_, v := newKey(t)
	f := mem.ForLayout(dualBank)
	if _, err := boot.ForDevice(dualBank, f, v).Select(); !errors.Is(err, api.ErrNoBootableImage) {
		t.Errorf("Select() = %v, want ErrNoBootableImage", err)
	}
}

// TestSelectInterruptedSwap interrupts a swap at points spread across its
// storage work, and checks that the next boot picks a valid image and leaves
// no transaction pending.
func TestSelectInterruptedSwap(t *testing.T) {
	for _, l := range []layout.Layout{dualBank, singleBank} {
		t.Run(l.Topology.String(), func(t *testing.T) {
			s, v := newKey(t)
			f := mem.ForLayout(l)
			rec, err := metadata.ForLayout(f, l).Write(api.Record{
				SlotA: api.SlotInfo{State: api.StateActive, Image: install(t, f, l, s, api.RoleSlotA, 1)},
				SlotB: api.SlotInfo{State: api.StateValidated, Image: install(t, f, l, s, api.RoleSlotB, 2)},
			})
			if err != nil {
				t.Fatalf("Write: %v", err)
			}

			for n := 0; ; n += 23 {
				c := f.Clone()
				c.CutPowerAfter(n)
				st := metadata.ForLayout(c, l)
				val := validate.New(c, v)
				if _, err := swap.New(l, c, st, val).Swap(rec, api.RoleSlotB); err == nil {
					break
				}
				c.Restart()

				h, err := boot.ForDevice(l, c, v).Select()
				if err != nil {
					t.Fatalf("cut after %d: Select: %v", n, err)
				}
				if h.Image.Version != 1 && h.Image.Version != 2 {
					t.Fatalf("cut after %d: booted %v", n, h)
				}
				res, err := val.Validate(h.Region)
				if err != nil {
					t.Fatalf("cut after %d: booted slot does not validate: %v", n, err)
				}
				if diff := cmp.Diff(h.Image, res.Info()); diff != "" {
					t.Fatalf("cut after %d: booted slot holds another image, diff:\n%s", n, diff)
				}
				after, err := st.Read()
				if err != nil {
					t.Fatalf("cut after %d: Read: %v", n, err)
				}
				if after.Swap != nil {
					t.Fatalf("cut after %d: swap still pending: %v", n, after)
				}
			}
		})
	}
}

// deadRegion fails every write and erase which touches dead.
type deadRegion struct {
	storage.Driver
	dead layout.Region
}

func (d deadRegion) touches(r layout.Region) bool {
	return r.Offset < d.dead.Offset+d.dead.Size && d.dead.Offset < r.Offset+r.Size
}

func (d deadRegion) Write(r layout.Region, off uint32, b []byte) error {
	if d.touches(r) {
		return fmt.Errorf("%w: %v is dead", api.ErrIO, r)
	}
	return d.Driver.Write(r, off, b)
}

func (d deadRegion) Erase(r layout.Region) error {
	if d.touches(r) {
		return fmt.Errorf("%w: %v is dead", api.ErrIO, r)
	}
	return d.Driver.Erase(r)
}

// TestSelectSlotBFailsAfterCopy boots a single-bank device whose slot B
// can no longer be written once the incoming image has been copied into
// slot A. Every boot must run the copied image without finishing the swap.
func TestSelectSlotBFailsAfterCopy(t *testing.T) {
	l := singleBank
	s, v := newKey(t)
	f := mem.ForLayout(l)
	prev := install(t, f, l, s, api.RoleScratch, 1)
	incoming := install(t, f, l, s, api.RoleSlotB, 2)
	install(t, f, l, s, api.RoleSlotA, 2)
	rec := api.Record{
		SlotA: api.SlotInfo{State: api.StateActive, Image: prev},
		SlotB: api.SlotInfo{State: api.StateValidated, Image: incoming},
		Swap:  &api.SwapTransaction{Source: api.RoleSlotB, Destination: api.RoleSlotA, Previous: api.RoleSlotA, Phase: api.PhaseDataCopied, Stage: api.StageRelocate},
	}
	if _, err := metadata.ForLayout(f, l).Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	d := deadRegion{Driver: f, dead: l.MustRegion(api.RoleSlotB)}

	for i := 0; i < 2; i++ {
		h, err := boot.ForDevice(l, d, v).Select()
		if err != nil {
			t.Fatalf("boot %d: Select: %v", i, err)
		}
		want := boot.Handle{Role: api.RoleSlotA, Region: l.MustRegion(api.RoleSlotA), Image: incoming, EntryOffset: l.MustRegion(api.RoleSlotA).Offset + fwimage.HeaderSize}
		if diff := cmp.Diff(want, h); diff != "" {
			t.Errorf("boot %d: unexpected handle, diff:\n%s", i, diff)
		}
	}
	after, err := metadata.ForLayout(f, l).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if after.Swap == nil || after.Swap.Phase != api.PhaseDataCopied {
		t.Errorf("swap no longer waiting to relocate: %v", after)
	}
}
