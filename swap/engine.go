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

// Package swap implements the resumable state machine which makes a
// Validated image the Active one.
//
// A swap is recorded in the metadata before any image data is touched, and
// every step after that is either idempotent or guarded by a durable phase
// change, so a swap interrupted at any point is completed or rolled back by
// calling Resume with the record found on the next boot.
package swap

import (
	"bytes"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/slotboot/api"
	"github.com/google/slotboot/internal/retry"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/storage"
	"github.com/google/slotboot/validate"
)

// Store persists metadata records.
type Store interface {
	// Write persists rec, which must carry the sequence number of the record
	// it was derived from, and returns it with its new sequence number.
	Write(rec api.Record) (api.Record, error)
}

// Validator checks the image held in a region.
type Validator interface {
	Validate(r layout.Region) (validate.Result, error)
}

// strategy carries out the data movement for a particular storage topology.
type strategy interface {
	// destination returns the slot which becomes Active when source is
	// installed.
	destination(source api.Role) api.Role
	// firstStage returns the stage a new transaction starts in.
	firstStage(t api.SwapTransaction) api.Stage
	// transfer drives an IntentRecorded transaction to DataCopied, or rolls
	// it back. Like commit, it returns the last record persisted even when it
	// fails.
	transfer(rec api.Record) (api.Record, error)
	// commit drives a DataCopied transaction to Committed.
	commit(rec api.Record) (api.Record, error)
}

// Engine performs swaps.
type Engine struct {
	l        layout.Layout
	d        storage.Driver
	store    Store
	v        Validator
	strategy strategy

	// Attempts is the number of times image data operations are tried
	// before api.ErrStorageFault is returned.
	Attempts int
	// ChunkSize is the number of bytes moved per storage read.
	ChunkSize int
}

// New returns an engine for a device laid out as l. The swap strategy is
// chosen by the layout's topology.
func New(l layout.Layout, d storage.Driver, s Store, v Validator) *Engine {
	e := &Engine{
		l:         l,
		d:         d,
		store:     s,
		v:         v,
		Attempts:  retry.DefaultAttempts,
		ChunkSize: storage.DefaultChunkSize,
	}
	switch l.Topology {
	case layout.SingleBank:
		e.strategy = &copier{e: e, flip: flipper{e: e}}
	default:
		e.strategy = flipper{e: e}
	}
	return e
}

// Begin records the intent to install the Validated image held in source.
// No image data is touched.
func (e *Engine) Begin(rec api.Record, source api.Role) (api.Record, error) {
	if rec.Swap != nil {
		return rec, fmt.Errorf("%w: swap %s -> %s already in flight", api.ErrConcurrentAccess, rec.Swap.Source, rec.Swap.Destination)
	}
	if !source.IsImageSlot() {
		return rec, fmt.Errorf("%s is not an image slot", source)
	}
	if s := rec.Slot(source).State; s != api.StateValidated {
		return rec, fmt.Errorf("cannot install %s in state %s, want %s", source, s, api.StateValidated)
	}
	prev, _ := rec.Active()
	t := api.SwapTransaction{
		Source:      source,
		Destination: e.strategy.destination(source),
		Previous:    prev,
		Phase:       api.PhaseIntentRecorded,
	}
	if t.Moves() && prev != api.RoleNone && prev != t.Destination {
		return rec, fmt.Errorf("%s is active, but images can only be executed from %s", prev, t.Destination)
	}
	t.Stage = e.strategy.firstStage(t)

	next := rec.Clone()
	next.Swap = &t
	glog.Infof("Beginning swap %s -> %s (%s)", t.Source, t.Destination, rec.Slot(source).Image)
	return e.write(rec, next)
}

// Resume drives any pending transaction in rec to completion, and returns the
// resulting record. A record with no transaction is returned unchanged
// without any write.
//
// If storage keeps failing, the returned error wraps api.ErrStorageFault and
// the returned record is the last one successfully persisted.
func (e *Engine) Resume(rec api.Record) (api.Record, error) {
	for rec.Swap != nil {
		var err error
		t := rec.Swap
		glog.V(1).Infof("Resuming swap %s -> %s at %s/%s", t.Source, t.Destination, t.Phase, t.Stage)
		switch t.Phase {
		case api.PhaseIntentRecorded:
			rec, err = e.strategy.transfer(rec)
		case api.PhaseDataCopied:
			rec, err = e.strategy.commit(rec)
		case api.PhaseCommitted, api.PhaseRolledBack:
			rec, err = e.clear(rec)
		default:
			return rec, fmt.Errorf("%w: swap in unknown phase %s", api.ErrCorrupt, t.Phase)
		}
		if err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Swap installs the Validated image held in source: Begin followed by Resume.
func (e *Engine) Swap(rec api.Record, source api.Role) (api.Record, error) {
	rec, err := e.Begin(rec, source)
	if err != nil {
		return rec, err
	}
	return e.Resume(rec)
}

// clear removes a finished transaction from the record.
func (e *Engine) clear(rec api.Record) (api.Record, error) {
	next := rec.Clone()
	next.Swap = nil
	glog.Infof("Swap %s -> %s finished: %s", rec.Swap.Source, rec.Swap.Destination, rec.Swap.Phase)
	return e.write(rec, next)
}

// write persists next, which must be derived from rec. If the write fails,
// rec is returned.
func (e *Engine) write(rec, next api.Record) (api.Record, error) {
	w, err := e.store.Write(next)
	if err != nil {
		return rec, err
	}
	return w, nil
}

// advance persists a new phase and stage for the transaction in rec.
func (e *Engine) advance(rec api.Record, p api.Phase, s api.Stage) (api.Record, error) {
	next := rec.Clone()
	next.Swap.Phase, next.Swap.Stage = p, s
	return e.write(rec, next)
}

// rolledBack returns rec with the incoming image marked Invalid and the
// transaction in RolledBack. The previously Active slot is left as it is.
func rolledBack(rec api.Record) api.Record {
	next := rec.Clone()
	t := next.Swap
	next.Slot(t.Source).State = api.StateInvalid
	if next.Rollback == t.Source {
		next.Rollback = api.RoleNone
	}
	t.Phase, t.Stage, t.Retried = api.PhaseRolledBack, api.StageNone, false
	return next
}

// validate validates the image in r, retrying storage failures. If want is
// not empty the computed digest must match it.
func (e *Engine) validate(role api.Role, want api.Digest) (validate.Result, error) {
	r := e.l.MustRegion(role)
	var res validate.Result
	err := retry.Do(e.Attempts, fmt.Sprintf("validate %s", role), func() error {
		var err error
		res, err = e.v.Validate(r)
		return err
	})
	if err != nil {
		return res, err
	}
	if len(want) > 0 && !bytes.Equal(res.Digest, want) {
		return res, api.Invalid(api.ReasonDigestMismatch, "%s holds digest %s, expected %s", role, res.Digest, want)
	}
	return res, nil
}

// copy copies the first n bytes of from into to, retrying storage failures.
func (e *Engine) copy(to, from api.Role, n uint32) error {
	dst, src := e.l.MustRegion(to), e.l.MustRegion(from)
	if n > dst.Size {
		n = dst.Size
	}
	if n > src.Size {
		n = src.Size
	}
	return retry.Do(e.Attempts, fmt.Sprintf("copy %s -> %s", from, to), func() error {
		return storage.Copy(e.d, dst, src, n, e.ChunkSize)
	})
}
