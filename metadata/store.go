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

// Package metadata persists the slot metadata record in a power-fail safe
// journal.
//
// The metadata region is split into two banks, each of which holds an
// append-only run of checksummed entries. The newest entry which is complete
// is the current record, so a write torn by a power cut resolves to the
// record which preceded it. When the bank in use fills up, or its tail has
// been damaged by an interrupted write, the other bank is erased and the
// journal continues there.
//
// This structure is not thread-safe; callers must serialise access.
package metadata

import (
	"bytes"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/slotboot/api"
	"github.com/google/slotboot/internal/retry"
	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/storage"
	"gopkg.in/yaml.v3"
)

// Store is the only component which reads or writes the metadata region.
type Store struct {
	d     storage.Driver
	banks [2]layout.Region
	last  api.Record

	// Attempts is the number of times a storage operation is tried before
	// ErrStorageFault is returned.
	Attempts int
}

// NewStore returns a store for the journal held in region r, which must
// span an even number of erase blocks.
func NewStore(d storage.Driver, r layout.Region) *Store {
	half := r.Size / 2
	return &Store{
		d:        d,
		banks:    [2]layout.Region{r.Sub(0, half), r.Sub(half, half)},
		Attempts: retry.DefaultAttempts,
	}
}

// ForLayout returns a store for the metadata region of l.
func ForLayout(d storage.Driver, l layout.Layout) *Store {
	return NewStore(d, l.MustRegion(api.RoleMetadata))
}

// MaxRecordSize returns the largest encoded record the store can hold.
func (s *Store) MaxRecordSize() uint32 {
	return s.banks[0].Size - entryHeaderSize
}

func (s *Store) scan() (*journal, error) {
	var j *journal
	err := retry.Do(s.Attempts, "metadata scan", func() error {
		var err error
		j, err = scanJournal(s.d, s.banks)
		return err
	})
	return j, err
}

// Read returns the current record.
//
// A region which has never been written yields the factory record: sequence
// zero, every slot Empty. If the region cannot be trusted, the returned error
// wraps api.ErrCorrupt.
func (s *Store) Read() (api.Record, error) {
	j, err := s.scan()
	if err != nil {
		return api.Record{}, err
	}
	if err := j.check(); err != nil {
		return api.Record{}, fmt.Errorf("%w: %v", api.ErrCorrupt, err)
	}
	if j.newest == nil {
		glog.V(1).Info("Metadata region is blank, using factory record")
		s.last = api.Record{}
		return api.Record{}, nil
	}
	rec, err := decode(j.newest.entry)
	if err != nil {
		return api.Record{}, fmt.Errorf("%w: %v", api.ErrCorrupt, err)
	}
	glog.V(2).Infof("Read metadata %v", rec)
	s.last = rec.Clone()
	return rec, nil
}

// Last returns the record most recently read or written by this store,
// without accessing storage.
func (s *Store) Last() api.Record {
	return s.last.Clone()
}

// Write persists rec as the new current record, and returns it with its new
// sequence number.
//
// rec must carry the sequence number of the record it was derived from; if
// another record has been written since, api.ErrConcurrentAccess is returned.
// If storage keeps failing the returned error wraps api.ErrStorageFault, and
// the previous record remains current.
func (s *Store) Write(rec api.Record) (api.Record, error) {
	if err := rec.Validate(); err != nil {
		return api.Record{}, fmt.Errorf("refusing to write invalid record: %w", err)
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return api.Record{}, fmt.Errorf("failed to marshal record: %v", err)
	}
	if l := uint32(len(data)); l > s.MaxRecordSize() {
		return api.Record{}, fmt.Errorf("record of %d bytes exceeds the %d bytes available", l, s.MaxRecordSize())
	}

	j, err := s.scan()
	if err != nil {
		return api.Record{}, err
	}
	if err := j.check(); err != nil {
		return api.Record{}, fmt.Errorf("%w: %v", api.ErrCorrupt, err)
	}
	prev := api.Record{}
	if j.newest != nil {
		if prev, err = decode(j.newest.entry); err != nil {
			return api.Record{}, fmt.Errorf("%w: %v", api.ErrCorrupt, err)
		}
	}
	if prev.Sequence != rec.Sequence {
		return api.Record{}, fmt.Errorf("%w: record derived from sequence %d, but current is %d", api.ErrConcurrentAccess, rec.Sequence, prev.Sequence)
	}

	e := newEntry(rec.Sequence+1, data)
	if err := retry.Do(s.Attempts, "metadata write", func() error {
		return s.append(j, e)
	}); err != nil {
		return api.Record{}, err
	}

	logTransitions(prev, rec)
	rec.Sequence = e.Sequence
	s.last = rec.Clone()
	glog.V(1).Infof("Wrote metadata %v", rec)
	return rec, nil
}

// append writes e to the current bank if it fits and the bank is clean, or
// otherwise rotates to the other bank. j is updated to reflect the outcome,
// so a failed attempt can be retried.
func (s *Store) append(j *journal, e entry) error {
	buf := &bytes.Buffer{}
	if err := marshalEntry(e, buf); err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal entry: %v", err))
	}
	b := j.banks[j.cur]
	if b.free() >= e.Size() {
		erased, err := isErased(s.d, b.region, b.tail, e.Size())
		if err != nil {
			return err
		}
		if !erased {
			return retry.Permanent(fmt.Errorf("%w: append position %d in %v is not erased", api.ErrConcurrentAccess, b.tail, b.region))
		}
		if err := s.d.Write(b.region, b.tail, buf.Bytes()); err != nil {
			b.dirty = true
			return err
		}
		b.tail += e.Size()
		return nil
	}

	other := 1 - j.cur
	o := j.banks[other]
	glog.V(1).Infof("Rotating metadata journal to %v", o.region)
	o.entries, o.tail, o.dirty = nil, 0, true
	if err := s.d.Erase(o.region); err != nil {
		return err
	}
	if err := s.d.Write(o.region, 0, buf.Bytes()); err != nil {
		return err
	}
	o.tail, o.dirty = e.Size(), false
	j.cur = other
	return nil
}

// Recover returns the newest entry which decodes to a valid record, and
// re-persists it as the current record in a freshly erased bank.
//
// It is used when Read reports corruption. If no entry can be decoded the
// returned error wraps api.ErrCorrupt.
func (s *Store) Recover() (api.Record, error) {
	j, err := s.scan()
	if err != nil {
		return api.Record{}, err
	}
	var (
		rec   api.Record
		found *located
	)
	for _, c := range j.byRecency() {
		r, err := decode(c.entry)
		if err != nil {
			glog.Warningf("Skipping metadata entry %d: %v", c.Sequence, err)
			continue
		}
		rec, found = r, &c
		break
	}
	if found == nil {
		return api.Record{}, fmt.Errorf("%w: no decodable metadata entry", api.ErrCorrupt)
	}
	glog.Warningf("Recovering metadata from entry %d (newest sequence %d)", found.Sequence, j.maxSequence())

	data, err := yaml.Marshal(rec)
	if err != nil {
		return api.Record{}, fmt.Errorf("failed to marshal record: %v", err)
	}
	e := newEntry(j.maxSequence()+1, data)
	target := 1 - found.bank
	if err := retry.Do(s.Attempts, "metadata recovery write", func() error {
		j.cur = found.bank
		j.banks[found.bank].dirty = true
		return s.append(j, e)
	}); err != nil {
		return api.Record{}, err
	}
	if err := retry.Do(s.Attempts, "metadata recovery erase", func() error {
		return s.d.Erase(s.banks[found.bank])
	}); err != nil {
		return api.Record{}, err
	}
	glog.Infof("Recovered metadata into %v", s.banks[target])
	rec.Sequence = e.Sequence
	s.last = rec.Clone()
	return rec, nil
}

// Reset erases the whole metadata region, returning the store to the
// factory record. Every slot reverts to Empty.
func (s *Store) Reset() (api.Record, error) {
	glog.Warning("Erasing metadata region")
	for _, b := range s.banks {
		b := b
		if err := retry.Do(s.Attempts, "metadata erase", func() error {
			return s.d.Erase(b)
		}); err != nil {
			return api.Record{}, err
		}
	}
	s.last = api.Record{}
	return api.Record{}, nil
}

func decode(e entry) (api.Record, error) {
	var rec api.Record
	if err := yaml.Unmarshal(e.Data, &rec); err != nil {
		return api.Record{}, fmt.Errorf("failed to unmarshal entry %d: %v", e.Sequence, err)
	}
	if err := rec.Validate(); err != nil {
		return api.Record{}, fmt.Errorf("entry %d holds an invalid record: %v", e.Sequence, err)
	}
	rec.Sequence = e.Sequence
	return rec, nil
}

// logTransitions logs every slot state change between prev and next.
func logTransitions(prev, next api.Record) {
	for _, r := range []api.Role{api.RoleSlotA, api.RoleSlotB} {
		o, n := prev.Slot(r), next.Slot(r)
		if o.State != n.State || o.Image.Version != n.Image.Version || !bytes.Equal(o.Image.Digest, n.Image.Digest) {
			glog.Infof("%s: %s %s -> %s %s", r, o.State, o.Image, n.State, n.Image)
		}
	}
	if prev.Rollback != next.Rollback {
		glog.Infof("rollback candidate: %s -> %s", prev.Rollback, next.Rollback)
	}
	switch o, n := prev.Swap, next.Swap; {
	case o == nil && n != nil:
		glog.Infof("swap %s -> %s: %s", n.Source, n.Destination, n.Phase)
	case o != nil && n == nil:
		glog.Infof("swap %s -> %s cleared", o.Source, o.Destination)
	case o != nil && n != nil && (o.Phase != n.Phase || o.Stage != n.Stage):
		glog.Infof("swap %s -> %s: %s/%s -> %s/%s", n.Source, n.Destination, o.Phase, o.Stage, n.Phase, n.Stage)
	}
}
