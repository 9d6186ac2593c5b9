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

package metadata

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/slotboot/layout"
	"github.com/google/slotboot/storage"
)

// magic0 is the only known journal entry prefix.
const magic0 = "SBM0"

// entryHeaderSize is the on-flash size of an entry without application data.
const entryHeaderSize = 4 + 4 + 4 + 32

// errBadEntry is returned when the bytes at a position do not hold a complete
// valid entry, e.g. because a write was torn.
var errBadEntry = errors.New("bad journal entry")

// entry represents an entry in a journal bank.
type entry struct {
	// Magic is a 4 byte prefix which allows us to quickly filter out invalid
	// entry records. This is expected to contain the value in magic0.
	Magic [4]byte
	// Sequence is an incrementing counter which tracks the total number of
	// successful updates to the journal. Each successive entry has a sequence
	// one greater than the previous one.
	Sequence uint32
	// DataLen is the length in bytes of the application data.
	DataLen uint32
	// DataSHA256 is the SHA256 hash of the application data.
	DataSHA256 [32]byte
	// Data is the application data associated with this entry.
	Data []byte
}

func newEntry(seq uint32, data []byte) entry {
	return entry{
		Magic:      [4]byte{magic0[0], magic0[1], magic0[2], magic0[3]},
		Sequence:   seq,
		DataLen:    uint32(len(data)),
		DataSHA256: sha256.Sum256(data),
		Data:       data,
	}
}

// Size returns the number of bytes used by this entry record.
func (e *entry) Size() uint32 {
	return entryHeaderSize + uint32(len(e.Data))
}

// unmarshalEntry reads and deserialises an entry from the provided reader,
// which must not return more than limit bytes.
//
// Errors wrapping errBadEntry describe the content; any other error came from
// the reader.
func unmarshalEntry(r io.Reader, limit uint32) (*entry, error) {
	e := &entry{}
	if err := binary.Read(r, binary.BigEndian, &e.Magic); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(e.Magic[:]) != magic0 {
		return nil, fmt.Errorf("%w: invalid header magic %x", errBadEntry, e.Magic)
	}
	if err := binary.Read(r, binary.BigEndian, &e.Sequence); err != nil {
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &e.DataLen); err != nil {
		return nil, fmt.Errorf("failed to read data length: %w", err)
	}
	if uint64(e.DataLen)+entryHeaderSize > uint64(limit) {
		return nil, fmt.Errorf("%w: data length %d exceeds the %d bytes available", errBadEntry, e.DataLen, limit)
	}
	if err := binary.Read(r, binary.BigEndian, &e.DataSHA256); err != nil {
		return nil, fmt.Errorf("failed to read data SHA256: %w", err)
	}
	e.Data = make([]byte, e.DataLen)
	if _, err := io.ReadFull(r, e.Data); err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	if h := sha256.Sum256(e.Data); !bytes.Equal(h[:], e.DataSHA256[:]) {
		return nil, fmt.Errorf("%w: incorrect data SHA256 (%x), header claims (%x)", errBadEntry, h, e.DataSHA256[:])
	}
	return e, nil
}

// marshalEntry serialises e and writes it to the provided writer.
func marshalEntry(e entry, w io.Writer) error {
	if string(e.Magic[:]) != magic0 {
		return fmt.Errorf("invalid header magic %v", e.Magic)
	}
	if h := sha256.Sum256(e.Data); !bytes.Equal(h[:], e.DataSHA256[:]) {
		return fmt.Errorf("incorrect data SHA256 (%x), header claims (%x)", h, e.DataSHA256[:])
	}
	if err := binary.Write(w, binary.BigEndian, e.Magic); err != nil {
		return fmt.Errorf("failed to write magic: %v", err)
	}
	if err := binary.Write(w, binary.BigEndian, e.Sequence); err != nil {
		return fmt.Errorf("failed to write sequence: %v", err)
	}
	if err := binary.Write(w, binary.BigEndian, e.DataLen); err != nil {
		return fmt.Errorf("failed to write data length: %v", err)
	}
	if err := binary.Write(w, binary.BigEndian, e.DataSHA256); err != nil {
		return fmt.Errorf("failed to write data SHA256: %v", err)
	}
	if _, err := w.Write(e.Data); err != nil {
		return fmt.Errorf("failed to write data: %v", err)
	}
	return nil
}

// located is an entry along with where it was found.
type located struct {
	entry
	bank int
	off  uint32
}

// bank is the scanned state of one half of the metadata region.
type bank struct {
	region  layout.Region
	entries []located
	// tail is the offset following the last valid entry, where the next
	// entry would be appended.
	tail uint32
	// dirty is set when anything other than erased bytes follows tail.
	dirty bool
}

// scanBank reads the run of valid entries at the start of bank r.
// Only I/O errors are returned; malformed content ends the run and marks
// the bank dirty.
func scanBank(d storage.Driver, idx int, r layout.Region) (*bank, error) {
	b := &bank{region: r}
	hdr := make([]byte, entryHeaderSize)
	for uint64(b.tail)+entryHeaderSize <= uint64(r.Size) {
		if err := d.Read(r, b.tail, hdr); err != nil {
			return nil, err
		}
		if storage.IsErased(hdr) {
			break
		}
		e, err := unmarshalEntry(storage.NewReader(d, r, b.tail), r.Size-b.tail)
		if errors.Is(err, errBadEntry) {
			break
		} else if err != nil {
			return nil, err
		}
		b.entries = append(b.entries, located{entry: *e, bank: idx, off: b.tail})
		b.tail += e.Size()
	}
	erased, err := isErased(d, r, b.tail, r.Size-b.tail)
	if err != nil {
		return nil, err
	}
	b.dirty = !erased
	return b, nil
}

// free returns the number of bytes available for appending.
func (b *bank) free() uint32 {
	if b.dirty {
		return 0
	}
	return b.region.Size - b.tail
}

// journal is the scanned state of the whole metadata region.
type journal struct {
	banks [2]*bank
	// cur is the index of the bank holding the newest entry, or the first
	// bank if there are no entries.
	cur    int
	newest *located
}

func scanJournal(d storage.Driver, regions [2]layout.Region) (*journal, error) {
	j := &journal{}
	for i, r := range regions {
		b, err := scanBank(d, i, r)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %v: %w", r, err)
		}
		j.banks[i] = b
		for k := range b.entries {
			if e := &b.entries[k]; j.newest == nil || e.Sequence > j.newest.Sequence {
				j.newest = e
				j.cur = i
			}
		}
	}
	return j, nil
}

// check returns an error if the journal content cannot be trusted.
func (j *journal) check() error {
	seen := make(map[uint32]bool)
	for i, b := range j.banks {
		for k, e := range b.entries {
			if e.Sequence == 0 {
				return fmt.Errorf("bank %d holds an entry with sequence 0", i)
			}
			if seen[e.Sequence] {
				return fmt.Errorf("found two entries with the same sequence (%d)", e.Sequence)
			}
			seen[e.Sequence] = true
			if k > 0 && e.Sequence != b.entries[k-1].Sequence+1 {
				return fmt.Errorf("bank %d has sequence %d following %d", i, e.Sequence, b.entries[k-1].Sequence)
			}
		}
	}
	if j.newest == nil && (j.banks[0].dirty || j.banks[1].dirty) {
		return errors.New("metadata region holds no valid entry but is not erased")
	}
	return nil
}

// byRecency returns every entry in the journal, newest first.
func (j *journal) byRecency() []located {
	var all []located
	for _, b := range j.banks {
		all = append(all, b.entries...)
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].Sequence > all[b].Sequence })
	return all
}

// maxSequence returns the highest sequence number present, or zero.
func (j *journal) maxSequence() uint32 {
	if j.newest == nil {
		return 0
	}
	return j.newest.Sequence
}

func isErased(d storage.Driver, r layout.Region, off, n uint32) (bool, error) {
	const chunk = 256
	buf := make([]byte, chunk)
	for n > 0 {
		l := n
		if l > chunk {
			l = chunk
		}
		if err := d.Read(r, off, buf[:l]); err != nil {
			return false, err
		}
		if !storage.IsErased(buf[:l]) {
			return false, nil
		}
		off += l
		n -= l
	}
	return true, nil
}
