// Copyright 2018 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package persist

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pageshard/storageengine/internal/blockio"
	"github.com/pageshard/storageengine/pkg/ids"
	"github.com/pageshard/storageengine/pkg/pageid"
)

// entryLoc is one (lsn, offset) pair inside a delta layer's footer index.
type entryLoc struct {
	Lsn    pageid.Lsn
	Offset int64
}

// deltaFooter is gob-encoded and appended after the body. It is small
// enough (one entry per key write) to hold entirely in memory, the same
// tradeoff the teacher's freezer table makes for its own offset index.
type deltaFooter struct {
	KeyRange pageid.Range
	LsnRange pageid.LsnRange
	Index    map[pageid.Key][]entryLoc
}

// DeltaLayerWriter accumulates (key, lsn, value) entries, which the caller
// must present already sorted by (key, lsn), and writes them out as a
// single file: a flat sequence of fixed-width key+lsn headers each followed
// by a length-framed value, terminated by a gob footer and an 8-byte
// trailer pointing at it.
type DeltaLayerWriter struct {
	f          *os.File
	path       string
	tenant     ids.TenantID
	timeline   ids.TimelineID
	keyRange   pageid.Range
	lsnRange   pageid.LsnRange
	generation uint64

	offset int64
	index  map[pageid.Key][]entryLoc
}

// NewDeltaLayerWriter creates a new delta layer file under dir.
func NewDeltaLayerWriter(dir string, tenant ids.TenantID, timeline ids.TimelineID, keyRange pageid.Range, lsnRange pageid.LsnRange) (*DeltaLayerWriter, error) {
	gen := NextGeneration()
	name := fmt.Sprintf("%016x-%016x__%016x-%016x-%d-delta", keyRange.Start.Hi, keyRange.Start.Lo, lsnRange.Start, lsnRange.End, gen)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: create delta layer: %w", err)
	}
	return &DeltaLayerWriter{
		f: f, path: path,
		tenant: tenant, timeline: timeline,
		keyRange: keyRange, lsnRange: lsnRange, generation: gen,
		index: make(map[pageid.Key][]entryLoc),
	}, nil
}

// Add appends one entry. Callers (the compaction merge) must call Add in
// non-decreasing (key, lsn) order; out-of-order calls still serialize
// correctly on disk and GetValue still finds the right entry (it scans a
// key's every location), but iteration then yields entries out of order.
func (w *DeltaLayerWriter) Add(key pageid.Key, lsn pageid.Lsn, v pageid.Value) error {
	kb := key.Bytes()
	enc := v.Encode()
	hdr, err := blockio.PutBlobHeader(nil, len(enc))
	if err != nil {
		return err
	}
	recOff := w.offset
	buf := make([]byte, 0, pageid.KeySize+8+len(hdr)+len(enc))
	buf = append(buf, kb[:]...)
	var lsnBytes [8]byte
	binary.BigEndian.PutUint64(lsnBytes[:], uint64(lsn))
	buf = append(buf, lsnBytes[:]...)
	buf = append(buf, hdr...)
	buf = append(buf, enc...)
	n, err := w.f.WriteAt(buf, w.offset)
	if err != nil {
		return fmt.Errorf("persist: write delta entry: %w", err)
	}
	w.offset += int64(n)
	// Entries for one key arrive in ascending LSN order within Add; the
	// value payload offset is past the fixed key+lsn+header prefix.
	valueOff := recOff + int64(len(kb)) + 8 + int64(len(hdr))
	w.index[key] = append(w.index[key], entryLoc{Lsn: lsn, Offset: valueOff})
	if next := key.Next(); w.keyRange.End.Less(next) {
		w.keyRange.End = next
	}
	return nil
}

// Size returns the number of body bytes written so far, used by compaction
// to decide when an output layer has grown past its target size.
func (w *DeltaLayerWriter) Size() int64 { return w.offset }

// Finish writes the footer and returns the finished layer's descriptor.
func (w *DeltaLayerWriter) Finish() (*LayerDesc, error) {
	bodyEnd := w.offset
	footer := deltaFooter{KeyRange: w.keyRange, LsnRange: w.lsnRange, Index: w.index}
	var fb bytes.Buffer
	if err := gob.NewEncoder(&fb).Encode(footer); err != nil {
		return nil, fmt.Errorf("persist: encode delta footer: %w", err)
	}
	if _, err := w.f.WriteAt(fb.Bytes(), bodyEnd); err != nil {
		return nil, fmt.Errorf("persist: write delta footer: %w", err)
	}
	var trailer [8]byte
	binary.BigEndian.PutUint64(trailer[:], uint64(bodyEnd))
	if _, err := w.f.WriteAt(trailer[:], bodyEnd+int64(fb.Len())); err != nil {
		return nil, fmt.Errorf("persist: write delta trailer: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return nil, fmt.Errorf("persist: fsync delta layer: %w", err)
	}
	size := bodyEnd + int64(fb.Len()) + 8
	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("persist: close delta layer: %w", err)
	}
	return &LayerDesc{
		Tenant: w.tenant, Timeline: w.timeline,
		KeyRange: w.keyRange, LsnRange: w.lsnRange,
		IsDelta: true, Generation: w.generation,
		Path: w.path, FileSize: size,
	}, nil
}

// Abandon discards a partially written layer, used when compaction is
// cancelled before Finish.
func (w *DeltaLayerWriter) Abandon() error {
	w.f.Close()
	return os.Remove(w.path)
}

// DeltaLayerReader opens a finalized delta layer for point lookups and
// full-range iteration.
type DeltaLayerReader struct {
	f        *os.File
	path     string
	bodyEnd  int64
	keyRange pageid.Range
	lsnRange pageid.LsnRange
	index    map[pageid.Key][]entryLoc
}

// OpenDeltaLayer opens path and loads its footer index into memory.
func OpenDeltaLayer(path string) (*DeltaLayerReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persist: open delta layer: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: stat delta layer: %w", err)
	}
	var trailer [8]byte
	if _, err := f.ReadAt(trailer[:], info.Size()-8); err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: read delta trailer: %w", err)
	}
	bodyEnd := int64(binary.BigEndian.Uint64(trailer[:]))
	footerBytes := make([]byte, info.Size()-8-bodyEnd)
	if _, err := f.ReadAt(footerBytes, bodyEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: read delta footer: %w", err)
	}
	var footer deltaFooter
	if err := gob.NewDecoder(bytes.NewReader(footerBytes)).Decode(&footer); err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: decode delta footer: %w", err)
	}
	return &DeltaLayerReader{
		f: f, path: path, bodyEnd: bodyEnd,
		keyRange: footer.KeyRange, lsnRange: footer.LsnRange, index: footer.Index,
	}, nil
}

// KeyRange returns the layer's key coverage.
func (r *DeltaLayerReader) KeyRange() pageid.Range { return r.keyRange }

// LsnRange returns the layer's LSN coverage.
func (r *DeltaLayerReader) LsnRange() pageid.LsnRange { return r.lsnRange }

// Close releases the underlying file handle.
func (r *DeltaLayerReader) Close() error { return r.f.Close() }

// GetValue returns the value recorded for key at the greatest LSN <= lsn, if
// any exists in this layer.
func (r *DeltaLayerReader) GetValue(key pageid.Key, lsn pageid.Lsn) (pageid.Value, pageid.Lsn, bool, error) {
	locs := r.index[key]
	best := -1
	for i, l := range locs {
		if l.Lsn <= lsn && (best == -1 || l.Lsn > locs[best].Lsn) {
			best = i
		}
	}
	if best == -1 {
		return pageid.Value{}, 0, false, nil
	}
	v, err := r.readValueAt(locs[best].Offset)
	if err != nil {
		return pageid.Value{}, 0, false, err
	}
	return v, locs[best].Lsn, true, nil
}

func (r *DeltaLayerReader) readValueAt(valueOff int64) (pageid.Value, error) {
	var hdr [4]byte
	n, err := r.f.ReadAt(hdr[:], valueOff)
	if err != nil && n == 0 {
		return pageid.Value{}, fmt.Errorf("persist: read value header: %w", err)
	}
	length, headerLen, err := blockio.ReadBlobHeader(hdr[:n])
	if err != nil {
		return pageid.Value{}, err
	}
	payload := make([]byte, length)
	if _, err := r.f.ReadAt(payload, valueOff+int64(headerLen)); err != nil {
		return pageid.Value{}, fmt.Errorf("persist: read value payload: %w", err)
	}
	return pageid.DecodeValue(payload)
}

// DeltaEntry is one tuple yielded by a DeltaLayerIterator, used by the
// compaction merge to zipper together many layers' histories.
type DeltaEntry struct {
	Key   pageid.Key
	Lsn   pageid.Lsn
	Value pageid.Value
}

// DeltaLayerIterator walks a delta layer's body in on-disk (key, lsn)
// order.
type DeltaLayerIterator struct {
	r   *DeltaLayerReader
	off int64
}

// Iterator returns a fresh iterator positioned at the start of the layer.
func (r *DeltaLayerReader) Iterator() *DeltaLayerIterator {
	return &DeltaLayerIterator{r: r, off: 0}
}

// Next returns the next entry, or ok=false once the layer is exhausted.
func (it *DeltaLayerIterator) Next() (DeltaEntry, bool, error) {
	if it.off >= it.r.bodyEnd {
		return DeltaEntry{}, false, nil
	}
	var kb [pageid.KeySize]byte
	if _, err := it.r.f.ReadAt(kb[:], it.off); err != nil {
		return DeltaEntry{}, false, fmt.Errorf("persist: iterate delta key: %w", err)
	}
	key := pageid.NewKey(kb)
	var lsnBytes [8]byte
	if _, err := it.r.f.ReadAt(lsnBytes[:], it.off+pageid.KeySize); err != nil {
		return DeltaEntry{}, false, fmt.Errorf("persist: iterate delta lsn: %w", err)
	}
	lsn := pageid.Lsn(binary.BigEndian.Uint64(lsnBytes[:]))
	valueOff := it.off + pageid.KeySize + 8
	v, err := it.r.readValueAt(valueOff)
	if err != nil {
		return DeltaEntry{}, false, err
	}
	var hdr [4]byte
	n, _ := it.r.f.ReadAt(hdr[:], valueOff)
	length, headerLen, err := blockio.ReadBlobHeader(hdr[:n])
	if err != nil {
		return DeltaEntry{}, false, err
	}
	it.off = valueOff + int64(headerLen) + int64(length)
	return DeltaEntry{Key: key, Lsn: lsn, Value: v}, true, nil
}
