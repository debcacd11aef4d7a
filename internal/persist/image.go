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

// imageFooter mirrors deltaFooter but keyed only by key: an image layer
// holds exactly one value per key, all at the same LSN.
type imageFooter struct {
	KeyRange pageid.Range
	Lsn      pageid.Lsn
	Index    map[pageid.Key]int64 // key -> value payload offset
}

// ImageLayerWriter writes a full-page snapshot of every key in a range at a
// single LSN. Entries must be added in ascending key order.
type ImageLayerWriter struct {
	f          *os.File
	path       string
	tenant     ids.TenantID
	timeline   ids.TimelineID
	keyRange   pageid.Range
	lsn        pageid.Lsn
	generation uint64

	offset int64
	index  map[pageid.Key]int64
}

// NewImageLayerWriter creates a new image layer file under dir.
func NewImageLayerWriter(dir string, tenant ids.TenantID, timeline ids.TimelineID, keyRange pageid.Range, lsn pageid.Lsn) (*ImageLayerWriter, error) {
	gen := NextGeneration()
	name := fmt.Sprintf("%016x-%016x__%016x-%d-image", keyRange.Start.Hi, keyRange.Start.Lo, lsn, gen)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: create image layer: %w", err)
	}
	return &ImageLayerWriter{
		f: f, path: path,
		tenant: tenant, timeline: timeline,
		keyRange: keyRange, lsn: lsn, generation: gen,
		index: make(map[pageid.Key]int64),
	}, nil
}

// Add appends the image of one key.
func (w *ImageLayerWriter) Add(key pageid.Key, v pageid.Value) error {
	kb := key.Bytes()
	enc := v.Encode()
	hdr, err := blockio.PutBlobHeader(nil, len(enc))
	if err != nil {
		return err
	}
	buf := make([]byte, 0, pageid.KeySize+len(hdr)+len(enc))
	buf = append(buf, kb[:]...)
	buf = append(buf, hdr...)
	buf = append(buf, enc...)
	n, err := w.f.WriteAt(buf, w.offset)
	if err != nil {
		return fmt.Errorf("persist: write image entry: %w", err)
	}
	valueOff := w.offset + int64(len(kb)) + int64(len(hdr))
	w.index[key] = valueOff
	w.offset += int64(n)
	return nil
}

// Finish writes the footer and returns the finished layer's descriptor.
func (w *ImageLayerWriter) Finish() (*LayerDesc, error) {
	bodyEnd := w.offset
	footer := imageFooter{KeyRange: w.keyRange, Lsn: w.lsn, Index: w.index}
	var fb bytes.Buffer
	if err := gob.NewEncoder(&fb).Encode(footer); err != nil {
		return nil, fmt.Errorf("persist: encode image footer: %w", err)
	}
	if _, err := w.f.WriteAt(fb.Bytes(), bodyEnd); err != nil {
		return nil, fmt.Errorf("persist: write image footer: %w", err)
	}
	var trailer [8]byte
	binary.BigEndian.PutUint64(trailer[:], uint64(bodyEnd))
	if _, err := w.f.WriteAt(trailer[:], bodyEnd+int64(fb.Len())); err != nil {
		return nil, fmt.Errorf("persist: write image trailer: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return nil, fmt.Errorf("persist: fsync image layer: %w", err)
	}
	size := bodyEnd + int64(fb.Len()) + 8
	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("persist: close image layer: %w", err)
	}
	return &LayerDesc{
		Tenant: w.tenant, Timeline: w.timeline,
		KeyRange: w.keyRange, LsnRange: pageid.LsnRange{Start: w.lsn, End: w.lsn},
		IsDelta: false, Generation: w.generation,
		Path: w.path, FileSize: size,
	}, nil
}

// Abandon discards a partially written layer.
func (w *ImageLayerWriter) Abandon() error {
	w.f.Close()
	return os.Remove(w.path)
}

// ImageLayerReader opens a finalized image layer for point lookups and
// full-range iteration.
type ImageLayerReader struct {
	f        *os.File
	bodyEnd  int64
	keyRange pageid.Range
	lsn      pageid.Lsn
	index    map[pageid.Key]int64
}

// OpenImageLayer opens path and loads its footer index into memory.
func OpenImageLayer(path string) (*ImageLayerReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persist: open image layer: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: stat image layer: %w", err)
	}
	var trailer [8]byte
	if _, err := f.ReadAt(trailer[:], info.Size()-8); err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: read image trailer: %w", err)
	}
	bodyEnd := int64(binary.BigEndian.Uint64(trailer[:]))
	footerBytes := make([]byte, info.Size()-8-bodyEnd)
	if _, err := f.ReadAt(footerBytes, bodyEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: read image footer: %w", err)
	}
	var footer imageFooter
	if err := gob.NewDecoder(bytes.NewReader(footerBytes)).Decode(&footer); err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: decode image footer: %w", err)
	}
	return &ImageLayerReader{
		f: f, bodyEnd: bodyEnd,
		keyRange: footer.KeyRange, lsn: footer.Lsn, index: footer.Index,
	}, nil
}

// KeyRange returns the layer's key coverage.
func (r *ImageLayerReader) KeyRange() pageid.Range { return r.keyRange }

// Lsn returns the snapshot LSN every key in this layer is valid at.
func (r *ImageLayerReader) Lsn() pageid.Lsn { return r.lsn }

// Close releases the underlying file handle.
func (r *ImageLayerReader) Close() error { return r.f.Close() }

// GetValue returns the image recorded for key, if present in this layer.
func (r *ImageLayerReader) GetValue(key pageid.Key) (pageid.Value, bool, error) {
	off, ok := r.index[key]
	if !ok {
		return pageid.Value{}, false, nil
	}
	v, err := r.readValueAt(off)
	if err != nil {
		return pageid.Value{}, false, err
	}
	return v, true, nil
}

func (r *ImageLayerReader) readValueAt(valueOff int64) (pageid.Value, error) {
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

// ImageEntry is one (key, value) pair yielded by an ImageLayerIterator.
type ImageEntry struct {
	Key   pageid.Key
	Value pageid.Value
}

// ImageLayerIterator walks an image layer's body in on-disk (ascending key)
// order.
type ImageLayerIterator struct {
	r   *ImageLayerReader
	off int64
}

// Iterator returns a fresh iterator positioned at the start of the layer.
func (r *ImageLayerReader) Iterator() *ImageLayerIterator {
	return &ImageLayerIterator{r: r, off: 0}
}

// Next returns the next entry, or ok=false once the layer is exhausted.
func (it *ImageLayerIterator) Next() (ImageEntry, bool, error) {
	if it.off >= it.r.bodyEnd {
		return ImageEntry{}, false, nil
	}
	var kb [pageid.KeySize]byte
	if _, err := it.r.f.ReadAt(kb[:], it.off); err != nil {
		return ImageEntry{}, false, fmt.Errorf("persist: iterate image key: %w", err)
	}
	key := pageid.NewKey(kb)
	valueOff := it.off + pageid.KeySize
	v, err := it.r.readValueAt(valueOff)
	if err != nil {
		return ImageEntry{}, false, err
	}
	var hdr [4]byte
	n, _ := it.r.f.ReadAt(hdr[:], valueOff)
	length, headerLen, err := blockio.ReadBlobHeader(hdr[:n])
	if err != nil {
		return ImageEntry{}, false, err
	}
	it.off = valueOff + int64(headerLen) + int64(length)
	return ImageEntry{Key: key, Value: v}, true, nil
}
