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
	"encoding/binary"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
)

// FileID distinguishes the on-disk file identity a cached block belongs to.
// It is process-wide unique for the lifetime of an open file, matching the
// page_cache.FileId convention described in the specification.
type FileID uint64

var nextFileID uint64

// NewFileID allocates a fresh, process-wide unique file identity.
func NewFileID() FileID {
	return FileID(atomic.AddUint64(&nextFileID, 1))
}

// Cache is the generic, external block cache collaborator. The engine only
// ever calls Get/Put/Forget against it; eviction policy and sizing are its own
// concern. It is backed by VictoriaMetrics/fastcache, a bounded, sharded,
// GC-pressure-free byte cache well suited to pinning many small 4KiB pages.
type Cache struct {
	c *fastcache.Cache
}

// NewCache creates a page cache with the given approximate byte budget.
func NewCache(maxBytes int) *Cache {
	return &Cache{c: fastcache.New(maxBytes)}
}

func cacheKey(id FileID, blockNumber uint32) []byte {
	var k [12]byte
	binary.BigEndian.PutUint64(k[:8], uint64(id))
	binary.BigEndian.PutUint32(k[8:], blockNumber)
	return k[:]
}

// Get returns the cached page for (id, blockNumber), if present.
func (c *Cache) Get(id FileID, blockNumber uint32) ([]byte, bool) {
	buf, ok := c.c.HasGet(nil, cacheKey(id, blockNumber))
	if !ok {
		return nil, false
	}
	return buf, true
}

// Put installs a page in the cache. page must be exactly PageSize bytes;
// the caller is responsible for zero-padding the tail page.
func (c *Cache) Put(id FileID, blockNumber uint32, page []byte) {
	c.c.Set(cacheKey(id, blockNumber), page)
}

// Forget is called when a file is closed and drops nothing: it is a no-op.
// fastcache has no per-key delete that's cheap across a whole file; the
// overwritten file's FileID is never reused (NewFileID is monotonic), so
// stale entries simply age out under the cache's own eviction.
func (c *Cache) Forget(FileID) {}
