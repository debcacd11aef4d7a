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

package memlayer

import (
	"sync/atomic"

	"github.com/pageshard/storageengine/internal/xmetrics"
)

// maxSizeDrift is the minimum change in a layer's size, in bytes, before
// it bothers publishing an update to GlobalResources: all timelines write
// to the same shared atomics, so updates are deliberately throttled.
const maxSizeDrift = 10 * 1024 * 1024

// GlobalResources is process-wide accounting of dirty (in-memory) bytes
// and the number of open in-memory layers. It drives the advisory
// per-layer size ceiling that causes proactive freezing when total dirty
// bytes exceed MaxDirtyBytes.
type GlobalResources struct {
	MaxDirtyBytes uint64 // configured limit; 0 disables

	dirtyBytes  uint64
	dirtyLayers uint64
}

// Global is the process-wide instance every InMemoryLayer reports into.
var Global = &GlobalResources{}

// NewUnits registers a new open in-memory layer and returns its RAII
// handle.
func (g *GlobalResources) NewUnits() *GlobalResourceUnits {
	atomic.AddUint64(&g.dirtyLayers, 1)
	return &GlobalResourceUnits{parent: g}
}

// GlobalResourceUnits is a per-timeline handle tracking one in-memory
// layer's contribution to GlobalResources. On Close it subtracts its
// contribution and decrements the live layer count.
type GlobalResourceUnits struct {
	parent    *GlobalResources
	lastBytes uint64
}

// PublishSize atomically reconciles this layer's previous contribution to
// dirty_bytes with the new size, and returns an advisory per-layer size
// ceiling when global dirty bytes exceed the configured maximum.
func (u *GlobalResourceUnits) PublishSize(size uint64) (ceiling uint64, hasCeiling bool) {
	g := u.parent
	var newGlobal uint64
	switch {
	case size == u.lastBytes:
		newGlobal = atomic.LoadUint64(&g.dirtyBytes)
	case size > u.lastBytes:
		delta := size - u.lastBytes
		newGlobal = atomic.AddUint64(&g.dirtyBytes, delta)
	default:
		delta := u.lastBytes - size
		newGlobal = atomic.AddUint64(&g.dirtyBytes, ^(delta - 1)) // atomic subtract
	}
	u.lastBytes = size
	xmetrics.DirtyBytesGauge.Set(int64(newGlobal))

	maxDirty := atomic.LoadUint64(&g.MaxDirtyBytes)
	if maxDirty > 0 && newGlobal > maxDirty {
		layers := atomic.LoadUint64(&g.dirtyLayers)
		if layers == 0 {
			layers = 1
		}
		return newGlobal / layers, true
	}
	return 0, false
}

// MaybePublishSize calls PublishSize only if size has drifted from the
// last published value by at least maxSizeDrift, to avoid contending on
// the shared atomics on every single batch.
func (u *GlobalResourceUnits) MaybePublishSize(size uint64) (ceiling uint64, hasCeiling bool, published bool) {
	diff := int64(size) - int64(u.lastBytes)
	if diff < 0 {
		diff = -diff
	}
	if diff < maxSizeDrift {
		return 0, false, false
	}
	c, ok := u.PublishSize(size)
	return c, ok, true
}

// Close releases this layer's contribution to the global counters.
func (u *GlobalResourceUnits) Close() {
	u.PublishSize(0)
	atomic.AddUint64(&u.parent.dirtyLayers, ^uint64(0)) // decrement by 1
}

// DirtyBytes returns the current global dirty-byte total.
func (g *GlobalResources) DirtyBytes() uint64 { return atomic.LoadUint64(&g.dirtyBytes) }

// DirtyLayers returns the current count of open in-memory layers.
func (g *GlobalResources) DirtyLayers() uint64 { return atomic.LoadUint64(&g.dirtyLayers) }
