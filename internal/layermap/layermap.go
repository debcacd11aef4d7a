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

// Package layermap indexes every persistent layer belonging to one
// timeline: the level-0 deltas straight off the flush path, and the
// historic (post level0-to-level1 compaction) deltas and images layered
// underneath them.
package layermap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pageshard/storageengine/internal/layercatalog"
	"github.com/pageshard/storageengine/internal/persist"
	"github.com/pageshard/storageengine/internal/xlog"
	"github.com/pageshard/storageengine/pkg/pageid"
)

// ErrDuplicateLayer marks a newly-compacted layer that is equivalent (same
// key range, LSN range and generation) to one this map already tracks.
// Replace never surfaces this to its caller: it keeps the original
// descriptor and drops the duplicate, logging a warning, per spec.md's
// skip-on-duplicate commit rule.
var ErrDuplicateLayer = errors.New("layermap: layer already present in this generation")

// LayerMap holds one timeline's full set of on-disk layer descriptors and
// optionally mirrors every change into a durable catalog.
type LayerMap struct {
	mu sync.RWMutex

	l0       []*persist.LayerDesc // full-keyspace deltas, in insertion order
	historic []*persist.LayerDesc // disjoint key ranges per LSN level, post level0-to-level1

	catalog *layercatalog.Catalog
}

// New returns an empty LayerMap, optionally backed by a durable catalog.
func New(catalog *layercatalog.Catalog) *LayerMap {
	return &LayerMap{catalog: catalog}
}

// Load rebuilds a LayerMap from every descriptor recorded in catalog,
// splitting level-0 deltas (key range spans the whole keyspace) from
// historic layers by key-range width, mirroring the heuristic compaction
// itself uses when it finalizes a level-0-to-level-1 job.
func Load(catalog *layercatalog.Catalog) (*LayerMap, error) {
	descs, err := catalog.LoadAll()
	if err != nil {
		return nil, err
	}
	lm := New(catalog)
	for _, d := range descs {
		lm.insert(d)
	}
	return lm, nil
}

func (lm *LayerMap) insert(d *persist.LayerDesc) {
	if d.IsDelta && d.KeyRange.Start == pageid.MinKey && d.KeyRange.End == pageid.MaxKey {
		lm.l0 = append(lm.l0, d)
	} else {
		lm.historic = append(lm.historic, d)
	}
}

// InsertL0 records a freshly flushed level-0 delta layer.
func (lm *LayerMap) InsertL0(d *persist.LayerDesc) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.l0 = append(lm.l0, d)
	return lm.persist(d)
}

// InsertHistoric records a layer produced by level0-to-level1 or
// GC-compaction.
func (lm *LayerMap) InsertHistoric(d *persist.LayerDesc) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.historic = append(lm.historic, d)
	return lm.persist(d)
}

func (lm *LayerMap) persist(d *persist.LayerDesc) error {
	if lm.catalog == nil {
		return nil
	}
	return lm.catalog.Put(d)
}

// Replace atomically removes the layers in oldLayers and installs
// newLayers, the operation every compaction job finishes with. Replace
// does not touch files on disk; unlinking oldLayers' files, where that is
// wanted, is left to the caller after this returns.
func (lm *LayerMap) Replace(oldLayers, newLayers []*persist.LayerDesc) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	remove := make(map[string]bool, len(oldLayers))
	for _, d := range oldLayers {
		remove[d.Path] = true
	}
	lm.l0 = filterOut(lm.l0, remove)
	lm.historic = filterOut(lm.historic, remove)

	survivors := make([]*persist.LayerDesc, 0, len(lm.l0)+len(lm.historic))
	survivors = append(survivors, lm.l0...)
	survivors = append(survivors, lm.historic...)

	installed := make([]*persist.LayerDesc, 0, len(newLayers))
	for _, d := range newLayers {
		if dup := findDuplicate(survivors, d); dup != nil {
			xlog.Warn("compaction produced a layer already present in this generation, keeping original",
				"err", ErrDuplicateLayer, "existing", dup.Path, "discarded", d.Path)
			continue
		}
		lm.insert(d)
		installed = append(installed, d)
	}
	if lm.catalog != nil {
		for _, d := range oldLayers {
			if err := lm.catalog.Delete(d.Path); err != nil {
				return err
			}
		}
		for _, d := range installed {
			if err := lm.catalog.Put(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// findDuplicate reports an existing descriptor equivalent to d (same key
// range, LSN range, kind and generation), if any.
func findDuplicate(existing []*persist.LayerDesc, d *persist.LayerDesc) *persist.LayerDesc {
	for _, e := range existing {
		if e.IsDelta == d.IsDelta && e.Generation == d.Generation &&
			e.KeyRange == d.KeyRange && e.LsnRange == d.LsnRange {
			return e
		}
	}
	return nil
}

func filterOut(descs []*persist.LayerDesc, remove map[string]bool) []*persist.LayerDesc {
	out := descs[:0]
	for _, d := range descs {
		if !remove[d.Path] {
			out = append(out, d)
		}
	}
	return out
}

// Level0Deltas returns every level-0 delta layer, sorted by ascending LSN
// start, oldest first, matching the order compaction must process them in.
func (lm *LayerMap) Level0Deltas() []*persist.LayerDesc {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := append([]*persist.LayerDesc(nil), lm.l0...)
	sort.Slice(out, func(i, j int) bool { return out[i].LsnRange.Start < out[j].LsnRange.Start })
	return out
}

// IterHistoricLayers returns every non-level-0 layer.
func (lm *LayerMap) IterHistoricLayers() []*persist.LayerDesc {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return append([]*persist.LayerDesc(nil), lm.historic...)
}

// All returns every layer this map currently tracks, L0 and historic.
func (lm *LayerMap) All() []*persist.LayerDesc {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]*persist.LayerDesc, 0, len(lm.l0)+len(lm.historic))
	out = append(out, lm.l0...)
	out = append(out, lm.historic...)
	return out
}

// ImageCoverage returns every image layer overlapping keyRange at an LSN
// not greater than lsn, newest first. Hole detection uses the count to
// filter and rank candidate gaps.
func (lm *LayerMap) ImageCoverage(keyRange pageid.Range, lsn pageid.Lsn) []*persist.LayerDesc {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	var out []*persist.LayerDesc
	for _, d := range lm.historic {
		if d.IsDelta || d.LsnRange.Start > lsn {
			continue
		}
		if d.KeyRange.Overlaps(keyRange) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LsnRange.Start > out[j].LsnRange.Start })
	return out
}

// GetVisibility partitions every tracked layer by whether it is still
// "visible": needed to answer a read at one of the given readable points
// (the tip plus every branch point / PITR retention boundary). A delta
// layer entirely below every readable point's ancestor line is invisible
// and becomes a GC-compaction candidate.
func (lm *LayerMap) GetVisibility(readablePoints []pageid.Lsn) map[string]bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	visible := make(map[string]bool, len(lm.l0)+len(lm.historic))
	check := func(d *persist.LayerDesc) {
		for _, lsn := range readablePoints {
			// Visible unless the layer's newest LSN (End-1 for a delta,
			// the snapshot LSN for an image) lies below this point.
			if d.LsnRange.End > lsn || d.LsnRange.Start >= lsn {
				visible[d.Path] = true
				return
			}
		}
		visible[d.Path] = false
	}
	for _, d := range lm.l0 {
		check(d)
	}
	for _, d := range lm.historic {
		check(d)
	}
	return visible
}

// OpenedLayer is either a delta or an image layer reader, opened on
// demand from a descriptor.
type OpenedLayer struct {
	Desc  *persist.LayerDesc
	Delta *persist.DeltaLayerReader
	Image *persist.ImageLayerReader
}

// Close closes whichever reader is open.
func (o *OpenedLayer) Close() error {
	if o.Delta != nil {
		return o.Delta.Close()
	}
	if o.Image != nil {
		return o.Image.Close()
	}
	return nil
}

// GetFromDesc opens the layer file a descriptor names.
func GetFromDesc(d *persist.LayerDesc) (*OpenedLayer, error) {
	if d.IsDelta {
		r, err := persist.OpenDeltaLayer(d.Path)
		if err != nil {
			return nil, fmt.Errorf("layermap: open %s: %w", d.Path, err)
		}
		return &OpenedLayer{Desc: d, Delta: r}, nil
	}
	r, err := persist.OpenImageLayer(d.Path)
	if err != nil {
		return nil, fmt.Errorf("layermap: open %s: %w", d.Path, err)
	}
	return &OpenedLayer{Desc: d, Image: r}, nil
}
