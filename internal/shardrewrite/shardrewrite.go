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

// Package shardrewrite narrows the layers a shard inherited from its
// parent at split time down to just the key range the shard now owns, so
// a shard doesn't carry its ancestor's entire key space in its layer map
// forever.
package shardrewrite

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/pageshard/storageengine/internal/layermap"
	"github.com/pageshard/storageengine/internal/persist"
	"github.com/pageshard/storageengine/internal/xlog"
	"github.com/pageshard/storageengine/pkg/ids"
	"github.com/pageshard/storageengine/pkg/pageid"
	"github.com/pageshard/storageengine/pkg/remote"
)

// ShardIdentity names the contiguous key range a shard owns after a split.
type ShardIdentity struct {
	Owned pageid.Range
}

// Owns reports whether key falls inside the shard's owned range.
func (s ShardIdentity) Owns(key pageid.Key) bool { return s.Owned.Contains(key) }

// OwnershipCache memoizes Owns checks across the many ancestor layers a
// rewrite pass walks, which frequently re-examine keys near the shard
// boundary that several overlapping layers all happen to carry.
type OwnershipCache struct {
	identity ShardIdentity
	cache    *lru.Cache
}

// NewOwnershipCache returns a cache holding up to size recent membership
// decisions.
func NewOwnershipCache(identity ShardIdentity, size int) (*OwnershipCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("shardrewrite: new lru cache: %w", err)
	}
	return &OwnershipCache{identity: identity, cache: c}, nil
}

// Owns reports ownership, consulting the cache first.
func (o *OwnershipCache) Owns(key pageid.Key) bool {
	if v, ok := o.cache.Get(key); ok {
		return v.(bool)
	}
	owned := o.identity.Owns(key)
	o.cache.Add(key, owned)
	return owned
}

// Options configures one ancestor-rewrite pass.
type Options struct {
	Tenant    ids.TenantID
	Timeline  ids.TimelineID
	OutputDir string

	Ownership *OwnershipCache

	// RewriteMax bounds how many owned keys a single ancestor layer may
	// need scanned-and-rewritten before the pass defers it instead,
	// keeping one rewrite job from stalling behind one huge ancestor.
	RewriteMax int

	// CurrentGeneration is this shard's current generation. A layer
	// already stamped with it would collide with the local path if
	// rewritten, so it is left untouched.
	CurrentGeneration uint64

	// PitrCutoffLsn is the oldest LSN still inside the PITR retention
	// window. A layer whose LSN range reaches past it is left alone: it
	// will age out of the window and become a GC-compaction candidate on
	// its own, so rewriting it now is wasted work.
	PitrCutoffLsn pageid.Lsn

	// Remote reports every rewrite's layer swap to the remote side, and
	// is awaited before the phase is declared done. Nil disables reporting.
	Remote remote.Client
}

// Result reports the decision made for every ancestor layer considered.
type Result struct {
	Dropped   []*persist.LayerDesc // no overlap with the owned range, or no locally owned key
	Skipped   []*persist.LayerDesc // fully local already, or rewrite not worth it
	Rewritten []*persist.LayerDesc // replaced by a narrower image layer
	Deferred  []*persist.LayerDesc // partial overlap, too expensive to rewrite now
	NewLayers []*persist.LayerDesc
}

// RewriteAncestors walks every layer currently in lm and classifies it
// against opts.Ownership's owned range, rewriting what it affordably can.
// Per layer the decision tree is: drop if nothing owned overlaps it; skip
// if it's already fully owned, more than half local, within the PITR
// window, a delta layer (rewriting those isn't implemented), or stamped
// with the shard's current generation; otherwise rewrite it down to an
// image layer holding only the owned keys.
func RewriteAncestors(ctx context.Context, lm *layermap.LayerMap, opts Options) (*Result, error) {
	result := &Result{}
	owned := opts.Ownership.identity.Owned

	var toRemove, toAdd []*persist.LayerDesc
	for _, d := range lm.All() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !d.KeyRange.Overlaps(owned) {
			result.Dropped = append(result.Dropped, d)
			toRemove = append(toRemove, d)
			continue
		}
		if containsRange(owned, d.KeyRange) {
			result.Skipped = append(result.Skipped, d)
			continue
		}
		total, local, err := countOwnership(d, opts.Ownership)
		if err != nil {
			return nil, err
		}
		if local == 0 {
			result.Dropped = append(result.Dropped, d)
			toRemove = append(toRemove, d)
			continue
		}
		if total > 0 && local*2 > total {
			result.Skipped = append(result.Skipped, d)
			continue
		}
		if opts.PitrCutoffLsn != 0 && d.LsnRange.End > opts.PitrCutoffLsn {
			result.Skipped = append(result.Skipped, d)
			continue
		}
		if d.IsDelta {
			result.Skipped = append(result.Skipped, d)
			continue
		}
		if d.Generation == opts.CurrentGeneration {
			result.Skipped = append(result.Skipped, d)
			continue
		}

		newDesc, rewritten, err := rewriteImage(ctx, opts, d)
		if err != nil {
			return nil, err
		}
		if !rewritten {
			result.Deferred = append(result.Deferred, d)
			continue
		}
		result.Rewritten = append(result.Rewritten, d)
		toRemove = append(toRemove, d)
		if newDesc != nil {
			toAdd = append(toAdd, newDesc)
		}
	}
	result.NewLayers = toAdd
	// Dropped ancestor layers are removed from this shard's map only; the
	// underlying file still belongs to the pre-split parent and is never
	// unlinked here.
	if err := lm.Replace(toRemove, toAdd); err != nil {
		return nil, fmt.Errorf("shardrewrite: install rewritten layers: %w", err)
	}
	if opts.Remote != nil && (len(toRemove) > 0 || len(toAdd) > 0) {
		jobID, err := opts.Remote.ScheduleCompactionUpdate(ctx, remote.CompactionUpdate{
			Tenant: opts.Tenant, Timeline: opts.Timeline, Removed: toRemove, Added: toAdd,
		})
		if err != nil {
			return nil, fmt.Errorf("shardrewrite: schedule remote update: %w", err)
		}
		if err := opts.Remote.WaitCompletion(ctx, jobID); err != nil {
			return nil, fmt.Errorf("shardrewrite: await remote upload: %w", err)
		}
	}
	xlog.Info("ancestor rewrite finished", "tenant", opts.Tenant, "timeline", opts.Timeline,
		"dropped", len(result.Dropped), "skipped", len(result.Skipped),
		"rewritten", len(result.Rewritten), "deferred", len(result.Deferred))
	return result, nil
}

func containsRange(outer, inner pageid.Range) bool {
	return !inner.Start.Less(outer.Start) && !outer.End.Less(inner.End)
}

// countOwnership returns the total number of distinct keys d carries and
// how many of them opts.Ownership owns, used by the classification switch
// to decide the "more than half local" and "nothing local" branches before
// ever committing to a rewrite.
func countOwnership(d *persist.LayerDesc, ownership *OwnershipCache) (total, local int, err error) {
	if d.IsDelta {
		r, err := persist.OpenDeltaLayer(d.Path)
		if err != nil {
			return 0, 0, fmt.Errorf("shardrewrite: open %s: %w", d.Path, err)
		}
		defer r.Close()
		seen := make(map[pageid.Key]bool)
		it := r.Iterator()
		for {
			e, ok, err := it.Next()
			if err != nil {
				return 0, 0, err
			}
			if !ok {
				break
			}
			if seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			total++
			if ownership.Owns(e.Key) {
				local++
			}
		}
		return total, local, nil
	}
	r, err := persist.OpenImageLayer(d.Path)
	if err != nil {
		return 0, 0, fmt.Errorf("shardrewrite: open %s: %w", d.Path, err)
	}
	defer r.Close()
	it := r.Iterator()
	for {
		e, ok, err := it.Next()
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			break
		}
		total++
		if ownership.Owns(e.Key) {
			local++
		}
	}
	return total, local, nil
}

func rewriteImage(ctx context.Context, opts Options, d *persist.LayerDesc) (*persist.LayerDesc, bool, error) {
	r, err := persist.OpenImageLayer(d.Path)
	if err != nil {
		return nil, false, fmt.Errorf("shardrewrite: open %s: %w", d.Path, err)
	}
	defer r.Close()

	ownedKeys := countOwnedImageKeys(r, opts.Ownership)
	if ownedKeys == 0 {
		return nil, true, nil // every key dropped, no replacement layer at all
	}
	if ownedKeys > opts.RewriteMax {
		return nil, false, nil
	}

	w, err := persist.NewImageLayerWriter(opts.OutputDir, opts.Tenant, opts.Timeline, opts.Ownership.identity.Owned, r.Lsn())
	if err != nil {
		return nil, false, err
	}
	it := r.Iterator()
	for {
		e, ok, err := it.Next()
		if err != nil {
			w.Abandon()
			return nil, false, err
		}
		if !ok {
			break
		}
		if !opts.Ownership.Owns(e.Key) {
			continue
		}
		if err := w.Add(e.Key, e.Value); err != nil {
			w.Abandon()
			return nil, false, err
		}
	}
	desc, err := w.Finish()
	if err != nil {
		return nil, false, err
	}
	return desc, true, nil
}

func countOwnedImageKeys(r *persist.ImageLayerReader, ownership *OwnershipCache) int {
	count := 0
	it := r.Iterator()
	for {
		e, ok, err := it.Next()
		if err != nil || !ok {
			break
		}
		if ownership.Owns(e.Key) {
			count++
		}
	}
	return count
}

