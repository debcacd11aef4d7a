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

// Package memlayer implements InMemoryLayer, the write-path's in-memory
// index over an EphemeralFile, and the GlobalResources backpressure
// accounting every InMemoryLayer reports into.
package memlayer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pageshard/storageengine/internal/blockio"
	"github.com/pageshard/storageengine/internal/concurrency"
	"github.com/pageshard/storageengine/internal/gate"
	"github.com/pageshard/storageengine/internal/persist"
	"github.com/pageshard/storageengine/internal/xlog"
	"github.com/pageshard/storageengine/pkg/ids"
	"github.com/pageshard/storageengine/pkg/pageid"
	"github.com/pageshard/storageengine/pkg/reconstruct"
)

// ErrWritable marks an attempt to write to a layer that is no longer Open.
// It is a programming error in the caller (the ingest path is expected to
// never write to a layer past Freeze), so callers outside debug builds
// should treat it as an assertion failure rather than something to retry.
var ErrWritable = errors.New("memlayer: layer is frozen")

// indexEntry is one (lsn, offset) pair in a key's history within a single
// in-memory layer, stored in ascending LSN order.
type indexEntry struct {
	Lsn    pageid.Lsn
	Offset int64
}

// InMemoryLayer is the open, mutable tail of a timeline's history: every
// ingested record since the last freeze lives here, backed by one
// EphemeralFile and indexed in memory.
type InMemoryLayer struct {
	mu sync.RWMutex

	tenant   ids.TenantID
	timeline ids.TimelineID

	file  *blockio.EphemeralFile
	units *GlobalResourceUnits

	startLsn pageid.Lsn
	endLsn   pageid.Lsn // zero until Freeze is called
	frozen   bool

	index map[pageid.Key][]indexEntry
}

// Create opens a new, empty in-memory layer starting at startLsn.
func Create(dir string, tenant ids.TenantID, timeline ids.TimelineID, startLsn pageid.Lsn, g *gate.Gate, cache *blockio.Cache) (*InMemoryLayer, error) {
	f, err := blockio.Create(dir, g, cache)
	if err != nil {
		return nil, fmt.Errorf("memlayer: create: %w", err)
	}
	return &InMemoryLayer{
		tenant: tenant, timeline: timeline,
		file: f, units: Global.NewUnits(),
		startLsn: startLsn,
		index:    make(map[pageid.Key][]indexEntry),
	}, nil
}

// StartLsn returns the LSN this layer began recording at.
func (l *InMemoryLayer) StartLsn() pageid.Lsn { return l.startLsn }

// IsFrozen reports whether Freeze has been called.
func (l *InMemoryLayer) IsFrozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen
}

// Len reports the current size in bytes, used as the layer's contribution
// to GlobalResources.
func (l *InMemoryLayer) Len() int64 { return l.file.Len() }

// PutBatch appends a serialized batch of (key, lsn, value) records. Either
// every entry in the batch lands, or none does. Returns an advisory
// per-layer size ceiling if global dirty bytes have crossed the configured
// maximum; the caller (the ingest path) uses this to decide whether to
// proactively freeze.
func (l *InMemoryLayer) PutBatch(batch *SerializedBatch) (ceiling uint64, hasCeiling bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return 0, false, fmt.Errorf("memlayer: put_batch: %w", ErrWritable)
	}
	base := l.file.Len()
	if err := l.file.WriteAllBorrowed(batch.Raw); err != nil {
		return 0, false, fmt.Errorf("memlayer: put_batch: %w", err)
	}
	for _, e := range batch.Entries {
		entries := l.index[e.Key]
		if n := len(entries); n > 0 && entries[n-1].Lsn == e.Lsn {
			xlog.Warn("duplicate (key, lsn) in in-memory layer, overwriting", "key", e.Key, "lsn", e.Lsn)
			entries[n-1].Offset = base + int64(e.RelOffset)
			continue
		}
		l.index[e.Key] = append(entries, indexEntry{Lsn: e.Lsn, Offset: base + int64(e.RelOffset)})
	}
	c, ok, _ := l.units.MaybePublishSize(uint64(l.file.Len()))
	return c, ok, nil
}

// Freeze marks the layer read-only as of endLsn. It is an error to call
// Freeze twice, or with an endLsn not strictly greater than StartLsn.
func (l *InMemoryLayer) Freeze(endLsn pageid.Lsn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return fmt.Errorf("memlayer: already frozen at end_lsn=%s", l.endLsn)
	}
	if endLsn <= l.startLsn {
		return fmt.Errorf("memlayer: end_lsn %s must be greater than start_lsn %s", endLsn, l.startLsn)
	}
	l.endLsn = endLsn
	l.frozen = true
	return nil
}

// Close releases the layer's GlobalResources contribution and its
// EphemeralFile.
func (l *InMemoryLayer) Close() error {
	l.units.Close()
	return l.file.Close()
}

// GetValuesReconstructData walks, for every key in state that still needs
// more history, this layer's recorded values from newest to oldest LSN
// below endLsn, folding each into state until it reports Complete or this
// layer's history for that key is exhausted.
func (l *InMemoryLayer) GetValuesReconstructData(ctx context.Context, endLsn pageid.Lsn, state *reconstruct.State) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cursor := blockio.NewCursor(l.file)
	for _, key := range state.Keys() {
		if !state.NeedsMore(key) {
			continue
		}
		entries := l.index[key]
		for i := len(entries) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e := entries[i]
			if e.Lsn >= endLsn {
				continue
			}
			raw, err := cursor.ReadBlob(e.Offset)
			if err != nil {
				state.SetError(key, fmt.Errorf("memlayer: read blob at %d: %w", e.Offset, err))
				break
			}
			v, err := pageid.DecodeValue(raw)
			if err != nil {
				state.SetError(key, fmt.Errorf("memlayer: decode value: %w", err))
				break
			}
			if state.AddValue(key, v) == reconstruct.Complete {
				break
			}
		}
	}
	return nil
}

// WriteToDisk flushes the frozen layer's history to a new delta layer on
// disk, optionally filtered down to keyRange (nil flushes every key the
// layer holds). The layer must already be frozen. When the filtered key
// set is empty, WriteToDisk returns (nil, nil) rather than an error: an
// empty flush is a legitimate no-op, not a failure. The whole operation,
// including the final fsync, runs under one flush-concurrency permit so
// that an unbounded number of timelines can't all flush to disk at once.
func (l *InMemoryLayer) WriteToDisk(ctx context.Context, dir string, keyRange *pageid.Range) (*persist.LayerDesc, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.frozen {
		return nil, fmt.Errorf("memlayer: write_to_disk on a layer that was never frozen")
	}
	if err := concurrency.Flush.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("memlayer: acquire flush permit: %w", err)
	}
	defer concurrency.Flush.Release()

	keys := make([]pageid.Key, 0, len(l.index))
	for k := range l.index {
		if keyRange != nil && !keyRange.Contains(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	if len(keys) == 0 {
		return nil, nil
	}

	outRange := pageid.Range{Start: keys[0], End: keys[len(keys)-1].Next()}
	lsnRange := pageid.LsnRange{Start: l.startLsn, End: l.endLsn}
	w, err := persist.NewDeltaLayerWriter(dir, l.tenant, l.timeline, outRange, lsnRange)
	if err != nil {
		return nil, err
	}

	cursor := blockio.NewCursor(l.file)
	for _, key := range keys {
		if ctx.Err() != nil {
			w.Abandon()
			return nil, ctx.Err()
		}
		for _, e := range l.index[key] {
			raw, err := cursor.ReadBlob(e.Offset)
			if err != nil {
				w.Abandon()
				return nil, fmt.Errorf("memlayer: write_to_disk read: %w", err)
			}
			v, err := pageid.DecodeValue(raw)
			if err != nil {
				w.Abandon()
				return nil, fmt.Errorf("memlayer: write_to_disk decode: %w", err)
			}
			if err := w.Add(key, e.Lsn, v); err != nil {
				w.Abandon()
				return nil, err
			}
		}
	}
	desc, err := w.Finish()
	if err != nil {
		return nil, err
	}
	xlog.Info("flushed in-memory layer", "tenant", l.tenant, "timeline", l.timeline, "keys", len(keys), "lsn_range", lsnRange, "path", desc.Path)
	return desc, nil
}
