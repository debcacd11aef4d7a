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

package compaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/pageshard/storageengine/internal/layermap"
	"github.com/pageshard/storageengine/internal/persist"
	"github.com/pageshard/storageengine/internal/xlog"
	"github.com/pageshard/storageengine/pkg/ids"
	"github.com/pageshard/storageengine/pkg/pageid"
	"github.com/pageshard/storageengine/pkg/reconstruct"
	"github.com/pageshard/storageengine/pkg/remote"
)

// ErrIncompleteHistory marks a key whose replay chain, at the point GC
// compaction needed to materialize an image, has no self-initializing
// entry at its head and no ancestor base image was supplied to stand in
// for one. The operator must supply the missing ancestor image; there is
// no automatic recovery.
var ErrIncompleteHistory = errors.New("compaction: incomplete replay history, no ancestor base image")

// GCCompactOptions configures a GC-compaction job: a rewrite of a key
// range's entire retained history, below the oldest LSN any reader still
// needs, into as few layers as possible.
type GCCompactOptions struct {
	Tenant    ids.TenantID
	Timeline  ids.TimelineID
	OutputDir string

	KeyRange pageid.Range

	// RetainLsns are every branch point below Horizon a reader might still
	// ask for inside KeyRange, ascending: R1 <= R2 <= ... <= Rk. Together
	// with Horizon they split each key's history into k+2 buckets (see
	// bucketize). History above Horizon is never touched.
	RetainLsns []pageid.Lsn

	// Horizon is the GC cutoff H: every RetainLsn must be <= Horizon.
	// Defaults to the highest RetainLsn when zero, so a single-retain-lsn
	// caller can omit it and get the old degenerate two-bucket behavior.
	Horizon pageid.Lsn

	// AncestorImage, if set, is the base image a parent timeline already
	// supplies below the lowest bucket; it stands in for a self-initializing
	// entry at the head of bucket 0's replay chain.
	AncestorImage *pageid.Value

	// DeltaThreshold is the maximum number of WAL records accumulated
	// since the last emitted image before a middle bucket instead
	// materializes a single image at its upper LSN. Reconstructor must be
	// non-nil for an image to actually be emitted; without one, the
	// threshold is evaluated but deltas are always kept (the job degrades
	// instead of fabricating a wrong image).
	DeltaThreshold int
	Reconstructor  reconstruct.Reconstructor

	// Remote reports the committed layer swap to the remote side, and is
	// awaited before the job is declared done. Nil disables reporting.
	Remote remote.Client
}

// GCCompactResult reports what a GC-compaction job did.
type GCCompactResult struct {
	InputLayers  []*persist.LayerDesc
	OutputLayers []*persist.LayerDesc
	ImagesEmitted int
}

// keyHistory is one key's full ascending-LSN history gathered from every
// input layer.
type keyHistory struct {
	key     pageid.Key
	entries []Tuple
}

// CompactGC rewrites every layer overlapping opts.KeyRange into a smaller
// set of layers. Each key's history is split into buckets at the retained
// LSNs and the GC horizon. Entries above the horizon are carried over
// unchanged. The bucket at or below the lowest retained LSN collapses to a
// single image when no AncestorImage is given; every later bucket collapses
// once at least DeltaThreshold WAL records have accumulated since the last
// image. With a nil Reconstructor nothing collapses, and every entry is
// carried over as a delta.
func CompactGC(ctx context.Context, lm *layermap.LayerMap, opts GCCompactOptions) (*GCCompactResult, error) {
	sort.Slice(opts.RetainLsns, func(i, j int) bool { return opts.RetainLsns[i] < opts.RetainLsns[j] })

	var inputs []*persist.LayerDesc
	for _, d := range lm.All() {
		if d.KeyRange.Overlaps(opts.KeyRange) {
			inputs = append(inputs, d)
		}
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	sources := make([]EntryIterator, 0, len(inputs))
	closers := make([]func() error, 0, len(inputs))
	defer func() {
		for _, c := range closers {
			c()
		}
	}()
	for _, d := range inputs {
		if d.IsDelta {
			r, err := persist.OpenDeltaLayer(d.Path)
			if err != nil {
				return nil, fmt.Errorf("compaction: open %s: %w", d.Path, err)
			}
			closers = append(closers, r.Close)
			sources = append(sources, DeltaIterator(r))
		} else {
			r, err := persist.OpenImageLayer(d.Path)
			if err != nil {
				return nil, fmt.Errorf("compaction: open %s: %w", d.Path, err)
			}
			closers = append(closers, r.Close)
			sources = append(sources, ImageIterator(r))
		}
	}
	merged, err := NewMergeIterator(sources)
	if err != nil {
		return nil, err
	}

	canceller := NewCanceller(ctx)
	histories, err := groupByKey(merged, canceller)
	if err != nil {
		return nil, err
	}

	horizon := opts.Horizon
	if horizon == 0 && len(opts.RetainLsns) > 0 {
		horizon = opts.RetainLsns[len(opts.RetainLsns)-1]
	}
	// bounds holds the k+1 finite split points R1..Rk,H; bucket i (0<=i<=k)
	// collects entries with bounds[i-1] < lsn <= bounds[i] (bounds[-1] =
	// -inf), and one final bucket holds everything strictly above horizon.
	bounds := append(append([]pageid.Lsn{}, opts.RetainLsns...), horizon)

	var result GCCompactResult
	deltaW, err := persist.NewDeltaLayerWriter(opts.OutputDir, opts.Tenant, opts.Timeline, opts.KeyRange, fullLsnRange(inputs))
	if err != nil {
		return nil, err
	}
	var images []*persist.ImageLayerWriter
	imageForLsn := make(map[pageid.Lsn]*persist.ImageLayerWriter)

	for _, h := range histories {
		if err := canceller.Boundary(); err != nil {
			deltaW.Abandon()
			abandonAll(images)
			return nil, err
		}
		dedupeSameLsn(&h)
		n, err := compactKeyHistory(ctx, h.key, h.entries, bounds, opts, deltaW, func(lsn pageid.Lsn) (*persist.ImageLayerWriter, error) {
			iw, ok := imageForLsn[lsn]
			if ok {
				return iw, nil
			}
			iw, err := persist.NewImageLayerWriter(opts.OutputDir, opts.Tenant, opts.Timeline, opts.KeyRange, lsn)
			if err != nil {
				return nil, err
			}
			images = append(images, iw)
			imageForLsn[lsn] = iw
			return iw, nil
		})
		if err != nil {
			deltaW.Abandon()
			abandonAll(images)
			return nil, err
		}
		result.ImagesEmitted += n
	}

	if deltaW.Size() > 0 {
		desc, err := deltaW.Finish()
		if err != nil {
			return nil, err
		}
		result.OutputLayers = append(result.OutputLayers, desc)
	} else {
		deltaW.Abandon()
	}
	for _, iw := range images {
		desc, err := iw.Finish()
		if err != nil {
			return nil, err
		}
		result.OutputLayers = append(result.OutputLayers, desc)
	}

	result.InputLayers = inputs
	if err := lm.Replace(inputs, result.OutputLayers); err != nil {
		return nil, fmt.Errorf("compaction: install gc-compacted layers: %w", err)
	}
	for _, c := range closers {
		c()
	}
	closers = nil
	for _, d := range inputs {
		if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
			xlog.Warn("failed to remove superseded layer", "path", d.Path, "err", err)
		}
	}
	if opts.Remote != nil {
		jobID, err := opts.Remote.ScheduleCompactionUpdate(ctx, remote.CompactionUpdate{
			Tenant: opts.Tenant, Timeline: opts.Timeline, Removed: inputs, Added: result.OutputLayers,
		})
		if err != nil {
			return nil, fmt.Errorf("compaction: schedule remote update: %w", err)
		}
		if err := opts.Remote.WaitCompletion(ctx, jobID); err != nil {
			return nil, fmt.Errorf("compaction: await remote upload: %w", err)
		}
	}
	xlog.Info("gc-compaction finished", "tenant", opts.Tenant, "timeline", opts.Timeline, "inputs", len(inputs), "outputs", len(result.OutputLayers), "images", result.ImagesEmitted)
	return &result, nil
}

func fullLsnRange(inputs []*persist.LayerDesc) pageid.LsnRange {
	r := pageid.LsnRange{Start: ^pageid.Lsn(0), End: 0}
	for _, d := range inputs {
		if d.LsnRange.Start < r.Start {
			r.Start = d.LsnRange.Start
		}
		if d.LsnRange.End > r.End {
			r.End = d.LsnRange.End
		}
	}
	return r
}

func abandonAll(images []*persist.ImageLayerWriter) {
	for _, w := range images {
		w.Abandon()
	}
}

// groupByKey buffers the merged stream into per-key histories. The stream
// is already (key, lsn) ordered, so this is a single linear pass.
func groupByKey(m *MergeIterator, c *Canceller) ([]keyHistory, error) {
	var out []keyHistory
	for {
		t, ok, err := m.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := c.Tick(); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].key != t.Key {
			out = append(out, keyHistory{key: t.Key})
		}
		last := &out[len(out)-1]
		last.entries = append(last.entries, t)
	}
	return out, nil
}

// dedupeSameLsn mirrors the merge tie-break rule within a single key's
// history: if two entries share an LSN (possible when an image and a
// WalRecord for the same write both survived into the input set), the
// WalRecord is dropped and the image kept. Entries stay ascending by LSN.
func dedupeSameLsn(h *keyHistory) {
	if len(h.entries) < 2 {
		return
	}
	out := h.entries[:0:0]
	for _, e := range h.entries {
		if n := len(out); n > 0 && out[n-1].Lsn == e.Lsn {
			if e.Value.Kind == pageid.KindImage {
				out[n-1] = e
			}
			continue
		}
		out = append(out, e)
	}
	h.entries = out
}

// bucketize splits entries (ascending by LSN) into len(bounds)+1 buckets:
// bucket i (0<=i<=len(bounds)-1) holds entries with bounds[i-1] < lsn <=
// bounds[i] (bounds[-1] = -inf), and the final bucket holds every entry
// strictly above bounds[len(bounds)-1] (the GC horizon).
func bucketize(entries []Tuple, bounds []pageid.Lsn) [][]Tuple {
	buckets := make([][]Tuple, len(bounds)+1)
	bi := 0
	for _, e := range entries {
		for bi < len(bounds) && e.Lsn > bounds[bi] {
			bi++
		}
		buckets[bi] = append(buckets[bi], e)
	}
	return buckets
}

// compactKeyHistory implements the per-key GC-compaction algorithm:
// bucketize, replay forward truncating at each self-initializing entry,
// and emit either a reconstructed image or the bucket's own deltas
// verbatim at each below-horizon bucket, per the emission policy in
// spec.md section 4.6. It writes directly into deltaW (for deltas kept
// verbatim) and into the writer imageWriterFor(lsn) returns (for emitted
// images), and returns the number of images emitted for this key.
func compactKeyHistory(
	ctx context.Context,
	key pageid.Key,
	entries []Tuple,
	bounds []pageid.Lsn,
	opts GCCompactOptions,
	deltaW *persist.DeltaLayerWriter,
	imageWriterFor func(pageid.Lsn) (*persist.ImageLayerWriter, error),
) (int, error) {
	buckets := bucketize(entries, bounds)
	lastBucket := len(buckets) - 1

	var replay []pageid.Value
	if opts.AncestorImage != nil {
		replay = []pageid.Value{*opts.AncestorImage}
	}
	recordsSinceImage := 0
	emitted := 0

	for i, bucket := range buckets {
		for _, e := range bucket {
			replay = append(replay, e.Value)
			if e.Value.WillInit() {
				replay = replay[len(replay)-1:]
				recordsSinceImage = 0
			} else {
				recordsSinceImage++
			}
		}
		if i == lastBucket {
			// Strictly above the GC horizon: never collapsed.
			for _, e := range bucket {
				if err := deltaW.Add(key, e.Lsn, e.Value); err != nil {
					return emitted, err
				}
			}
			continue
		}
		if len(bucket) == 0 {
			continue
		}
		isFirst := i == 0
		shouldEmit := (isFirst && opts.AncestorImage == nil) || (!isFirst && recordsSinceImage >= opts.DeltaThreshold)
		if !shouldEmit || opts.Reconstructor == nil {
			for _, e := range bucket {
				if err := deltaW.Add(key, e.Lsn, e.Value); err != nil {
					return emitted, err
				}
			}
			continue
		}
		if len(replay) == 0 || !replay[0].WillInit() {
			return emitted, fmt.Errorf("compaction: key %s at lsn %s: %w", key, bounds[i], ErrIncompleteHistory)
		}
		upperLsn := bounds[i]
		img, err := opts.Reconstructor.ReconstructValue(ctx, key, upperLsn, append([]pageid.Value(nil), replay...))
		if err != nil {
			return emitted, fmt.Errorf("compaction: reconstruct %s: %w", key, err)
		}
		iw, err := imageWriterFor(upperLsn)
		if err != nil {
			return emitted, err
		}
		if err := iw.Add(key, img); err != nil {
			return emitted, err
		}
		emitted++
		replay = []pageid.Value{img}
		recordsSinceImage = 0
	}
	return emitted, nil
}
