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
	"fmt"
	"os"

	"github.com/pageshard/storageengine/internal/layermap"
	"github.com/pageshard/storageengine/internal/persist"
	"github.com/pageshard/storageengine/internal/xlog"
	"github.com/pageshard/storageengine/pkg/ids"
	"github.com/pageshard/storageengine/pkg/pageid"
	"github.com/pageshard/storageengine/pkg/remote"
)

// defaultLevel0Threshold and defaultCheckpointDistance are the floors the
// run-selection size cutoff is computed against when a caller's own
// configured values are smaller, mirroring engineconfig.Default's tuning.
const (
	defaultLevel0Threshold           = 10
	defaultCheckpointDistance  int64 = 256 << 20
)

// Level0Options configures one level0-to-level1 compaction job.
type Level0Options struct {
	Tenant     ids.TenantID
	Timeline   ids.TimelineID
	OutputDir  string
	Threshold  int   // minimum number of L0 deltas before compaction runs at all
	TargetSize int64 // approximate output layer body size, in bytes
	HoleKeys   int64 // key-distance threshold for DetectHoles

	// CheckpointDistance bounds, together with Threshold, how many bytes
	// of contiguous level-0 history a single compaction pass will accept:
	// max(Threshold, defaultLevel0Threshold) * max(CheckpointDistance,
	// defaultCheckpointDistance). Runs past that budget stop early and
	// report FullyCompacted=false so a later pass can pick up the rest.
	CheckpointDistance int64

	// Remote reports the committed layer swap to the remote side, and is
	// awaited before the job is declared done. Nil disables reporting.
	Remote remote.Client
}

// Level0Result reports what a compaction job did.
type Level0Result struct {
	InputLayers  []*persist.LayerDesc
	OutputLayers []*persist.LayerDesc
	Holes        []Hole

	// FullyCompacted is false when the run-selection size cutoff stopped
	// this job before it consumed the full contiguous level-0 run: more
	// level-0 layers were left behind that a subsequent pass must still
	// compact.
	FullyCompacted bool
}

// runSizeBudget returns the maximum total body size, in bytes, a single
// compaction pass will accept across its selected contiguous run.
func runSizeBudget(opts Level0Options) int64 {
	threshold := opts.Threshold
	if threshold < defaultLevel0Threshold {
		threshold = defaultLevel0Threshold
	}
	dist := opts.CheckpointDistance
	if dist < defaultCheckpointDistance {
		dist = defaultCheckpointDistance
	}
	return int64(threshold) * dist
}

// selectContiguousRun returns the longest prefix of l0 (already sorted by
// ascending LSN start) whose LSN ranges chain together with no gap, bounded
// by maxBytes of accumulated file size. Compaction only ever rewrites a
// contiguous run: an L0 delta past a gap might still be accumulating
// concurrent writes and isn't safe to reorder past. fullyCompacted is false
// only when the size budget, not a gap, is what stopped the selection
// short of the whole contiguous chain.
func selectContiguousRun(l0 []*persist.LayerDesc, maxBytes int64) (run []*persist.LayerDesc, fullyCompacted bool) {
	if len(l0) == 0 {
		return nil, true
	}
	run = l0[:1]
	size := l0[0].FileSize
	fullyCompacted = true
	for i := 1; i < len(l0); i++ {
		if l0[i].LsnRange.Start != run[len(run)-1].LsnRange.End {
			break
		}
		if maxBytes > 0 && size+l0[i].FileSize > maxBytes {
			fullyCompacted = false
			break
		}
		size += l0[i].FileSize
		run = l0[:i+1]
	}
	return run, fullyCompacted
}

// openRun opens every layer in run for reading and returns a single merged
// entry stream over all of them.
func openRun(run []*persist.LayerDesc) ([]*persist.DeltaLayerReader, *MergeIterator, error) {
	readers := make([]*persist.DeltaLayerReader, 0, len(run))
	sources := make([]EntryIterator, 0, len(run))
	for _, d := range run {
		r, err := persist.OpenDeltaLayer(d.Path)
		if err != nil {
			closeReaders(readers)
			return nil, nil, fmt.Errorf("compaction: open level0 layer %s: %w", d.Path, err)
		}
		readers = append(readers, r)
		sources = append(sources, DeltaIterator(r))
	}
	merged, err := NewMergeIterator(sources)
	if err != nil {
		closeReaders(readers)
		return nil, nil, err
	}
	return readers, merged, nil
}

func closeReaders(readers []*persist.DeltaLayerReader) {
	for _, r := range readers {
		r.Close()
	}
}

// CompactLevel0 merges a contiguous run of level-0 delta layers into a set
// of key-partitioned level-1 delta layers, each covering the full run's
// LSN range but only a slice of the key space, so future reads of a hot
// key range don't have to open every level-0 layer ever flushed.
//
// The run is read twice: a first pass collects the run's distinct keys to
// detect holes (sparse key regions already well covered by existing image
// layers), and a second pass does the actual merge-and-write, rolling the
// current output layer over whenever it crosses a detected hole boundary
// in addition to the usual target-size rollover.
func CompactLevel0(ctx context.Context, lm *layermap.LayerMap, opts Level0Options) (*Level0Result, error) {
	l0 := lm.Level0Deltas()
	if len(l0) < opts.Threshold {
		return nil, nil
	}
	run, fullyCompacted := selectContiguousRun(l0, runSizeBudget(opts))
	if len(run) < opts.Threshold {
		return nil, nil
	}
	lsnRange := pageid.LsnRange{Start: run[0].LsnRange.Start, End: run[len(run)-1].LsnRange.End}
	canceller := NewCanceller(ctx)

	readers1, merged1, err := openRun(run)
	if err != nil {
		return nil, err
	}
	var distinct []pageid.Key
	var lastDistinct pageid.Key
	haveDistinct := false
	for {
		t, ok, err := merged1.Next()
		if err != nil {
			closeReaders(readers1)
			return nil, err
		}
		if !ok {
			break
		}
		if err := canceller.Tick(); err != nil {
			closeReaders(readers1)
			return nil, err
		}
		if !haveDistinct || t.Key != lastDistinct {
			distinct = append(distinct, t.Key)
			lastDistinct, haveDistinct = t.Key, true
		}
	}
	closeReaders(readers1)

	holes := DetectHoles(distinct, opts.HoleKeys, lm, lsnRange.End, len(run))
	holeBoundary := make(map[pageid.Key]bool, len(holes))
	for _, h := range holes {
		holeBoundary[h.Range.End] = true
	}

	readers2, merged2, err := openRun(run)
	if err != nil {
		return nil, err
	}
	defer closeReaders(readers2)

	var (
		result   Level0Result
		cur      *persist.DeltaLayerWriter
		curStart pageid.Key
		lastKey  pageid.Key
		haveLast bool
	)
	rollIfDue := func(nextKey pageid.Key) error {
		if cur == nil {
			return nil
		}
		due := cur.Size() >= opts.TargetSize || holeBoundary[nextKey]
		if !due {
			return nil
		}
		// Only roll over on a key boundary: never split one key's history
		// across two output layers.
		if haveLast && nextKey == lastKey {
			return nil
		}
		desc, err := cur.Finish()
		if err != nil {
			return err
		}
		result.OutputLayers = append(result.OutputLayers, desc)
		cur = nil
		return nil
	}

	for {
		t, ok, err := merged2.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := canceller.Tick(); err != nil {
			return nil, err
		}
		if err := rollIfDue(t.Key); err != nil {
			return nil, err
		}
		if cur == nil {
			if err := canceller.Boundary(); err != nil {
				return nil, err
			}
			curStart = t.Key
			cur, err = persist.NewDeltaLayerWriter(opts.OutputDir, opts.Tenant, opts.Timeline, pageid.Range{Start: curStart, End: curStart.Next()}, lsnRange)
			if err != nil {
				return nil, err
			}
		}
		if err := cur.Add(t.Key, t.Lsn, t.Value); err != nil {
			return nil, err
		}
		lastKey, haveLast = t.Key, true
	}
	if cur != nil {
		desc, err := cur.Finish()
		if err != nil {
			return nil, err
		}
		result.OutputLayers = append(result.OutputLayers, desc)
	}

	result.InputLayers = run
	result.Holes = holes
	result.FullyCompacted = fullyCompacted
	if len(result.Holes) > 0 {
		xlog.Info("level0 compaction found key-range holes", "tenant", opts.Tenant, "timeline", opts.Timeline, "count", len(result.Holes))
	}

	if err := lm.Replace(run, result.OutputLayers); err != nil {
		return nil, fmt.Errorf("compaction: install level1 layers: %w", err)
	}
	closeReaders(readers2)
	for _, d := range run {
		if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
			xlog.Warn("failed to remove superseded level0 layer", "path", d.Path, "err", err)
		}
	}
	if opts.Remote != nil {
		jobID, err := opts.Remote.ScheduleCompactionUpdate(ctx, remote.CompactionUpdate{
			Tenant: opts.Tenant, Timeline: opts.Timeline, Removed: run, Added: result.OutputLayers,
		})
		if err != nil {
			return nil, fmt.Errorf("compaction: schedule remote update: %w", err)
		}
		if err := opts.Remote.WaitCompletion(ctx, jobID); err != nil {
			return nil, fmt.Errorf("compaction: await remote upload: %w", err)
		}
	}
	xlog.Info("level0 compaction finished", "tenant", opts.Tenant, "timeline", opts.Timeline,
		"inputs", len(run), "outputs", len(result.OutputLayers), "fully_compacted", fullyCompacted)
	return &result, nil
}
