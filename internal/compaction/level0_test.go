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
	"testing"

	"github.com/pageshard/storageengine/internal/layermap"
	"github.com/pageshard/storageengine/internal/persist"
	"github.com/pageshard/storageengine/pkg/ids"
	"github.com/pageshard/storageengine/pkg/pageid"
	"github.com/pageshard/storageengine/pkg/remote"
)

func writeL0(t *testing.T, dir string, tenant ids.TenantID, timeline ids.TimelineID, lsnRange pageid.LsnRange, entries map[pageid.Key]pageid.Value) *persist.LayerDesc {
	t.Helper()
	w, err := persist.NewDeltaLayerWriter(dir, tenant, timeline, pageid.Range{Start: pageid.MinKey, End: pageid.MaxKey}, lsnRange)
	if err != nil {
		t.Fatalf("NewDeltaLayerWriter: %v", err)
	}
	for k, v := range entries {
		if err := w.Add(k, lsnRange.Start+1, v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	// Add only ever widens the End bound, so the full-keyspace nominal range
	// survives Finish; it is set again below so the L0 classification
	// heuristic plainly holds.
	desc, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	desc.KeyRange = pageid.Range{Start: pageid.MinKey, End: pageid.MaxKey}
	return desc
}

func TestCompactLevel0MergesContiguousRun(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	lm := layermap.New(nil)

	d1 := writeL0(t, dir, tenant, timeline, pageid.LsnRange{Start: 10, End: 20},
		map[pageid.Key]pageid.Value{key(1): pageid.Image([]byte("a"))})
	d2 := writeL0(t, dir, tenant, timeline, pageid.LsnRange{Start: 20, End: 30},
		map[pageid.Key]pageid.Value{key(2): pageid.Image([]byte("b"))})

	if err := lm.InsertL0(d1); err != nil {
		t.Fatalf("InsertL0: %v", err)
	}
	if err := lm.InsertL0(d2); err != nil {
		t.Fatalf("InsertL0: %v", err)
	}

	result, err := CompactLevel0(context.Background(), lm, Level0Options{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		Threshold: 2, TargetSize: 1 << 30, HoleKeys: 1,
	})
	if err != nil {
		t.Fatalf("CompactLevel0: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a compaction result")
	}
	if len(result.InputLayers) != 2 {
		t.Fatalf("expected 2 input layers, got %d", len(result.InputLayers))
	}
	if len(result.OutputLayers) == 0 {
		t.Fatalf("expected at least 1 output layer")
	}

	// The level-0 layers should be gone from the map; output layers should
	// have taken their place as historic.
	if len(lm.Level0Deltas()) != 0 {
		t.Fatalf("expected the level-0 deltas to be replaced, got %d remaining", len(lm.Level0Deltas()))
	}
	if len(lm.IterHistoricLayers()) != len(result.OutputLayers) {
		t.Fatalf("expected the historic set to match the compaction output")
	}

	// Both keys' values should survive the merge, readable from whichever
	// output layer now covers them.
	for key, want := range map[pageid.Key]string{key(1): "a", key(2): "b"} {
		found := false
		for _, d := range lm.IterHistoricLayers() {
			if !d.KeyRange.Contains(key) {
				continue
			}
			r, err := persist.OpenDeltaLayer(d.Path)
			if err != nil {
				t.Fatalf("OpenDeltaLayer: %v", err)
			}
			v, _, ok, err := r.GetValue(key, 1000)
			r.Close()
			if err != nil {
				t.Fatalf("GetValue: %v", err)
			}
			if ok {
				found = true
				if string(v.Bytes) != want {
					t.Fatalf("key %v: got %q, want %q", key, v.Bytes, want)
				}
			}
		}
		if !found {
			t.Fatalf("key %v not found in any output layer", key)
		}
	}
}

func TestCompactLevel0AwaitsRemoteUpload(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	lm := layermap.New(nil)

	d1 := writeL0(t, dir, tenant, timeline, pageid.LsnRange{Start: 10, End: 20},
		map[pageid.Key]pageid.Value{key(1): pageid.Image([]byte("a"))})
	d2 := writeL0(t, dir, tenant, timeline, pageid.LsnRange{Start: 20, End: 30},
		map[pageid.Key]pageid.Value{key(2): pageid.Image([]byte("b"))})
	if err := lm.InsertL0(d1); err != nil {
		t.Fatalf("InsertL0: %v", err)
	}
	if err := lm.InsertL0(d2); err != nil {
		t.Fatalf("InsertL0: %v", err)
	}

	fake := remote.NewFake()
	result, err := CompactLevel0(context.Background(), lm, Level0Options{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		Threshold: 2, TargetSize: 1 << 30, HoleKeys: 1, Remote: fake,
	})
	if err != nil {
		t.Fatalf("CompactLevel0: %v", err)
	}
	if len(fake.Updates) != 1 {
		t.Fatalf("expected exactly 1 remote update, got %d", len(fake.Updates))
	}
	update := fake.Updates[0]
	if len(update.Removed) != 2 {
		t.Fatalf("expected 2 removed layers reported, got %d", len(update.Removed))
	}
	if len(update.Added) != len(result.OutputLayers) {
		t.Fatalf("expected the reported added layers to match the compaction output")
	}
}

func TestCompactLevel0BelowThresholdDoesNothing(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	lm := layermap.New(nil)
	d1 := writeL0(t, dir, tenant, timeline, pageid.LsnRange{Start: 10, End: 20},
		map[pageid.Key]pageid.Value{key(1): pageid.Image([]byte("a"))})
	if err := lm.InsertL0(d1); err != nil {
		t.Fatalf("InsertL0: %v", err)
	}
	result, err := CompactLevel0(context.Background(), lm, Level0Options{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		Threshold: 2, TargetSize: 1 << 30, HoleKeys: 1,
	})
	if err != nil {
		t.Fatalf("CompactLevel0: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no-op below threshold, got %+v", result)
	}
}

func TestSelectContiguousRunStopsAtGap(t *testing.T) {
	mk := func(start, end pageid.Lsn) *persist.LayerDesc {
		return &persist.LayerDesc{LsnRange: pageid.LsnRange{Start: start, End: end}, FileSize: 1}
	}
	l0 := []*persist.LayerDesc{mk(0, 10), mk(10, 20), mk(30, 40)}
	run, fullyCompacted := selectContiguousRun(l0, 0)
	if len(run) != 2 {
		t.Fatalf("expected the run to stop before the gap at lsn 20-30, got %d layers", len(run))
	}
	if !fullyCompacted {
		t.Fatalf("expected fullyCompacted=true: a gap, not the size budget, stopped the run")
	}
}

func TestSelectContiguousRunStopsAtSizeBudget(t *testing.T) {
	mk := func(start, end pageid.Lsn, size int64) *persist.LayerDesc {
		return &persist.LayerDesc{LsnRange: pageid.LsnRange{Start: start, End: end}, FileSize: size}
	}
	l0 := []*persist.LayerDesc{mk(0, 10, 50), mk(10, 20, 50), mk(20, 30, 50)}
	run, fullyCompacted := selectContiguousRun(l0, 100)
	if len(run) != 2 {
		t.Fatalf("expected the run to stop once the third layer would exceed the budget, got %d layers", len(run))
	}
	if fullyCompacted {
		t.Fatalf("expected fullyCompacted=false: the size budget, not a gap, stopped the run")
	}
}

func TestRunSizeBudgetFloorsToDefaults(t *testing.T) {
	got := runSizeBudget(Level0Options{Threshold: 1, CheckpointDistance: 1})
	want := int64(defaultLevel0Threshold) * defaultCheckpointDistance
	if got != want {
		t.Fatalf("expected configured values below the defaults to be floored, got %d want %d", got, want)
	}
}

func TestCompactLevel0RollsOverAtHoleBoundary(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	lm := layermap.New(nil)

	// Two keys clustered low, then a wide jump, then one key clustered
	// high: the classic E5 shape a hole boundary should split in two.
	d1 := writeL0(t, dir, tenant, timeline, pageid.LsnRange{Start: 10, End: 20}, map[pageid.Key]pageid.Value{
		key(1): pageid.Image([]byte("a")),
		key(2): pageid.Image([]byte("b")),
	})
	d2 := writeL0(t, dir, tenant, timeline, pageid.LsnRange{Start: 20, End: 30}, map[pageid.Key]pageid.Value{
		key(100000): pageid.Image([]byte("c")),
	})
	if err := lm.InsertL0(d1); err != nil {
		t.Fatalf("InsertL0: %v", err)
	}
	if err := lm.InsertL0(d2); err != nil {
		t.Fatalf("InsertL0: %v", err)
	}

	// Pre-seed 3 overlapping image layers over the gap so DetectHoles's
	// image-coverage filter is satisfied.
	holeRange := pageid.Range{Start: key(3), End: key(100000)}
	for i := 0; i < minImageCoverage; i++ {
		d := &persist.LayerDesc{
			IsDelta: false, LsnRange: pageid.LsnRange{Start: 30, End: 30},
			KeyRange: holeRange, Path: dir + "/preexisting-image-" + string(rune('a'+i)),
		}
		if err := lm.InsertHistoric(d); err != nil {
			t.Fatalf("InsertHistoric: %v", err)
		}
	}

	result, err := CompactLevel0(context.Background(), lm, Level0Options{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		Threshold: 2, TargetSize: 1 << 30, HoleKeys: 10,
	})
	if err != nil {
		t.Fatalf("CompactLevel0: %v", err)
	}
	if len(result.Holes) != 1 {
		t.Fatalf("expected exactly 1 detected hole, got %d: %+v", len(result.Holes), result.Holes)
	}
	if len(result.OutputLayers) < 2 {
		t.Fatalf("expected the hole boundary to force at least 2 output layers, got %d", len(result.OutputLayers))
	}
}
