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
	"testing"

	"github.com/pageshard/storageengine/internal/layermap"
	"github.com/pageshard/storageengine/internal/persist"
	"github.com/pageshard/storageengine/pkg/ids"
	"github.com/pageshard/storageengine/pkg/pageid"
	"github.com/pageshard/storageengine/pkg/remote"
)

type fakeReconstructor struct{ calls int }

func (f *fakeReconstructor) ReconstructValue(ctx context.Context, key pageid.Key, lsn pageid.Lsn, values []pageid.Value) (pageid.Value, error) {
	f.calls++
	return pageid.Image([]byte("reconstructed")), nil
}

func buildChainLayer(t *testing.T, dir string, tenant ids.TenantID, timeline ids.TimelineID, k pageid.Key) *persist.LayerDesc {
	t.Helper()
	w, err := persist.NewDeltaLayerWriter(dir, tenant, timeline, pageid.Range{Start: k, End: k.Next()}, pageid.LsnRange{Start: 10, End: 40})
	if err != nil {
		t.Fatalf("NewDeltaLayerWriter: %v", err)
	}
	if err := w.Add(k, 10, pageid.Image([]byte("base"))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(k, 20, pageid.WalRecord([]byte("d1"), false)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(k, 30, pageid.WalRecord([]byte("d2"), false)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	desc, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return desc
}

func TestCompactGCWithoutRetainLsnsKeepsEverything(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	k := key(7)
	lm := layermap.New(nil)
	d := buildChainLayer(t, dir, tenant, timeline, k)
	if err := lm.InsertHistoric(d); err != nil {
		t.Fatalf("InsertHistoric: %v", err)
	}
	result, err := CompactGC(context.Background(), lm, GCCompactOptions{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		KeyRange: pageid.Range{Start: k, End: k.Next()},
	})
	if err != nil {
		t.Fatalf("CompactGC: %v", err)
	}
	if result.ImagesEmitted != 0 {
		t.Fatalf("expected no images emitted with no retain lsns, got %d", result.ImagesEmitted)
	}
}

func TestCompactGCDegradesWithoutReconstructor(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	k := key(7)
	lm := layermap.New(nil)
	d := buildChainLayer(t, dir, tenant, timeline, k)
	if err := lm.InsertHistoric(d); err != nil {
		t.Fatalf("InsertHistoric: %v", err)
	}
	result, err := CompactGC(context.Background(), lm, GCCompactOptions{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		KeyRange:       pageid.Range{Start: k, End: k.Next()},
		RetainLsns:     []pageid.Lsn{35},
		DeltaThreshold: 1,
		Reconstructor:  nil,
	})
	if err != nil {
		t.Fatalf("CompactGC: %v", err)
	}
	if result.ImagesEmitted != 0 {
		t.Fatalf("expected the job to degrade to keeping deltas without a reconstructor, got %d images", result.ImagesEmitted)
	}
	// The value should still be readable from whatever output layer covers it.
	found := false
	for _, out := range result.OutputLayers {
		if !out.IsDelta || !out.KeyRange.Contains(k) {
			continue
		}
		r, err := persist.OpenDeltaLayer(out.Path)
		if err != nil {
			t.Fatalf("OpenDeltaLayer: %v", err)
		}
		if _, _, ok, _ := r.GetValue(k, 30); ok {
			found = true
		}
		r.Close()
	}
	if !found {
		t.Fatalf("expected the key's history to survive in a delta output layer")
	}
}

func TestCompactGCBucketizesMultipleRetainLsns(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	k := key(7)
	lm := layermap.New(nil)

	w, err := persist.NewDeltaLayerWriter(dir, tenant, timeline, pageid.Range{Start: k, End: k.Next()}, pageid.LsnRange{Start: 10, End: 90})
	if err != nil {
		t.Fatalf("NewDeltaLayerWriter: %v", err)
	}
	entries := []struct {
		lsn pageid.Lsn
		v   pageid.Value
	}{
		{10, pageid.Image([]byte("base"))},
		{20, pageid.WalRecord([]byte("d1"), false)},
		{40, pageid.WalRecord([]byte("d2"), false)},
		{80, pageid.WalRecord([]byte("d3"), false)},
	}
	for _, e := range entries {
		if err := w.Add(k, e.lsn, e.v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	d, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := lm.InsertHistoric(d); err != nil {
		t.Fatalf("InsertHistoric: %v", err)
	}

	reconstructor := &fakeReconstructor{}
	result, err := CompactGC(context.Background(), lm, GCCompactOptions{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		KeyRange:       pageid.Range{Start: k, End: k.Next()},
		RetainLsns:     []pageid.Lsn{30},
		Horizon:        100,
		DeltaThreshold: 5,
		Reconstructor:  reconstructor,
	})
	if err != nil {
		t.Fatalf("CompactGC: %v", err)
	}
	// Bucket 0 (lsn<=30: image@10, rec@20) has no ancestor, so it always
	// collapses to an image at the retain LSN regardless of threshold.
	if reconstructor.calls != 1 {
		t.Fatalf("expected exactly 1 reconstruction call, got %d", reconstructor.calls)
	}
	if result.ImagesEmitted != 1 {
		t.Fatalf("expected 1 image emitted, got %d", result.ImagesEmitted)
	}
	var sawImageAt30, sawDelta40, sawDelta80 bool
	for _, out := range result.OutputLayers {
		if !out.IsDelta {
			r, err := persist.OpenImageLayer(out.Path)
			if err != nil {
				t.Fatalf("OpenImageLayer: %v", err)
			}
			if v, ok, _ := r.GetValue(k); ok && string(v.Bytes) == "reconstructed" {
				sawImageAt30 = true
			}
			r.Close()
			continue
		}
		r, err := persist.OpenDeltaLayer(out.Path)
		if err != nil {
			t.Fatalf("OpenDeltaLayer: %v", err)
		}
		if _, _, ok, _ := r.GetValue(k, 40); ok {
			sawDelta40 = true
		}
		if _, _, ok, _ := r.GetValue(k, 80); ok {
			sawDelta80 = true
		}
		r.Close()
	}
	if !sawImageAt30 {
		t.Fatalf("expected an image at the retain LSN bucket")
	}
	// DeltaThreshold=5 but the middle bucket only accumulates 2 records
	// (rec@40, rec@80), so it stays as deltas rather than collapsing.
	if !sawDelta40 || !sawDelta80 {
		t.Fatalf("expected the middle bucket's records to survive as deltas, got delta40=%v delta80=%v", sawDelta40, sawDelta80)
	}
}

func TestCompactGCEmitsImageWhenThresholdExceeded(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	k := key(7)
	lm := layermap.New(nil)
	d := buildChainLayer(t, dir, tenant, timeline, k)
	if err := lm.InsertHistoric(d); err != nil {
		t.Fatalf("InsertHistoric: %v", err)
	}
	reconstructor := &fakeReconstructor{}
	result, err := CompactGC(context.Background(), lm, GCCompactOptions{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		KeyRange:       pageid.Range{Start: k, End: k.Next()},
		RetainLsns:     []pageid.Lsn{35},
		DeltaThreshold: 1,
		Reconstructor:  reconstructor,
	})
	if err != nil {
		t.Fatalf("CompactGC: %v", err)
	}
	if reconstructor.calls != 1 {
		t.Fatalf("expected exactly 1 reconstruction call, got %d", reconstructor.calls)
	}
	if result.ImagesEmitted != 1 {
		t.Fatalf("expected 1 image emitted, got %d", result.ImagesEmitted)
	}
	foundImage := false
	for _, out := range result.OutputLayers {
		if out.IsDelta {
			continue
		}
		r, err := persist.OpenImageLayer(out.Path)
		if err != nil {
			t.Fatalf("OpenImageLayer: %v", err)
		}
		if v, ok, _ := r.GetValue(k); ok && string(v.Bytes) == "reconstructed" {
			foundImage = true
		}
		r.Close()
	}
	if !foundImage {
		t.Fatalf("expected the reconstructed image to appear in an output image layer")
	}
}

func TestCompactGCAwaitsRemoteUpload(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	k := key(7)
	lm := layermap.New(nil)
	d := buildChainLayer(t, dir, tenant, timeline, k)
	if err := lm.InsertHistoric(d); err != nil {
		t.Fatalf("InsertHistoric: %v", err)
	}
	fake := remote.NewFake()
	result, err := CompactGC(context.Background(), lm, GCCompactOptions{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		KeyRange: pageid.Range{Start: k, End: k.Next()},
		Remote:   fake,
	})
	if err != nil {
		t.Fatalf("CompactGC: %v", err)
	}
	if len(fake.Updates) != 1 {
		t.Fatalf("expected exactly 1 remote update, got %d", len(fake.Updates))
	}
	update := fake.Updates[0]
	if len(update.Removed) != 1 {
		t.Fatalf("expected 1 removed layer reported, got %d", len(update.Removed))
	}
	if len(update.Added) != len(result.OutputLayers) {
		t.Fatalf("expected the reported added layers to match the compaction output")
	}
}

func TestCompactGCFailsWithoutSelfInitializingHead(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	k := key(7)
	lm := layermap.New(nil)

	// A chain with no base image and no ancestor: bucket 0 always wants to
	// emit (no ancestor), but there's nothing self-initializing to replay.
	w, err := persist.NewDeltaLayerWriter(dir, tenant, timeline, pageid.Range{Start: k, End: k.Next()}, pageid.LsnRange{Start: 10, End: 40})
	if err != nil {
		t.Fatalf("NewDeltaLayerWriter: %v", err)
	}
	if err := w.Add(k, 10, pageid.WalRecord([]byte("d0"), false)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(k, 20, pageid.WalRecord([]byte("d1"), false)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	d, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := lm.InsertHistoric(d); err != nil {
		t.Fatalf("InsertHistoric: %v", err)
	}

	_, err = CompactGC(context.Background(), lm, GCCompactOptions{
		Tenant: tenant, Timeline: timeline, OutputDir: dir,
		KeyRange:       pageid.Range{Start: k, End: k.Next()},
		RetainLsns:     []pageid.Lsn{30},
		DeltaThreshold: 1,
		Reconstructor:  &fakeReconstructor{},
	})
	if !errors.Is(err, ErrIncompleteHistory) {
		t.Fatalf("expected ErrIncompleteHistory, got %v", err)
	}
}
