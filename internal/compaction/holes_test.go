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
	"fmt"
	"testing"

	"github.com/pageshard/storageengine/internal/layermap"
	"github.com/pageshard/storageengine/internal/persist"
	"github.com/pageshard/storageengine/pkg/pageid"
)

// coveredLayerMap returns a LayerMap whose historic set holds n distinct
// image layers, each covering keyRange at lsn, so ImageCoverage reports n
// for any hole within keyRange.
func coveredLayerMap(t *testing.T, keyRange pageid.Range, lsn pageid.Lsn, n int) *layermap.LayerMap {
	t.Helper()
	lm := layermap.New(nil)
	for i := 0; i < n; i++ {
		d := &persist.LayerDesc{
			IsDelta:  false,
			KeyRange: keyRange,
			LsnRange: pageid.LsnRange{Start: lsn, End: lsn},
			Path:     fmt.Sprintf("image-%d", i),
		}
		if err := lm.InsertHistoric(d); err != nil {
			t.Fatalf("InsertHistoric: %v", err)
		}
	}
	return lm
}

func TestDetectHolesFindsWideGaps(t *testing.T) {
	keys := []pageid.Key{key(1), key(2), key(1000), key(1001)}
	lm := coveredLayerMap(t, pageid.Range{Start: key(3), End: key(1000)}, 100, minImageCoverage)

	holes := DetectHoles(keys, 10, lm, 100, 0)
	if len(holes) != 1 {
		t.Fatalf("expected exactly 1 hole, got %d: %+v", len(holes), holes)
	}
	if holes[0].Range.Start != key(3) || holes[0].Range.End != key(1000) {
		t.Fatalf("unexpected hole range: %+v", holes[0].Range)
	}
	if holes[0].Coverage != minImageCoverage {
		t.Fatalf("expected coverage %d, got %d", minImageCoverage, holes[0].Coverage)
	}
}

func TestDetectHolesIgnoresNarrowGaps(t *testing.T) {
	keys := []pageid.Key{key(1), key(5), key(9)}
	lm := coveredLayerMap(t, pageid.Range{Start: key(2), End: key(5)}, 100, minImageCoverage)
	if holes := DetectHoles(keys, 10, lm, 100, 0); len(holes) != 0 {
		t.Fatalf("expected no holes below the threshold, got %+v", holes)
	}
}

func TestDetectHolesRequiresAtLeastTwoKeys(t *testing.T) {
	if holes := DetectHoles(nil, 1, nil, 0, 0); holes != nil {
		t.Fatalf("expected nil for an empty key set, got %+v", holes)
	}
	if holes := DetectHoles([]pageid.Key{key(1)}, 1, nil, 0, 0); holes != nil {
		t.Fatalf("expected nil for a single key, got %+v", holes)
	}
}

func TestDetectHolesRequiresMinimumImageCoverage(t *testing.T) {
	keys := []pageid.Key{key(1), key(2), key(1000), key(1001)}
	// Only 2 covering image layers: one short of minImageCoverage.
	lm := coveredLayerMap(t, pageid.Range{Start: key(3), End: key(1000)}, 100, minImageCoverage-1)
	if holes := DetectHoles(keys, 10, lm, 100, 0); len(holes) != 0 {
		t.Fatalf("expected no holes below minimum image coverage, got %+v", holes)
	}
	// A nil layer map can never satisfy the coverage floor either.
	if holes := DetectHoles(keys, 10, nil, 100, 0); len(holes) != 0 {
		t.Fatalf("expected no holes with a nil layer map, got %+v", holes)
	}
}

func TestDetectHolesExcludesMetadataKeySubrange(t *testing.T) {
	metaStart := pageid.Key{Hi: 0xFFFFFFFF00000000, Lo: 0}
	metaEnd := pageid.Key{Hi: 0xFFFFFFFF00000000, Lo: 2000}
	if !metaStart.IsMetadata() {
		t.Fatalf("expected the fixture key to report IsMetadata")
	}
	keys := []pageid.Key{metaStart, metaEnd}
	lm := coveredLayerMap(t, pageid.Range{Start: metaStart.Next(), End: metaEnd}, 100, minImageCoverage)
	if holes := DetectHoles(keys, 10, lm, 100, 0); len(holes) != 0 {
		t.Fatalf("expected no holes starting inside the metadata key subrange, got %+v", holes)
	}
}

func TestDetectHolesRanksByCoverageAndKeepsTopN(t *testing.T) {
	keys := []pageid.Key{key(1), key(100), key(200), key(2000)}
	lm := layermap.New(nil)
	// Hole A: key(2)..key(100), covered by minImageCoverage layers.
	for i := 0; i < minImageCoverage; i++ {
		d := &persist.LayerDesc{
			IsDelta: false, LsnRange: pageid.LsnRange{Start: 100, End: 100},
			KeyRange: pageid.Range{Start: key(2), End: key(100)},
			Path:     fmt.Sprintf("a-%d", i),
		}
		if err := lm.InsertHistoric(d); err != nil {
			t.Fatalf("InsertHistoric: %v", err)
		}
	}
	// Hole B: key(201)..key(2000), covered by minImageCoverage+2 layers, so it
	// ranks ahead of hole A.
	for i := 0; i < minImageCoverage+2; i++ {
		d := &persist.LayerDesc{
			IsDelta: false, LsnRange: pageid.LsnRange{Start: 100, End: 100},
			KeyRange: pageid.Range{Start: key(201), End: key(2000)},
			Path:     fmt.Sprintf("b-%d", i),
		}
		if err := lm.InsertHistoric(d); err != nil {
			t.Fatalf("InsertHistoric: %v", err)
		}
	}

	all := DetectHoles(keys, 10, lm, 100, 0)
	if len(all) != 2 {
		t.Fatalf("expected both holes with no cap, got %d: %+v", len(all), all)
	}

	top1 := DetectHoles(keys, 10, lm, 100, 1)
	if len(top1) != 1 {
		t.Fatalf("expected exactly 1 hole with keepTop=1, got %d: %+v", len(top1), top1)
	}
	if top1[0].Range.Start != key(201) {
		t.Fatalf("expected the higher-coverage hole to survive, got %+v", top1[0])
	}
}
