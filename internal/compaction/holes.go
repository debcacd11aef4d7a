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
	"sort"

	"github.com/pageshard/storageengine/internal/layermap"
	"github.com/pageshard/storageengine/pkg/pageid"
)

// minImageCoverage is the minimum number of existing image layers that
// must already cover a candidate hole before it's treated as real enough
// to split an L1 output layer over, rather than as an artifact of one
// delta layer's own sparse write pattern.
const minImageCoverage = 3

// Hole is a sub-range of a level0-to-level1 output layer's nominal key
// range that no input delta actually touched. Level-1 output is otherwise
// assumed to own its whole key range for image-coverage purposes; without
// tracking holes, a sparse key region (most of the keyspace, in practice)
// would falsely look "covered" by a layer that never wrote a single key
// there.
type Hole struct {
	Range    pageid.Range
	Coverage int // number of existing image layers already covering Range
}

// DetectHoles scans keys (already deduplicated and in ascending order) and
// returns the holes worth splitting an L1 output layer over: gaps wider
// than thresholdKeys, excluding any gap starting in the reserved metadata
// key subrange, and requiring at least minImageCoverage existing image
// layers already covering the gap (lm may be nil, in which case every
// candidate fails this condition and no holes are reported). Surviving
// holes are ranked by coverage descending, the top keepTop kept, then
// sorted by key-range start so the compaction writer can walk them in key
// order alongside its own output.
func DetectHoles(keys []pageid.Key, thresholdKeys int64, lm *layermap.LayerMap, lsn pageid.Lsn, keepTop int) []Hole {
	if len(keys) < 2 {
		return nil
	}
	var candidates []Hole
	for i := 1; i < len(keys); i++ {
		prev, cur := keys[i-1], keys[i]
		if cur.Sub(prev) <= thresholdKeys {
			continue
		}
		if prev.IsMetadata() {
			continue
		}
		holeRange := pageid.Range{Start: prev.Next(), End: cur}
		var coverage int
		if lm != nil {
			coverage = len(lm.ImageCoverage(holeRange, lsn))
		}
		if coverage < minImageCoverage {
			continue
		}
		candidates = append(candidates, Hole{Range: holeRange, Coverage: coverage})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Coverage > candidates[j].Coverage })
	if keepTop > 0 && len(candidates) > keepTop {
		candidates = candidates[:keepTop]
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Range.Start.Less(candidates[j].Range.Start) })
	return candidates
}
