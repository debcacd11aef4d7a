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

// Package persist implements the two on-disk layer formats: delta layers
// (a key range over an LSN range, holding every recorded value) and image
// layers (a key range at a single LSN, holding one full snapshot per key).
// Both formats frame their value bytes with the same length header used by
// internal/blockio, and both carry a generation tag so a layer is only ever
// safely superseded by one written under a strictly greater generation.
package persist

import (
	"fmt"
	"sync/atomic"

	"github.com/pageshard/storageengine/pkg/ids"
	"github.com/pageshard/storageengine/pkg/pageid"
)

// nextGeneration is a process-wide monotonic counter. Generation is defined
// by the glossary as a plain integer tag, not an identity, so a counter
// (rather than a random id) is the natural fit.
var nextGeneration uint64

// NextGeneration allocates the next generation tag for a newly written
// layer.
func NextGeneration() uint64 {
	return atomic.AddUint64(&nextGeneration, 1)
}

// LayerDesc describes one persistent layer file: its key/LSN coverage,
// generation, and where it lives on disk. LayerMap indexes these.
type LayerDesc struct {
	Tenant   ids.TenantID
	Timeline ids.TimelineID

	KeyRange pageid.Range
	LsnRange pageid.LsnRange // for image layers, Start == End == the snapshot LSN

	IsDelta    bool
	Generation uint64
	Path       string
	FileSize   int64
}

// IsImage reports whether the descriptor names an image layer.
func (d LayerDesc) IsImage() bool { return !d.IsDelta }

func (d LayerDesc) String() string {
	kind := "image"
	if d.IsDelta {
		kind = "delta"
	}
	return fmt.Sprintf("%s layer %s lsn=[%s,%s) gen=%d", kind, d.KeyRange, d.LsnRange.Start, d.LsnRange.End, d.Generation)
}
