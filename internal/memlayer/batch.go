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

package memlayer

import (
	"github.com/pageshard/storageengine/internal/blockio"
	"github.com/pageshard/storageengine/pkg/pageid"
)

// Entry is one (key, lsn, relative_offset) tuple inside a SerializedBatch.
type Entry struct {
	Key       pageid.Key
	Lsn       pageid.Lsn
	RelOffset int
}

// SerializedBatch is a contiguous buffer of length-prefixed serialized
// values, plus a parallel array of (key, lsn, relative_offset) tuples and
// the batch's max LSN. Produced by the (out of scope) ingest preprocessor;
// consumed atomically by InMemoryLayer.PutBatch.
type SerializedBatch struct {
	Raw     []byte
	Entries []Entry
	MaxLsn  pageid.Lsn
}

// NewBatch serializes values into a SerializedBatch. It exists mainly for
// tests and tools exercising the engine without a real WAL-decoding
// preprocessor upstream.
func NewBatch(items []struct {
	Key pageid.Key
	Lsn pageid.Lsn
	Val pageid.Value
}) (*SerializedBatch, error) {
	b := &SerializedBatch{}
	for _, it := range items {
		enc := it.Val.Encode()
		hdr, err := blockio.PutBlobHeader(nil, len(enc))
		if err != nil {
			return nil, err
		}
		relOff := len(b.Raw)
		b.Raw = append(b.Raw, hdr...)
		b.Raw = append(b.Raw, enc...)
		b.Entries = append(b.Entries, Entry{Key: it.Key, Lsn: it.Lsn, RelOffset: relOff})
		if it.Lsn > b.MaxLsn {
			b.MaxLsn = it.Lsn
		}
	}
	return b, nil
}
