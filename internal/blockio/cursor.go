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

package blockio

import "fmt"

// BlockReader is anything that can serve PageSize-aligned blocks: an
// EphemeralFile, or (once finalized) a persistent layer file.
type BlockReader interface {
	ReadBlk(blockNumber uint32) (BlockLease, error)
}

// Cursor reads length-prefixed blobs out of a BlockReader, transparently
// assembling blobs that straddle page boundaries.
type Cursor struct {
	r BlockReader
}

// NewCursor wraps r for blob reads.
func NewCursor(r BlockReader) Cursor { return Cursor{r: r} }

// readAt returns a newly allocated slice holding the n bytes starting at
// absolute file offset off, crossing as many pages as needed.
func (c Cursor) readAt(off int64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		blockNum := uint32(off / PageSize)
		inPage := int(off % PageSize)
		lease, err := c.r.ReadBlk(blockNum)
		if err != nil {
			return nil, err
		}
		page := lease.Bytes()
		avail := len(page) - inPage
		if avail <= 0 {
			return nil, fmt.Errorf("blockio: read past end of file at offset %d", off)
		}
		want := n - len(out)
		if want > avail {
			want = avail
		}
		out = append(out, page[inPage:inPage+want]...)
		off += int64(want)
	}
	return out, nil
}

// ReadBlob decodes and returns the blob stored at the given file offset.
func (c Cursor) ReadBlob(offset int64) ([]byte, error) {
	hdr, err := c.readAt(offset, 4)
	if err != nil {
		return nil, fmt.Errorf("blockio: read blob header at %d: %w", offset, err)
	}
	length, headerLen, err := ReadBlobHeader(hdr)
	if err != nil {
		return nil, err
	}
	payload, err := c.readAt(offset+int64(headerLen), length)
	if err != nil {
		return nil, fmt.Errorf("blockio: read blob payload at %d: %w", offset, err)
	}
	return payload, nil
}
