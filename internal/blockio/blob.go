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

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the block size used for page-cache-backed random reads.
const PageSize = 4096

// maxShortLen is the exclusive upper bound on lengths that fit in the
// one-byte header form (the largest such length is 0x7F).
const maxShortLen = 0x80

// maxBlobLen is the largest length representable by the four-byte header
// form (31 usable bits).
const maxBlobLen = 1<<31 - 1

// PutBlobHeader appends the length header for a blob of the given length to
// dst and returns the extended slice. Lengths below 0x80 use a single byte;
// larger lengths use four big-endian bytes with the top bit of the first
// byte set, giving a 31-bit length field.
func PutBlobHeader(dst []byte, length int) ([]byte, error) {
	if length < 0 || length > maxBlobLen {
		return nil, fmt.Errorf("blockio: blob length %d out of range", length)
	}
	if length < maxShortLen {
		return append(dst, byte(length)), nil
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(length)|0x80000000)
	return append(dst, hdr[:]...), nil
}

// HeaderLen returns the number of header bytes the encoded length will take.
func HeaderLen(length int) int {
	if length < maxShortLen {
		return 1
	}
	return 4
}

// ReadBlobHeader decodes a length header starting at buf[0], returning the
// decoded length and the number of header bytes consumed. buf must contain
// at least 1 byte; if the high bit is set it must contain at least 4.
func ReadBlobHeader(buf []byte) (length int, headerLen int, err error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("blockio: empty header buffer")
	}
	if buf[0]&0x80 == 0 {
		return int(buf[0]), 1, nil
	}
	if len(buf) < 4 {
		return 0, 0, fmt.Errorf("blockio: truncated 4-byte blob header")
	}
	v := binary.BigEndian.Uint32(buf[:4]) &^ 0x80000000
	return int(v), 4, nil
}
