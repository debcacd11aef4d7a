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

// Package pageid defines the key, LSN and value types shared by every layer
// of the storage engine.
package pageid

import (
	"encoding/binary"
	"fmt"
)

// KeySize is the width, in bytes, of a Key.
const KeySize = 16

// Key is a fixed-width 128-bit ordered identifier for a page. It is treated
// as a big-endian unsigned integer for all ordering and arithmetic purposes.
type Key struct {
	Hi uint64
	Lo uint64
}

// MinKey and MaxKey bound the entire key space.
var (
	MinKey = Key{0, 0}
	MaxKey = Key{^uint64(0), ^uint64(0)}
)

// metadataHi is the high 64 bits shared by every key in the reserved
// "metadata" subrange of the key space (a block of 2^64 keys near the top
// of the space).
const metadataHi = 0xFFFFFFFF00000000

// NewKey builds a Key from its big-endian byte representation.
func NewKey(b [KeySize]byte) Key {
	return Key{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}
}

// Bytes returns the big-endian byte representation of the key.
func (k Key) Bytes() [KeySize]byte {
	var b [KeySize]byte
	binary.BigEndian.PutUint64(b[:8], k.Hi)
	binary.BigEndian.PutUint64(b[8:], k.Lo)
	return b
}

// Compare returns -1, 0 or 1 as k is less than, equal to, or greater than o.
func (k Key) Compare(o Key) int {
	switch {
	case k.Hi < o.Hi:
		return -1
	case k.Hi > o.Hi:
		return 1
	case k.Lo < o.Lo:
		return -1
	case k.Lo > o.Lo:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// Next returns the immediate successor of k. Calling Next on MaxKey wraps
// around to MinKey; callers iterating the full key space must check for
// this explicitly.
func (k Key) Next() Key {
	if k.Lo == ^uint64(0) {
		return Key{Hi: k.Hi + 1, Lo: 0}
	}
	return Key{Hi: k.Hi, Lo: k.Lo + 1}
}

// Sub returns k - o as a signed 128-bit-ish distance, saturating to
// int64 range. It is only meaningful for keys that are reasonably close
// together, which is the only case the compaction hole-detection logic
// needs (see internal/compaction).
func (k Key) Sub(o Key) int64 {
	if k.Hi == o.Hi {
		return int64(k.Lo) - int64(o.Lo)
	}
	// Coarse approximation: callers only care about the sign and rough
	// magnitude of widely-separated keys when deciding whether a hole
	// crosses the "checkpoint_distance / PAGE_SZ" threshold.
	if k.Hi > o.Hi {
		return 1 << 62
	}
	return -(1 << 62)
}

// IsMetadata reports whether k lies in the reserved metadata subrange of
// the key space.
func (k Key) IsMetadata() bool {
	return k.Hi == metadataHi
}

// String implements fmt.Stringer for logging.
func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k.Hi, k.Lo)
}

// Range is a half-open key range [Start, End).
type Range struct {
	Start Key
	End   Key
}

// Contains reports whether k lies in [r.Start, r.End).
func (r Range) Contains(k Key) bool {
	return !k.Less(r.Start) && k.Less(r.End)
}

// Overlaps reports whether r and o share any keys.
func (r Range) Overlaps(o Range) bool {
	return r.Start.Less(o.End) && o.Start.Less(r.End)
}

// Empty reports whether the range contains no keys.
func (r Range) Empty() bool {
	return !r.Start.Less(r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s,%s)", r.Start, r.End)
}
