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

package pageid

import "testing"

func TestKeyOrdering(t *testing.T) {
	a := Key{Hi: 1, Lo: 5}
	b := Key{Hi: 1, Lo: 6}
	c := Key{Hi: 2, Lo: 0}

	if !a.Less(b) {
		t.Fatalf("expected %v < %v", a, b)
	}
	if !b.Less(c) {
		t.Fatalf("expected %v < %v", b, c)
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected a == a")
	}
}

func TestKeyBytesRoundTrip(t *testing.T) {
	k := Key{Hi: 0x1122334455667788, Lo: 0x99aabbccddeeff00}
	got := NewKey(k.Bytes())
	if got != k {
		t.Fatalf("round trip mismatch: got %v, want %v", got, k)
	}
}

func TestKeyNextWraps(t *testing.T) {
	if got := MaxKey.Next(); got != MinKey {
		t.Fatalf("MaxKey.Next() = %v, want MinKey", got)
	}
	k := Key{Hi: 3, Lo: ^uint64(0)}
	if got := k.Next(); got != (Key{Hi: 4, Lo: 0}) {
		t.Fatalf("carry into Hi failed: got %v", got)
	}
}

func TestRangeContainsAndOverlaps(t *testing.T) {
	r := Range{Start: Key{Hi: 0, Lo: 10}, End: Key{Hi: 0, Lo: 20}}
	if !r.Contains(Key{Hi: 0, Lo: 10}) {
		t.Fatalf("range should contain its start")
	}
	if r.Contains(Key{Hi: 0, Lo: 20}) {
		t.Fatalf("range is half-open, should not contain its end")
	}
	other := Range{Start: Key{Hi: 0, Lo: 15}, End: Key{Hi: 0, Lo: 25}}
	if !r.Overlaps(other) {
		t.Fatalf("expected overlap")
	}
	disjoint := Range{Start: Key{Hi: 0, Lo: 20}, End: Key{Hi: 0, Lo: 30}}
	if r.Overlaps(disjoint) {
		t.Fatalf("half-open ranges sharing only an endpoint must not overlap")
	}
}

func TestKeySubSaturatesAcrossHi(t *testing.T) {
	a := Key{Hi: 5, Lo: 0}
	b := Key{Hi: 1, Lo: 0}
	if a.Sub(b) <= 0 {
		t.Fatalf("expected positive distance for a > b across Hi boundary")
	}
	if b.Sub(a) >= 0 {
		t.Fatalf("expected negative distance for b < a across Hi boundary")
	}
}
