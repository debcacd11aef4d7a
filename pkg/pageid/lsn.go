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

import "fmt"

// Lsn is a monotonically increasing log sequence number assigned by the
// write pipeline.
type Lsn uint64

// InvalidLsn is never assigned to real data.
const InvalidLsn Lsn = 0

// IsValid reports whether l was ever assigned.
func (l Lsn) IsValid() bool { return l != InvalidLsn }

func (l Lsn) String() string { return fmt.Sprintf("%X", uint64(l)) }

// LsnRange is a half-open LSN range [Start, End).
type LsnRange struct {
	Start Lsn
	End   Lsn
}

// Contains reports whether l lies in [r.Start, r.End).
func (r LsnRange) Contains(l Lsn) bool {
	return l >= r.Start && l < r.End
}

// Overlaps reports whether r and o share any LSNs.
func (r LsnRange) Overlaps(o LsnRange) bool {
	return r.Start < o.End && o.Start < r.End
}
