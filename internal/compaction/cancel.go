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
	"fmt"
)

// checkInterval is how many keys a compaction job processes between
// cooperative cancellation checks. Checking on every key would make
// ctx.Err() the hottest thing in the loop; checking only at layer
// boundaries would make a cancel take too long to land on a huge job.
const checkInterval = 32768

// ErrShuttingDown is a distinguished, non-error-from-the-operator's-view
// signal that a compaction loop observed cooperative cancellation. Callers
// match it with errors.Is and roll back any in-memory state rather than
// reporting a failure.
var ErrShuttingDown = errors.New("compaction: shutting down")

// Canceller makes a compaction loop cooperatively cancellable: it checks
// ctx every checkInterval keys, and unconditionally at layer boundaries.
type Canceller struct {
	ctx   context.Context
	count uint64
}

// NewCanceller wraps ctx for a compaction job.
func NewCanceller(ctx context.Context) *Canceller {
	return &Canceller{ctx: ctx}
}

// Tick should be called once per key processed; it only checks ctx every
// checkInterval calls.
func (c *Canceller) Tick() error {
	c.count++
	if c.count%checkInterval == 0 {
		return wrapCancel(c.ctx.Err())
	}
	return nil
}

// Boundary should be called whenever a job crosses into a new layer; it
// always checks ctx.
func (c *Canceller) Boundary() error {
	return wrapCancel(c.ctx.Err())
}

func wrapCancel(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrShuttingDown, err)
}
