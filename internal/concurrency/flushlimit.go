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

// Package concurrency holds the process-wide flush-concurrency permit pool.
// A timeline writing a frozen in-memory layer out to disk holds one permit
// for the whole operation, including fsync, so that an unbounded number of
// timelines can't all fsync at once and starve disk I/O for everyone.
package concurrency

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// FlushLimiter bounds how many flush-to-disk operations may run at once.
type FlushLimiter struct {
	sem *semaphore.Weighted
}

// NewFlushLimiter returns a limiter admitting at most n concurrent flushes.
func NewFlushLimiter(n int64) *FlushLimiter {
	return &FlushLimiter{sem: semaphore.NewWeighted(n)}
}

// Acquire blocks until a permit is free or ctx is done.
func (l *FlushLimiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release returns the permit.
func (l *FlushLimiter) Release() {
	l.sem.Release(1)
}

// Flush is the default process-wide limiter, with 8 permits until
// SetFlushConcurrency replaces it.
var Flush = NewFlushLimiter(8)

// SetFlushConcurrency replaces the global limiter. Must be called before
// any timeline starts flushing; it is not safe to call concurrently with
// in-flight Acquire calls.
func SetFlushConcurrency(n int64) {
	Flush = NewFlushLimiter(n)
}
