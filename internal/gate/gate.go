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

// Package gate implements a closeable rendezvous: a tenant-scoped lifetime
// token that a teardown path can wait on before it completes. Every
// EphemeralFile holds one guard for as long as it is open, so a tenant's
// gate cannot close while any of its ephemeral files are still alive.
package gate

import "sync"

// Gate tracks outstanding Guards and lets a caller wait for all of them to
// be released.
type Gate struct {
	mu     sync.Mutex
	closed bool
	count  int
	done   chan struct{}
}

// New returns an open gate.
func New() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Guard is a single ticket held by a gated resource. Release must be called
// at least once; calls after the first do nothing.
type Guard struct {
	g        *Gate
	released bool
}

// ErrGateClosed is returned by Enter once Close has begun.
type ErrGateClosed struct{}

func (ErrGateClosed) Error() string { return "gate: closed" }

// Enter takes out a new guard, or fails if the gate is already closing.
func (g *Gate) Enter() (*Guard, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGateClosed{}
	}
	g.count++
	return &Guard{g: g}, nil
}

// Release returns the guard's ticket. Safe to call multiple times.
func (gd *Guard) Release() {
	if gd == nil || gd.released {
		return
	}
	gd.released = true
	g := gd.g
	g.mu.Lock()
	g.count--
	remaining := g.count
	closed := g.closed
	g.mu.Unlock()
	if closed && remaining == 0 {
		close(g.done)
	}
}

// Close marks the gate as closing and blocks until every outstanding guard
// has been released. It has no timeout parameter; callers with a deadline
// can race Wait() against their own timer instead.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		<-g.done
		return
	}
	g.closed = true
	remaining := g.count
	g.mu.Unlock()
	if remaining == 0 {
		close(g.done)
	}
	<-g.done
}

// Wait returns a channel that closes once Close has been called and every
// guard has been released.
func (g *Gate) Wait() <-chan struct{} {
	return g.done
}
