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

// Package reconstruct defines the page-reconstruction collaborator
// interface, specified only at the interface boundary, and the per-key
// accumulator ("state") that every layer's read path feeds values into
// while walking history from newest to oldest LSN.
package reconstruct

import (
	"context"

	"github.com/pageshard/storageengine/pkg/pageid"
)

// Situation reports whether a key's reconstruction can stop collecting
// more history.
type Situation int

const (
	// Continue means more (older) history is still needed.
	Continue Situation = iota
	// Complete means an image or self-initializing record was reached;
	// no further history is needed for this key.
	Complete
)

// collected holds the values gathered for one key, ordered from newest to
// oldest LSN, plus a terminal error if deserialization failed partway
// through the walk.
type collected struct {
	values []pageid.Value
	err    error
	done   bool
}

// State accumulates per-key reconstruction progress across however many
// layers must be visited to satisfy a read. A single State is shared
// across all layers consulted for one logical read (get_values_reconstruct_data
// call), so that a key found Complete in a newer layer is never revisited in
// an older one.
type State struct {
	perKey map[pageid.Key]*collected
}

// NewState returns an empty accumulator for the given candidate keys.
func NewState(keys []pageid.Key) *State {
	s := &State{perKey: make(map[pageid.Key]*collected, len(keys))}
	for _, k := range keys {
		s.perKey[k] = &collected{}
	}
	return s
}

// NeedsMore reports whether key is still missing a terminating value and
// hasn't already failed.
func (s *State) NeedsMore(key pageid.Key) bool {
	c, ok := s.perKey[key]
	if !ok {
		return false
	}
	return !c.done && c.err == nil
}

// AddValue records a value observed for key. It takes no LSN; callers
// must call AddValue in strictly descending LSN order per key. Returns the
// Situation after this value is folded in.
func (s *State) AddValue(key pageid.Key, v pageid.Value) Situation {
	c, ok := s.perKey[key]
	if !ok {
		c = &collected{}
		s.perKey[key] = c
	}
	if c.done || c.err != nil {
		return Complete
	}
	c.values = append(c.values, v)
	if v.WillInit() {
		c.done = true
		return Complete
	}
	return Continue
}

// SetError records a terminal deserialization error for key; its walk
// stops but other keys in the same State are unaffected.
func (s *State) SetError(key pageid.Key, err error) {
	c, ok := s.perKey[key]
	if !ok {
		c = &collected{}
		s.perKey[key] = c
	}
	c.err = err
	c.done = true
}

// Values returns the collected values for key, newest first, and any
// terminal error.
func (s *State) Values(key pageid.Key) ([]pageid.Value, error) {
	c, ok := s.perKey[key]
	if !ok {
		return nil, nil
	}
	return c.values, c.err
}

// Keys returns every key tracked by this state.
func (s *State) Keys() []pageid.Key {
	keys := make([]pageid.Key, 0, len(s.perKey))
	for k := range s.perKey {
		keys = append(keys, k)
	}
	return keys
}

// Reconstructor applies a chain of WAL records onto a base image to
// produce the final page. It is an external collaborator: implementations
// may block on disk or remote fetches and must be cancellation-aware via
// ctx.
type Reconstructor interface {
	ReconstructValue(ctx context.Context, key pageid.Key, lsn pageid.Lsn, values []pageid.Value) (pageid.Value, error)
}
