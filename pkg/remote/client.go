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

// Package remote defines the external remote-storage collaborator every
// compaction job reports its progress to, and a fake implementation for
// tests and standalone tools that don't have a real remote endpoint wired
// up yet.
package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/pageshard/storageengine/internal/persist"
	"github.com/pageshard/storageengine/pkg/ids"
)

// CompactionUpdate describes one compaction job's layer changes, reported
// to the remote side so it can update its own view of a timeline's layer
// set without re-deriving it from scratch.
type CompactionUpdate struct {
	Tenant   ids.TenantID
	Timeline ids.TimelineID
	Removed  []*persist.LayerDesc
	Added    []*persist.LayerDesc
}

// Client is the external collaborator compaction jobs report their layer
// changes to. A real implementation owns whatever upload/registration
// protocol the remote control plane speaks; this package only defines the
// interface boundary.
type Client interface {
	ScheduleCompactionUpdate(ctx context.Context, update CompactionUpdate) (jobID string, err error)
	WaitCompletion(ctx context.Context, jobID string) error
}

// Fake is an in-memory Client that completes every job immediately,
// recording what it was asked to do so tests can assert on it.
type Fake struct {
	mu      sync.Mutex
	nextID  int
	Updates []CompactionUpdate
}

// NewFake returns an empty Fake client.
func NewFake() *Fake { return &Fake{} }

// ScheduleCompactionUpdate records the update and returns a fresh job id.
func (f *Fake) ScheduleCompactionUpdate(ctx context.Context, update CompactionUpdate) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.Updates = append(f.Updates, update)
	return fmt.Sprintf("fake-job-%d", f.nextID), nil
}

// WaitCompletion always succeeds immediately: Fake has no asynchronous
// work to wait for.
func (f *Fake) WaitCompletion(ctx context.Context, jobID string) error {
	return nil
}
