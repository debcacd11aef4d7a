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

package persist

import (
	"testing"

	"github.com/pageshard/storageengine/pkg/ids"
	"github.com/pageshard/storageengine/pkg/pageid"
)

func TestDeltaLayerWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyA := pageid.Key{Hi: 0, Lo: 1}
	keyB := pageid.Key{Hi: 0, Lo: 2}

	w, err := NewDeltaLayerWriter(dir, ids.NewTenantID(), ids.NewTimelineID(),
		pageid.Range{Start: keyA, End: keyA.Next()}, pageid.LsnRange{Start: 10, End: 30})
	if err != nil {
		t.Fatalf("NewDeltaLayerWriter: %v", err)
	}
	if err := w.Add(keyA, 11, pageid.Image([]byte("a@11"))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(keyA, 15, pageid.WalRecord([]byte("a@15"), false)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(keyB, 20, pageid.Image([]byte("b@20"))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if w.Size() == 0 {
		t.Fatalf("expected Size() to reflect written bytes")
	}
	desc, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !desc.IsDelta {
		t.Fatalf("expected IsDelta")
	}
	// Add must have widened the nominal key range to cover keyB too.
	if !desc.KeyRange.Contains(keyB) {
		t.Fatalf("expected key range %v to have widened to contain %v", desc.KeyRange, keyB)
	}

	r, err := OpenDeltaLayer(desc.Path)
	if err != nil {
		t.Fatalf("OpenDeltaLayer: %v", err)
	}
	defer r.Close()

	v, lsn, ok, err := r.GetValue(keyA, 100)
	if err != nil || !ok {
		t.Fatalf("GetValue(keyA, 100): ok=%v err=%v", ok, err)
	}
	if lsn != 15 {
		t.Fatalf("expected the greatest LSN <= 100 to be 15, got %d", lsn)
	}
	if string(v.Bytes) != "a@15" {
		t.Fatalf("unexpected value bytes: %q", v.Bytes)
	}

	v, lsn, ok, err = r.GetValue(keyA, 12)
	if err != nil || !ok {
		t.Fatalf("GetValue(keyA, 12): ok=%v err=%v", ok, err)
	}
	if lsn != 11 || string(v.Bytes) != "a@11" {
		t.Fatalf("expected a@11 at lsn 11, got %q at %d", v.Bytes, lsn)
	}

	if _, _, ok, err := r.GetValue(keyA, 5); err != nil || ok {
		t.Fatalf("expected no value below the earliest recorded lsn, ok=%v err=%v", ok, err)
	}

	// Sequential iteration should see every entry exactly once.
	it := r.Iterator()
	count := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("expected 3 entries from the iterator, got %d", count)
	}
}

func TestDeltaLayerWriterAbandonRemovesFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDeltaLayerWriter(dir, ids.NewTenantID(), ids.NewTimelineID(),
		pageid.Range{Start: pageid.MinKey, End: pageid.MaxKey}, pageid.LsnRange{Start: 1, End: 2})
	if err != nil {
		t.Fatalf("NewDeltaLayerWriter: %v", err)
	}
	if err := w.Add(pageid.Key{Lo: 1}, 1, pageid.Image([]byte("x"))); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Abandon(); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if _, err := OpenDeltaLayer(w.path); err == nil {
		t.Fatalf("expected the abandoned layer file to no longer exist")
	}
}
