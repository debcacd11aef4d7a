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

// Package layercatalog durably mirrors a timeline's LayerMap so a restart
// can rebuild it without re-listing and re-parsing every layer file on
// disk. It is a thin record store on top of goleveldb.
package layercatalog

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/pageshard/storageengine/internal/persist"
)

// Catalog is a durable key-value mirror of a LayerMap's descriptors, keyed
// by each layer's file path.
type Catalog struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) the catalog database at dir.
func Open(dir string) (*Catalog, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("layercatalog: open %s: %w", dir, err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error { return c.db.Close() }

// Put durably records a layer descriptor.
func (c *Catalog) Put(desc *persist.LayerDesc) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(desc); err != nil {
		return fmt.Errorf("layercatalog: encode %s: %w", desc.Path, err)
	}
	if err := c.db.Put([]byte(desc.Path), buf.Bytes(), nil); err != nil {
		return fmt.Errorf("layercatalog: put %s: %w", desc.Path, err)
	}
	return nil
}

// Delete removes a layer descriptor, called once a layer file has been
// unlinked after compaction.
func (c *Catalog) Delete(path string) error {
	if err := c.db.Delete([]byte(path), nil); err != nil {
		return fmt.Errorf("layercatalog: delete %s: %w", path, err)
	}
	return nil
}

// LoadAll returns every descriptor currently recorded, for rebuilding a
// LayerMap at startup.
func (c *Catalog) LoadAll() ([]*persist.LayerDesc, error) {
	var out []*persist.LayerDesc
	iter := c.db.NewIterator(util.BytesPrefix(nil), nil)
	defer iter.Release()
	for iter.Next() {
		var desc persist.LayerDesc
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&desc); err != nil {
			return nil, fmt.Errorf("layercatalog: decode record: %w", err)
		}
		out = append(out, &desc)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("layercatalog: iterate: %w", err)
	}
	return out, nil
}
