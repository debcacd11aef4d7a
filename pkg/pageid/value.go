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

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// ErrDeserialize marks a corrupt on-disk value envelope. Read paths record
// it against the offending key only; it never aborts the rest of a read or
// compaction pass on its own (callers decide that).
var ErrDeserialize = errors.New("pageid: corrupt value envelope")

// Kind tags the variant carried by a Value.
type Kind uint8

const (
	// KindImage is a full page snapshot.
	KindImage Kind = iota
	// KindWalRecord is an incremental WAL record.
	KindWalRecord
)

// Value is the tagged variant stored against every (key, lsn) pair: either
// a full page Image, or an incremental WalRecord. WillInit reports whether
// the record is self-initializing, i.e. does not require a preceding base
// image to reconstruct the page.
type Value struct {
	Kind         Kind
	Bytes        []byte // image bytes, or serialized WAL record bytes
	SelfInitWal  bool   // only meaningful when Kind == KindWalRecord
}

// Image constructs a self-initializing image value.
func Image(b []byte) Value {
	return Value{Kind: KindImage, Bytes: b}
}

// WalRecord constructs an incremental record value. selfInit must be true
// iff the record can be replayed without a preceding base image.
func WalRecord(b []byte, selfInit bool) Value {
	return Value{Kind: KindWalRecord, Bytes: b, SelfInitWal: selfInit}
}

// WillInit reports whether this value alone is sufficient to start a replay
// chain, i.e. an image, or a self-initializing WAL record.
func (v Value) WillInit() bool {
	return v.Kind == KindImage || (v.Kind == KindWalRecord && v.SelfInitWal)
}

func (v Value) String() string {
	if v.Kind == KindImage {
		return fmt.Sprintf("Image(%d bytes)", len(v.Bytes))
	}
	return fmt.Sprintf("WalRecord(%d bytes, willInit=%v)", len(v.Bytes), v.SelfInitWal)
}

// Encode serializes a value to its on-disk envelope: one tag byte followed
// by the snappy-compressed payload, framed by the length header (see
// internal/blockio/blob.go).
func (v Value) Encode() []byte {
	tag := byte(v.Kind)
	if v.Kind == KindWalRecord && v.SelfInitWal {
		tag |= 0x80
	}
	compressed := snappy.Encode(nil, v.Bytes)
	out := make([]byte, 1+len(compressed))
	out[0] = tag
	copy(out[1:], compressed)
	return out
}

// DecodeValue is the inverse of Encode.
func DecodeValue(raw []byte) (Value, error) {
	if len(raw) == 0 {
		return Value{}, fmt.Errorf("pageid: empty value envelope: %w", ErrDeserialize)
	}
	tag := raw[0]
	payload, err := snappy.Decode(nil, raw[1:])
	if err != nil {
		return Value{}, fmt.Errorf("pageid: decode value: %w: %w", ErrDeserialize, err)
	}
	kind := Kind(tag &^ 0x80)
	v := Value{Kind: kind, Bytes: payload}
	if kind == KindWalRecord {
		v.SelfInitWal = tag&0x80 != 0
	}
	return v, nil
}

// Equal reports whether two values carry identical contents, used by tests.
func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && v.SelfInitWal == o.SelfInitWal && bytes.Equal(v.Bytes, o.Bytes)
}
