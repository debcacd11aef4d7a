// Copyright 2016 The go-ethereum Authors
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

// Package xmetrics is a minimal meter/gauge facade in the style of the
// teacher repository's own "metrics" package (cf. core/rawdb/freezer_table.go's
// readMeter/writeMeter fields) scaled down to what this module needs:
// fire-and-forget counters and gauges with no registry/reporting wiring,
// since metric emission itself is out of scope (spec.md §1).
package xmetrics

import "sync/atomic"

// Meter is a monotonically increasing counter, e.g. bytes read/written.
type Meter struct {
	count int64
}

// Mark adds n to the meter.
func (m *Meter) Mark(n int64) { atomic.AddInt64(&m.count, n) }

// Count returns the current total.
func (m *Meter) Count() int64 { return atomic.LoadInt64(&m.count) }

// NewMeter returns a zeroed meter.
func NewMeter() *Meter { return &Meter{} }

// Gauge holds the last-published value of a quantity, e.g. dirty bytes.
type Gauge struct {
	value int64
}

// Set stores v as the gauge's current value.
func (g *Gauge) Set(v int64) { atomic.StoreInt64(&g.value, v) }

// Get returns the gauge's current value.
func (g *Gauge) Get() int64 { return atomic.LoadInt64(&g.value) }

// NewGauge returns a zeroed gauge.
func NewGauge() *Gauge { return &Gauge{} }

// Package-level gauges tracked process-wide, mirroring the teacher's
// TIMELINE_EPHEMERAL_BYTES style globals.
var (
	DirtyBytesGauge = NewGauge()
)
