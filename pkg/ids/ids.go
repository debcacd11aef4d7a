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

// Package ids defines the tenant and timeline identifiers threaded through
// every layer descriptor and file path in the engine.
package ids

import "github.com/pborman/uuid"

// TenantID identifies a tenant (a customer's isolated set of timelines).
type TenantID uuid.UUID

// TimelineID identifies one branch of a tenant's history.
type TimelineID uuid.UUID

// NewTenantID allocates a fresh random tenant id.
func NewTenantID() TenantID { return TenantID(uuid.NewRandom()) }

// NewTimelineID allocates a fresh random timeline id.
func NewTimelineID() TimelineID { return TimelineID(uuid.NewRandom()) }

func (t TenantID) String() string   { return uuid.UUID(t).String() }
func (t TimelineID) String() string { return uuid.UUID(t).String() }
