// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dsq computes the bit-exact, disjoint numeric ids the scheduler
// core assigns to dispatch queues (DSQs) and ATQs (§4.3, §6.3), and
// implements the bounded priority-queue ATQ itself.
//
// DSQs are host-provided FIFO/vtime queues; the core never owns their
// storage, only their ids. ATQs are a user-space alternative the core
// does own, grounded in the same "bounded, keyed-by-pid, ordered-by-vtime"
// discipline the original BPF scheduler gives its per-LLC ATQ (see
// original_source/scheds/rust/scx_p2dq/src/bpf/main.bpf.c's dsq_id
// helpers for the id layout this file reproduces).
package dsq

import "github.com/pkg/errors"

// Layout constants from original_source/scheds/rust/scx_p2dq/src/bpf/intf.h
// and scx_layered/src/bpf/intf.h: the P2DQ scheduler this core is modeled
// on reserves up to 64 LLCs and 8 DSQ classes per LLC; MaxLayers borrows
// scx_layered's reserved-range constant for the "shared/priority class"
// range §6.3 sets aside below MaxLayers.
const (
	MaxLayers       = 16
	MaxLLCs         = 64
	MaxDSQsPerLLC   = 8
	migrationDSQBit = uint64(1) << 60
)

// ErrOutOfRange is returned when an id would fall outside the ranges
// MaxLLCs/MaxDSQsPerLLC allow.
var ErrOutOfRange = errors.New("dsq: id argument out of configured range")

// LLCDSQID returns the id of llc's non-sharded LLC DSQ: llc_id | MAX_LLCS.
func LLCDSQID(llcID int) (uint64, error) {
	if llcID < 0 || llcID >= MaxLLCs {
		return 0, ErrOutOfRange
	}
	return uint64(llcID) | uint64(MaxLLCs), nil
}

// MigrationDSQID returns the id of llc's migration DSQ: llc_id | (1<<60).
func MigrationDSQID(llcID int) (uint64, error) {
	if llcID < 0 || llcID >= MaxLLCs {
		return 0, ErrOutOfRange
	}
	return uint64(llcID) | migrationDSQBit, nil
}

// AffinitizedDSQID returns the id of cpu's affinitized DSQ:
// ((MAX_DSQS_PER_LLC * MAX_LLCS) << 2) + cpu_id.
func AffinitizedDSQID(cpu int) (uint64, error) {
	if cpu < 0 {
		return 0, ErrOutOfRange
	}
	base := uint64(MaxDSQsPerLLC*MaxLLCs) << 2
	return base + uint64(cpu), nil
}

// ShardDSQID returns the id of shard `shard` of llc's sharded LLC DSQ:
// ((MAX_DSQS_PER_LLC * MAX_LLCS) << 3) + llc_id*MAX_DSQS_PER_LLC + shard.
func ShardDSQID(llcID, shard int) (uint64, error) {
	if llcID < 0 || llcID >= MaxLLCs {
		return 0, ErrOutOfRange
	}
	if shard < 0 || shard >= MaxDSQsPerLLC {
		return 0, ErrOutOfRange
	}
	base := uint64(MaxDSQsPerLLC*MaxLLCs) << 3
	return base + uint64(llcID*MaxDSQsPerLLC) + uint64(shard), nil
}

// Class identifies one of the id ranges a DSQ id can belong to.
type Class int

const (
	ClassReserved Class = iota
	ClassLLC
	ClassMigration
	ClassAffinitized
	ClassShard
	ClassUnknown
)

// String returns a human-readable name for a Class, used in logging.
func (c Class) String() string {
	switch c {
	case ClassReserved:
		return "reserved"
	case ClassLLC:
		return "llc"
	case ClassMigration:
		return "migration"
	case ClassAffinitized:
		return "affinitized"
	case ClassShard:
		return "shard"
	default:
		return "unknown"
	}
}

// Classify reports which disjoint range an id falls into, the way §4.6
// step 4 examines an id by comparing it against a CpuCtx's cached trio
// instead of recomputing every candidate id from scratch.
func Classify(id uint64) Class {
	switch {
	case id < MaxLayers:
		return ClassReserved
	case id&migrationDSQBit != 0:
		return ClassMigration
	case id >= uint64(MaxDSQsPerLLC*MaxLLCs)<<3:
		return ClassShard
	case id >= uint64(MaxDSQsPerLLC*MaxLLCs)<<2:
		return ClassAffinitized
	case id >= uint64(MaxLLCs):
		return ClassLLC
	default:
		return ClassUnknown
	}
}
