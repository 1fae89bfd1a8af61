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

package dsq

// Outcome is the terminal state an EnqueuePromise settles into. Every
// enqueue call ends in exactly one of these (§3's EnqueuePromise row).
type Outcome int

const (
	// Complete means the task was fully placed (e.g. kthread direct
	// dispatch); no DSQ/ATQ routing is needed.
	Complete Outcome = iota
	// FIFO means the task was routed to dsq in FIFO order.
	FIFO
	// VTime means the task was routed to dsq in vtime order.
	VTime
	// ATQFIFO means the task was routed to an ATQ, treated as FIFO.
	ATQFIFO
	// ATQVTime means the task was routed to an ATQ in vtime order.
	ATQVTime
	// Failed means the enqueue could not place the task anywhere.
	Failed
)

// Flags are the side-effect bits an enqueue decision can carry.
type Flags uint32

const (
	// KickIdle requests the target CPU be kicked because it may be idle
	// with new local work.
	KickIdle Flags = 1 << iota
	// HasClearedIdle records that this promise already consumed an
	// owed idle-claim, so callers must not clear it again.
	HasClearedIdle
	// Preempt requests SCX_ENQ_PREEMPT-equivalent priority treatment
	// (§4.6's "foreground nice" / nice-task hint).
	Preempt
)

// Has reports whether f contains bit.
func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Promise is the outcome of one enqueue() call (§3's EnqueuePromise).
// It is scoped to a single enqueue invocation and is never reused.
type Promise struct {
	Outcome Outcome
	DSQID   uint64
	ATQ     *ATQ
	Slice   uint64
	VTime   uint64
	Flags   Flags
	CPU     int
}

// CompletePromise returns a terminal Promise meaning the task was fully
// placed without any DSQ/ATQ routing, optionally kicking cpu.
func CompletePromise(cpu int, flags Flags) Promise {
	return Promise{Outcome: Complete, CPU: cpu, Flags: flags}
}

// FIFOPromise routes the task to dsq in FIFO order with the given slice.
func FIFOPromise(cpu int, dsq uint64, slice uint64, flags Flags) Promise {
	return Promise{Outcome: FIFO, CPU: cpu, DSQID: dsq, Slice: slice, Flags: flags}
}

// VTimePromise routes the task to dsq in vtime order.
func VTimePromise(cpu int, dsq uint64, slice, vtime uint64, flags Flags) Promise {
	return Promise{Outcome: VTime, CPU: cpu, DSQID: dsq, Slice: slice, VTime: vtime, Flags: flags}
}

// ATQFIFOPromise routes the task to atq, treated as FIFO.
func ATQFIFOPromise(cpu int, atq *ATQ, slice uint64, flags Flags) Promise {
	return Promise{Outcome: ATQFIFO, CPU: cpu, ATQ: atq, Slice: slice, Flags: flags}
}

// ATQVTimePromise routes the task to atq in vtime order.
func ATQVTimePromise(cpu int, atq *ATQ, slice, vtime uint64, flags Flags) Promise {
	return Promise{Outcome: ATQVTime, CPU: cpu, ATQ: atq, Slice: slice, VTime: vtime, Flags: flags}
}

// FailedPromise returns a terminal Promise meaning the enqueue could not
// place the task anywhere.
func FailedPromise() Promise { return Promise{Outcome: Failed} }
