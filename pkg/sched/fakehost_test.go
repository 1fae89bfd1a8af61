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

package sched_test

import (
	"sort"
	"sync"

	"github.com/intel/p2dq-core/pkg/dsq"
	"github.com/intel/p2dq-core/pkg/sched"
)

// fakeDSQ is an in-memory stand-in for one host-managed DSQ: a FIFO/vtime
// ordered slice of entries, good enough to exercise peek/pop/move-to-local
// semantics without a real kernel underneath.
type fakeDSQ struct {
	fifo  bool
	items []fakeEntry
}

type fakeEntry struct {
	pid   int32
	slice uint64
	vtime uint64
	flags dsq.Flags
}

func (q *fakeDSQ) insert(e fakeEntry) {
	q.items = append(q.items, e)
	if !q.fifo {
		sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].vtime < q.items[j].vtime })
	}
}

func (q *fakeDSQ) peek() (int32, uint64, bool) {
	if len(q.items) == 0 {
		return 0, 0, false
	}
	return q.items[0].pid, q.items[0].vtime, true
}

func (q *fakeDSQ) pop() (fakeEntry, bool) {
	if len(q.items) == 0 {
		return fakeEntry{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// fakeHost is a minimal, single-process HostOps implementation used only
// by this package's tests (see host.go's doc comment).
type fakeHost struct {
	mu sync.Mutex

	nrCPUs int
	idle   map[int]bool
	local  map[int][]fakeEntry
	dsqs   map[uint64]*fakeDSQ

	now    int64
	nodes  map[int]int
	curCPU int

	kicked map[int]int
	errs   []string
}

// setCurCPU records which CPU is "invoking" the next DSQMoveToLocal call,
// mirroring the implicit calling-CPU context a real sched_ext host supplies
// (scx_bpf_dispatch_from_dsq_to_local always targets the running core).
func (h *fakeHost) setCurCPU(cpu int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.curCPU = cpu
}

func newFakeHost(nrCPUs int) *fakeHost {
	h := &fakeHost{
		nrCPUs: nrCPUs,
		idle:   make(map[int]bool, nrCPUs),
		local:  make(map[int][]fakeEntry),
		dsqs:   make(map[uint64]*fakeDSQ),
		nodes:  make(map[int]int),
		kicked: make(map[int]int),
	}
	for i := 0; i < nrCPUs; i++ {
		h.idle[i] = true
	}
	return h
}

func (h *fakeHost) setAllBusy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.idle {
		h.idle[i] = false
	}
}

func (h *fakeHost) setIdle(cpu int, idle bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idle[cpu] = idle
}

func (h *fakeHost) DSQCreate(id uint64, numaNode int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fifo := dsq.Classify(id) != dsq.ClassLLC && dsq.Classify(id) != dsq.ClassMigration && dsq.Classify(id) != dsq.ClassShard
	h.dsqs[id] = &fakeDSQ{fifo: fifo}
	return nil
}

func (h *fakeHost) DSQInsert(taskPID int32, dsqID uint64, sliceNs uint64, flags dsq.Flags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.dsqs[dsqID]
	if q == nil {
		q = &fakeDSQ{fifo: true}
		h.dsqs[dsqID] = q
	}
	q.insert(fakeEntry{pid: taskPID, slice: sliceNs, flags: flags})
	return nil
}

func (h *fakeHost) DSQInsertVTime(taskPID int32, dsqID uint64, sliceNs, vtime uint64, flags dsq.Flags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.dsqs[dsqID]
	if q == nil {
		q = &fakeDSQ{}
		h.dsqs[dsqID] = q
	}
	q.insert(fakeEntry{pid: taskPID, slice: sliceNs, vtime: vtime, flags: flags})
	return nil
}

func (h *fakeHost) DSQInsertLocal(taskPID int32, cpu int, sliceNs uint64, flags dsq.Flags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.local[cpu] = append(h.local[cpu], fakeEntry{pid: taskPID, slice: sliceNs, flags: flags})
	return nil
}

func (h *fakeHost) DSQMoveToLocal(dsqID uint64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.dsqs[dsqID]
	if q == nil {
		return false, nil
	}
	e, ok := q.pop()
	if !ok {
		return false, nil
	}
	h.local[h.curCPU] = append(h.local[h.curCPU], e)
	return true, nil
}

func (h *fakeHost) DSQPeek(dsqID uint64) (int32, uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.dsqs[dsqID]
	if q == nil {
		return 0, 0, false
	}
	return q.peek()
}

func (h *fakeHost) DSQNrQueued(dsqID uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.dsqs[dsqID]
	if q == nil {
		return 0
	}
	return len(q.items)
}

func (h *fakeHost) TestAndClearCPUIdle(cpu int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idle[cpu] {
		h.idle[cpu] = false
		return true
	}
	return false
}

func (h *fakeHost) GetIdleCPUMask() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	words := (h.nrCPUs + 63) / 64
	mask := make([]uint64, words)
	for cpu, idle := range h.idle {
		if idle {
			mask[cpu/64] |= 1 << uint(cpu%64)
		}
	}
	return mask
}

func (h *fakeHost) GetIdleSMTMask() []uint64 { return h.GetIdleCPUMask() }

func (h *fakeHost) CPUPerfSet(cpu int, level int) error { return nil }

func (h *fakeHost) KickCPU(cpu int, flags dsq.Flags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kicked[cpu]++
	return nil
}

func (h *fakeHost) Now() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *fakeHost) advance(ns int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now += ns
}

func (h *fakeHost) TaskCPU(taskPID int32) int { return -1 }
func (h *fakeHost) NrCPUIDs() int             { return h.nrCPUs }
func (h *fakeHost) CPUNode(cpu int) int       { return h.nodes[cpu] }

func (h *fakeHost) ReportError(kind sched.ErrorKind, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, message)
}
