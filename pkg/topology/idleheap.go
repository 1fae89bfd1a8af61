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

package topology

import (
	"container/heap"
	"sync"
)

// spinLock is the one explicit lock the core takes (§5): a plain mutex is an
// honest implementation of a "lightweight spin-lock guarding the optional
// idle-CPU priority heap" in a runtime, like Go's, that has no user-space
// spinlock primitive and where the critical section (a handful of heap
// swaps) is short enough that a mutex's fast path never actually blocks in
// practice.
type spinLock struct {
	mu sync.Mutex
}

func (s *spinLock) Lock()   { s.mu.Lock() }
func (s *spinLock) Unlock() { s.mu.Unlock() }

// idleEntry is one CPU's position in an LLC's optional idle-CPU priority
// heap (§4.6 update_idle, cpu_priority feature): lower score sorts first,
// i.e. this is a min-heap on priority class.
type idleEntry struct {
	cpu   int
	score int
}

// idleHeap is a container/heap.Interface min-heap of idleEntry, keyed by
// score. Only touched while LlcCtx.heapMu is held.
type idleHeap []idleEntry

func (h idleHeap) Len() int            { return len(h) }
func (h idleHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h idleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idleHeap) Push(x interface{}) { *h = append(*h, x.(idleEntry)) }
func (h *idleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PushIdleCPU inserts cpu into this LLC's idle-CPU priority heap with the
// given score (§4.6's "insert the newly idle CPU into the LLC's idle_cpu
// priority min-heap with a score derived from the CPU's priority class").
func (l *LlcCtx) PushIdleCPU(cpu, score int) {
	l.heapMu.Lock()
	defer l.heapMu.Unlock()
	heap.Push(&l.idleHeap, idleEntry{cpu: cpu, score: score})
}

// PopIdleCPU removes and returns the lowest-score (highest priority) idle
// CPU, or (-1, false) if the heap is empty.
func (l *LlcCtx) PopIdleCPU() (int, bool) {
	l.heapMu.Lock()
	defer l.heapMu.Unlock()
	if len(l.idleHeap) == 0 {
		return -1, false
	}
	e := heap.Pop(&l.idleHeap).(idleEntry)
	return e.cpu, true
}

// RemoveIdleCPU removes cpu from the heap if present, used when a CPU that
// was marked idle gets claimed through a different path (e.g. the fast
// prev_cpu claim) before update_idle ever pops it.
func (l *LlcCtx) RemoveIdleCPU(cpu int) {
	l.heapMu.Lock()
	defer l.heapMu.Unlock()
	for i, e := range l.idleHeap {
		if e.cpu == cpu {
			heap.Remove(&l.idleHeap, i)
			return
		}
	}
}
