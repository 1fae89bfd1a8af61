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

import (
	"container/heap"
	"sync"

	"github.com/pkg/errors"
)

// ErrATQFull is returned by Push when an ATQ is already at capacity.
var ErrATQFull = errors.New("dsq: atq is at capacity")

// atqEntry is one task's position in an ATQ: ordered by VTime ascending.
type atqEntry struct {
	pid   int32
	vtime uint64
	index int
}

// atqHeap is a container/heap.Interface min-heap on vtime.
type atqHeap []*atqEntry

func (h atqHeap) Len() int            { return len(h) }
func (h atqHeap) Less(i, j int) bool  { return h[i].vtime < h[j].vtime }
func (h atqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *atqHeap) Push(x interface{}) {
	e := x.(*atqEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *atqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// ATQ is a bounded, user-space priority queue keyed by pid and ordered by
// vtime: §4.3's "faster alternative to the migration DSQ" and §4.6's
// "peek logic chooses between [DSQ and ATQ]" source. The host provides no
// synchronization for it (unlike a DSQ), so every operation here takes an
// internal lock (§5: "DSQ / ATQ: the host (DSQ) or the library (ATQ)
// provides internal synchronization").
type ATQ struct {
	mu       sync.Mutex
	capacity int
	heap     atqHeap
	byPid    map[int32]*atqEntry
}

// NewATQ creates an ATQ bounded to capacity entries, per §4.3's "bounded
// to nr_cpus per system".
func NewATQ(capacity int) *ATQ {
	return &ATQ{
		capacity: capacity,
		byPid:    make(map[int32]*atqEntry, capacity),
	}
}

// Push inserts pid at the given vtime. Re-pushing a pid already present
// updates its vtime instead of creating a duplicate entry.
func (q *ATQ) Push(pid int32, vtime uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.byPid[pid]; ok {
		e.vtime = vtime
		heap.Fix(&q.heap, e.index)
		return nil
	}

	if len(q.heap) >= q.capacity {
		return ErrATQFull
	}

	e := &atqEntry{pid: pid, vtime: vtime}
	heap.Push(&q.heap, e)
	q.byPid[pid] = e
	return nil
}

// Peek returns the pid and vtime of the lowest-vtime entry without
// removing it, or ok=false if the ATQ is empty.
func (q *ATQ) Peek() (pid int32, vtime uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, 0, false
	}
	e := q.heap[0]
	return e.pid, e.vtime, true
}

// Pop removes and returns the lowest-vtime entry, or ok=false if empty.
// Per §4.6's race note ("if peek ATQ succeeded and pop ATQ yields a
// different pid than peeked"), Pop can race with a concurrent Push that
// updates the head's vtime between a caller's Peek and Pop; callers must
// re-validate the popped pid against what they peeked.
func (q *ATQ) Pop() (pid int32, vtime uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, 0, false
	}
	e := heap.Pop(&q.heap).(*atqEntry)
	delete(q.byPid, e.pid)
	return e.pid, e.vtime, true
}

// Remove drops pid from the ATQ if present, used when a task is claimed
// through another path before it is ever popped.
func (q *ATQ) Remove(pid int32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byPid[pid]
	if !ok {
		return
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byPid, pid)
}

// Len returns the number of entries currently queued.
func (q *ATQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
