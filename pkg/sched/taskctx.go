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

package sched

import "github.com/intel/p2dq-core/pkg/bitmap"

// TaskCtx is the per-task context (§3). It is created on init_task and
// freed on exit_task; its lifetime is owned by the Scheduler's task table,
// never by the task handle itself (§9's "pointer graphs" note — this is a
// borrow from host-provided task-local storage, modeled here as a map the
// Scheduler owns).
type TaskCtx struct {
	PID int32

	LLCID  int
	NodeID int

	DSQID    uint64
	DSQClass int
	lastDSQClass int

	SliceNs uint64
	DSQVTime uint64

	EnqFlags uint32

	// LLCRuns counts down to 0; migration is only eligible once it
	// reaches 0 (§4.5 can_migrate, §4.6 running).
	LLCRuns int

	LastRunAt      int64
	LastRunStarted int64
	everRan        bool

	Interactive bool
	WasNice     bool
	AllCPUs     bool

	// Allowed is the task's allowed-CPU mask, imported via set_cpumask
	// (SPEC_FULL.md §4.6 EXPANSION) or at init_task. Nil means "not yet
	// known", treated as all_cpus true until the host calls set_cpumask.
	Allowed *bitmap.Bitmap

	Weight int

	// PickedCPU and PickedIdle record the outcome of the most recent
	// pick_cpu call on this wakeup, consulted and cleared by enqueue
	// (§4.6: "if pick_cpu was not invoked on this wakeup, rerun the
	// picker").
	PickedCPU   int
	PickedIdle  bool
	pickedValid bool
}

// newTaskCtx seeds a TaskCtx per §4.6 init_task: dsq_vtime = the owning
// LLC's vtime, class = defaultClass (weight-capped), llc_runs refreshed.
func newTaskCtx(pid int32, llcID, nodeID int, llcVTime uint64, defaultClass int, weight int, allCPUs bool, llcRunsThreshold int) *TaskCtx {
	class := defaultClass
	if weight < 100 && class > 1 {
		class = 1
	}
	return &TaskCtx{
		PID:          pid,
		LLCID:        llcID,
		NodeID:       nodeID,
		DSQClass:     class,
		lastDSQClass: class,
		DSQVTime:     llcVTime,
		LLCRuns:      llcRunsThreshold,
		AllCPUs:      allCPUs,
		Weight:       weight,
		PickedCPU:    -1,
	}
}

// clearPick marks the cached pick_cpu result consumed; enqueue calls this
// once it has read PickedCPU/PickedIdle.
func (t *TaskCtx) clearPick() { t.pickedValid = false }

// setPick records the outcome of a pick_cpu invocation for enqueue to
// consume on the same wakeup.
func (t *TaskCtx) setPick(cpu int, idle bool) {
	t.PickedCPU = cpu
	t.PickedIdle = idle
	t.pickedValid = true
}
