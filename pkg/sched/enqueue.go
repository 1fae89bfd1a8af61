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

import (
	"github.com/intel/p2dq-core/pkg/dsq"
	"github.com/intel/p2dq-core/pkg/topology"
)

// Enqueue implements the enqueue(task, flags) callback (§4.6): classifies
// the task into COMPLETE / FIFO / VTIME / ATQ_FIFO / ATQ_VTIME and routes
// it accordingly, returning the settled Promise.
//
// kthreadCPU is the pinned CPU for a per-CPU kernel thread, or -1 if pid
// is not such a kthread. preempt carries the host's PREEMPT-equivalent
// enqueue intent (a nice-task hint requesting priority treatment).
func (s *Scheduler) Enqueue(pid int32, wakerCPU int, kthreadCPU int, preempt bool) (dsq.Promise, error) {
	if !s.initDone {
		return dsq.FailedPromise(), errNotInitialized
	}
	tc, err := s.task(pid)
	if err != nil {
		return dsq.FailedPromise(), err
	}

	if kthreadCPU >= 0 {
		return s.enqueueKthread(pid, kthreadCPU), nil
	}

	if tc.Allowed != nil && !tc.AllCPUs {
		return s.enqueueAffinitized(tc, preempt), nil
	}

	return s.enqueueGeneral(tc, wakerCPU, preempt), nil
}

// enqueueKthread implements §4.6's per-CPU kthread direct-dispatch: the
// task always goes straight to its pinned CPU's LOCAL queue at max slice.
func (s *Scheduler) enqueueKthread(pid int32, cpu int) dsq.Promise {
	_, slices := s.currentSlices()
	maxSlice := slices[len(slices)-1]

	flags := dsq.Flags(0)
	if s.host.TestAndClearCPUIdle(cpu) {
		flags |= dsq.KickIdle
	}
	_ = s.host.DSQInsertLocal(pid, cpu, maxSlice, flags)
	if flags.Has(dsq.KickIdle) {
		s.markKick(cpu)
	}
	s.met.DirectDispatches.Inc()
	return dsq.CompletePromise(cpu, flags)
}

// enqueueAffinitized implements §4.6's affinitized-task routing.
func (s *Scheduler) enqueueAffinitized(tc *TaskCtx, preempt bool) dsq.Promise {
	cpu := tc.PickedCPU
	claimedIdle := tc.pickedValid && tc.PickedIdle
	if !tc.pickedValid || !tc.Allowed.Test(cpu) {
		cpu, claimedIdle = s.pickAffinitized(tc, cpu)
	}
	tc.clearPick()

	cpuCtx := s.reg.CPU(cpu)
	if cpuCtx == nil {
		return dsq.FailedPromise()
	}

	flags := dsq.Flags(0)
	if preempt {
		flags |= dsq.Preempt
	}

	if claimedIdle && tc.Allowed.Test(cpu) {
		flags |= dsq.KickIdle
		return s.settleOnLocal(tc, cpu, flags)
	}

	_, slices := s.currentSlices()
	slice := slices[tc.DSQClass]
	if claimedIdle {
		flags |= dsq.KickIdle
	}
	return dsq.VTimePromise(cpu, cpuCtx.AffnDSQID, slice, tc.DSQVTime, flags)
}

// enqueueGeneral implements §4.6's general-task routing: rerun pick_cpu if
// it was not invoked on this wakeup, decide migration eligibility, and
// route via the migration DSQ/ATQ or the task's local LLC DSQ/shard.
func (s *Scheduler) enqueueGeneral(tc *TaskCtx, wakerCPU int, preempt bool) dsq.Promise {
	var cpu int
	var claimedIdle bool
	if tc.pickedValid {
		cpu, claimedIdle = tc.PickedCPU, tc.PickedIdle
	} else {
		cpu, claimedIdle = s.pickGeneral(tc, wakerCPU, wakerCPU, 0)
		tc.setPick(cpu, claimedIdle)
	}
	tc.clearPick()

	flags := dsq.Flags(0)
	if preempt {
		flags |= dsq.Preempt
	}
	if claimedIdle {
		flags |= dsq.KickIdle
	}

	if claimedIdle || preempt {
		return s.settleOnLocal(tc, cpu, flags)
	}

	llc := s.llcForTask(tc, cpu)
	if llc == nil {
		return dsq.FailedPromise()
	}

	if s.canMigrate(tc, llc) {
		if atq := s.atqFor(llc.ID); atq != nil {
			if err := atq.Push(tc.PID, tc.DSQVTime); err == nil {
				s.met.ATQEnqueues.Inc()
				slice := s.sliceForEnqueue(tc, llc, llc.MigDSQID)
				return dsq.ATQVTimePromise(cpu, atq, slice, tc.DSQVTime, flags)
			}
		}
		slice := s.sliceForEnqueue(tc, llc, llc.MigDSQID)
		return dsq.VTimePromise(cpu, llc.MigDSQID, slice, tc.DSQVTime, flags)
	}

	dsqID := cpuShardDSQID(s.reg, llc, cpu)
	slice := s.sliceForEnqueue(tc, llc, dsqID)
	return dsq.VTimePromise(cpu, dsqID, slice, tc.DSQVTime, flags)
}

// settleOnLocal implements §4.6's "demote VTIME to FIFO onto LOCAL"
// clause: the eventual target CPU is idle (claim already succeeded) or
// the task carries PREEMPT intent, so it is placed directly on cpu's
// LOCAL queue in FIFO order instead of the DSQ it would otherwise route
// through.
func (s *Scheduler) settleOnLocal(tc *TaskCtx, cpu int, flags dsq.Flags) dsq.Promise {
	_, slices := s.currentSlices()
	slice := slices[tc.DSQClass]
	_ = s.host.DSQInsertLocal(tc.PID, cpu, slice, flags)
	if flags.Has(dsq.KickIdle) {
		s.markKick(cpu)
		flags |= dsq.HasClearedIdle
	}
	s.met.DirectDispatches.Inc()
	return dsq.FIFOPromise(cpu, 0, slice, flags)
}

// sliceForEnqueue returns the slice to hand a DSQ-routed task: the task's
// current class budget, or (when cfg.Deadline is on) §4.4's deadline-mode
// slice — max_slice * nr_idle / nr_queued on the target dsqID, clamped to
// [min_slice, max_slice] — so a congested queue hands out smaller slices.
func (s *Scheduler) sliceForEnqueue(tc *TaskCtx, llc *topology.LlcCtx, dsqID uint64) uint64 {
	_, slices := s.currentSlices()
	if !s.cfg.Deadline {
		return slices[tc.DSQClass]
	}
	maxSlice := slices[len(slices)-1]
	minSlice := uint64(s.cfg.MinSliceUs) * 1000
	nrIdle := llc.IdleCPUs.Weight()
	nrQueued := s.host.DSQNrQueued(dsqID) + 1
	return deadlineSlice(maxSlice, nrIdle, nrQueued, minSlice)
}

// llcForTask resolves the LLC a general task should be considered part of
// for this enqueue: the LLC owning cpu.
func (s *Scheduler) llcForTask(tc *TaskCtx, cpu int) *topology.LlcCtx {
	cpuCtx := s.reg.CPU(cpu)
	if cpuCtx == nil {
		return nil
	}
	return s.reg.LLC(cpuCtx.LLCID)
}

// cpuShardDSQID picks the LLC DSQ (or this CPU's assigned shard) a
// general, non-migrating task should be routed to.
func cpuShardDSQID(reg *topology.Registry, llc *topology.LlcCtx, cpu int) uint64 {
	cpuCtx := reg.CPU(cpu)
	if cpuCtx != nil && cpuCtx.LLCDSQID != 0 {
		return cpuCtx.LLCDSQID
	}
	if len(llc.ShardDSQIDs) > 0 {
		return llc.ShardDSQIDs[0]
	}
	return llc.MigDSQID
}
