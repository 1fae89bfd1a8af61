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

// UpdateIdle implements the update_idle(cpu, is_idle) callback (§4.6):
// recomputes system/LLC saturation, mirrors the idle bit into the owning
// LLC's private masks when arena-idle-tracking is on, and feeds the
// optional idle-CPU priority heap.
func (s *Scheduler) UpdateIdle(cpu int, isIdle bool) {
	if !s.initDone {
		return
	}
	cpuCtx := s.reg.CPU(cpu)
	if cpuCtx == nil {
		return
	}
	llc := s.reg.LLC(cpuCtx.LLCID)
	if llc == nil {
		return
	}

	busyPct := 100 - s.idlePercent()
	s.globalSaturated = busyPct >= s.cfg.SaturatedPercent
	s.globalOverload = busyPct >= 100

	llc.Saturated = !s.llcHasIdleCPU(llc)

	if s.cfg.ArenaIdleTracking {
		if isIdle {
			_, _ = llc.IdleCPUs.AtomicSet(cpu)
			if cpuCtx.Sibling >= 0 && llc.IdleCPUs.Test(cpuCtx.Sibling) {
				_, _ = llc.IdleSMT.AtomicSet(cpu)
				_, _ = llc.IdleSMT.AtomicSet(cpuCtx.Sibling)
			}
		} else {
			_, _ = llc.IdleCPUs.AtomicClear(cpu)
			_ = llc.IdleSMT.Clear(cpu)
			if cpuCtx.Sibling >= 0 {
				_ = llc.IdleSMT.Clear(cpuCtx.Sibling)
			}
		}
	}

	if s.cfg.CPUPriority {
		if isIdle {
			llc.PushIdleCPU(cpu, cpuPriorityScore(cpuCtx))
		} else {
			llc.RemoveIdleCPU(cpu)
		}
	}
}

// cpuPriorityScore derives a heap score for the idle-CPU priority heap:
// big cores sort before little cores (lower score = higher priority).
func cpuPriorityScore(cpuCtx *topology.CpuCtx) int {
	if cpuCtx.IsBig {
		return 0
	}
	return 1
}

// llcHasIdleCPU reports whether llc currently has any idle CPU, consulting
// the private idle mask when arena-idle-tracking maintains one, or the
// host's live mask otherwise.
func (s *Scheduler) llcHasIdleCPU(llc *topology.LlcCtx) bool {
	if s.cfg.ArenaIdleTracking {
		return !llc.IdleCPUs.Empty()
	}
	hostMask := bitmapFromHost(s.reg.NrCPUs(), s.host.GetIdleCPUMask())
	any := false
	llc.CPUs.ForEach(func(cpu int) bool {
		if hostMask.Test(cpu) {
			any = true
			return false
		}
		return true
	})
	return any
}

// CPURelease implements the cpu_release(cpu, args) callback (SPEC_FULL.md
// §4.6 EXPANSION): the host is taking cpu away, so every task that was on
// its LOCAL queue must be re-routed through the same decision enqueue
// would have made rather than left stranded.
func (s *Scheduler) CPURelease(cpu int, localPIDs []int32) {
	if !s.initDone {
		return
	}
	for _, pid := range localPIDs {
		tc, err := s.task(pid)
		if err != nil {
			continue
		}
		tc.clearPick()

		var promise dsq.Promise
		if tc.Allowed != nil && !tc.AllCPUs {
			promise = s.enqueueAffinitized(tc, false)
		} else {
			promise = s.enqueueGeneral(tc, cpu, false)
		}
		s.applyReleasePromise(pid, promise)
	}
}

// applyReleasePromise places a re-enqueued task per the promise dispatch
// would otherwise have settled during a normal enqueue call; COMPLETE/FIFO
// promises that settleOnLocal/enqueueKthread already placed on a host
// queue need no further action here, only DSQ/ATQ routing does.
func (s *Scheduler) applyReleasePromise(pid int32, promise dsq.Promise) {
	switch promise.Outcome {
	case dsq.VTime:
		_ = s.host.DSQInsertVTime(pid, promise.DSQID, promise.Slice, promise.VTime, promise.Flags)
	case dsq.FIFO:
		if promise.DSQID != 0 {
			_ = s.host.DSQInsert(pid, promise.DSQID, promise.Slice, promise.Flags)
		}
	case dsq.ATQVTime, dsq.ATQFIFO:
		if promise.ATQ != nil {
			_ = promise.ATQ.Push(pid, promise.VTime)
		}
	}
}
