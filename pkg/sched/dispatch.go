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

import "github.com/intel/p2dq-core/pkg/topology"

// PrevTask describes the task dispatch() is being asked whether to keep
// running, or the zero value if the CPU has no prev task.
type PrevTask struct {
	PID      int32
	Valid    bool
	Runnable bool
	RanNs    uint64
	SliceNs  uint64
	DSQClass int
}

// Dispatch implements the dispatch(cpu, prev_task) callback (§4.6):
// returns true if a task was placed on cpu's LOCAL queue (either by
// keep-running prev, peeking a source DSQ/ATQ, work-stealing a sibling
// shard, or falling back to pick-2).
func (s *Scheduler) Dispatch(cpuID int, prev PrevTask) bool {
	if !s.initDone {
		return false
	}
	cpuCtx := s.reg.CPU(cpuID)
	if cpuCtx == nil {
		return false
	}
	llc := s.reg.LLC(cpuCtx.LLCID)
	if llc == nil {
		return false
	}

	if s.keepRunning(cpuCtx, llc, prev) {
		return true
	}

	if s.dispatchFromSources(cpuCtx, llc) {
		return true
	}

	if s.cfg.LLCShards > 1 && s.workStealShards(cpuCtx, llc) {
		return true
	}

	return s.dispatchPick2(cpuCtx)
}

// keepRunning implements §4.6's keep-running clause: prev stays on cpu if
// it is still runnable, under its max-exec budget, outside the top DSQ
// class, and the local LLC is not oversubscribed.
func (s *Scheduler) keepRunning(cpuCtx *topology.CpuCtx, llc *topology.LlcCtx, prev PrevTask) bool {
	if !s.cfg.KeepRunningEnabled || !prev.Valid || !prev.Runnable {
		return false
	}
	if prev.RanNs >= uint64(s.cfg.MaxExecNs) {
		return false
	}
	_, slices := s.currentSlices()
	if prev.DSQClass >= len(slices)-1 {
		return false
	}
	if s.llcOversubscribed(llc) {
		return false
	}
	cpuCtx.CurrentSliceNs = prev.SliceNs
	return true
}

// llcOversubscribed reports whether llc's queued work exceeds the
// dispatch-time busy threshold (§6.4 dispatch_lb_busy), used as the
// keep-running gate's "not oversubscribed" check.
func (s *Scheduler) llcOversubscribed(llc *topology.LlcCtx) bool {
	queued := 0
	for _, id := range llc.ShardDSQIDs {
		queued += s.host.DSQNrQueued(id)
	}
	queued += s.host.DSQNrQueued(llc.MigDSQID)
	return queued > s.cfg.DispatchLBBusy
}

// dispatchFromSources implements §4.6's peek-vtime-across-sources step:
// affinitized DSQ, this CPU's LLC DSQ/shard, and (if >=2 LLCs) the
// migration DSQ/ATQ. The lowest-vtime source's head moves to LOCAL.
func (s *Scheduler) dispatchFromSources(cpuCtx *topology.CpuCtx, llc *topology.LlcCtx) bool {
	type source struct {
		id     uint64
		useATQ bool
	}

	candidates := []source{
		{id: cpuCtx.AffnDSQID},
		{id: cpuCtx.LLCDSQID},
	}
	if s.reg.NrLLCs() >= 2 {
		candidates = append(candidates, source{id: llc.MigDSQID, useATQ: s.atqFor(llc.ID) != nil})
	}

	bestIdx := -1
	bestVTime := uint64(0)
	haveBest := false
	for i, c := range candidates {
		var vtime uint64
		var ok bool
		if c.useATQ {
			_, vtime, ok = s.atqFor(llc.ID).Peek()
		} else {
			_, vtime, ok = s.host.DSQPeek(c.id)
		}
		if !ok {
			continue
		}
		if !haveBest || vtime < bestVTime {
			bestIdx, bestVTime, haveBest = i, vtime, true
		}
	}
	if !haveBest {
		return false
	}

	chosen := candidates[bestIdx]
	if chosen.useATQ {
		return s.dispatchFromATQ(cpuCtx, llc)
	}
	moved, err := s.host.DSQMoveToLocal(chosen.id)
	return err == nil && moved
}

// dispatchFromATQ pops the ATQ head and moves it to LOCAL, handling the
// peek/pop race §4.6 calls out: if pop yields a different pid than peek
// observed, reinsert the popped task into the LLC DSQ with its vtime and
// report no placement this call (the caller's next dispatch invocation
// retries).
func (s *Scheduler) dispatchFromATQ(cpuCtx *topology.CpuCtx, llc *topology.LlcCtx) bool {
	atq := s.atqFor(llc.ID)
	if atq == nil {
		return false
	}
	peekPID, _, ok := atq.Peek()
	if !ok {
		return false
	}
	popPID, popVTime, ok := atq.Pop()
	if !ok {
		return false
	}
	if popPID != peekPID {
		_, slices := s.currentSlices()
		_ = s.host.DSQInsertVTime(popPID, cpuCtx.LLCDSQID, slices[0], popVTime, 0)
		s.met.ATQReenqueues.Inc()
		return false
	}
	if err := s.host.DSQInsertVTime(popPID, cpuCtx.AffnDSQID, 0, popVTime, 0); err != nil {
		return false
	}
	moved, err := s.host.DSQMoveToLocal(cpuCtx.AffnDSQID)
	return err == nil && moved
}

// workStealShards implements §4.6's sibling-shard work-steal: when local
// sources are empty and sharding is enabled, try every other shard of
// this LLC in round-robin order starting at this CPU's own shard index.
func (s *Scheduler) workStealShards(cpuCtx *topology.CpuCtx, llc *topology.LlcCtx) bool {
	n := len(llc.ShardDSQIDs)
	if n < 2 {
		return false
	}
	startShard := 0
	for i, id := range llc.ShardDSQIDs {
		if id == cpuCtx.LLCDSQID {
			startShard = i
			break
		}
	}
	for i := 1; i < n; i++ {
		shard := (startShard + i) % n
		moved, err := s.host.DSQMoveToLocal(llc.ShardDSQIDs[shard])
		if err == nil && moved {
			return true
		}
	}
	return false
}
