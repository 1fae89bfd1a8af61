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
	"math"
	"math/rand"

	"github.com/intel/p2dq-core/pkg/topology"
)

// RunPeriodicBalance implements the per-tick pick-2 load balancer and
// auto-slice rollover (§4.7 steps 1-4), invoked by the wakeup-kick timer
// (timer.go) every period (default 250ms).
func (s *Scheduler) RunPeriodicBalance(now int64) {
	nrLLCs := s.reg.NrLLCs()
	if nrLLCs < 2 {
		// Single-LLC system: pick-2 is never invoked (§8 boundary 12),
		// so the rotation/hint machinery below has nothing to target,
		// but auto-slice still rolls over.
		s.rollAutoSlice(now)
		return
	}

	for i, llc := range s.reg.LLCs() {
		if llc == nil {
			continue
		}
		peer := (i + s.rotation) % nrLLCs
		peerLLC := s.reg.LLC(peer)
		if peerLLC == nil || peer == i {
			continue
		}

		loadI := llc.Load
		loadPeer := peerLLC.Load
		imbalance := 0
		if loadI > loadPeer {
			imbalance = int((loadI - loadPeer) * 100 / loadI)
		}

		if imbalance > s.cfg.SlackFactor {
			llc.LBLLCHint = int32(peer)
		} else {
			llc.LBLLCHint = -1
		}
	}

	// Advance rotation mod (nr_llcs-1), skipping 0, per §4.7 step 1.
	s.rotation = (s.rotation % (nrLLCs - 1)) + 1

	s.rollAutoSlice(now)

	for _, llc := range s.reg.LLCs() {
		if llc == nil {
			continue
		}
		llc.ResetLoad()
		llc.LastPeriodNs = now
	}
}

// rollAutoSlice implements §4.7 step 3: grow slice[0] by 10% if the
// interactive/total load ratio is below target, shrink by 1/11 if above,
// clamped to >= min_slice. No-op if cfg.Autoslice is off.
func (s *Scheduler) rollAutoSlice(now int64) {
	if !s.cfg.Autoslice {
		return
	}

	var total, interactive uint64
	for _, llc := range s.reg.LLCs() {
		if llc == nil {
			continue
		}
		total += llc.Load
		interactive += llc.InteractiveLoad
	}

	s.sliceMu.Lock()
	defer s.sliceMu.Unlock()

	if total > 0 {
		ratio := interactive * 100 / total
		targetRatio := uint64(s.cfg.InteractiveRatio)
		if ratio < targetRatio {
			s.slice0 = s.slice0 + s.slice0/10
		} else if ratio > targetRatio {
			s.slice0 = s.slice0 - s.slice0/11
		}
	}

	minSlice := uint64(s.cfg.MinSliceUs) * 1000
	if s.slice0 < minSlice {
		s.slice0 = minSlice
	}
	s.slices = classSlices(s.slice0, s.cfg.NrDSQsPerLLC, s.cfg.DSQShift)
}

// minLLCRunsPick2 implements §4.7's adaptive threshold:
//
//	saturated => min(2, max_min_llc_runs)
//	else      => min(log2(idle%) + log2(nr_llcs), max_min_llc_runs)
//
// max_min_llc_runs is taken from cfg.MinLLCRunsPick2, which in this
// configuration surface doubles as the configured cap (DESIGN.md
// records this as an Open Question resolution: the distilled spec names
// one knob, min_llc_runs_pick2, for what the original treats as both the
// floor input and the cap — we use it as the cap here and derive the
// adaptive floor from idle percentage and LLC count).
func (s *Scheduler) minLLCRunsPick2() int {
	maxRuns := s.cfg.MinLLCRunsPick2
	if maxRuns < 1 {
		maxRuns = 1
	}
	if s.globalSaturated {
		return min(2, maxRuns)
	}

	idlePct := s.idlePercent()
	if idlePct <= 0 {
		idlePct = 1
	}
	v := int(math.Log2(float64(idlePct))) + int(math.Log2(float64(max(s.reg.NrLLCs(), 1))))
	if v < 0 {
		v = 0
	}
	return min(v, maxRuns)
}

// idlePercent returns the percentage of CPUs currently idle system-wide,
// derived from each LLC's private idle mask when arena-idle-tracking is
// enabled.
func (s *Scheduler) idlePercent() int {
	if s.reg.NrCPUs() == 0 {
		return 0
	}
	idle := 0
	for _, llc := range s.reg.LLCs() {
		if llc == nil {
			continue
		}
		idle += llc.IdleCPUs.Weight()
	}
	return idle * 100 / s.reg.NrCPUs()
}

// pickTwoLLCIDs samples two distinct LLC ids uniformly at random, special
// cased for nr_llcs==2 (§4.7 step on dispatch-time pick-2).
func pickTwoLLCIDs(nrLLCs int) (a, b int) {
	if nrLLCs == 2 {
		return 0, 1
	}
	a = rand.Intn(nrLLCs)
	b = rand.Intn(nrLLCs - 1)
	if b >= a {
		b++
	}
	return a, b
}

// dispatchPick2 implements §4.7's dispatch-time pick-2: runs only when
// the local CPU's queues are empty (called from dispatch.go). It returns
// true if a task was moved to cpu's LOCAL queue.
func (s *Scheduler) dispatchPick2(cpu *topology.CpuCtx) bool {
	if s.cfg.SingleLLCMode || s.cfg.DispatchPick2Disable || s.reg.NrLLCs() < 2 {
		return false
	}

	localLLC := s.reg.LLC(cpu.LLCID)
	if localLLC == nil {
		return false
	}

	now := s.host.Now()
	gated := int(s.host.DSQNrQueued(localLLC.MigDSQID)) < s.cfg.MinNrQueuedPick2 ||
		now-localLLC.LastPeriodNs < s.cfg.BackoffNs

	if gated && !s.globalSaturated {
		return false
	}

	a, b := pickTwoLLCIDs(s.reg.NrLLCs())
	llcA := s.reg.LLC(a)
	llcB := s.reg.LLC(b)
	if llcA == nil || llcB == nil {
		return false
	}

	// Order heavier first: the documented inversion of classical pick-2
	// (§4.7, §9 Open Question — preserved exactly as specified).
	heavy, light := llcA, llcB
	if light.Load > heavy.Load {
		heavy, light = light, heavy
	}

	localLoad := localLLC.Load
	slack := localLoad * uint64(s.cfg.SlackFactor) / 100

	if s.globalSaturated || heavy.Load >= localLoad+slack {
		if s.drainMigrationQueue(heavy, cpu) {
			s.met.Pick2Selections.WithLabelValues("heavy").Inc()
			s.met.Pick2Dispatches.Inc()
			return true
		}
	}
	if s.drainMigrationQueue(light, cpu) {
		s.met.Pick2Selections.WithLabelValues("light").Inc()
		s.met.Pick2Dispatches.Inc()
		return true
	}

	if s.globalSaturated && s.reg.NrLLCs() > 2 {
		extra := rand.Intn(s.reg.NrLLCs())
		if extraLLC := s.reg.LLC(extra); extraLLC != nil {
			if s.drainMigrationQueue(extraLLC, cpu) {
				s.met.Pick2Selections.WithLabelValues("extra").Inc()
				s.met.Pick2Dispatches.Inc()
				return true
			}
		}
	}

	return false
}

// drainMigrationQueue moves one task from llc's migration DSQ (or ATQ, if
// configured) to cpu's LOCAL queue.
func (s *Scheduler) drainMigrationQueue(llc *topology.LlcCtx, cpu *topology.CpuCtx) bool {
	if atq := s.atqFor(llc.ID); atq != nil {
		if pid, vtime, ok := atq.Pop(); ok {
			if err := s.host.DSQInsertVTime(pid, cpu.AffnDSQID, 0, vtime, 0); err == nil {
				moved, _ := s.host.DSQMoveToLocal(cpu.AffnDSQID)
				if moved {
					return true
				}
			}
		}
	}
	moved, err := s.host.DSQMoveToLocal(llc.MigDSQID)
	return err == nil && moved
}
