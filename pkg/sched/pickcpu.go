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
	"github.com/intel/p2dq-core/pkg/topology"
)

// WakeFlags mirrors the host's wakeup flag bits this core inspects.
type WakeFlags uint32

const (
	WakeSync WakeFlags = 1 << iota
)

// PickCPU implements select_cpu/pick_cpu (§4.5, §4.6, §6.1): picks a CPU
// for task to run on, claiming it atomically via the host's idle-claim
// primitive when the policy finds an idle candidate. If the picker
// claimed an idle CPU, the task is inserted directly onto that CPU's
// LOCAL queue with its current slice (§4.6 pick_cpu's last bullet) and
// PickCPU returns the claimed cpu with claimed=true; enqueue must then
// treat this as already handled.
func (s *Scheduler) PickCPU(pid int32, prevCPU int, wakerCPU int, flags WakeFlags) (cpu int, claimed bool, err error) {
	if !s.initDone {
		return prevCPU, false, errNotInitialized
	}
	tc, err := s.task(pid)
	if err != nil {
		return prevCPU, false, err
	}

	if tc.Allowed != nil && !tc.AllCPUs {
		cpu, claimed = s.pickAffinitized(tc, prevCPU)
	} else {
		cpu, claimed = s.pickGeneral(tc, prevCPU, wakerCPU, flags)
	}

	tc.setPick(cpu, claimed)

	if claimed {
		s.met.IdlePicks.Inc()
		_, slices := s.currentSlices()
		_ = s.host.DSQInsertLocal(pid, cpu, slices[tc.DSQClass], 0)
		s.markKick(cpu)
	}
	return cpu, claimed, nil
}

// pickAffinitized runs the reduced picker for a task not allowed on every
// CPU (§4.6 pick_cpu: "run a reduced picker that only considers CPUs in
// the task's allowed mask").
func (s *Scheduler) pickAffinitized(tc *TaskCtx, prevCPU int) (int, bool) {
	if tc.Allowed.Test(prevCPU) && s.claimIdle(prevCPU) {
		return prevCPU, true
	}
	claimedCPU := -1
	tc.Allowed.ForEach(func(cpu int) bool {
		if s.claimIdle(cpu) {
			claimedCPU = cpu
			return false
		}
		return true
	})
	if claimedCPU >= 0 {
		return claimedCPU, true
	}
	if prevCPU < 0 || !tc.Allowed.Test(prevCPU) {
		if first := tc.Allowed.Slice(); len(first) > 0 {
			return first[0], false
		}
	}
	return prevCPU, false
}

// pickGeneral runs the full 10-step idle CPU picker (§4.5).
func (s *Scheduler) pickGeneral(tc *TaskCtx, prevCPU, wakerCPU int, flags WakeFlags) (int, bool) {
	cpuCtx := s.reg.CPU(prevCPU)
	if cpuCtx == nil {
		return prevCPU, false
	}
	llc := s.reg.LLC(cpuCtx.LLCID)
	if llc == nil {
		return prevCPU, false
	}

	// Step 1: interactive-sticky short-circuit.
	if s.cfg.InteractiveSticky && tc.Interactive {
		if s.claimIdle(prevCPU) {
			return prevCPU, true
		}
		return prevCPU, false
	}

	// Step 2: prev_cpu fast path.
	if s.idleForTask(llc, prevCPU, tc) && s.claimIdle(prevCPU) {
		return prevCPU, true
	}

	smallSystem := s.reg.NrLLCs() <= 2 || s.reg.NrNodes() <= 2
	sync := flags&WakeSync != 0

	// Step 3: WAKE_SYNC + interactive, or WAKE_SYNC + small system.
	if sync && (tc.Interactive || smallSystem) {
		if cpu, ok := s.claimAnyIdleInLLC(llc); ok {
			return cpu, true
		}
		return prevCPU, false
	}

	// Step 4: WAKE_SYNC general.
	if sync {
		if cpu, ok := s.claimIdleSMTInLLC(llc); ok {
			return cpu, true
		}
		if cpu, ok := s.claimAnyIdleInLLC(llc); ok {
			return cpu, true
		}
		wakerCtx := s.reg.CPU(wakerCPU)
		if wakerCtx != nil && wakerCtx.LLCID != llc.ID && s.cfg.WakeupLLCMigrations {
			wakerLLC := s.reg.LLC(wakerCtx.LLCID)
			if wakerLLC != nil {
				if cpu, ok := s.claimAnyIdleInLLC(wakerLLC); ok {
					s.met.WakeupLLCMigrations.Inc()
					return cpu, true
				}
			}
		}
		s.met.WakePrevHits.Inc()
		return wakerCPU, false
	}

	// Step 5: perf-mode preference on heterogeneous CPUs.
	if s.cfg.HasLittleCores {
		if cpu, ok := s.perfModePreference(llc); ok {
			return cpu, true
		}
	}

	// Step 6: pick-2 hint redirect.
	if llc.LBLLCHint >= 0 && tc.LLCRuns == 0 {
		if hinted := s.reg.LLC(int(llc.LBLLCHint)); hinted != nil {
			llc.LBLLCHint = -1
			if cpu, ok := s.claimAnyIdleInLLC(hinted); ok {
				return cpu, true
			}
		}
	}

	// Step 7: little/big preference by interactivity (heterogeneous).
	if s.cfg.HasLittleCores {
		if cpu, ok := s.interactivityCorePreference(llc, tc.Interactive); ok {
			return cpu, true
		}
	}

	// Step 8: local LLC full-idle-SMT-core, then any idle CPU.
	if cpu, ok := s.claimIdleSMTInLLC(llc); ok {
		return cpu, true
	}
	if cpu, ok := s.claimAnyIdleInLLC(llc); ok {
		return cpu, true
	}

	// Step 9: saturated + migratable widening.
	if s.canMigrate(tc, llc) {
		node := s.reg.NodeByID(llc.NodeID)
		if node != nil {
			if cpu, ok := s.claimAnyIdleInMask(node.CPUs); ok {
				return cpu, true
			}
		}
		if s.globalSaturated {
			for _, other := range s.reg.LLCs() {
				if other == nil || other.ID == llc.ID {
					continue
				}
				if cpu, ok := s.claimAnyIdleInLLC(other); ok {
					return cpu, true
				}
			}
		}
	}

	// Step 10: fallback.
	return prevCPU, false
}

// canMigrate implements §4.5's can_migrate predicate.
func (s *Scheduler) canMigrate(tc *TaskCtx, llc *topology.LlcCtx) bool {
	if s.reg.NrLLCs() < 2 {
		return false
	}
	if !tc.AllCPUs {
		return false
	}
	if !s.cfg.DispatchLBInteractive && tc.Interactive {
		return false
	}
	if s.cfg.MaxDSQPick2 > 0 && tc.DSQClass != 0 {
		return false
	}
	if tc.LLCRuns != 0 {
		return false
	}
	return s.globalSaturated || llc.Saturated
}

// claimIdle attempts to claim cpu via the host's test-and-clear primitive
// and keeps the owning LLC's private idle masks coherent if
// arena-idle-tracking is enabled.
func (s *Scheduler) claimIdle(cpu int) bool {
	if !s.host.TestAndClearCPUIdle(cpu) {
		return false
	}
	if s.cfg.ArenaIdleTracking {
		if cpuCtx := s.reg.CPU(cpu); cpuCtx != nil {
			if llc := s.reg.LLC(cpuCtx.LLCID); llc != nil {
				_, _ = llc.IdleCPUs.AtomicClear(cpu)
				_ = llc.IdleSMT.Clear(cpu)
				if cpuCtx.Sibling >= 0 {
					_ = llc.IdleSMT.Clear(cpuCtx.Sibling)
				}
			}
		}
	}
	return true
}

// idleForTask reports whether prevCPU is in the idle subset appropriate
// for tc: the SMT-fully-idle subset when tc is non-interactive and SMT is
// enabled, otherwise the regular idle mask (§4.5 step 2).
func (s *Scheduler) idleForTask(llc *topology.LlcCtx, prevCPU int, tc *TaskCtx) bool {
	if s.cfg.SMTEnabled && !tc.Interactive {
		return llc.IdleSMT.Test(prevCPU)
	}
	return llc.IdleCPUs.Test(prevCPU)
}

// claimAnyIdleInLLC tries every CPU in llc's idle mask, claiming the
// first that succeeds.
func (s *Scheduler) claimAnyIdleInLLC(llc *topology.LlcCtx) (int, bool) {
	return s.claimAnyIdleInMask(llc.IdleCPUs)
}

// claimIdleSMTInLLC tries every CPU in llc's SMT-fully-idle subset first.
func (s *Scheduler) claimIdleSMTInLLC(llc *topology.LlcCtx) (int, bool) {
	return s.claimAnyIdleInMask(llc.IdleSMT)
}

func (s *Scheduler) claimAnyIdleInMask(mask interface{ ForEach(func(int) bool) }) (int, bool) {
	found := -1
	mask.ForEach(func(cpu int) bool {
		if s.claimIdle(cpu) {
			found = cpu
			return false
		}
		return true
	})
	return found, found >= 0
}

// perfModePreference implements §4.5 step 5: try big cores first in
// performance mode, little cores first in efficiency mode.
func (s *Scheduler) perfModePreference(llc *topology.LlcCtx) (int, bool) {
	switch s.cfg.SchedMode {
	case "performance":
		return s.claimAnyIdleInMask(llc.Big)
	case "efficiency":
		return s.claimAnyIdleInMask(llc.Little)
	default:
		return -1, false
	}
}

// interactivityCorePreference implements §4.5 step 7.
func (s *Scheduler) interactivityCorePreference(llc *topology.LlcCtx, interactive bool) (int, bool) {
	if interactive {
		return s.claimAnyIdleInMask(llc.Little)
	}
	if cpu, ok := s.claimIdleSMTInLLC(llc); ok {
		return cpu, true
	}
	return s.claimAnyIdleInMask(llc.Big)
}
