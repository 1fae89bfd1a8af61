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

// maxPerfLevel is the cpufreq "max performance" request level this core
// issues for top-class tasks when freq_control is enabled (§4.6 running).
const maxPerfLevel = 1024

// Running implements the running(task) callback (§4.6): records run-start
// bookkeeping, refreshes or decrements llc_runs, updates the task's
// LLC/node cache, updates the CPU ctx's current class/slice, conditionally
// raises the LLC's vtime cursor, and requests max cpufreq for top-class
// tasks when enabled.
func (s *Scheduler) Running(pid int32, cpu int) error {
	if !s.initDone {
		return errNotInitialized
	}
	tc, err := s.task(pid)
	if err != nil {
		return err
	}
	cpuCtx := s.reg.CPU(cpu)
	if cpuCtx == nil {
		return newError(ErrorLookupFatal, "running: unknown cpu %d", cpu)
	}
	llc := s.reg.LLC(cpuCtx.LLCID)
	if llc == nil {
		return newError(ErrorLookupFatal, "running: cpu %d has no llc", cpu)
	}

	now := s.host.Now()
	tc.LastRunAt = now
	if !tc.everRan {
		tc.LastRunStarted = now
		tc.everRan = true
	}

	if tc.LLCID != llc.ID {
		tc.LLCRuns = s.minLLCRunsPick2()
		if tc.NodeID != llc.NodeID {
			s.met.NodeMigrations.Inc()
		}
		s.met.LLCMigrations.Inc()
		tc.LLCID = llc.ID
		tc.NodeID = llc.NodeID
		tc.DSQVTime = llc.VTime()
	} else if tc.LLCRuns > 0 {
		tc.LLCRuns--
	}

	_, slices := s.currentSlices()
	slice := slices[tc.DSQClass]
	tc.SliceNs = slice
	cpuCtx.CurrentDSQClass = tc.DSQClass
	cpuCtx.CurrentSliceNs = slice
	cpuCtx.Interactive = tc.Interactive
	cpuCtx.RanNsInSlot = 0

	maxSlice := slices[len(slices)-1]
	tc.DSQVTime = clampVTime(tc.DSQVTime, llc.VTime(), tc.Weight, maxSlice)
	if cur := llc.VTime(); tc.DSQVTime > cur && tc.DSQVTime <= cur+maxSlice {
		llc.SetVTime(tc.DSQVTime)
	}

	if s.cfg.FreqControl && tc.DSQClass == len(slices)-1 {
		_ = s.host.CPUPerfSet(cpu, maxPerfLevel)
	}

	return nil
}
