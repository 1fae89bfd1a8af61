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

// adaptive slice multipliers for task_slice mode (§4.6 stopping):
// heavy use (promoted) grows the cached slice, light use (demoted)
// shrinks it, numerator/denominator chosen to match the spec's 1.25/0.875
// factors without floating point.
const (
	sliceGrowNum, sliceGrowDen     = 5, 4   // x1.25
	sliceShrinkNum, sliceShrinkDen = 7, 8   // x0.875
)

// Stopping implements the stopping(task, still_runnable) callback (§4.6):
// accrues used runtime into vtime/load, advances the task's DSQ class, and
// (if task_slice is enabled) adjusts the cached per-task slice.
func (s *Scheduler) Stopping(pid int32, cpu int, stillRunnable bool) error {
	if !s.initDone {
		return errNotInitialized
	}
	tc, err := s.task(pid)
	if err != nil {
		return err
	}
	cpuCtx := s.reg.CPU(cpu)
	if cpuCtx == nil {
		return newError(ErrorLookupFatal, "stopping: unknown cpu %d", cpu)
	}
	llc := s.reg.LLC(cpuCtx.LLCID)
	if llc == nil {
		return newError(ErrorLookupFatal, "stopping: cpu %d has no llc", cpu)
	}

	now := s.host.Now()
	used := uint64(0)
	if now > tc.LastRunAt {
		used = uint64(now - tc.LastRunAt)
	}

	tc.DSQVTime += inverseScaleWeight(tc.Weight, used)
	llc.BumpVTime(used)
	llc.AddLoad(tc.DSQClass, used, tc.Interactive)

	_, slices := s.currentSlices()
	slice := slices[tc.DSQClass]
	usedPercent := 100
	if slice > 0 {
		usedPercent = int(used * 100 / slice)
	}

	tc.lastDSQClass = tc.DSQClass
	tc.DSQClass = nextClass(tc.DSQClass, len(slices), usedPercent, tc.Weight)
	tc.Interactive = tc.DSQClass == 0
	if tc.DSQClass != tc.lastDSQClass {
		direction := "up"
		if tc.DSQClass < tc.lastDSQClass {
			direction = "down"
		}
		s.met.DSQClassChanges.WithLabelValues(direction).Inc()
	}

	if s.cfg.TaskSlice {
		switch {
		case usedPercent >= 90:
			tc.SliceNs = tc.SliceNs * sliceGrowNum / sliceGrowDen
		case usedPercent < 50:
			tc.SliceNs = tc.SliceNs * sliceShrinkNum / sliceShrinkDen
		}
		minSlice := uint64(s.cfg.MinSliceUs) * 1000
		maxSlice := slices[len(slices)-1]
		if tc.SliceNs < minSlice {
			tc.SliceNs = minSlice
		}
		if tc.SliceNs > maxSlice {
			tc.SliceNs = maxSlice
		}
	}

	_ = stillRunnable
	return nil
}
