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

// scaleWeight and inverseScaleWeight implement §4.4's weight scaling.
// Integer truncation here is preserved exactly as specified — SPEC_FULL.md
// §9's Open Question about this is resolved as "preserve existing
// rounding", so these are intentionally plain integer division, not
// rounded or promoted to floating point.
func scaleWeight(weight int, x uint64) uint64 {
	return x * uint64(weight) / 100
}

func inverseScaleWeight(weight int, x uint64) uint64 {
	return x * 100 / uint64(weight)
}

// sliceForClass computes slice[k] = slice[0] << (k + dsqShift), per §4.4.
func sliceForClass(slice0 uint64, class, dsqShift int) uint64 {
	return slice0 << uint(class+dsqShift)
}

// classSlices returns slice[0..nrClasses) given the base slice0 and shift.
func classSlices(slice0 uint64, nrClasses, dsqShift int) []uint64 {
	slices := make([]uint64, nrClasses)
	for k := range slices {
		slices[k] = sliceForClass(slice0, k, dsqShift)
	}
	return slices
}

// clampVTime applies §4.4's backward-debt clamp: if dsqVTime would be less
// than llcVTime - scaleWeight(weight, maxSlice), raise it to that floor.
// It never lowers dsqVTime (the vtime cursor only bounds debt, never takes
// away earned credit).
func clampVTime(dsqVTime, llcVTime uint64, weight int, maxSlice uint64) uint64 {
	floor := scaleWeight(weight, maxSlice)
	if llcVTime > floor && dsqVTime < llcVTime-floor {
		return llcVTime - floor
	}
	return dsqVTime
}

// nextClass applies §4.4's promotion/demotion rule: promote if usedRatio
// (used/slice, in percent) >= 90, demote if < 50, otherwise unchanged.
// Nice tasks (weight < 100) are capped at class 1 regardless.
func nextClass(current, nrClasses int, usedPercent int, weight int) int {
	next := current
	switch {
	case usedPercent >= 90:
		next = current + 1
	case usedPercent < 50:
		next = current - 1
	}
	if next < 0 {
		next = 0
	}
	if next >= nrClasses {
		next = nrClasses - 1
	}
	if weight < 100 && next > 1 {
		next = 1
	}
	return next
}

// deadlineSlice implements §4.4's optional deadline mode: the slice used
// for this run is max_slice * nr_idle / nr_queued, clamped to [min, max].
func deadlineSlice(maxSlice uint64, nrIdle, nrQueued int, minSlice uint64) uint64 {
	if nrQueued <= 0 {
		return maxSlice
	}
	s := maxSlice * uint64(nrIdle) / uint64(nrQueued)
	if s < minSlice {
		return minSlice
	}
	if s > maxSlice {
		return maxSlice
	}
	return s
}
