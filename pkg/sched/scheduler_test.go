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

package sched_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/p2dq-core/pkg/config"
	"github.com/intel/p2dq-core/pkg/metrics"
	"github.com/intel/p2dq-core/pkg/sched"
	"github.com/intel/p2dq-core/pkg/topology"
)

// buildRows lays out nrLLCs LLCs of cpusPerLLC CPUs each on a single NUMA
// node, SMT off (each CPU is its own physical core).
func buildRows(nrLLCs, cpusPerLLC int) []topology.CPUInfo {
	var rows []topology.CPUInfo
	cpu := 0
	for llc := 0; llc < nrLLCs; llc++ {
		for i := 0; i < cpusPerLLC; i++ {
			rows = append(rows, topology.CPUInfo{CPU: cpu, Core: cpu, LLC: llc, Node: 0})
			cpu++
		}
	}
	return rows
}

// newScenario builds a Scheduler over a fakeHost and seeds every CPU's
// owning LLC idle mask by driving an update_idle(cpu, true) call for each
// one: idleForTask and its claim helpers read the LLC's private IdleCPUs/
// IdleSMT mirrors (topology.LlcCtx), not the host's own idle map directly,
// so a scenario that expects pick_cpu to see starting-idle CPUs must seed
// those mirrors the same way a real host would before the first wakeup.
func newScenario(t *testing.T, cfg *config.Config, rows []topology.CPUInfo) (*sched.Scheduler, *fakeHost) {
	t.Helper()
	host := newFakeHost(len(rows))
	s := sched.New(cfg, host, metrics.New())
	require.NoError(t, s.Init(rows))
	for _, r := range rows {
		s.UpdateIdle(r.CPU, true)
	}
	return s, host
}

// TestS1WakeupToPrevIdleCPU covers §8 scenario S1: a task pinned to every
// CPU wakes on its all-idle previous CPU and is placed there directly.
func TestS1WakeupToPrevIdleCPU(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 2
	cfg.NrNodes = 1
	cfg.SMTEnabled = false

	s, host := newScenario(t, cfg, buildRows(2, 4)) // llc0: cpus 0-3, llc1: cpus 4-7

	_, err := s.InitTask(100, 3, 100, true)
	require.NoError(t, err)

	cpu, claimed, err := s.PickCPU(100, 3, 3, 0)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, 3, cpu)

	require.False(t, host.idle[3], "cpu 3 must no longer read idle once claimed")
	require.Len(t, host.local[3], 1)
	require.Equal(t, int32(100), host.local[3][0].pid)
}

// TestS6AffinitizedDirectDispatch covers §8 scenario S6: a task restricted
// to a single CPU is sent straight there when that CPU is idle.
func TestS6AffinitizedDirectDispatch(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 2
	cfg.NrNodes = 1
	cfg.SMTEnabled = false

	s, host := newScenario(t, cfg, buildRows(2, 4))

	_, err := s.InitTask(200, 0, 100, true)
	require.NoError(t, err)
	require.NoError(t, s.SetCPUMask(200, []uint64{1 << 7})) // restrict to cpu 7 only

	cpu, claimed, err := s.PickCPU(200, 3, 3, 0)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, 7, cpu)
	require.Len(t, host.local[7], 1)
	require.Equal(t, int32(200), host.local[7][0].pid)
}

// TestS6AffinitizedRoutesToAffnDSQWhenBusy covers the other half of S6: once
// the task's only allowed CPU is busy, enqueue must route it onto that
// CPU's affinitized DSQ rather than silently dropping it or picking another
// CPU it isn't allowed on.
func TestS6AffinitizedRoutesToAffnDSQWhenBusy(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 2
	cfg.NrNodes = 1
	cfg.SMTEnabled = false

	s, host := newScenario(t, cfg, buildRows(2, 4))
	host.setIdle(7, false)
	s.UpdateIdle(7, false)

	_, err := s.InitTask(201, 0, 100, true)
	require.NoError(t, err)
	require.NoError(t, s.SetCPUMask(201, []uint64{1 << 7}))

	promise, err := s.Enqueue(201, -1, -1, false)
	require.NoError(t, err)
	require.Equal(t, 7, promise.CPU)
	require.Empty(t, host.local[7])
}

// TestS4ClassPromotion covers §8 scenario S4: a task that uses (close to)
// its entire slice is promoted to a less-interactive DSQ class.
func TestS4ClassPromotion(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 1
	cfg.NrNodes = 1
	cfg.TaskSlice = false

	s, host := newScenario(t, cfg, buildRows(1, 2))

	tc, err := s.InitTask(1, 0, 100, true)
	require.NoError(t, err)
	require.Equal(t, 0, tc.DSQClass)

	host.advance(1_000)
	require.NoError(t, s.Running(1, 0))

	slice := tc.SliceNs
	host.advance(int64(slice)) // run the full slice: 100% used, promote
	require.NoError(t, s.Stopping(1, 0, true))

	require.Greater(t, tc.DSQClass, 0)
	require.False(t, tc.Interactive)
}

// TestS5ClassDemotion covers §8 scenario S5: a task that sleeps almost
// immediately (well under half its slice) is demoted back toward class 0
// and marked interactive.
func TestS5ClassDemotion(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 1
	cfg.NrNodes = 1
	cfg.TaskSlice = false

	s, host := newScenario(t, cfg, buildRows(1, 2))

	tc, err := s.InitTask(2, 0, 100, true)
	require.NoError(t, err)
	tc.DSQClass = 1
	tc.Interactive = false

	host.advance(1_000)
	require.NoError(t, s.Running(2, 0))

	host.advance(10) // a handful of ns, far under 50% of any slice
	require.NoError(t, s.Stopping(2, 0, true))

	require.Equal(t, 0, tc.DSQClass)
	require.True(t, tc.Interactive)
}

// TestMaskCapacityInvariant checks §8's mask-capacity invariant: a
// restricted task's allowed mask never reports more bits set than the
// topology has CPUs, and SetCPUMask's all_cpus recomputation matches a
// full mask.
func TestMaskCapacityInvariant(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 1
	cfg.NrNodes = 1

	s, _ := newScenario(t, cfg, buildRows(1, 4))

	_, err := s.InitTask(1, 0, 100, true)
	require.NoError(t, err)

	full := uint64(0)
	for i := 0; i < 4; i++ {
		full |= 1 << uint(i)
	}
	require.NoError(t, s.SetCPUMask(1, []uint64{full}))

	// A task allowed on every CPU degrades back to the general picker:
	// PickCPU must still succeed and return a CPU within range.
	cpu, _, err := s.PickCPU(1, 0, 0, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cpu, 0)
	require.Less(t, cpu, 4)
}

// TestUnknownTaskLookupReportsError checks §7/§8: a hot-path callback on an
// unregistered pid reports a fatal lookup error through the host instead of
// panicking.
func TestUnknownTaskLookupReportsError(t *testing.T) {
	cfg := config.Default()
	s, host := newScenario(t, cfg, buildRows(1, 2))

	_, _, err := s.PickCPU(999, 0, 0, 0)
	require.Error(t, err)
	require.NotEmpty(t, host.errs)
}

// TestBoundarySingleLLCNoPick2 covers §8 boundary 12: with a single LLC,
// dispatch never invokes pick-2 and simply reports nothing to place when
// every source is empty.
func TestBoundarySingleLLCNoPick2(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 1
	cfg.NrNodes = 1

	s, _ := newScenario(t, cfg, buildRows(1, 2))

	moved := s.Dispatch(0, sched.PrevTask{})
	require.False(t, moved)
}

// TestExitTaskRemovesContext checks that a task looked up after ExitTask is
// reported as an unknown pid, matching the exit_task/init_task lifecycle
// pairing (§6.1).
func TestExitTaskRemovesContext(t *testing.T) {
	cfg := config.Default()
	s, _ := newScenario(t, cfg, buildRows(1, 2))

	_, err := s.InitTask(5, 0, 100, true)
	require.NoError(t, err)
	s.ExitTask(5)

	_, _, err = s.PickCPU(5, 0, 0, 0)
	require.Error(t, err)
}
