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

// White-box tests (package sched, not sched_test): these reach into
// Scheduler/LlcCtx fields the HostOps-only black-box tests in
// scheduler_test.go/fakehost_test.go cannot touch (llc.Load, s.globalSaturated),
// needed to exercise §4.7's pick-2 load balancer and §4.5's migration-budget
// predicate directly rather than through many cycles of organic load accrual.
package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/p2dq-core/pkg/config"
	"github.com/intel/p2dq-core/pkg/dsq"
	"github.com/intel/p2dq-core/pkg/metrics"
	"github.com/intel/p2dq-core/pkg/topology"
)

// wbHost is a minimal in-memory HostOps, distinct from fakehost_test.go's
// fakeHost (package sched_test) so this file can stay in package sched and
// reach unexported Scheduler/topology fields.
type wbHost struct {
	nrCPUs int
	idle   map[int]bool
	local  map[int][]int32
	dsqs   map[uint64][]wbEntry
	curCPU int
	now    int64
}

type wbEntry struct {
	pid   int32
	vtime uint64
}

func newWBHost(nrCPUs int) *wbHost {
	h := &wbHost{
		nrCPUs: nrCPUs,
		idle:   make(map[int]bool),
		local:  make(map[int][]int32),
		dsqs:   make(map[uint64][]wbEntry),
	}
	for i := 0; i < nrCPUs; i++ {
		h.idle[i] = true
	}
	return h
}

func (h *wbHost) DSQCreate(id uint64, numaNode int) error { return nil }

func (h *wbHost) DSQInsert(pid int32, dsqID uint64, sliceNs uint64, flags dsq.Flags) error {
	h.dsqs[dsqID] = append(h.dsqs[dsqID], wbEntry{pid: pid})
	return nil
}

func (h *wbHost) DSQInsertVTime(pid int32, dsqID uint64, sliceNs, vtime uint64, flags dsq.Flags) error {
	q := append(h.dsqs[dsqID], wbEntry{pid: pid, vtime: vtime})
	for i := len(q) - 1; i > 0 && q[i].vtime < q[i-1].vtime; i-- {
		q[i], q[i-1] = q[i-1], q[i]
	}
	h.dsqs[dsqID] = q
	return nil
}

func (h *wbHost) DSQInsertLocal(pid int32, cpu int, sliceNs uint64, flags dsq.Flags) error {
	h.local[cpu] = append(h.local[cpu], pid)
	return nil
}

func (h *wbHost) DSQMoveToLocal(dsqID uint64) (bool, error) {
	q := h.dsqs[dsqID]
	if len(q) == 0 {
		return false, nil
	}
	h.local[h.curCPU] = append(h.local[h.curCPU], q[0].pid)
	h.dsqs[dsqID] = q[1:]
	return true, nil
}

func (h *wbHost) DSQPeek(dsqID uint64) (int32, uint64, bool) {
	q := h.dsqs[dsqID]
	if len(q) == 0 {
		return 0, 0, false
	}
	return q[0].pid, q[0].vtime, true
}

func (h *wbHost) DSQNrQueued(dsqID uint64) int { return len(h.dsqs[dsqID]) }

func (h *wbHost) TestAndClearCPUIdle(cpu int) bool {
	if h.idle[cpu] {
		h.idle[cpu] = false
		return true
	}
	return false
}

func (h *wbHost) GetIdleCPUMask() []uint64 {
	words := (h.nrCPUs + 63) / 64
	mask := make([]uint64, words)
	for cpu, idle := range h.idle {
		if idle {
			mask[cpu/64] |= 1 << uint(cpu%64)
		}
	}
	return mask
}

func (h *wbHost) GetIdleSMTMask() []uint64 { return h.GetIdleCPUMask() }

func (h *wbHost) CPUPerfSet(cpu int, level int) error { return nil }

func (h *wbHost) KickCPU(cpu int, flags dsq.Flags) error { return nil }

func (h *wbHost) Now() int64 { return h.now }

func (h *wbHost) TaskCPU(pid int32) int { return -1 }
func (h *wbHost) NrCPUIDs() int         { return h.nrCPUs }
func (h *wbHost) CPUNode(cpu int) int   { return 0 }

func (h *wbHost) ReportError(kind ErrorKind, message string) {}

func buildRowsWB(nrLLCs, cpusPerLLC int) []topology.CPUInfo {
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

// TestPick2DrainsHeavierLLCFirst exercises §4.7's documented inversion of
// classical pick-2 (§8 scenario S3): given two LLCs with a load imbalance,
// the heavier one's migration queue is tried first.
func TestPick2DrainsHeavierLLCFirst(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 2
	cfg.NrNodes = 1
	cfg.ATQEnabled = false
	cfg.MinNrQueuedPick2 = 0
	cfg.BackoffNs = 0

	host := newWBHost(4)
	s := New(cfg, host, metrics.New())
	require.NoError(t, s.Init(buildRowsWB(2, 2)))

	heavyLLC := s.reg.LLC(0)
	lightLLC := s.reg.LLC(1)
	heavyLLC.Load = 1000
	lightLLC.Load = 0

	require.NoError(t, host.DSQInsertVTime(42, heavyLLC.MigDSQID, 0, 10, 0))

	host.curCPU = 2 // cpu 2 is in llc1, the light/local LLC
	require.True(t, s.Dispatch(2, PrevTask{}))
	require.Equal(t, []int32{42}, host.local[2])
}

// TestPick2FallsBackToLighterLLC verifies the "else try the lighter" clause
// once the heavier LLC's migration queue is empty.
func TestPick2FallsBackToLighterLLC(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 2
	cfg.NrNodes = 1
	cfg.ATQEnabled = false
	cfg.MinNrQueuedPick2 = 0
	cfg.BackoffNs = 0

	host := newWBHost(4)
	s := New(cfg, host, metrics.New())
	require.NoError(t, s.Init(buildRowsWB(2, 2)))

	heavyLLC := s.reg.LLC(0)
	lightLLC := s.reg.LLC(1)
	heavyLLC.Load = 1000
	lightLLC.Load = 0

	require.NoError(t, host.DSQInsertVTime(7, lightLLC.MigDSQID, 0, 5, 0))

	// cpu 0 is in llc0, the heavy/local LLC: its own sources are empty, so
	// only pick-2 can reach the lighter LLC's migration queue.
	host.curCPU = 0
	require.True(t, s.Dispatch(0, PrevTask{}))
	require.Equal(t, []int32{7}, host.local[0])
}

// TestMigrationBudgetInvariant checks §8's migration-budget invariant: no
// pick-2-style migration is eligible while a task's llc_runs budget is
// still outstanding, regardless of saturation.
func TestMigrationBudgetInvariant(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 2
	cfg.NrNodes = 1

	host := newWBHost(4)
	s := New(cfg, host, metrics.New())
	require.NoError(t, s.Init(buildRowsWB(2, 2)))

	tc, err := s.InitTask(1, 0, 100, true)
	require.NoError(t, err)
	tc.LLCRuns = 3

	llc := s.reg.LLC(0)
	s.globalSaturated = true
	require.False(t, s.canMigrate(tc, llc), "llc_runs > 0 must block migration even when saturated")

	tc.LLCRuns = 0
	require.True(t, s.canMigrate(tc, llc))
}

// TestVTimeMonotonic checks §8's vtime invariant: an LLC's vtime cursor
// never decreases across a running/stopping cycle.
func TestVTimeMonotonic(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 1
	cfg.NrNodes = 1

	host := newWBHost(2)
	s := New(cfg, host, metrics.New())
	require.NoError(t, s.Init(buildRowsWB(1, 2)))

	_, err := s.InitTask(1, 0, 100, true)
	require.NoError(t, err)

	llc := s.reg.LLC(0)
	before := llc.VTime()

	host.now = 1_000_000
	require.NoError(t, s.Running(1, 0))
	host.now = 2_500_000
	require.NoError(t, s.Stopping(1, 0, true))

	require.Greater(t, llc.VTime(), before)
}

// TestDSQClassBounds checks §8's class-bounds invariant: nextClass never
// produces a class outside [0, nrClasses).
func TestDSQClassBounds(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 1
	cfg.NrNodes = 1
	cfg.NrDSQsPerLLC = 3

	host := newWBHost(2)
	s := New(cfg, host, metrics.New())
	require.NoError(t, s.Init(buildRowsWB(1, 2)))

	tc, err := s.InitTask(1, 0, 100, true)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		host.now += 1_000_000
		require.NoError(t, s.Running(1, 0))
		host.now += int64(tc.SliceNs) * 2 // always exceeds slice: keep promoting
		require.NoError(t, s.Stopping(1, 0, true))
		require.GreaterOrEqual(t, tc.DSQClass, 0)
		require.Less(t, tc.DSQClass, cfg.NrDSQsPerLLC)
	}
}

// TestRunPeriodicBalanceSingleLLCSkipsHinting checks §8 boundary 12: a
// single-LLC system never sets a pick-2 hint but still rolls auto-slice.
func TestRunPeriodicBalanceSingleLLCSkipsHinting(t *testing.T) {
	cfg := config.Default()
	cfg.NrLLCs = 1
	cfg.NrNodes = 1
	cfg.Autoslice = true

	host := newWBHost(2)
	s := New(cfg, host, metrics.New())
	require.NoError(t, s.Init(buildRowsWB(1, 2)))

	llc := s.reg.LLC(0)
	llc.Load = 100
	llc.InteractiveLoad = 100 // ratio 100% > target: slice should shrink

	// slice[0] starts at min_slice, where the clamp stops any shrink, so
	// start it higher to make the shrink observable.
	s.slice0 = 2 * uint64(cfg.MinSliceUs) * 1000
	s.slices = classSlices(s.slice0, cfg.NrDSQsPerLLC, cfg.DSQShift)

	_, before := s.currentSlices()
	s.RunPeriodicBalance(1_000_000)
	_, after := s.currentSlices()

	require.Equal(t, int32(-1), llc.LBLLCHint)
	require.Less(t, after[0], before[0])
}
