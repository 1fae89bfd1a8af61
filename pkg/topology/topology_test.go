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

package topology_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/p2dq-core/pkg/bitmap"
	"github.com/intel/p2dq-core/pkg/topology"
)

// twoLLCSystem builds the S1/S2 topology from spec.md §8: 1 node, 2 LLCs
// (A=0, B=1), 4 CPUs each, SMT off.
func twoLLCSystem(t *testing.T) *topology.Registry {
	t.Helper()
	var rows []topology.CPUInfo
	cpu := 0
	for llc := 0; llc < 2; llc++ {
		for i := 0; i < 4; i++ {
			rows = append(rows, topology.CPUInfo{CPU: cpu, Core: cpu, LLC: llc, Node: 0})
			cpu++
		}
	}
	reg, err := topology.Build(rows, 3, 0)
	require.NoError(t, err)
	return reg
}

func TestTopologyConsistency(t *testing.T) {
	reg := twoLLCSystem(t)

	require.Equal(t, 8, reg.NrCPUs())
	require.Equal(t, 2, reg.NrLLCs())
	require.Equal(t, 1, reg.NrNodes())

	// Invariant 2: node(llc(c)) == node(c); c in cpumask(llc(c));
	// cpumask(llc(c)) subset of cpumask(node(c)).
	for _, cpu := range reg.CPUs() {
		llc := reg.LLC(cpu.LLCID)
		node := reg.NodeByID(cpu.NodeID)
		require.NotNil(t, llc)
		require.NotNil(t, node)
		require.Equal(t, node.ID, llc.NodeID)
		require.True(t, llc.CPUs.Test(cpu.ID))
		require.True(t, bitmap.Subset(node.CPUs, llc.CPUs))
	}
}

func TestUnknownLLCReference(t *testing.T) {
	rows := []topology.CPUInfo{{CPU: 0, Core: 0, LLC: 5, Node: 0}}
	_, err := topology.Build(rows, 3, 0)
	require.Error(t, err)
}

func TestUnknownNodeReference(t *testing.T) {
	rows := []topology.CPUInfo{
		{CPU: 0, Core: 0, LLC: 0, Node: 0},
		{CPU: 1, Core: 1, LLC: 0, Node: 7},
	}
	_, err := topology.Build(rows, 3, 0)
	require.Error(t, err)
}

func TestLLCSpanningNodesRejected(t *testing.T) {
	rows := []topology.CPUInfo{
		{CPU: 0, Core: 0, LLC: 0, Node: 0},
		{CPU: 1, Core: 1, LLC: 0, Node: 1},
	}
	_, err := topology.Build(rows, 3, 0)
	require.Error(t, err)
}

func TestSMTSiblings(t *testing.T) {
	rows := []topology.CPUInfo{
		{CPU: 0, Core: 0, LLC: 0, Node: 0},
		{CPU: 4, Core: 0, LLC: 0, Node: 0},
		{CPU: 1, Core: 1, LLC: 0, Node: 0},
	}
	reg, err := topology.Build(rows, 3, 0)
	require.NoError(t, err)

	require.Equal(t, 4, reg.CPU(0).Sibling)
	require.Equal(t, 0, reg.CPU(4).Sibling)
	require.Equal(t, -1, reg.CPU(1).Sibling)
}

func TestVTimeMonotone(t *testing.T) {
	reg := twoLLCSystem(t)
	llc := reg.LLC(0)

	require.Equal(t, uint64(0), llc.VTime())
	llc.BumpVTime(100)
	require.Equal(t, uint64(100), llc.VTime())
	llc.BumpVTime(50)
	require.Equal(t, uint64(150), llc.VTime())
}

func TestDepthFirstVisitsEveryCPU(t *testing.T) {
	reg := twoLLCSystem(t)
	seen := map[int]bool{}
	err := reg.Root.DepthFirst(func(n *topology.Node) error {
		if n.Level == topology.LevelCPU {
			seen[n.CPU.ID] = true
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 8)
}

func TestIdleHeap(t *testing.T) {
	reg := twoLLCSystem(t)
	llc := reg.LLC(0)

	llc.PushIdleCPU(3, 10)
	llc.PushIdleCPU(1, 2)
	llc.PushIdleCPU(2, 5)

	cpu, ok := llc.PopIdleCPU()
	require.True(t, ok)
	require.Equal(t, 1, cpu)

	cpu, ok = llc.PopIdleCPU()
	require.True(t, ok)
	require.Equal(t, 2, cpu)

	_, ok = reg.LLC(1).PopIdleCPU()
	require.False(t, ok)
}
