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

// Package topology builds the four-level system → NUMA node → LLC → CPU tree
// (§4.2) from host-supplied per-CPU triples, and owns the per-CPU/per-LLC/
// per-node contexts (§3) every other package in the scheduler core operates
// on. It plays the role the teacher's pkg/sysfs discovery code and the
// topology-aware builtin policy's node.go tree play, minus the actual sysfs
// file reads — here the "discovery" input is handed in by the host rather
// than read from /sys, because the scheduler core runs as part of a kernel
// scheduler extension, not as a userspace process walking sysfs.
package topology

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/intel/p2dq-core/pkg/bitmap"
	logger "github.com/intel/p2dq-core/pkg/log"
)

const logSource = "topology"

var log = logger.NewLogger(logSource)

// Level identifies a tier of the topology tree.
type Level int

const (
	// LevelSystem is the root of the tree.
	LevelSystem Level = iota
	// LevelNode is a NUMA node.
	LevelNode
	// LevelLLC is a last-level-cache domain.
	LevelLLC
	// LevelCPU is a single logical CPU.
	LevelCPU
)

func (l Level) String() string {
	switch l {
	case LevelSystem:
		return "system"
	case LevelNode:
		return "node"
	case LevelLLC:
		return "llc"
	case LevelCPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// CPUInfo is a single entry of the host-supplied discovery input: one row
// per CPU, giving its placement in the tree and whether it is a "big" core
// on a heterogeneous (big.LITTLE-style) system.
type CPUInfo struct {
	CPU    int
	Core   int
	LLC    int
	Node   int
	IsBig  bool
	SMTIdx int // index of this CPU within its physical core (0 for the primary thread)
}

// CpuCtx is the per-CPU context (§3).
type CpuCtx struct {
	ID     int
	LLCID  int
	NodeID int
	CoreID int
	IsBig  bool

	// Sibling is the other logical CPU sharing CoreID, or -1 if SMT is off
	// or this core has no sibling.
	Sibling int

	// Scheduler-mutable fast-path state. Owned exclusively by this CPU;
	// never touched by another CPU's callback invocation (§5).
	CurrentDSQClass int
	CurrentSliceNs  uint64
	RanNsInSlot     uint64
	Interactive     bool

	// DSQ ids assigned to this CPU at init (§4.3), stable for the life of
	// the scheduler.
	AffnDSQID uint64
	LLCDSQID  uint64
	MigDSQID  uint64
}

// LlcCtx is the per-LLC context (§3).
type LlcCtx struct {
	ID     int
	NodeID int

	CPUs   *bitmap.Bitmap // CPUs owned by this LLC
	Big    *bitmap.Bitmap // big-core subset
	Little *bitmap.Bitmap // little-core subset
	Scratch *bitmap.Bitmap // scratch mask for picker use, exclusive to the owning CPU's call stack

	IdleCPUs *bitmap.Bitmap // private mirror of the host idle mask, arena-idle-tracking mode only
	IdleSMT  *bitmap.Bitmap // SMT-fully-idle subset of IdleCPUs

	NrCPUs int

	// Vtime cursor, monotone within this LLC (§4.4). Accessed with relaxed
	// atomics from multiple CPUs (§5); use VTime()/SetVTime()/BumpVTime().
	vtime uint64

	// Load accounting, relaxed atomics (§5). NRClasses-sized; index k is
	// the load accrued by DSQ class k this period.
	Load            uint64
	ClassLoad       []uint64
	InteractiveLoad uint64
	AffnLoad        uint64

	MigDSQID uint64
	MigATQ   ATQHandle // zero value means "ATQ mode disabled for this LLC"

	ShardDSQIDs []uint64 // len == nr shards; empty if sharding disabled

	// LBLLCHint is the pick-2 hint (§4.7): id of a peer LLC this LLC's
	// dispatch path should redirect migratable tasks to, or -1 for none.
	LBLLCHint int32

	LastPeriodNs int64

	Saturated bool

	// idleHeap is the optional per-LLC idle-CPU priority min-heap (§4.6
	// update_idle, cpu_priority feature); guarded by heapMu, the one
	// explicit lock the core takes (§5).
	heapMu  spinLock
	idleHeap idleHeap
}

// VTime reads the LLC's vtime cursor with a relaxed atomic load.
func (l *LlcCtx) VTime() uint64 { return atomicLoad(&l.vtime) }

// SetVTime conditionally raises the cursor: a running() callback (§4.6) may
// only raise vtime, and only if the proposed value is within one max-slice of
// the current cursor (§4.4's clamp rule), which the caller is responsible for
// having already checked.
func (l *LlcCtx) SetVTime(v uint64) { atomicStore(&l.vtime, v) }

// BumpVTime adds delta to the cursor (used on stopping(), §4.6).
func (l *LlcCtx) BumpVTime(delta uint64) { atomicAdd(&l.vtime, delta) }

// AddLoad atomically accrues used ns into the LLC's total load, the given
// class's per-class load, and (if interactive) the interactive load
// counter (§4.6 stopping's load accounting).
func (l *LlcCtx) AddLoad(class int, used uint64, interactive bool) {
	atomicAdd(&l.Load, used)
	if class >= 0 && class < len(l.ClassLoad) {
		atomicAdd(&l.ClassLoad[class], used)
	}
	if interactive {
		atomicAdd(&l.InteractiveLoad, used)
	}
}

// ResetLoad zeros every per-period load counter, called once per LLC at
// the end of a load-balance tick (§4.7 step 4).
func (l *LlcCtx) ResetLoad() {
	atomicStore(&l.Load, 0)
	for i := range l.ClassLoad {
		atomicStore(&l.ClassLoad[i], 0)
	}
	atomicStore(&l.InteractiveLoad, 0)
	atomicStore(&l.AffnLoad, 0)
}

// NodeCtx is the per-NUMA-node context (§3).
type NodeCtx struct {
	ID      int
	CPUs    *bitmap.Bitmap
	BigCPUs *bitmap.Bitmap
}

// ATQHandle is an opaque host-provided handle for a user-space priority
// queue (§4.3's ATQ entity). The zero value denotes "no ATQ".
type ATQHandle uint64

// Node is one vertex of the four-level tree (§3's TopologyNode). Exactly one
// of CPU/LLC/Node is non-nil, selected by Level.
type Node struct {
	Level    Level
	Index    int
	Parent   *Node
	Children []*Node

	CPU  *CpuCtx
	LLC  *LlcCtx
	Node *NodeCtx
}

// Registry is the constructed, immutable-after-init topology (§4.2): O(1)
// lookup of any context from its id, and enumeration of CPUs per LLC and
// LLCs per node.
type Registry struct {
	Root *Node

	NrClasses int

	cpus  []*CpuCtx // indexed by cpu id
	llcs  []*LlcCtx // indexed by llc id
	nodes []*NodeCtx

	llcOfNode map[int][]int // node id -> llc ids, sorted
	cpuOfLLC  map[int][]int // llc id -> cpu ids, sorted

	nrCPUsTotal int
}

// CPUs returns every per-CPU context, indexed by CPU id.
func (r *Registry) CPUs() []*CpuCtx { return r.cpus }

// LLCs returns every per-LLC context, indexed by LLC id.
func (r *Registry) LLCs() []*LlcCtx { return r.llcs }

// Nodes returns every per-node context, indexed by node id.
func (r *Registry) Nodes() []*NodeCtx { return r.nodes }

// NrCPUs returns the total number of CPUs known to the registry.
func (r *Registry) NrCPUs() int { return r.nrCPUsTotal }

// NrLLCs returns the number of LLC domains.
func (r *Registry) NrLLCs() int { return len(r.llcs) }

// NrNodes returns the number of NUMA nodes.
func (r *Registry) NrNodes() int { return len(r.nodes) }

// CPU looks up a per-CPU context by id, or nil if out of range.
func (r *Registry) CPU(id int) *CpuCtx {
	if id < 0 || id >= len(r.cpus) {
		return nil
	}
	return r.cpus[id]
}

// LLC looks up a per-LLC context by id, or nil if out of range.
func (r *Registry) LLC(id int) *LlcCtx {
	if id < 0 || id >= len(r.llcs) {
		return nil
	}
	return r.llcs[id]
}

// NodeByID looks up a per-node context by id, or nil if out of range.
func (r *Registry) NodeByID(id int) *NodeCtx {
	if id < 0 || id >= len(r.nodes) {
		return nil
	}
	return r.nodes[id]
}

// CPUIDsOfLLC returns the sorted CPU ids belonging to an LLC.
func (r *Registry) CPUIDsOfLLC(llc int) []int { return r.cpuOfLLC[llc] }

// LLCIDsOfNode returns the sorted LLC ids belonging to a node.
func (r *Registry) LLCIDsOfNode(node int) []int { return r.llcOfNode[node] }

// Build constructs the topology tree bottom-up from the host-supplied CPU
// rows (§4.2's construction algorithm): one CpuCtx per row, grouped into
// LlcCtxs by LLCID, grouped into NodeCtxs by Node, each LLC's masks unioned
// into its node's mask. nrClasses is the configured number of DSQ classes
// (NR in §4.4), needed here only to size LlcCtx.ClassLoad.
func Build(rows []CPUInfo, nrClasses, nrShards int) (*Registry, error) {
	if len(rows) == 0 {
		return nil, errors.New("topology: no CPUs supplied")
	}

	nrCPUs := 0
	llcIDs := map[int]struct{}{}
	nodeIDs := map[int]struct{}{}
	seenCPU := map[int]struct{}{}
	for _, r := range rows {
		if _, dup := seenCPU[r.CPU]; dup {
			return nil, errors.Errorf("topology: duplicate cpu id %d", r.CPU)
		}
		seenCPU[r.CPU] = struct{}{}
		if r.CPU+1 > nrCPUs {
			nrCPUs = r.CPU + 1
		}
		llcIDs[r.LLC] = struct{}{}
		nodeIDs[r.Node] = struct{}{}
	}

	reg := &Registry{
		NrClasses:   nrClasses,
		cpus:        make([]*CpuCtx, nrCPUs),
		nrCPUsTotal: len(rows),
		llcOfNode:   map[int][]int{},
		cpuOfLLC:    map[int][]int{},
	}

	maxLLC := maxKey(llcIDs)
	maxNode := maxKey(nodeIDs)
	reg.llcs = make([]*LlcCtx, maxLLC+1)
	reg.nodes = make([]*NodeCtx, maxNode+1)

	for id := range nodeIDs {
		reg.nodes[id] = &NodeCtx{
			ID:      id,
			CPUs:    bitmap.New(nrCPUs),
			BigCPUs: bitmap.New(nrCPUs),
		}
	}
	for id := range llcIDs {
		reg.llcs[id] = &LlcCtx{
			ID:          id,
			CPUs:        bitmap.New(nrCPUs),
			Big:         bitmap.New(nrCPUs),
			Little:      bitmap.New(nrCPUs),
			Scratch:     bitmap.New(nrCPUs),
			IdleCPUs:    bitmap.New(nrCPUs),
			IdleSMT:     bitmap.New(nrCPUs),
			ClassLoad:   make([]uint64, nrClasses),
			LBLLCHint:   -1,
			ShardDSQIDs: make([]uint64, 0, nrShards),
		}
	}

	coreSiblings := map[int][]int{} // core id -> cpu ids on that core
	llcNodeSeen := map[int]int{}    // llc id -> node id, for the one-LLC-one-node invariant

	for _, r := range rows {
		llc := reg.llcs[r.LLC]
		if llc == nil {
			return nil, errors.Errorf("topology: cpu %d references unknown llc %d", r.CPU, r.LLC)
		}
		node := reg.nodes[r.Node]
		if node == nil {
			return nil, errors.Errorf("topology: cpu %d references unknown node %d", r.CPU, r.Node)
		}
		if seenNode, ok := llcNodeSeen[r.LLC]; ok && seenNode != r.Node {
			return nil, errors.Errorf("topology: llc %d spans multiple nodes (%d, %d)", r.LLC, seenNode, r.Node)
		}
		llcNodeSeen[r.LLC] = r.Node
		llc.NodeID = r.Node

		cpu := &CpuCtx{
			ID:      r.CPU,
			LLCID:   r.LLC,
			NodeID:  r.Node,
			CoreID:  r.Core,
			IsBig:   r.IsBig,
			Sibling: -1,
		}
		reg.cpus[r.CPU] = cpu
		coreSiblings[r.Core] = append(coreSiblings[r.Core], r.CPU)

		if err := llc.CPUs.Set(r.CPU); err != nil {
			return nil, errors.Wrapf(err, "topology: setting cpu %d in llc %d mask", r.CPU, r.LLC)
		}
		if r.IsBig {
			_ = llc.Big.Set(r.CPU)
			_ = node.BigCPUs.Set(r.CPU)
		} else {
			_ = llc.Little.Set(r.CPU)
		}
		_ = node.CPUs.Set(r.CPU)
		llc.NrCPUs++

		reg.cpuOfLLC[r.LLC] = append(reg.cpuOfLLC[r.LLC], r.CPU)
	}

	for _, cpus := range coreSiblings {
		if len(cpus) < 2 {
			continue
		}
		sort.Ints(cpus)
		for i, c := range cpus {
			other := cpus[(i+1)%len(cpus)]
			if other != c {
				reg.cpus[c].Sibling = other
			}
		}
	}

	for llcID, llc := range reg.llcs {
		if llc == nil {
			continue
		}
		reg.llcOfNode[llc.NodeID] = append(reg.llcOfNode[llc.NodeID], llcID)
	}
	for _, ids := range reg.llcOfNode {
		sort.Ints(ids)
	}
	for _, ids := range reg.cpuOfLLC {
		sort.Ints(ids)
	}

	reg.Root = buildTree(reg)

	log.Info("topology: %d cpus, %d llcs, %d nodes", reg.nrCPUsTotal, len(llcIDs), len(nodeIDs))

	return reg, nil
}

func buildTree(reg *Registry) *Node {
	root := &Node{Level: LevelSystem}
	for id, nc := range reg.nodes {
		if nc == nil {
			continue
		}
		nNode := &Node{Level: LevelNode, Index: id, Parent: root, Node: nc}
		root.Children = append(root.Children, nNode)
		for _, llcID := range reg.llcOfNode[id] {
			llc := reg.llcs[llcID]
			nLLC := &Node{Level: LevelLLC, Index: llcID, Parent: nNode, LLC: llc}
			nNode.Children = append(nNode.Children, nLLC)
			for _, cpuID := range reg.cpuOfLLC[llcID] {
				cpu := reg.cpus[cpuID]
				nCPU := &Node{Level: LevelCPU, Index: cpuID, Parent: nLLC, CPU: cpu}
				nLLC.Children = append(nLLC.Children, nCPU)
			}
		}
	}
	return root
}

// DepthFirst walks the tree, calling fn on every node including the root.
func (n *Node) DepthFirst(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.DepthFirst(fn); err != nil {
			return err
		}
	}
	return nil
}

func maxKey(m map[int]struct{}) int {
	max := 0
	for k := range m {
		if k > max {
			max = k
		}
	}
	return max
}
