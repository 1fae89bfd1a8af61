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

// Package sched implements the P2DQ scheduler core: CPU selection on
// wakeup, enqueue classification, dispatch, load accounting, interactive
// classification, slice management, and multi-LLC load balancing (§4).
//
// Everything here follows §9's "Global mutable state across callbacks"
// guidance: a single Scheduler value, owned by whatever embeds it, holds
// every piece of state the original's process-wide counters, flags, and
// tables held. Per-CPU state lives in the topology Registry's fixed
// []*CpuCtx/[]*LlcCtx arrays; per-task state lives in the Scheduler's
// task table, a borrow from host-provided task-local storage.
package sched

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/intel/p2dq-core/pkg/bitmap"
	"github.com/intel/p2dq-core/pkg/config"
	"github.com/intel/p2dq-core/pkg/dsq"
	logger "github.com/intel/p2dq-core/pkg/log"
	"github.com/intel/p2dq-core/pkg/metrics"
	"github.com/intel/p2dq-core/pkg/topology"
)

const logSource = "sched"

var log = logger.NewLogger(logSource)

// Scheduler is the single owned value driving all five hot-path callbacks
// plus lifecycle and idle-transition callbacks (§2, §4.6).
type Scheduler struct {
	cfg  *config.Config
	host HostOps
	reg  *topology.Registry
	met  *metrics.Collectors

	sliceMu sync.RWMutex // guards slices/slice0; autoslice (§4.7) writes, hot path reads
	slice0  uint64
	slices  []uint64

	tasksMu sync.RWMutex
	tasks   map[int32]*TaskCtx

	// atqs holds the optional per-LLC migration ATQs (§4.3), keyed by
	// LLC id, created only when cfg.ATQEnabled.
	atqs struct {
		mu    sync.RWMutex
		byLLC map[int]*dsq.ATQ
	}

	// rotation is the pick-2 peer-LLC rotation counter (§4.7 step 1),
	// advanced only by the periodic timer, never the hot path.
	rotation int

	// globalSaturated is the whole-system saturation flag (§4.6
	// update_idle); relaxed-atomic semantics aren't needed for a single
	// bool under Go's memory model here because it is only ever written
	// from update_idle callbacks the host serializes per its own idle
	// notification discipline, and read opportunistically elsewhere
	// (stale reads are explicitly acceptable per §5).
	globalSaturated bool
	globalOverload  bool

	// kickPending holds, per CPU, the "this CPU may be idle with new
	// local work" bit set by enqueue paths and consumed by the wakeup-kick
	// timer (§4.8); a *bitmap.Bitmap gives it the same atomic set/clear
	// discipline as every other shared mask.
	kickPending *bitmap.Bitmap

	timer timerState

	initDone bool
}

// New constructs a Scheduler bound to host, not yet initialized. Call
// Init with the host-supplied topology input to complete setup.
func New(cfg *config.Config, host HostOps, met *metrics.Collectors) *Scheduler {
	s := &Scheduler{
		cfg:   cfg,
		host:  host,
		met:   met,
		tasks: make(map[int32]*TaskCtx),
	}
	s.atqs.byLLC = make(map[int]*dsq.ATQ)
	return s
}

// atqFor returns the migration ATQ for llc, or nil if ATQ mode is
// disabled or llc has none.
func (s *Scheduler) atqFor(llcID int) *dsq.ATQ {
	s.atqs.mu.RLock()
	defer s.atqs.mu.RUnlock()
	return s.atqs.byLLC[llcID]
}

// Init implements the init() callback (§6.1): builds the topology
// registry, creates every DSQ (§4.3), and computes the initial slice
// table (§4.4). Failure is always ErrorInit and fatal (§7).
func (s *Scheduler) Init(rows []topology.CPUInfo) error {
	if s.initDone {
		return newError(ErrorInit, "scheduler already initialized")
	}

	reg, err := topology.Build(rows, s.cfg.NrDSQsPerLLC, s.cfg.LLCShards)
	if err != nil {
		return newError(ErrorInit, "topology build failed: %v", err)
	}
	s.reg = reg

	s.slice0 = uint64(s.cfg.MinSliceUs) * 1000
	s.slices = classSlices(s.slice0, s.cfg.NrDSQsPerLLC, s.cfg.DSQShift)

	if err := s.createDSQs(); err != nil {
		return newError(ErrorInit, "dsq creation failed: %v", err)
	}

	s.kickPending = bitmap.New(reg.NrCPUs())
	s.timer = newTimerState(s.slice0)

	s.initDone = true
	log.Info("scheduler initialized: %d cpus, %d llcs, %d nodes, mode=%s",
		reg.NrCPUs(), reg.NrLLCs(), reg.NrNodes(), s.cfg.SchedMode)
	return nil
}

// createDSQs creates every DSQ the core needs per LLC and per CPU (§4.3).
func (s *Scheduler) createDSQs() error {
	for _, llc := range s.reg.LLCs() {
		if llc == nil {
			continue
		}
		if s.cfg.LLCShards > 1 {
			llc.ShardDSQIDs = llc.ShardDSQIDs[:0]
			for shard := 0; shard < s.cfg.LLCShards; shard++ {
				id, err := dsq.ShardDSQID(llc.ID, shard)
				if err != nil {
					return err
				}
				if err := s.host.DSQCreate(id, llc.NodeID); err != nil {
					return err
				}
				llc.ShardDSQIDs = append(llc.ShardDSQIDs, id)
			}
		} else {
			id, err := dsq.LLCDSQID(llc.ID)
			if err != nil {
				return err
			}
			if err := s.host.DSQCreate(id, llc.NodeID); err != nil {
				return err
			}
			llc.ShardDSQIDs = []uint64{id}
		}

		migID, err := dsq.MigrationDSQID(llc.ID)
		if err != nil {
			return err
		}
		if err := s.host.DSQCreate(migID, llc.NodeID); err != nil {
			return err
		}
		llc.MigDSQID = migID
		if s.cfg.ATQEnabled {
			llc.MigATQ = topology.ATQHandle(migID)
			s.atqs.mu.Lock()
			s.atqs.byLLC[llc.ID] = dsq.NewATQ(s.reg.NrCPUs())
			s.atqs.mu.Unlock()
		}
	}

	for _, cpu := range s.reg.CPUs() {
		if cpu == nil {
			continue
		}
		id, err := dsq.AffinitizedDSQID(cpu.ID)
		if err != nil {
			return err
		}
		if err := s.host.DSQCreate(id, cpu.NodeID); err != nil {
			return err
		}
		cpu.AffnDSQID = id
		llc := s.reg.LLC(cpu.LLCID)
		cpu.LLCDSQID = llc.ShardDSQIDs[cpu.CoreID%len(llc.ShardDSQIDs)]
		cpu.MigDSQID = llc.MigDSQID
	}
	return nil
}

// Exit implements the exit(exit_info) callback (§6.1): records the
// diagnostic reason. Tearing down the timer is the caller's
// responsibility (Scheduler holds no goroutine of its own; see timer.go).
func (s *Scheduler) Exit(reason string) {
	log.Info("scheduler exiting: %s", reason)
}

// InitTask implements init_task (§4.6, §6.1): allocates a TaskCtx seeded
// from the task's starting LLC/node and weight.
func (s *Scheduler) InitTask(pid int32, cpu int, weight int, allCPUs bool) (*TaskCtx, error) {
	cpuCtx := s.reg.CPU(cpu)
	if cpuCtx == nil {
		return nil, newError(ErrorLookupFatal, "init_task: unknown cpu %d", cpu).WithFatal(true)
	}
	llc := s.reg.LLC(cpuCtx.LLCID)
	if llc == nil {
		return nil, newError(ErrorLookupFatal, "init_task: cpu %d has no llc", cpu).WithFatal(true)
	}
	if weight <= 0 {
		weight = 100
	}

	tc := newTaskCtx(pid, llc.ID, llc.NodeID, llc.VTime(), s.cfg.InitDSQIndex, weight, allCPUs, s.minLLCRunsPick2())

	s.tasksMu.Lock()
	s.tasks[pid] = tc
	s.tasksMu.Unlock()

	return tc, nil
}

// ExitTask implements exit_task (§4.6, §6.1): frees the TaskCtx.
func (s *Scheduler) ExitTask(pid int32) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	delete(s.tasks, pid)
}

// task looks up a task's context, reporting ErrorLookupFatal if absent:
// every hot-path callback after init_task assumes the context exists
// (§7's "per-CPU/LLC/task context lookup returned nothing in a
// non-recoverable path").
func (s *Scheduler) task(pid int32) (*TaskCtx, error) {
	s.tasksMu.RLock()
	tc, ok := s.tasks[pid]
	s.tasksMu.RUnlock()
	if !ok {
		err := newError(ErrorLookupFatal, "no TaskCtx for pid %d", pid)
		s.host.ReportError(err.Kind, err.Error())
		return nil, err
	}
	return tc, nil
}

// SetCPUMask implements set_cpumask (SPEC_FULL.md §4.6 EXPANSION):
// re-imports mask into the task's allowed-CPU bitmap and recomputes
// all_cpus.
func (s *Scheduler) SetCPUMask(pid int32, hostMask []uint64) error {
	tc, err := s.task(pid)
	if err != nil {
		return err
	}
	allowed := bitmapFromHost(s.reg.NrCPUs(), hostMask)
	tc.Allowed = allowed
	tc.AllCPUs = allowed.Weight() == s.reg.NrCPUs()
	return nil
}

// currentSlices returns a snapshot of the class slice table under the
// read lock autoslice (§4.7) writes through.
func (s *Scheduler) currentSlices() (slice0 uint64, slices []uint64) {
	s.sliceMu.RLock()
	defer s.sliceMu.RUnlock()
	return s.slice0, s.slices
}

// bitmapFromHost builds a *bitmap.Bitmap of the given capacity from a
// host-format mask slice (§6.2's from_host_mask primitive).
func bitmapFromHost(nrCPUs int, hostMask []uint64) *bitmap.Bitmap {
	b := bitmap.New(nrCPUs)
	bitmap.FromHostMask(b, hostMask)
	return b
}

// markKick records that cpu was just handed local work while it may still
// be idle from the host's perspective; the wakeup-kick timer (timer.go)
// is responsible for actually kicking it.
func (s *Scheduler) markKick(cpu int) {
	if s.kickPending == nil {
		return
	}
	_, _ = s.kickPending.AtomicSet(cpu)
}

var errNotInitialized = errors.New("sched: scheduler not initialized")
