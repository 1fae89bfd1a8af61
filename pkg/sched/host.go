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

import "github.com/intel/p2dq-core/pkg/dsq"

// HostOps is the thin adapter layer (§9's "Kernel-facing ABI shims") this
// core calls into for every data-plane primitive a host scheduler-extension
// facility is expected to provide (§6.2, plus the report_error primitive
// SPEC_FULL.md §6.2 adds). None of the decision logic in pickcpu.go,
// enqueue.go, dispatch.go, or balance.go depends on how an implementation
// backs these methods; a test host can be a pure in-memory fake (see
// fakehost_test.go), a real implementation would marshal to the kernel's
// actual DSQ/idle-mask/kick ABI.
type HostOps interface {
	// DSQCreate creates a host-managed DSQ with the given id, pinned to
	// numaNode (or -1 for no NUMA affinity).
	DSQCreate(id uint64, numaNode int) error
	// DSQInsert places a task on dsq_id in FIFO order with the given slice
	// and flags.
	DSQInsert(taskPID int32, dsqID uint64, sliceNs uint64, flags dsq.Flags) error
	// DSQInsertVTime places a task on dsq_id ordered by vtime.
	DSQInsertVTime(taskPID int32, dsqID uint64, sliceNs, vtime uint64, flags dsq.Flags) error
	// DSQInsertLocal places a task directly on cpu's LOCAL queue (the
	// SCX_DSQT_LOCAL_ON-equivalent primitive), used by pick_cpu and
	// enqueue when an idle CPU was just claimed.
	DSQInsertLocal(taskPID int32, cpu int, sliceNs uint64, flags dsq.Flags) error
	// DSQMoveToLocal moves the head of dsq_id to the calling CPU's LOCAL
	// queue; returns false if dsq_id was empty.
	DSQMoveToLocal(dsqID uint64) (moved bool, err error)
	// DSQPeek returns the pid and vtime of the head of dsq_id without
	// removing it; ok is false if empty.
	DSQPeek(dsqID uint64) (pid int32, vtime uint64, ok bool)
	// DSQNrQueued returns the number of tasks currently queued on dsq_id.
	DSQNrQueued(dsqID uint64) int

	// TestAndClearCPUIdle attempts to atomically claim cpu as no longer
	// idle; returns true if the claim succeeded (cpu was idle).
	TestAndClearCPUIdle(cpu int) bool
	// GetIdleCPUMask returns the host's current system-wide idle CPU mask
	// as a host mask slice (word-per-64-bits, as bitmap.FromHostMask
	// expects).
	GetIdleCPUMask() []uint64
	// GetIdleSMTMask returns the host's current SMT-fully-idle mask in
	// the same format.
	GetIdleSMTMask() []uint64

	// CPUPerfSet requests a cpufreq performance level (0-1024-ish scale,
	// host-defined) for cpu.
	CPUPerfSet(cpu int, level int) error
	// KickCPU requests the host wake/IPI cpu, e.g. because new local work
	// may be waiting and it may be idle.
	KickCPU(cpu int, flags dsq.Flags) error

	// Now returns monotonic nanoseconds.
	Now() int64

	// TaskCPU returns the CPU a task is currently assigned/running on.
	TaskCPU(taskPID int32) int
	// NrCPUIDs returns the number of CPU ids the host knows about.
	NrCPUIDs() int
	// CPUNode returns the NUMA node a CPU belongs to.
	CPUNode(cpu int) int

	// ReportError is the single outbound escape hatch for non-recoverable
	// conditions (SPEC_FULL.md §6.2 EXPANSION); the host is expected to
	// eject the scheduler after receiving one with a fatal Kind.
	ReportError(kind ErrorKind, message string)
}
