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

const (
	// loadBalancePeriodNs is §4.7's default load-balance tick (250ms).
	loadBalancePeriodNs = 250_000_000

	// emaAlphaNum/emaAlphaDen weight the utilization EMA update; a
	// classic 1/8 smoothing factor, the same shape the teacher's
	// exported gauges use for smoothed rates.
	emaAlphaNum, emaAlphaDen = 1, 8

	// idleSlowdownFactor is how much the kick-scan period stretches out
	// when the system is idle or stats are disabled (§4.8: "4-10x").
	idleSlowdownFactor = 8
)

// timerState is the wakeup-kick timer's private state (§4.8), driven by
// repeated calls to Scheduler.Tick rather than an owned goroutine — the
// host decides how and when to invoke the timer, consistent with every
// other callback in this package.
type timerState struct {
	basePeriodNs int64
	lastTickNs   int64
	lastBalance  int64

	utilEMA float64

	statsEnabled bool
}

func newTimerState(slice0 uint64) timerState {
	return timerState{
		basePeriodNs: int64(slice0),
		statsEnabled: true,
	}
}

// Tick implements §4.8's periodic wakeup-kick timer: scans kickPending,
// IDLE-kicks any CPU that is both idle and still carrying the bit, rolls
// the load balancer at its own (slower) period, and updates the
// utilization EMA. It returns the recommended delay, in nanoseconds,
// before the host should call Tick again.
func (s *Scheduler) Tick(now int64) int64 {
	if !s.initDone {
		return loadBalancePeriodNs
	}

	s.scanKicks()

	busyPct := 100 - s.idlePercent()
	s.timer.utilEMA += (float64(busyPct) - s.timer.utilEMA) * emaAlphaNum / emaAlphaDen

	if now-s.timer.lastBalance >= loadBalancePeriodNs {
		s.RunPeriodicBalance(now)
		s.timer.lastBalance = now
	}

	s.timer.lastTickNs = now

	period := s.timer.basePeriodNs
	if period <= 0 {
		period = int64(loadBalancePeriodNs)
	}
	if !s.timer.statsEnabled || busyPct == 0 {
		period *= idleSlowdownFactor
	}
	return period
}

// scanKicks walks every CPU with a pending kick bit set and, if it is
// still idle with pending local work, asks the host to IDLE-kick it.
func (s *Scheduler) scanKicks() {
	if s.kickPending == nil {
		return
	}
	s.kickPending.ForEach(func(cpu int) bool {
		if s.cpuStillNeedsKick(cpu) {
			_ = s.host.KickCPU(cpu, dsq.KickIdle)
		}
		_, _ = s.kickPending.AtomicClear(cpu)
		return true
	})
}

// cpuStillNeedsKick reports whether cpu is both idle and has local work
// queued, i.e. the kick would actually wake something up.
func (s *Scheduler) cpuStillNeedsKick(cpu int) bool {
	cpuCtx := s.reg.CPU(cpu)
	if cpuCtx == nil {
		return false
	}
	idle := false
	if s.cfg.ArenaIdleTracking {
		if llc := s.reg.LLC(cpuCtx.LLCID); llc != nil {
			idle = llc.IdleCPUs.Test(cpu)
		}
	} else {
		idle = bitmapFromHost(s.reg.NrCPUs(), s.host.GetIdleCPUMask()).Test(cpu)
	}
	if !idle {
		return false
	}
	return s.host.DSQNrQueued(cpuCtx.AffnDSQID) > 0 || s.host.DSQNrQueued(cpuCtx.LLCDSQID) > 0
}
