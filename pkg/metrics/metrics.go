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

// Package metrics exposes the scheduler core's Prometheus counters (§6.5).
//
// The teacher instruments a long-running daemon with opencensus, Jaeger
// tracing, and a gRPC/HTTP-exposed Prometheus exporter (pkg/instrumentation).
// A scheduler core has no RPC surface and nothing to trace: there is no
// request to follow end to end, only a stream of dispatch-loop events. We
// keep the teacher's narrower pkg/metrics idiom instead -
// RegisterCollector/NewMetricGatherer wrapping github.com/prometheus/client_golang
// directly - and drop opencensus, Jaeger, and the HTTP exposition mux
// entirely; see DESIGN.md's dropped-dependency list for the one-line
// justification of each dropped dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "p2dq"

// Collectors holds every counter the scheduler core updates while
// handling callbacks from the host. Each corresponds to one event named
// in SPEC_FULL.md §6.5. A Collectors value is safe for concurrent use:
// every field is a prometheus.Counter/CounterVec, which are already
// safe for concurrent Inc/Add.
type Collectors struct {
	DirectDispatches    prometheus.Counter
	IdlePicks           prometheus.Counter
	DSQClassChanges     *prometheus.CounterVec
	WakeupLLCMigrations prometheus.Counter
	WakePrevHits        prometheus.Counter
	ATQEnqueues         prometheus.Counter
	ATQReenqueues       prometheus.Counter
	Pick2Dispatches     prometheus.Counter
	Pick2Selections     *prometheus.CounterVec
	NodeMigrations      prometheus.Counter
	LLCMigrations       prometheus.Counter
}

// New creates a fresh, unregistered set of collectors.
func New() *Collectors {
	return &Collectors{
		DirectDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direct_dispatches_total",
			Help:      "Tasks dispatched directly to a CPU's local DSQ without going through load balancing.",
		}),
		IdlePicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_picks_total",
			Help:      "Times pick_cpu found an idle CPU for a task.",
		}),
		DSQClassChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dsq_class_changes_total",
			Help:      "Task moves between DSQ classes, labeled by direction.",
		}, []string{"direction"}),
		WakeupLLCMigrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeup_llc_migrations_total",
			Help:      "Tasks migrated to a different LLC at wakeup time.",
		}),
		WakePrevHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_prev_hits_total",
			Help:      "WAKE_SYNC wakeups that found no idle CPU and followed the waker to its CPU.",
		}),
		ATQEnqueues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "atq_enqueues_total",
			Help:      "Tasks enqueued into a user-space ATQ for the first time.",
		}),
		ATQReenqueues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "atq_reenqueues_total",
			Help:      "Tasks re-enqueued into an ATQ after losing a race for a CPU.",
		}),
		Pick2Dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pick2_dispatches_total",
			Help:      "Tasks dispatched as a result of the pick-two load balancer.",
		}),
		Pick2Selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pick2_selections_total",
			Help:      "Pick-two comparisons, labeled by which side (heavier/lighter) was drained.",
		}, []string{"side"}),
		NodeMigrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_migrations_total",
			Help:      "Tasks migrated across NUMA node boundaries.",
		}),
		LLCMigrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llc_migrations_total",
			Help:      "Tasks migrated across LLC boundaries, within or across nodes.",
		}),
	}
}

// collectors returns every collector field as a prometheus.Collector, for
// registration.
func (c *Collectors) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.DirectDispatches,
		c.IdlePicks,
		c.DSQClassChanges,
		c.WakeupLLCMigrations,
		c.WakePrevHits,
		c.ATQEnqueues,
		c.ATQReenqueues,
		c.Pick2Dispatches,
		c.Pick2Selections,
		c.NodeMigrations,
		c.LLCMigrations,
	}
}

// Register registers c with reg. Passing a *prometheus.Registry built
// with prometheus.NewPedanticRegistry matches the teacher's
// NewMetricGatherer, which also builds a pedantic registry to catch
// metric-definition mistakes early.
func (c *Collectors) Register(reg *prometheus.Registry) error {
	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry builds a pedantic Prometheus registry with c already
// registered, mirroring the teacher's NewMetricGatherer.
func NewRegistry(c *Collectors) (*prometheus.Registry, error) {
	reg := prometheus.NewPedanticRegistry()
	if err := c.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
