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

package metrics_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/intel/p2dq-core/pkg/metrics"
)

func counterValue(t *testing.T, mf []*dto.MetricFamily, name string) float64 {
	t.Helper()
	for _, fam := range mf {
		if fam.GetName() == "p2dq_"+name {
			return fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}

func TestRegisterAndGather(t *testing.T) {
	c := metrics.New()
	reg, err := metrics.NewRegistry(c)
	require.NoError(t, err)

	c.DirectDispatches.Inc()
	c.DirectDispatches.Inc()
	c.IdlePicks.Inc()
	c.DSQClassChanges.WithLabelValues("promote").Inc()

	mf, err := reg.Gather()
	require.NoError(t, err)

	require.Equal(t, float64(2), counterValue(t, mf, "direct_dispatches_total"))
	require.Equal(t, float64(1), counterValue(t, mf, "idle_picks_total"))
}

func TestDoubleRegisterFails(t *testing.T) {
	c := metrics.New()
	reg, err := metrics.NewRegistry(c)
	require.NoError(t, err)

	require.Error(t, c.Register(reg), "registering the same collectors twice must fail")
}

// Invariant from SPEC_FULL.md §8: counters are monotonically
// non-decreasing for the lifetime of the scheduler.
func TestCounterMonotonicity(t *testing.T) {
	c := metrics.New()
	reg, err := metrics.NewRegistry(c)
	require.NoError(t, err)

	var last float64
	for i := 0; i < 5; i++ {
		c.Pick2Dispatches.Inc()
		mf, err := reg.Gather()
		require.NoError(t, err)
		v := counterValue(t, mf, "pick2_dispatches_total")
		require.GreaterOrEqual(t, v, last)
		last = v
	}
}
