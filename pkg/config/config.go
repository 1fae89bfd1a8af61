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

// Package config loads and validates the scheduler core's configuration.
//
// The teacher's pkg/config is a live, notify-driven collection of
// registered modules that can be reconfigured while the daemon keeps
// running. A scheduler core attached through a host's extension facility
// has no such lifecycle: configuration is read once, before the topology
// is built and any task ever touches the scheduler, and never changes
// underneath it. This package keeps the teacher's on-disk shape (a single
// YAML document, loaded with github.com/ghodss/yaml so JSON struct tags
// double as YAML tags) and its flag-overrides-file idiom, but drops the
// Module/Notify/Register/Snapshot machinery entirely: there is exactly
// one static Config, produced once by Load and never mutated after.
package config

import (
	"flag"
	"os"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"

	logger "github.com/intel/p2dq-core/pkg/log"
)

const logSource = "config"

var log = logger.NewLogger(logSource)

// Config is the complete, validated configuration of one scheduler core
// instance. Every field corresponds to a knob named in the specification;
// see the field comments for units and defaults. A *Config is immutable
// once Load returns it: callers that need to change behavior at runtime
// must build a new Config and re-run Init with it.
type Config struct {
	// Topology sizing the host is expected to report through Build; these
	// are validated against, not used to construct, the topology.
	NrLLCs         int  `json:"nr_llcs"`
	NrNodes        int  `json:"nr_nodes"`
	NrCPUs         int  `json:"nr_cpus"`
	SMTEnabled     bool `json:"smt_enabled"`
	HasLittleCores bool `json:"has_little_cores"`

	// Slice and deadline model (§4.4).
	MinSliceUs int64 `json:"min_slice_us"`
	MaxExecNs  int64 `json:"max_exec_ns"`
	Autoslice  bool  `json:"autoslice"`
	Deadline   bool  `json:"deadline"`
	BackoffNs  int64 `json:"backoff_ns"`

	// Load balancer tuning (§4.7).
	DispatchLBBusy        int  `json:"dispatch_lb_busy"`
	MinLLCRunsPick2       int  `json:"min_llc_runs_pick2"`
	MinNrQueuedPick2      int  `json:"min_nr_queued_pick2"`
	SlackFactor           int  `json:"slack_factor"`
	WakeupLBBusy          int  `json:"wakeup_lb_busy"`
	DispatchLBInteractive bool `json:"dispatch_lb_interactive"`
	DispatchPick2Disable  bool `json:"dispatch_pick2_disable"`
	EagerLoadBalance      bool `json:"eager_load_balance"`
	MaxDSQPick2           int  `json:"max_dsq_pick2"`
	WakeupLLCMigrations   bool `json:"wakeup_llc_migrations"`
	SingleLLCMode         bool `json:"single_llc_mode"`

	// DSQ layout (§4.3, §6.3).
	NrDSQsPerLLC int `json:"nr_dsqs_per_llc"`
	InitDSQIndex int `json:"init_dsq_index"`
	DSQShift     int `json:"dsq_shift"`

	// DSQ class promotion/demotion (§4.4).
	InteractiveRatio int `json:"interactive_ratio"`
	// SaturatedPercent is a busy-percent threshold: the system is
	// considered saturated once (100 - idle%) reaches this value (§4.6
	// update_idle's "idle percentage drops below a configured threshold,
	// default 5%" restated in terms of busy percent, default 95).
	SaturatedPercent int `json:"saturated_percent"`

	// Scheduling mode and sharding (§4.2, §4.7).
	SchedMode string `json:"sched_mode"`
	LLCShards int    `json:"llc_shards"`

	// Feature toggles (§4.5, §4.6, §6.4).
	ATQEnabled         bool `json:"atq_enabled"`
	CPUPriority        bool `json:"cpu_priority"`
	TaskSlice          bool `json:"task_slice"`
	FreqControl        bool `json:"freq_control"`
	InteractiveSticky  bool `json:"interactive_sticky"`
	KeepRunningEnabled bool `json:"keep_running_enabled"`
	KthreadsLocal      bool `json:"kthreads_local"`
	ArenaIdleTracking  bool `json:"arena_idle_tracking"`
}

// Default returns a Config populated with the scheduler's built-in
// defaults, the same values used when a YAML document is silent on a
// field.
func Default() *Config {
	return &Config{
		NrLLCs:         1,
		NrNodes:        1,
		NrCPUs:         0,
		SMTEnabled:     true,
		HasLittleCores: false,

		MinSliceUs: 500,
		MaxExecNs:  20_000_000,
		Autoslice:  true,
		Deadline:   true,
		BackoffNs:  5_000_000,

		DispatchLBBusy:        75,
		MinLLCRunsPick2:       1,
		MinNrQueuedPick2:      10,
		SlackFactor:           20,
		WakeupLBBusy:          90,
		DispatchLBInteractive: true,
		DispatchPick2Disable:  false,
		EagerLoadBalance:      false,
		MaxDSQPick2:           5,
		WakeupLLCMigrations:   true,
		SingleLLCMode:         false,

		NrDSQsPerLLC: 3,
		InitDSQIndex: 0,
		DSQShift:     2,

		InteractiveRatio: 10,
		SaturatedPercent: 95,

		SchedMode: "default",
		LLCShards: 0,

		ATQEnabled:         true,
		CPUPriority:        false,
		TaskSlice:          true,
		FreqControl:        false,
		InteractiveSticky:  true,
		KeepRunningEnabled: true,
		KthreadsLocal:      true,
		ArenaIdleTracking:  true,
	}
}

// Load builds a Config starting from Default, overlaying a YAML document
// read from path if path is non-empty, then overlaying any command-line
// flags registered by RegisterFlags that were actually set. It validates
// the result before returning it.
func Load(path string, fs *flag.FlagSet) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: failed to read %q", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "config: failed to parse %q", path)
		}
	}

	if fs != nil {
		applyFlags(cfg, fs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info("configuration loaded: mode=%s llcs=%d nodes=%d autoslice=%v",
		cfg.SchedMode, cfg.NrLLCs, cfg.NrNodes, cfg.Autoslice)

	return cfg, nil
}

// Validate checks internal consistency of the configuration, per §6.4 and
// the Open Questions resolved in DESIGN.md. It never mutates cfg.
func (c *Config) Validate() error {
	switch {
	case c.NrLLCs < 1:
		return errors.New("config: nr_llcs must be >= 1")
	case c.NrNodes < 1:
		return errors.New("config: nr_nodes must be >= 1")
	case c.NrDSQsPerLLC < 1:
		return errors.New("config: nr_dsqs_per_llc must be >= 1")
	case c.InitDSQIndex < 0 || c.InitDSQIndex >= c.NrDSQsPerLLC:
		return errors.New("config: init_dsq_index must be within [0, nr_dsqs_per_llc)")
	case c.MinSliceUs <= 0:
		return errors.New("config: min_slice_us must be > 0")
	case c.MaxExecNs <= 0:
		return errors.New("config: max_exec_ns must be > 0")
	case c.InteractiveRatio < 0 || c.InteractiveRatio > 100:
		return errors.New("config: interactive_ratio must be within [0, 100]")
	case c.SaturatedPercent < 0 || c.SaturatedPercent > 100:
		return errors.New("config: saturated_percent must be within [0, 100]")
	case c.DispatchLBBusy < 0 || c.DispatchLBBusy > 100:
		return errors.New("config: dispatch_lb_busy must be within [0, 100]")
	case c.WakeupLBBusy < 0 || c.WakeupLBBusy > 100:
		return errors.New("config: wakeup_lb_busy must be within [0, 100]")
	case c.SlackFactor < 1:
		return errors.New("config: slack_factor must be >= 1")
	case c.SchedMode != "performance" && c.SchedMode != "efficiency" && c.SchedMode != "default":
		return errors.Errorf("config: unknown sched_mode %q", c.SchedMode)
	case c.LLCShards < 0:
		return errors.New("config: llc_shards must be >= 0")
	}
	return nil
}

// Clone returns a deep copy of c. Config values are small flat structs of
// scalars, so a value copy is already a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
