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

package config

import (
	"flag"
	"strconv"
)

// RegisterFlags adds the scheduler's tunable configuration knobs to fs,
// using Default() as the flag defaults. Call Load with the same fs after
// flag.Parse (or fs.Parse) to have any flags the caller actually set
// override both the built-in defaults and whatever a YAML file loaded.
func RegisterFlags(fs *flag.FlagSet) {
	d := Default()
	fs.Bool("autoslice", d.Autoslice, "enable automatic slice-length adjustment")
	fs.Bool("deadline", d.Deadline, "enable deadline-based scheduling")
	fs.Int64("min-slice-us", d.MinSliceUs, "minimum task time slice, in microseconds")
	fs.Int64("max-exec-ns", d.MaxExecNs, "maximum uninterrupted execution time, in nanoseconds")
	fs.Int("dispatch-lb-busy", d.DispatchLBBusy, "LLC busy percentage that triggers dispatch-time load balancing")
	fs.Int("wakeup-lb-busy", d.WakeupLBBusy, "LLC busy percentage that triggers wakeup-time load balancing")
	fs.Bool("dispatch-lb-interactive", d.DispatchLBInteractive, "allow interactive tasks to trigger dispatch-time load balancing")
	fs.Bool("dispatch-pick2-disable", d.DispatchPick2Disable, "disable pick-two dispatch balancing")
	fs.Bool("eager-load-balance", d.EagerLoadBalance, "balance load eagerly instead of lazily")
	fs.Int("min-llc-runs-pick2", d.MinLLCRunsPick2, "cap on the runs a task spends in its LLC before it may migrate via pick-two")
	fs.Int("min-nr-queued-pick2", d.MinNrQueuedPick2, "minimum queued tasks before pick-two compares two LLCs")
	fs.Int("slack-factor", d.SlackFactor, "slack percentage applied to pick-two comparisons")
	fs.String("sched-mode", d.SchedMode, "scheduling mode: performance, efficiency, or default")
	fs.Bool("interactive-sticky", d.InteractiveSticky, "keep interactive tasks on their previous CPU when possible")
	fs.Bool("keep-running-enabled", d.KeepRunningEnabled, "let a runnable task keep its CPU while under max-exec-ns, below the top DSQ class, and its LLC is not oversubscribed")
}

// applyFlags overlays any flag in fs that was explicitly set by the
// caller (fs.Visit, not fs.VisitAll) onto cfg, so unset flags leave
// whatever Default/YAML already produced untouched.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "autoslice":
			cfg.Autoslice = f.Value.String() == "true"
		case "deadline":
			cfg.Deadline = f.Value.String() == "true"
		case "min-slice-us":
			cfg.MinSliceUs = parseInt64(f.Value.String(), cfg.MinSliceUs)
		case "max-exec-ns":
			cfg.MaxExecNs = parseInt64(f.Value.String(), cfg.MaxExecNs)
		case "dispatch-lb-busy":
			cfg.DispatchLBBusy = parseInt(f.Value.String(), cfg.DispatchLBBusy)
		case "wakeup-lb-busy":
			cfg.WakeupLBBusy = parseInt(f.Value.String(), cfg.WakeupLBBusy)
		case "dispatch-lb-interactive":
			cfg.DispatchLBInteractive = f.Value.String() == "true"
		case "dispatch-pick2-disable":
			cfg.DispatchPick2Disable = f.Value.String() == "true"
		case "eager-load-balance":
			cfg.EagerLoadBalance = f.Value.String() == "true"
		case "min-llc-runs-pick2":
			cfg.MinLLCRunsPick2 = parseInt(f.Value.String(), cfg.MinLLCRunsPick2)
		case "min-nr-queued-pick2":
			cfg.MinNrQueuedPick2 = parseInt(f.Value.String(), cfg.MinNrQueuedPick2)
		case "slack-factor":
			cfg.SlackFactor = parseInt(f.Value.String(), cfg.SlackFactor)
		case "sched-mode":
			cfg.SchedMode = f.Value.String()
		case "interactive-sticky":
			cfg.InteractiveSticky = f.Value.String() == "true"
		case "keep-running-enabled":
			cfg.KeepRunningEnabled = f.Value.String() == "true"
		}
	})
}

func parseInt64(s string, fallback int64) int64 {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	return fallback
}

func parseInt(s string, fallback int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return fallback
}
