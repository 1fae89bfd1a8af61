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

package topology

import "sync/atomic"

// atomicLoad/atomicStore/atomicAdd wrap sync/atomic for the uint64 counters
// LlcCtx shares across CPUs (vtime cursor, load counters): §5 requires these
// be relaxed atomics, never a blocking lock.
func atomicLoad(p *uint64) uint64       { return atomic.LoadUint64(p) }
func atomicStore(p *uint64, v uint64)   { atomic.StoreUint64(p, v) }
func atomicAdd(p *uint64, delta uint64) { atomic.AddUint64(p, delta) }
