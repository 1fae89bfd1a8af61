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

// Package bitmap implements the fixed-capacity, word-vector CPU bitmap that
// backs every per-CPU mask in the scheduler core: per-LLC idle/SMT masks,
// per-node masks, per-task allowed-CPU masks. Non-atomic operations are meant
// for exclusive-access paths (init, per-CPU owner fast paths); the atomic
// namespace is for the idle-CPU synchronizer and the idle-claim picker, which
// may run concurrently on any CPU.
//
// The word layout and bit-within-word convention (bit i lives in word i/64,
// position i%64) follows the arena bitmap the scx_p2dq BPF program uses
// (lib/bitmap.bpf.c): bits[i/64] |= 1<<(i%64).
package bitmap

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	logger "github.com/intel/p2dq-core/pkg/log"
)

const (
	bitsPerWord = 64
	logSource   = "bitmap"
)

var log = logger.NewLogger(logSource)

// ErrInvalidArg is returned when a CPU index exceeds a bitmap's configured
// capacity.
var ErrInvalidArg = errors.New("bitmap: cpu index out of range")

// ErrOutOfMemory is returned by Pool.Alloc when the pool is exhausted.
var ErrOutOfMemory = errors.New("bitmap: pool exhausted")

// Bitmap is a fixed-capacity set of CPU ids, represented as a vector of
// 64-bit words. The zero value is not usable; construct one via Pool.Alloc or
// New.
type Bitmap struct {
	id     int      // pool identity, for debugging
	nrCPUs int      // configured capacity
	words  []uint64 // bitsPerWord bits per word
}

// New allocates a standalone bitmap for nrCPUs CPUs, zeroed. Most production
// callers should go through a Pool so allocation failures are caught at
// init time per §5's "fixed-size arena" model; New is for tests and for the
// pool's own backing allocation.
func New(nrCPUs int) *Bitmap {
	return &Bitmap{
		nrCPUs: nrCPUs,
		words:  make([]uint64, wordsFor(nrCPUs)),
	}
}

func wordsFor(nrCPUs int) int {
	return (nrCPUs + bitsPerWord - 1) / bitsPerWord
}

// NrCPUs returns the bitmap's configured capacity.
func (b *Bitmap) NrCPUs() int { return b.nrCPUs }

// ID returns the pool-assigned identity of this bitmap (0 if standalone).
func (b *Bitmap) ID() int { return b.id }

func (b *Bitmap) checkCPU(cpu int) error {
	if cpu < 0 || cpu >= b.nrCPUs {
		return errors.Wrapf(ErrInvalidArg, "cpu %d (capacity %d)", cpu, b.nrCPUs)
	}
	return nil
}

func wordBit(cpu int) (idx int, mask uint64) {
	return cpu / bitsPerWord, 1 << uint(cpu%bitsPerWord)
}

// Set sets a single bit, non-atomically.
func (b *Bitmap) Set(cpu int) error {
	if err := b.checkCPU(cpu); err != nil {
		return err
	}
	idx, mask := wordBit(cpu)
	b.words[idx] |= mask
	return nil
}

// Clear clears a single bit, non-atomically.
func (b *Bitmap) Clear(cpu int) error {
	if err := b.checkCPU(cpu); err != nil {
		return err
	}
	idx, mask := wordBit(cpu)
	b.words[idx] &^= mask
	return nil
}

// Test reports whether a bit is set, non-atomically.
func (b *Bitmap) Test(cpu int) bool {
	if err := b.checkCPU(cpu); err != nil {
		return false
	}
	idx, mask := wordBit(cpu)
	return b.words[idx]&mask != 0
}

// ClearAll zeroes every bit, non-atomically.
func (b *Bitmap) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Empty reports whether no bit is set.
func (b *Bitmap) Empty() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Weight returns the number of set bits (popcount), used by the load
// balancer's idle-percentage computation.
func (b *Bitmap) Weight() int {
	n := 0
	for _, w := range b.words {
		n += popcount(w)
	}
	return n
}

func popcount(w uint64) int {
	n := 0
	for w != 0 {
		w &= w - 1
		n++
	}
	return n
}

// ForEach calls fn for every set bit in ascending CPU order, stopping early
// if fn returns false. Used at topology-registry construction time and in
// tests; not on any hot path.
func (b *Bitmap) ForEach(fn func(cpu int) bool) {
	for i, w := range b.words {
		if w == 0 {
			continue
		}
		base := i * bitsPerWord
		for bit := 0; bit < bitsPerWord; bit++ {
			if base+bit >= b.nrCPUs {
				return
			}
			if w&(1<<uint(bit)) != 0 {
				if !fn(base + bit) {
					return
				}
			}
		}
	}
}

// Slice returns the set bits as a sorted []int. Convenience wrapper around
// ForEach for tests and debug dumps.
func (b *Bitmap) Slice() []int {
	out := make([]int, 0, b.Weight())
	b.ForEach(func(cpu int) bool {
		out = append(out, cpu)
		return true
	})
	return out
}

// String renders the set as a compact range list, e.g. "0,2-5,9", mirroring
// the role cpuset.CPUSet.String() plays in the teacher's debug traces.
func (b *Bitmap) String() string {
	ids := b.Slice()
	if len(ids) == 0 {
		return ""
	}
	var sb strings.Builder
	start, prev := ids[0], ids[0]
	flush := func(end int) {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if start == end {
			fmt.Fprintf(&sb, "%d", start)
		} else {
			fmt.Fprintf(&sb, "%d-%d", start, end)
		}
	}
	for _, id := range ids[1:] {
		if id == prev+1 {
			prev = id
			continue
		}
		flush(prev)
		start, prev = id, id
	}
	flush(prev)
	return sb.String()
}

// Subset reports whether every bit set in small is also set in big.
func Subset(big, small *Bitmap) bool {
	n := min(len(big.words), len(small.words))
	for i := 0; i < n; i++ {
		if ^big.words[i]&small.words[i] != 0 {
			return false
		}
	}
	for i := n; i < len(small.words); i++ {
		if small.words[i] != 0 {
			return false
		}
	}
	return true
}

// Intersects reports whether a and b share any set bit.
func Intersects(a, b *Bitmap) bool {
	n := min(len(a.words), len(b.words))
	for i := 0; i < n; i++ {
		if a.words[i]&b.words[i] != 0 {
			return true
		}
	}
	return false
}

// And computes dst = a & b. dst must have capacity >= max(a,b)'s words.
func And(dst, a, b *Bitmap) {
	n := len(dst.words)
	for i := 0; i < n; i++ {
		var av, bv uint64
		if i < len(a.words) {
			av = a.words[i]
		}
		if i < len(b.words) {
			bv = b.words[i]
		}
		dst.words[i] = av & bv
	}
}

// Or computes dst = a | b.
func Or(dst, a, b *Bitmap) {
	n := len(dst.words)
	for i := 0; i < n; i++ {
		var av, bv uint64
		if i < len(a.words) {
			av = a.words[i]
		}
		if i < len(b.words) {
			bv = b.words[i]
		}
		dst.words[i] = av | bv
	}
}

// Copy copies src's bits into dst.
func Copy(dst, src *Bitmap) {
	n := min(len(dst.words), len(src.words))
	for i := 0; i < n; i++ {
		dst.words[i] = src.words[i]
	}
	for i := n; i < len(dst.words); i++ {
		dst.words[i] = 0
	}
}

// FromHostMask imports dst bit-for-bit from a slice of host-format words
// (§6.2's "import from the host's CPU mask format").
func FromHostMask(dst *Bitmap, src []uint64) {
	n := min(len(dst.words), len(src))
	for i := 0; i < n; i++ {
		dst.words[i] = src[i]
	}
	for i := n; i < len(dst.words); i++ {
		dst.words[i] = 0
	}
	if r := dst.nrCPUs % bitsPerWord; r != 0 && len(dst.words) > 0 {
		dst.words[len(dst.words)-1] &= (uint64(1) << uint(r)) - 1
	}
}

// ToHostMask exports dst's bits into the host's CPU mask word format.
func (b *Bitmap) ToHostMask() []uint64 {
	out := make([]uint64, len(b.words))
	copy(out, b.words)
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- Atomic namespace -------------------------------------------------
//
// These operate on the same *Bitmap but are spelled out as a distinct set of
// methods (AtomicSet, TestAndSet, ...) so a reviewer can grep for exactly
// which call sites need CAS semantics, per the "statically reject atomic ops
// on a non-atomic handle" design note. Go has no const-generic way to forbid
// calling Bitmap.Set concurrently with AtomicTestAndSet on the same bitmap;
// the convention enforced by code review is that a *Bitmap is either
// "exclusive" (touched by one owner, e.g. a per-CPU scratch mask) or "shared"
// (touched only through the Atomic* methods, e.g. an LLC's idle_cpumask).

func wordPtr(words []uint64, idx int) *uint64 {
	return &words[idx]
}

// AtomicSet sets a bit with a bounded CAS loop. Returns (wasAlreadySet, err).
func (b *Bitmap) AtomicSet(cpu int) (bool, error) {
	if err := b.checkCPU(cpu); err != nil {
		return false, err
	}
	idx, mask := wordBit(cpu)
	p := wordPtr(b.words, idx)
	for {
		old := atomic.LoadUint64(p)
		if old&mask != 0 {
			return true, nil
		}
		if atomic.CompareAndSwapUint64(p, old, old|mask) {
			return false, nil
		}
	}
}

// AtomicClear clears a bit with a bounded CAS loop. Returns (wasAlreadyClear, err).
func (b *Bitmap) AtomicClear(cpu int) (bool, error) {
	if err := b.checkCPU(cpu); err != nil {
		return false, err
	}
	idx, mask := wordBit(cpu)
	p := wordPtr(b.words, idx)
	for {
		old := atomic.LoadUint64(p)
		if old&mask == 0 {
			return true, nil
		}
		if atomic.CompareAndSwapUint64(p, old, old&^mask) {
			return false, nil
		}
	}
}

// TestAndSet sets a bit atomically and returns the pre-state (true if it was
// already set).
func (b *Bitmap) TestAndSet(cpu int) (bool, error) {
	was, err := b.AtomicSet(cpu)
	return was, err
}

// TestAndClear clears a bit atomically and returns the pre-state (true if it
// was already set, i.e. we actually cleared it).
func (b *Bitmap) TestAndClear(cpu int) (bool, error) {
	idx, mask := wordBit(cpu)
	if err := b.checkCPU(cpu); err != nil {
		return false, err
	}
	p := wordPtr(b.words, idx)
	for {
		old := atomic.LoadUint64(p)
		if old&mask == 0 {
			return false, nil
		}
		if atomic.CompareAndSwapUint64(p, old, old&^mask) {
			return true, nil
		}
	}
}

// AtomicTest reads a single bit with an atomic load.
func (b *Bitmap) AtomicTest(cpu int) (bool, error) {
	if err := b.checkCPU(cpu); err != nil {
		return false, err
	}
	idx, mask := wordBit(cpu)
	return atomic.LoadUint64(wordPtr(b.words, idx))&mask != 0, nil
}

// --- Pool ---------------------------------------------------------------

// Pool is a fixed-size arena of bitmaps, allocated up front at init time so
// that allocation failures surface once, at startup, rather than scattered
// through the hot path (§5's "Memory pool" model).
type Pool struct {
	mu      sync.Mutex
	nrCPUs  int
	free    []*Bitmap
	nextID  int
	created int
	cap     int
}

// NewPool creates a pool capable of handing out up to capacity bitmaps, each
// sized for nrCPUs CPUs.
func NewPool(nrCPUs, capacity int) *Pool {
	p := &Pool{nrCPUs: nrCPUs, cap: capacity}
	p.free = make([]*Bitmap, 0, capacity)
	return p
}

// Alloc hands out a new zeroed bitmap, or ErrOutOfMemory if the pool is
// exhausted.
func (p *Pool) Alloc() (*Bitmap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) > 0 {
		b := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		b.ClearAll()
		return b, nil
	}
	if p.created >= p.cap {
		log.Error("bitmap pool exhausted at capacity %d", p.cap)
		return nil, ErrOutOfMemory
	}
	p.nextID++
	p.created++
	return &Bitmap{id: p.nextID, nrCPUs: p.nrCPUs, words: make([]uint64, wordsFor(p.nrCPUs))}, nil
}

// Free returns a bitmap to the pool. Only called at teardown per §3's
// lifecycle note ("freed only at teardown").
func (p *Pool) Free(b *Bitmap) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, b)
}
