// Copyright 2024 The EPC Core Authors.
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

package epc

import (
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// AddressSpace is the per-mm collaborator for PTE-level operations the
// reclaimer needs during aging and blocking (encl_find and
// encl_test_and_clear_young in the external interfaces table), plus the
// zap operation the OOM handler drives.
type AddressSpace interface {
	RLock()
	RUnlock()

	// TestAndClearYoung atomically tests and clears the access bit on the
	// PTE mapping addr, returning the bit's prior value.
	TestAndClearYoung(addr uint64) bool

	// Unmap removes any PTE mapping addr, so no new enclave entry can
	// load it while write-back runs (the block phase).
	Unmap(addr uint64)

	// ZapRange removes every PTE in [start, end), used by the OOM
	// handler to tear down a dying enclave's mappings.
	ZapRange(start, end uint64)
}

// Mm is one address space attached to an enclave (one entry of
// SgxEncl.mm_list).
type Mm struct {
	refs

	addrSpace AddressSpace
	cpus      *CPUSet

	mu   sync.Mutex
	vmas *btree.BTreeG[vmaEntry]
}

// NewMm wraps an address space as an attachable Mm.
func NewMm(as AddressSpace) *Mm {
	return &Mm{
		addrSpace: as,
		cpus:      NewCPUSet(),
		vmas:      btree.NewG(32, vmaLess),
	}
}

// TryIncRef acquires a reference unless this mm is being torn down.
func (m *Mm) TryIncRef() bool { return m.refs.tryIncRef() }

// DecRef releases a reference.
func (m *Mm) DecRef() { m.refs.decRef(nil) }

// CPUs returns the set of CPU ids currently associated with this mm, used
// to compute the IPI mask during write-back retry.
func (m *Mm) CPUs() *CPUSet { return m.cpus }

// vmaEntry indexes one VMA within an mm's address space, keyed by start
// address, so the OOM handler can coalesce adjacent same-owner VMAs into
// one zap range instead of a linear scan.
type vmaEntry struct {
	start, end uint64
	owner      *Enclave
}

func vmaLess(a, b vmaEntry) bool { return a.start < b.start }

// AddVMA records a VMA owned by encl spanning [start, end).
func (m *Mm) AddVMA(start, end uint64, encl *Enclave) {
	m.mu.Lock()
	m.vmas.ReplaceOrInsert(vmaEntry{start: start, end: end, owner: encl})
	m.mu.Unlock()
}

// RemoveVMA drops the VMA starting at start.
func (m *Mm) RemoveVMA(start uint64) {
	m.mu.Lock()
	m.vmas.Delete(vmaEntry{start: start})
	m.mu.Unlock()
}

// ZapRanges returns the coalesced [start, end) ranges of every VMA owned
// by encl in this address space, merging adjacent VMAs into one range for
// OOM teardown.
func (m *Mm) ZapRanges(encl *Enclave) [][2]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ranges [][2]uint64
	m.vmas.Ascend(func(e vmaEntry) bool {
		if e.owner != encl {
			return true
		}
		if n := len(ranges); n > 0 && ranges[n-1][1] == e.start {
			ranges[n-1][1] = e.end
		} else {
			ranges = append(ranges, [2]uint64{e.start, e.end})
		}
		return true
	})
	return ranges
}

// MmList is the enclave's mm_list. Readers (the reclaimer's aging and
// blocking walks) would use sleepable RCU in the original; this replaces
// that with a generational snapshot plus a version counter the reader
// re-checks at the end of its walk, retrying on mismatch. atomic.Pointer
// and atomicbitops.Uint64 already provide the store-release/load-acquire
// pairing the retry depends on.
type MmList struct {
	mu       sync.Mutex
	version  atomicbitops.Uint64
	snapshot atomic.Pointer[[]*Mm]
}

// NewMmList returns an empty MmList.
func NewMmList() *MmList {
	l := &MmList{}
	empty := []*Mm{}
	l.snapshot.Store(&empty)
	return l
}

// Attach appends m to the list, bumping the generation.
func (l *MmList) Attach(m *Mm) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := *l.snapshot.Load()
	next := make([]*Mm, len(old), len(old)+1)
	copy(next, old)
	next = append(next, m)
	l.snapshot.Store(&next)
	l.version.Add(1)
}

// Detach removes m from the list, bumping the generation.
func (l *MmList) Detach(m *Mm) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := *l.snapshot.Load()
	next := make([]*Mm, 0, len(old))
	for _, e := range old {
		if e != m {
			next = append(next, e)
		}
	}
	l.snapshot.Store(&next)
	l.version.Add(1)
}

// ForEach walks every currently-attached mm, calling f for each until f
// returns false or the list is exhausted. If the generation changed
// during the walk the whole walk is retried, since an mm appended mid-walk
// must be observed by every concurrent reader.
func (l *MmList) ForEach(f func(*Mm) bool) {
	for {
		before := l.version.Load()
		snap := *l.snapshot.Load()
		cont := true
		for _, m := range snap {
			if !f(m) {
				cont = false
				break
			}
		}
		if !cont || l.version.Load() == before {
			return
		}
	}
}

// CPUSnapshot returns the union of every attached mm's current CPU set,
// computed fresh on each call. Epoch safety is the caller's
// responsibility: this must only be called after the preceding etrack,
// never before.
func (l *MmList) CPUSnapshot() []int {
	seen := make(map[int]struct{})
	l.ForEach(func(m *Mm) bool {
		for _, c := range m.CPUs().Snapshot() {
			seen[c] = struct{}{}
		}
		return true
	})
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}
