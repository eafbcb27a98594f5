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
	"sync"

	"gvisor.dev/gvisor/pkg/context"
)

// fakeAddressSpace is a test AddressSpace with independently settable
// young bits and unmap/zap call logs.
type fakeAddressSpace struct {
	mu      sync.Mutex
	young   map[uint64]bool
	unmaps  []uint64
	zapped  [][2]uint64
}

func newFakeAddressSpace() *fakeAddressSpace {
	return &fakeAddressSpace{young: make(map[uint64]bool)}
}

func (f *fakeAddressSpace) RLock()   {}
func (f *fakeAddressSpace) RUnlock() {}

func (f *fakeAddressSpace) setYoung(addr uint64, young bool) {
	f.mu.Lock()
	f.young[addr] = young
	f.mu.Unlock()
}

func (f *fakeAddressSpace) TestAndClearYoung(addr uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.young[addr]
	f.young[addr] = false
	return v
}

func (f *fakeAddressSpace) Unmap(addr uint64) {
	f.mu.Lock()
	f.unmaps = append(f.unmaps, addr)
	f.mu.Unlock()
}

func (f *fakeAddressSpace) ZapRange(start, end uint64) {
	f.mu.Lock()
	f.zapped = append(f.zapped, [2]uint64{start, end})
	f.mu.Unlock()
}

// fakeBacking is a BackingProvider with a capped number of slots, so
// tests can force a backing-allocation failure.
type fakeBacking struct {
	mu       sync.Mutex
	cap      int
	inUse    int
	putDirty []bool
}

func newFakeBacking(cap int) *fakeBacking { return &fakeBacking{cap: cap} }

func (b *fakeBacking) GetBacking(ctx context.Context, encl *Enclave, index uint64) (*Backing, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inUse >= b.cap {
		return nil, errBackingFail
	}
	b.inUse++
	return &Backing{Contents: make([]byte, pageSize), Metadata: make([]byte, pageSize)}, nil
}

func (b *fakeBacking) PutBacking(bk *Backing, dirty bool) {
	b.mu.Lock()
	b.inUse--
	b.putDirty = append(b.putDirty, dirty)
	b.mu.Unlock()
}

// fakeHW is a HardwareOps whose WriteBack outcome sequence and
// Remove/Block failure modes are scripted per test.
type fakeHW struct {
	mu           sync.Mutex
	wbResults    []WbResult
	wbCalls      int
	removeFails  map[uint64]bool
	blockFails   map[uint64]bool
	tracked      map[uint64]int
}

func newFakeHW() *fakeHW {
	return &fakeHW{removeFails: make(map[uint64]bool), blockFails: make(map[uint64]bool), tracked: make(map[uint64]int)}
}

func (h *fakeHW) Remove(addr uint64) error {
	if h.removeFails[addr] {
		return errBackingFail
	}
	return nil
}

func (h *fakeHW) Block(addr uint64) error {
	if h.blockFails[addr] {
		return errBackingFail
	}
	return nil
}

func (h *fakeHW) Track(rootAddr uint64) error {
	h.mu.Lock()
	h.tracked[rootAddr]++
	h.mu.Unlock()
	return nil
}

func (h *fakeHW) WriteBack(addr uint64, vaSlot uint32, vaPageAddr uint64, backing *Backing) (WbResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.wbCalls < len(h.wbResults) {
		r := h.wbResults[h.wbCalls]
		h.wbCalls++
		return r, nil
	}
	h.wbCalls++
	return WbSuccess, nil
}

// fakeVirt is a minimal VirtEPC that always grants refs unless revoked.
type fakeVirt struct {
	mu      sync.Mutex
	revoked map[VirtHandle]bool
	oomed   []VirtHandle
}

func newFakeVirt() *fakeVirt { return &fakeVirt{revoked: make(map[VirtHandle]bool)} }

func (v *fakeVirt) GetRef(h VirtHandle) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.revoked[h]
}

func (v *fakeVirt) OOM(h VirtHandle) {
	v.mu.Lock()
	v.oomed = append(v.oomed, h)
	v.mu.Unlock()
}
