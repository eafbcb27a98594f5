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

import "testing"

func TestOOMHandlerDestroysEnclaveAndFreesPages(t *testing.T) {
	secs := sanitizedSections(1, 3)
	lru := NewEpcLru()
	encl := NewEnclave(0, 0x3000)

	root, _ := secs[0].popFree()
	encl.SetRoot(root)

	var owned []*EpcPage
	for i := 0; i < 2; i++ {
		p, ok := secs[0].popFree()
		if !ok {
			t.Fatalf("popFree()[%d] failed", i)
		}
		ref := NewEnclavePageRef(encl, uint64(i)*pageSize, p)
		p.SetOwner(NewEnclaveOwner(ref))
		lru.Record(p, 0) // unreclaimable: still mapped.
		owned = append(owned, p)
	}

	as := newFakeAddressSpace()
	m := NewMm(as)
	m.AddVMA(0, pageSize, encl)
	m.AddVMA(pageSize, 2*pageSize, encl)
	encl.MmList().Attach(m)

	hw := newFakeHW()
	alloc := NewAllocator(secs, lru, nil, nil, hw, DefaultConfig())
	h := NewOOMHandler(lru, alloc, nil)

	released := false
	encl.SetOnRelease(func(*Enclave) { released = true })

	if ok := h.Run(); !ok {
		t.Fatal("Run() found no victim with an unreclaimable page present")
	}

	if encl.Flags()&EnclaveOOM == 0 {
		t.Fatal("destroyEnclave did not set EnclaveOOM")
	}
	if len(as.zapped) != 1 || as.zapped[0] != [2]uint64{0, 2 * pageSize} {
		t.Fatalf("zapped ranges = %v, want one coalesced [0, 2*pageSize) range", as.zapped)
	}
	if secs[0].FreeCount() != 3 {
		t.Fatalf("FreeCount() after destroying the enclave = %d, want 3 (all pages, including root, freed)", secs[0].FreeCount())
	}
	if got := encl.readRefs(); got != 1 {
		t.Fatalf("enclave refs after Run() = %d, want 1 (the victim's own reference released)", got)
	}
	if released {
		t.Fatal("Run() dropped a reference it never took")
	}
	if encl.Root() != nil {
		t.Fatal("SetRoot(nil) was not observed after destruction")
	}
}

func TestOOMHandlerRunReturnsFalseWhenNothingUnreclaimable(t *testing.T) {
	h := NewOOMHandler(NewEpcLru(), NewAllocator(nil, NewEpcLru(), nil, nil, newFakeHW(), DefaultConfig()), nil)
	if h.Run() {
		t.Fatal("Run() found a victim in an empty LRU")
	}
}

func TestOOMHandlerDispatchesVirtOwnerToBackend(t *testing.T) {
	lru := NewEpcLru()
	p := newEpcPage(0, 0x1000)
	p.SetOwner(NewVirtOwner(VirtHandle(42)))
	lru.Record(p, 0)

	virt := newFakeVirt()
	h := NewOOMHandler(lru, NewAllocator(nil, NewEpcLru(), nil, nil, newFakeHW(), DefaultConfig()), virt)

	if ok := h.Run(); !ok {
		t.Fatal("Run() found no victim")
	}
	if len(virt.oomed) != 1 || virt.oomed[0] != VirtHandle(42) {
		t.Fatalf("virt.oomed = %v, want [42]", virt.oomed)
	}
}
