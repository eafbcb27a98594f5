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
	"testing"
)

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls [][]int
}

func (b *fakeBroadcaster) Broadcast(cpus []int) {
	b.mu.Lock()
	b.calls = append(b.calls, cpus)
	b.mu.Unlock()
}

func newReclaimSection(pages int) *Section {
	s := NewSection(0, 0x1000, pages)
	for {
		p, ok := s.takeUnsanitized()
		if !ok {
			break
		}
		s.markFree(p)
	}
	return s
}

func TestReclaimerWriteBackSuccess(t *testing.T) {
	sec := newReclaimSection(2)
	p, ok := sec.popFree()
	if !ok {
		t.Fatal("popFree failed on a freshly sanitized section")
	}

	encl := NewEnclave(0, 0x4000)
	vaPage := newEpcPage(0, 0x9000)
	encl.AddVAPage(vaPage)
	encl.AddChild()
	ref := NewEnclavePageRef(encl, 0, p)
	p.SetOwner(NewEnclaveOwner(ref))

	lru := NewEpcLru()
	lru.Record(p, flagReclaimable)

	hw := newFakeHW()
	backing := newFakeBacking(2)
	r := NewReclaimer([]*Section{sec}, hw, backing, &fakeBroadcaster{}, nil, DefaultConfig())

	n, err := r.ReclaimPages(testContext(), lru, 1, true)
	if err != nil {
		t.Fatalf("ReclaimPages() = %v, want nil", err)
	}
	if n != 1 {
		t.Fatalf("ReclaimPages() wrote back %d pages, want 1", n)
	}
	if sec.FreeCount() != 2 {
		t.Fatalf("FreeCount() after write-back = %d, want 2", sec.FreeCount())
	}
	if ref.Page() != nil {
		t.Fatal("ref still points at the written-back page")
	}
	if !ref.Reclaimed() {
		t.Fatal("ref.Reclaimed() false after a successful write-back")
	}
	if ref.VAPage() != vaPage || ref.VASlot() != 0 {
		t.Fatalf("ref VA slot = (%v, %d), want (vaPage, 0)", ref.VAPage(), ref.VASlot())
	}
	if encl.ChildCount() != 0 {
		t.Fatalf("ChildCount() after write-back = %d, want 0", encl.ChildCount())
	}
	if got := encl.readRefs(); got != 1 {
		t.Fatalf("enclave refs after ReclaimPages = %d, want 1 (isolation ref released)", got)
	}
}

func TestReclaimerNotTrackedRetrySucceeds(t *testing.T) {
	sec := newReclaimSection(1)
	p, _ := sec.popFree()

	encl := NewEnclave(0, 0x4000)
	secsPage := newEpcPage(0, 0x8000)
	encl.SetRoot(secsPage)
	vaPage := newEpcPage(0, 0x9000)
	encl.AddVAPage(vaPage)
	encl.AddChild()
	ref := NewEnclavePageRef(encl, 0, p)
	p.SetOwner(NewEnclaveOwner(ref))

	lru := NewEpcLru()
	lru.Record(p, flagReclaimable)

	hw := newFakeHW()
	hw.wbResults = []WbResult{WbNotTracked, WbNotTracked, WbSuccess}
	bcast := &fakeBroadcaster{}
	backing := newFakeBacking(1)
	r := NewReclaimer([]*Section{sec}, hw, backing, bcast, nil, DefaultConfig())

	n, err := r.ReclaimPages(testContext(), lru, 1, true)
	if err != nil {
		t.Fatalf("ReclaimPages() = %v, want nil", err)
	}
	if n != 1 {
		t.Fatalf("ReclaimPages() = %d, want 1 after the retry protocol succeeds", n)
	}
	if hw.tracked[secsPage.PhysAddr()] != 1 {
		t.Fatalf("Track() called %d times, want 1", hw.tracked[secsPage.PhysAddr()])
	}
	if len(bcast.calls) != 1 {
		t.Fatalf("Broadcast() called %d times, want 1", len(bcast.calls))
	}
}

func TestReclaimerSkipsYoungPage(t *testing.T) {
	sec := newReclaimSection(1)
	p, _ := sec.popFree()

	encl := NewEnclave(0, 0x4000)
	ref := NewEnclavePageRef(encl, 0, p)
	p.SetOwner(NewEnclaveOwner(ref))

	as := newFakeAddressSpace()
	as.setYoung(ref.Addr(), true)
	mm := NewMm(as)
	encl.MmList().Attach(mm)

	lru := NewEpcLru()
	lru.Record(p, flagReclaimable)

	r := NewReclaimer([]*Section{sec}, newFakeHW(), newFakeBacking(1), &fakeBroadcaster{}, nil, DefaultConfig())

	n, err := r.ReclaimPages(testContext(), lru, 1, false)
	if err != nil {
		t.Fatalf("ReclaimPages() = %v, want nil", err)
	}
	if n != 0 {
		t.Fatalf("ReclaimPages() wrote back %d young pages, want 0", n)
	}
	if lru.ReclaimableLen() != 1 {
		t.Fatalf("ReclaimableLen() after skipping a young page = %d, want 1 (requeued)", lru.ReclaimableLen())
	}
	if got := encl.readRefs(); got != 1 {
		t.Fatalf("enclave refs after skipping a young page = %d, want 1", got)
	}
}

func TestReclaimerBackingFailureRequeues(t *testing.T) {
	sec := newReclaimSection(1)
	p, _ := sec.popFree()

	encl := NewEnclave(0, 0x4000)
	ref := NewEnclavePageRef(encl, 0, p)
	p.SetOwner(NewEnclaveOwner(ref))

	lru := NewEpcLru()
	lru.Record(p, flagReclaimable)

	r := NewReclaimer([]*Section{sec}, newFakeHW(), newFakeBacking(0), &fakeBroadcaster{}, nil, DefaultConfig())

	n, err := r.ReclaimPages(testContext(), lru, 1, true)
	if err != nil {
		t.Fatalf("ReclaimPages() = %v, want nil", err)
	}
	if n != 0 {
		t.Fatalf("ReclaimPages() with no backing slots = %d, want 0", n)
	}
	if lru.ReclaimableLen() != 1 {
		t.Fatalf("ReclaimableLen() after a backing failure = %d, want 1 (requeued)", lru.ReclaimableLen())
	}
	if sec.FreeCount() != 0 {
		t.Fatalf("FreeCount() after a backing failure = %d, want 0", sec.FreeCount())
	}
}

func TestReclaimerVersionArrayPageNeverAged(t *testing.T) {
	sec := newReclaimSection(1)
	p, _ := sec.popFree()

	encl := NewEnclave(0, 0x4000)
	p.SetOwner(NewVersionArrayOwner(encl))

	lru := NewEpcLru()
	lru.Record(p, flagReclaimable)

	r := NewReclaimer([]*Section{sec}, newFakeHW(), newFakeBacking(1), &fakeBroadcaster{}, nil, DefaultConfig())

	n, err := r.ReclaimPages(testContext(), lru, 1, true)
	if err != nil {
		t.Fatalf("ReclaimPages() = %v, want nil", err)
	}
	if n != 0 {
		t.Fatalf("ReclaimPages() wrote back a version-array page: %d, want 0", n)
	}
	if lru.ReclaimableLen() != 1 {
		t.Fatalf("ReclaimableLen() after skipping a version-array page = %d, want 1", lru.ReclaimableLen())
	}
	if got := encl.readRefs(); got != 1 {
		t.Fatalf("enclave refs after skipping a version-array page = %d, want 1", got)
	}
}
