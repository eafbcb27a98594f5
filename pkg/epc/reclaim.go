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
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/ilist"
	"gvisor.dev/gvisor/pkg/log"
)

// Reclaimer drives the three-phase isolate/age, block, write-back
// pipeline over a batch of pages pulled from an EpcLru.
type Reclaimer struct {
	hw          HardwareOps
	backing     BackingProvider
	broadcaster Broadcaster
	virt        VirtEPC
	cfg         Config
	sections    []*Section
}

// NewReclaimer builds a reclaimer over sections, using hw for the
// privileged instructions, backing for get/put_backing, broadcaster for
// the NOT_TRACKED retry IPI, and virt for virtualized-EPC owner refs.
func NewReclaimer(sections []*Section, hw HardwareOps, backing BackingProvider, broadcaster Broadcaster, virt VirtEPC, cfg Config) *Reclaimer {
	return &Reclaimer{hw: hw, backing: backing, broadcaster: broadcaster, virt: virt, cfg: cfg, sections: sections}
}

// reclaimItem tracks one page moving through the pipeline, carrying the
// context each phase needs without re-deriving it from the page.
type reclaimItem struct {
	page    *EpcPage
	encl    *Enclave
	ref     *EnclavePageRef
	backing *Backing
}

// ReclaimPages isolates up to want pages (clamped to MaxBatch) from lru,
// runs them through aging, blocking and write-back, and returns the
// count actually written back — not merely scanned. ignoreAge forces
// every isolated page to be treated as old, the daemon's non-default
// fast path for PSI-style pressure is not implemented here since the
// daemon always reclaims with ignoreAge=false; synchronous allocator
// reclaim also passes false, so ignoreAge is presently only exercised by
// tests exercising the aging short-circuit directly.
func (r *Reclaimer) ReclaimPages(ctx context.Context, lru *EpcLru, want int, ignoreAge bool) (int, error) {
	if want > r.cfg.MaxBatch {
		want = r.cfg.MaxBatch
	}
	if want <= 0 {
		return 0, nil
	}

	var iso ilist.List
	lru.Isolate(want, &iso, r.virt)

	items := r.ageBatch(ctx, lru, &iso, ignoreAge)
	for _, it := range items {
		r.blockPage(it)
	}
	return r.writeBackBatch(ctx, lru, items)
}

// ageBatch walks the isolated list, skipping pages that are young (when
// ignoreAge is false) or that have no backing slot available, and
// returns the survivors that will proceed to blocking and write-back.
func (r *Reclaimer) ageBatch(ctx context.Context, lru *EpcLru, iso *ilist.List, ignoreAge bool) []*reclaimItem {
	var survivors []*reclaimItem
	e := iso.Front()
	for e != nil {
		next := e.Next()
		p := e.(*EpcPage)
		iso.Remove(p)

		ref, encl, ok := enclaveOwnerOf(p)
		if !ok {
			// Version-array or virtualized-EPC page: never aged, never
			// backed; skip straight back to the LRU.
			lru.requeue(p)
			releaseOwnerRef(p.Owner())
			e = next
			continue
		}

		if !ignoreAge && isYoung(ref) {
			lru.requeue(p)
			releaseOwnerRef(p.Owner())
			e = next
			continue
		}

		b, err := r.backing.GetBacking(ctx, encl, ref.Index())
		if err != nil {
			lru.requeue(p)
			releaseOwnerRef(p.Owner())
			e = next
			continue
		}

		encl.Lock()
		ref.reclaimed.Store(true)
		encl.Unlock()

		survivors = append(survivors, &reclaimItem{page: p, encl: encl, ref: ref, backing: b})
		e = next
	}
	return survivors
}

func enclaveOwnerOf(p *EpcPage) (*EnclavePageRef, *Enclave, bool) {
	o := p.Owner()
	if o.Kind() != OwnerEnclavePage {
		return nil, nil, false
	}
	ref := o.EnclavePage()
	return ref, ref.Enclave(), true
}

// isYoung reports whether any mm currently attached to ref's enclave has
// the access bit set on the PTE mapping this page. A dead or OOM enclave
// short-circuits to old, since no further activity is possible; the flags
// are checked at walk start and again before each attached mm.
func isYoung(ref *EnclavePageRef) bool {
	encl := ref.Enclave()
	if encl.Flags()&(EnclaveDead|EnclaveOOM) != 0 {
		return false
	}
	young := false
	encl.MmList().ForEach(func(m *Mm) bool {
		if encl.Flags()&(EnclaveDead|EnclaveOOM) != 0 {
			young = false
			return false
		}
		if !m.TryIncRef() {
			return true
		}
		as := m.addrSpace
		as.RLock()
		if as.TestAndClearYoung(ref.Addr()) {
			young = true
		}
		as.RUnlock()
		m.DecRef()
		return !young
	})
	return young
}

// blockPage invalidates every PTE mapping it.page across attached mms,
// then issues the hardware block instruction under the enclave lock
// (skipped for a fully dead enclave, which has no mappings left to race
// against).
func (r *Reclaimer) blockPage(it *reclaimItem) {
	it.encl.MmList().ForEach(func(m *Mm) bool {
		if !m.TryIncRef() {
			return true
		}
		m.addrSpace.Unmap(it.ref.Addr())
		m.DecRef()
		return true
	})

	it.encl.Lock()
	defer it.encl.Unlock()
	if it.encl.Flags()&EnclaveDead != 0 {
		return
	}
	if err := r.hw.Block(it.page.PhysAddr()); err != nil {
		log.Warningf("epc: hardware block failed for page %#x: %v", it.page.PhysAddr(), err)
	}
}

// writeBackBatch executes phase 3 for every surviving item, returning
// the count actually written back.
func (r *Reclaimer) writeBackBatch(ctx context.Context, lru *EpcLru, items []*reclaimItem) (int, error) {
	written := 0
	for _, it := range items {
		if r.writeBackOne(it) {
			written++
		} else {
			lru.requeue(it.page)
		}
		releaseOwnerRef(it.page.Owner())
	}
	return written, nil
}

// writeBackOne runs phase 3 for a single item, including the NOT_TRACKED
// retry protocol (etrack, then an IPI to every CPU that might still be
// inside the enclave, each followed by one more write-back attempt).
func (r *Reclaimer) writeBackOne(it *reclaimItem) bool {
	it.encl.Lock()
	defer it.encl.Unlock()

	vaPage, slot, ok := it.encl.allocVASlot()
	if !ok {
		log.Warningf("epc: no free VA slot for enclave page %#x", it.ref.Addr())
		r.backing.PutBacking(it.backing, false)
		return false
	}

	res, err := r.hw.WriteBack(it.page.PhysAddr(), slot, vaPage.PhysAddr(), it.backing)
	if res == WbNotTracked {
		if trackErr := r.hw.Track(rootAddr(it.encl)); trackErr != nil {
			log.Warningf("epc: etrack failed for enclave root %#x: %v", rootAddr(it.encl), trackErr)
		}
		res, err = r.hw.WriteBack(it.page.PhysAddr(), slot, vaPage.PhysAddr(), it.backing)
	}
	if res == WbNotTracked {
		cpus := it.encl.MmList().CPUSnapshot()
		r.broadcaster.Broadcast(cpus)
		res, err = r.hw.WriteBack(it.page.PhysAddr(), slot, vaPage.PhysAddr(), it.backing)
	}

	switch res {
	case WbSuccess:
		it.ref.vaSlot = slot
		it.ref.vaPage = vaPage
		it.ref.page = nil
		it.encl.childCount--
		if it.encl.childCount == 0 && it.encl.Flags()&EnclaveDead != 0 {
			if err := r.hw.Remove(it.encl.Root().PhysAddr()); err != nil {
				log.Warningf("epc: hardware remove of SECS page %#x failed: %v", it.encl.Root().PhysAddr(), err)
			}
		}
		it.page.clearFlags(flagReclaimable | flagReclaimInProgress)
		r.sections[it.page.SectionIndex()].pushFree(it.page)
		r.backing.PutBacking(it.backing, true)
		return true
	default:
		if err != nil {
			log.Warningf("epc: write-back failed for page %#x: %v", it.page.PhysAddr(), err)
		} else {
			log.Warningf("epc: write-back for page %#x returned status %d", it.page.PhysAddr(), res)
		}
		r.backing.PutBacking(it.backing, false)
		return false
	}
}

func rootAddr(encl *Enclave) uint64 {
	if root := encl.Root(); root != nil {
		return root.PhysAddr()
	}
	return 0
}
