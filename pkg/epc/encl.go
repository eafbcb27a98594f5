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
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/ilist"
	"gvisor.dev/gvisor/pkg/sync"
)

// Enclave flag bits (SgxEncl.flags in the data model).
const (
	EnclaveCreated uint32 = 1 << iota
	EnclaveInitialized
	EnclaveDead
	EnclaveOOM
)

// vaSlotsPerPage bounds how many replay-protection slots this core hands
// out per version-array page before rotating to the next one. The actual
// per-slot liveness bitmap is an external collaborator (design notes);
// this core only implements the round-robin page selection.
const vaSlotsPerPage = 512

// Enclave is the subset of SgxEncl state the core depends on: a
// refcounted, lockable owner of EPC child pages, version-array pages and
// attached address spaces.
type Enclave struct {
	refs

	flags atomicbitops.Uint32

	// mu is the sleepable enclave lock; guards secs, vaPages, childCount
	// and the EnclavePageRef fields the reclaimer writes. Never held across
	// backing I/O.
	mu         sync.Mutex
	mmList     *MmList
	vaPages    ilist.List
	secs       *EpcPage
	childCount int
	base       uint64
	size       uint64

	// onRelease is invoked once, with no locks held, when the last
	// reference is dropped (the encl_release collaborator).
	onRelease func(*Enclave)
}

// NewEnclave creates an enclave covering the virtual address range
// [base, base+size).
func NewEnclave(base, size uint64) *Enclave {
	return &Enclave{
		mmList: NewMmList(),
		base:   base,
		size:   size,
	}
}

// Flags returns the enclave's current flag bits.
func (e *Enclave) Flags() uint32 { return e.flags.Load() }

// SetFlags ORs bits into the enclave's flags.
func (e *Enclave) SetFlags(bits uint32) { setFlagBits(&e.flags, bits) }

// ClearFlags clears bits from the enclave's flags.
func (e *Enclave) ClearFlags(bits uint32) { clearFlagBits(&e.flags, bits) }

// Base returns the enclave's base virtual address.
func (e *Enclave) Base() uint64 { return e.base }

// Size returns the enclave's virtual address range size.
func (e *Enclave) Size() uint64 { return e.size }

// MmList returns the enclave's attached-address-space list.
func (e *Enclave) MmList() *MmList { return e.mmList }

// Lock acquires the enclave lock.
func (e *Enclave) Lock() { e.mu.Lock() }

// Unlock releases the enclave lock.
func (e *Enclave) Unlock() { e.mu.Unlock() }

// SetRoot installs the enclave's SECS (root) page. Must be called with
// the enclave lock held.
func (e *Enclave) SetRoot(p *EpcPage) { e.secs = p }

// Root returns the enclave's SECS page. Must be called with the enclave
// lock held.
func (e *Enclave) Root() *EpcPage { return e.secs }

// AddChild increments the enclave's child count. Must be called with the
// enclave lock held.
func (e *Enclave) AddChild() { e.childCount++ }

// ChildCount returns the enclave's current child count. Must be called
// with the enclave lock held.
func (e *Enclave) ChildCount() int { return e.childCount }

// AddVAPage enrolls a fresh version-array page for round-robin slot
// allocation. Must be called with the enclave lock held.
func (e *Enclave) AddVAPage(p *EpcPage) { e.vaPages.PushBack(p) }

// SetOnRelease installs the callback invoked when the enclave's last
// reference is dropped.
func (e *Enclave) SetOnRelease(f func(*Enclave)) { e.onRelease = f }

// TryIncRef attempts to acquire a reference, failing if the enclave is
// already being freed (the "get-unless-zero" upgrade used during LRU
// isolation and OOM victim selection).
func (e *Enclave) TryIncRef() bool { return e.refs.tryIncRef() }

// IncRef unconditionally acquires a reference; panics if the enclave is
// already unreachable.
func (e *Enclave) IncRef() { e.refs.incRef() }

// DecRef releases a reference, invoking onRelease once the last one is
// dropped.
func (e *Enclave) DecRef() {
	e.refs.decRef(func() {
		if e.onRelease != nil {
			e.onRelease(e)
		}
	})
}

// allocVASlot takes a free slot from the head of the enclave's VA-page
// list, round-robin, moving that page to the tail once it fills. Must be
// called with the enclave lock held.
func (e *Enclave) allocVASlot() (vaPage *EpcPage, slot uint32, ok bool) {
	front := e.vaPages.Front()
	if front == nil {
		return nil, 0, false
	}
	vp := front.(*EpcPage)
	slot = vp.vaUsed
	vp.vaUsed++
	if vp.vaUsed >= vaSlotsPerPage {
		e.vaPages.Remove(vp)
		e.vaPages.PushBack(vp)
	}
	return vp, slot, true
}

// EnclavePageRef is the per-page descriptor for an ENCLAVE-flagged
// EpcPage: the Enclave(EnclPageRef) variant of the polymorphic owner.
type EnclavePageRef struct {
	encl *Enclave
	addr uint64
	page *EpcPage

	vaPage    *EpcPage
	vaSlot    uint32
	reclaimed atomicbitops.Bool
}

// NewEnclavePageRef creates a reference for the enclave page mapped at
// addr within encl's address range, currently backed by page.
func NewEnclavePageRef(encl *Enclave, addr uint64, page *EpcPage) *EnclavePageRef {
	return &EnclavePageRef{encl: encl, addr: addr, page: page}
}

// Enclave returns the owning enclave.
func (r *EnclavePageRef) Enclave() *Enclave { return r.encl }

// Addr returns the page's enclave virtual address.
func (r *EnclavePageRef) Addr() uint64 { return r.addr }

// Index returns the page's index within its enclave, the unit
// get_backing/put_backing address backing slots by.
func (r *EnclavePageRef) Index() uint64 { return (r.addr - r.encl.base) / pageSize }

// Page returns the EpcPage currently backing this reference, or nil if
// the page has been written back and not yet faulted in again.
func (r *EnclavePageRef) Page() *EpcPage { return r.page }

// Reclaimed reports whether the reclaimer has ever committed this page to
// write-back (gates the out-of-scope fault handler's
// fetch-from-backing-vs-zero-fill decision). It is set once a backing slot
// is obtained, before write-back runs, and stays set if write-back fails.
func (r *EnclavePageRef) Reclaimed() bool { return r.reclaimed.Load() }

// VASlot returns the version-array slot offset this page was written
// back under, valid only once a write-back has succeeded.
func (r *EnclavePageRef) VASlot() uint32 { return r.vaSlot }

// VAPage returns the version-array page holding this page's
// replay-protection nonce, valid only once a write-back has succeeded.
func (r *EnclavePageRef) VAPage() *EpcPage { return r.vaPage }
