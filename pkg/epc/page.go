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
)

// EpcPage flag bits packed into desc.
const (
	flagEnclave uint32 = 1 << iota
	flagVersionArray
	flagReclaimable
	flagReclaimInProgress
)

const pageSize = 4096

// OwnerKind discriminates Owner's active variant.
type OwnerKind int

const (
	// OwnerNone is the zero value: an unowned, freshly-allocated page.
	OwnerNone OwnerKind = iota
	// OwnerEnclavePage means the page backs one enclave child page.
	OwnerEnclavePage
	// OwnerVersionArray means the page is a version-array page belonging
	// to an enclave.
	OwnerVersionArray
	// OwnerVirtEPC means the page is owned by the virtualization backend.
	OwnerVirtEPC
)

// Owner is EpcPage's tagged owner reference: an enclave page descriptor
// (ENCLAVE), an enclave (VERSION_ARRAY), or an opaque virtualized-EPC
// handle (neither flag set). A sum type rather than a raw pointer plus
// flags, so the flag bits and the owner variant can never disagree.
type Owner struct {
	kind         OwnerKind
	enclavePage  *EnclavePageRef
	versionArray *Enclave
	virt         VirtHandle
}

// NewEnclaveOwner returns an Owner for one enclave child page.
func NewEnclaveOwner(ref *EnclavePageRef) Owner {
	return Owner{kind: OwnerEnclavePage, enclavePage: ref}
}

// NewVersionArrayOwner returns an Owner for a version-array page.
func NewVersionArrayOwner(encl *Enclave) Owner {
	return Owner{kind: OwnerVersionArray, versionArray: encl}
}

// NewVirtOwner returns an Owner for a page the virtualization backend
// holds directly.
func NewVirtOwner(h VirtHandle) Owner {
	return Owner{kind: OwnerVirtEPC, virt: h}
}

// Kind reports which variant o holds.
func (o Owner) Kind() OwnerKind { return o.kind }

// EnclavePage returns o's enclave-page reference, or nil if o is not an
// OwnerEnclavePage.
func (o Owner) EnclavePage() *EnclavePageRef { return o.enclavePage }

// VersionArray returns o's enclave, or nil if o is not an
// OwnerVersionArray.
func (o Owner) VersionArray() *Enclave { return o.versionArray }

// Virt returns o's opaque handle, valid only if o is an OwnerVirtEPC.
func (o Owner) Virt() VirtHandle { return o.virt }

// EpcPage represents one hardware EPC page.
// It is linked into exactly one of a section free list, a section
// unsanitized list, an LRU reclaimable/unreclaimable list, or an
// in-flight isolation list at any instant, via the single embedded
// ilist.Entry below.
type EpcPage struct {
	ilist.Entry

	physAddr   uint64
	sectionIdx uint32
	flags      atomicbitops.Uint32

	// vaUsed counts slots handed out from this page when flagVersionArray
	// is set; meaningless otherwise.
	vaUsed uint32

	owner     Owner
	cgroupRef *CgroupCharge
}

func newEpcPage(sectionIdx uint32, physAddr uint64) *EpcPage {
	return &EpcPage{physAddr: physAddr, sectionIdx: sectionIdx}
}

// PhysAddr returns the page's physical address.
func (p *EpcPage) PhysAddr() uint64 { return p.physAddr }

// SectionIndex returns the index of the section this page belongs to.
func (p *EpcPage) SectionIndex() uint32 { return p.sectionIdx }

// Owner returns the page's current owner.
func (p *EpcPage) Owner() Owner { return p.owner }

// SetOwner sets the page's owner. Callers must do this after allocation;
// alloc_one leaves it uninitialized.
func (p *EpcPage) SetOwner(o Owner) { p.owner = o }

// Flags returns the page's current flag bits.
func (p *EpcPage) Flags() uint32 { return p.flags.Load() }

func (p *EpcPage) testFlags(bits uint32) bool { return p.Flags()&bits == bits }
func (p *EpcPage) setFlags(bits uint32)       { setFlagBits(&p.flags, bits) }
func (p *EpcPage) clearFlags(bits uint32)     { clearFlagBits(&p.flags, bits) }

func setFlagBits(f *atomicbitops.Uint32, bits uint32) {
	for {
		old := f.Load()
		if old&bits == bits {
			return
		}
		if f.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func clearFlagBits(f *atomicbitops.Uint32, bits uint32) {
	for {
		old := f.Load()
		if old&bits == 0 {
			return
		}
		if f.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// acquireOwnerRef implements the "get-unless-zero" upgrade from a raw
// owner reference used during LRU isolation, needed because the owner
// pointer alone does not keep its target alive.
func acquireOwnerRef(o Owner, virt VirtEPC) bool {
	switch o.kind {
	case OwnerEnclavePage:
		return o.enclavePage.encl.TryIncRef()
	case OwnerVersionArray:
		return o.versionArray.TryIncRef()
	case OwnerVirtEPC:
		if virt == nil {
			return false
		}
		return virt.GetRef(o.virt)
	default:
		return false
	}
}

func releaseOwnerRef(o Owner) {
	switch o.kind {
	case OwnerEnclavePage:
		o.enclavePage.encl.DecRef()
	case OwnerVersionArray:
		o.versionArray.DecRef()
	}
}
