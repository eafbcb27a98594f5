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

import "gvisor.dev/gvisor/pkg/log"

// OOMHandler picks and destroys one victim when an external pressure
// source (a failed cgroup charge, or a reclaim pass that made zero
// progress against an empty reclaimable list) demands it.
type OOMHandler struct {
	lru   *EpcLru
	alloc *Allocator
	virt  VirtEPC
}

// NewOOMHandler returns a handler picking victims from lru and freeing
// pages through alloc.
func NewOOMHandler(lru *EpcLru, alloc *Allocator, virt VirtEPC) *OOMHandler {
	return &OOMHandler{lru: lru, alloc: alloc, virt: virt}
}

// Run picks one victim from the unreclaimable list and destroys it,
// reporting whether a victim was found at all.
func (h *OOMHandler) Run() bool {
	p, ok := h.lru.pickVictim(h.virt)
	if !ok {
		return false
	}

	o := p.Owner()
	switch o.Kind() {
	case OwnerEnclavePage:
		h.destroyEnclave(o.EnclavePage().Enclave(), p)
	case OwnerVersionArray:
		h.destroyEnclave(o.VersionArray(), p)
	case OwnerVirtEPC:
		if h.virt != nil {
			h.virt.OOM(o.Virt())
		}
	}
	return true
}

// destroyEnclave tears down encl entirely: marks it OOM, zaps every VMA
// range any attached mm has mapping into it, then frees every EPC page
// it owns, including the root page and the victim page pickVictim already
// unlinked. The victim's own reference (taken by pickVictim's
// get-unless-zero acquire) is released last. A no-op, aside from
// releasing that reference, if encl is already dead or mid-teardown.
func (h *OOMHandler) destroyEnclave(encl *Enclave, victim *EpcPage) {
	encl.Lock()
	if encl.Flags()&(EnclaveDead|EnclaveOOM) != 0 {
		encl.Unlock()
		encl.DecRef()
		return
	}
	encl.SetFlags(EnclaveOOM)
	encl.Unlock()

	encl.MmList().ForEach(func(m *Mm) bool {
		if !m.TryIncRef() {
			return true
		}
		for _, rg := range m.ZapRanges(encl) {
			m.addrSpace.ZapRange(rg[0], rg[1])
		}
		m.DecRef()
		return true
	})

	belongsToEncl := func(o Owner) bool {
		switch o.Kind() {
		case OwnerEnclavePage:
			return o.EnclavePage().Enclave() == encl
		case OwnerVersionArray:
			return o.VersionArray() == encl
		default:
			return false
		}
	}
	for _, p := range append(h.lru.drainOwner(belongsToEncl), victim) {
		if err := h.alloc.Free(p); err != nil {
			log.Warningf("epc: oom: failed to free page %#x for destroyed enclave: %v", p.PhysAddr(), err)
		}
	}

	encl.Lock()
	root := encl.Root()
	encl.SetRoot(nil)
	encl.Unlock()
	if root != nil {
		if err := h.alloc.Free(root); err != nil {
			log.Warningf("epc: oom: failed to free SECS page %#x for destroyed enclave: %v", root.PhysAddr(), err)
		}
	}

	encl.DecRef()
}
