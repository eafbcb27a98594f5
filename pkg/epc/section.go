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
	"gvisor.dev/gvisor/pkg/ilist"
	"gvisor.dev/gvisor/pkg/sync"
)

// Section is one hardware-reported contiguous range of protected
// physical memory. Its identity is its index into the manager's section
// array.
type Section struct {
	index    int
	physBase uint64

	mu          sync.Mutex // spinlock-equivalent
	free        ilist.List
	unsanitized ilist.List
	secs        ilist.List // deferred root pages during sanitization
	freeCount   int
	total       int
}

// NewSection builds a section of npages descriptors, all initially
// linked onto the unsanitized list, with their free count counted in
// already: sanitization only graduates them, so there is a boot-time
// window where FreeCount overstates what's actually on the free list,
// documented as benign.
func NewSection(index int, physBase uint64, npages int) *Section {
	s := &Section{index: index, physBase: physBase, total: npages}
	for i := 0; i < npages; i++ {
		p := newEpcPage(uint32(index), physBase+uint64(i)*pageSize)
		s.unsanitized.PushBack(p)
	}
	s.freeCount = npages
	return s
}

// Index returns the section's index in the manager's section array.
func (s *Section) Index() int { return s.index }

// PhysBase returns the section's physical base address.
func (s *Section) PhysBase() uint64 { return s.physBase }

// Total returns the section's total page count.
func (s *Section) Total() int { return s.total }

// FreeCount returns the section's free-page count. Read without the
// section lock: only the watermark checks, Manager.Stats and tests read it this way, per
// the documented transient-discrepancy decision; every operation that
// mutates it does so under mu.
func (s *Section) FreeCount() int { return s.freeCount }

func (s *Section) popFree() (*EpcPage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.free.Front()
	if e == nil {
		return nil, false
	}
	p := e.(*EpcPage)
	s.free.Remove(p)
	s.freeCount--
	return p, true
}

// pushFree returns p to the free list, incrementing freeCount. Used by
// Allocator.Free and the reclaimer's successful write-back path.
func (s *Section) pushFree(p *EpcPage) {
	s.mu.Lock()
	s.free.PushBack(p)
	s.freeCount++
	s.mu.Unlock()
}

func (s *Section) takeUnsanitized() (*EpcPage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.unsanitized.Front()
	if e == nil {
		return nil, false
	}
	p := e.(*EpcPage)
	s.unsanitized.Remove(p)
	return p, true
}

func (s *Section) takeDeferred() (*EpcPage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.secs.Front()
	if e == nil {
		return nil, false
	}
	p := e.(*EpcPage)
	s.secs.Remove(p)
	return p, true
}

// markFree pushes p onto the free list without touching freeCount, since
// freeCount already counted every page at section setup.
func (s *Section) markFree(p *EpcPage) {
	s.mu.Lock()
	s.free.PushBack(p)
	s.mu.Unlock()
}

func (s *Section) markDeferred(p *EpcPage) {
	s.mu.Lock()
	s.secs.PushBack(p)
	s.mu.Unlock()
}
