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

// EpcLru holds the reclaimable/unreclaimable classification for one
// scope: the single global LRU, or one per accounted cgroup. Each page
// belongs to exactly one EpcLru instance, determined by its cgroup
// attribution at record-time.
type EpcLru struct {
	mu                sync.Mutex
	reclaimable       ilist.List
	unreclaimable     ilist.List
	reclaimableLen    int
	unreclaimableLen  int
}

// NewEpcLru returns an empty EpcLru.
func NewEpcLru() *EpcLru { return &EpcLru{} }

// Record links p onto the reclaimable or unreclaimable list according to
// the flags just OR'd into its descriptor.
func (l *EpcLru) Record(p *EpcPage, flags uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.testFlags(flagReclaimInProgress) {
		panic("epc: Record called on a page already under reclaim")
	}
	p.setFlags(flags)
	if p.testFlags(flagReclaimable) {
		l.reclaimable.PushBack(p)
		l.reclaimableLen++
	} else {
		l.unreclaimable.PushBack(p)
		l.unreclaimableLen++
	}
}

// Drop unlinks p, the exit path for normal enclave teardown. It returns
// ErrBusy if a reclaim is in flight for p, in which case the reclaimer
// owns it and the caller must retry or defer destruction.
func (l *EpcLru) Drop(p *EpcPage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.testFlags(flagReclaimable) && p.testFlags(flagReclaimInProgress) {
		return ErrBusy
	}
	if p.testFlags(flagReclaimable) {
		l.reclaimable.Remove(p)
		l.reclaimableLen--
	} else {
		l.unreclaimable.Remove(p)
		l.unreclaimableLen--
	}
	p.clearFlags(flagReclaimable | flagReclaimInProgress)
	return nil
}

// Isolate removes up to want pages from the reclaimable list head to
// tail, moving each whose owner can still be referenced onto dst with
// RECLAIM_IN_PROGRESS set. A page whose owner is already being freed is
// unlinked and dropped instead. Both outcomes count as scan progress.
func (l *EpcLru) Isolate(want int, dst *ilist.List, virt VirtEPC) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	e := l.reclaimable.Front()
	for e != nil && n < want {
		next := e.Next()
		p := e.(*EpcPage)
		l.reclaimable.Remove(p)
		l.reclaimableLen--
		if acquireOwnerRef(p.Owner(), virt) {
			p.setFlags(flagReclaimInProgress)
			dst.PushBack(p)
		} else {
			p.clearFlags(flagReclaimable)
		}
		n++
		e = next
	}
	return n
}

// requeue clears RECLAIM_IN_PROGRESS and moves p to the reclaimable
// tail, the skip path after a failed aging or write-back attempt:
// skipped pages move to the tail so the next scan sees them last.
func (l *EpcLru) requeue(p *EpcPage) {
	l.mu.Lock()
	p.clearFlags(flagReclaimInProgress)
	l.reclaimable.PushBack(p)
	l.reclaimableLen++
	l.mu.Unlock()
}

// pickVictim scans the unreclaimable list head-to-tail for the first
// page whose owner can still be referenced, unlinking every page it
// passes over along the way. A page whose owner is already being freed
// is unlinked and dropped without being returned.
func (l *EpcLru) pickVictim(virt VirtEPC) (*EpcPage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.unreclaimable.Front()
	for e != nil {
		next := e.Next()
		p := e.(*EpcPage)
		l.unreclaimable.Remove(p)
		l.unreclaimableLen--
		if acquireOwnerRef(p.Owner(), virt) {
			return p, true
		}
		e = next
	}
	return nil, false
}

// drainOwner removes and returns every page on either list whose owner
// satisfies match, the scan an enclave destroy routine uses to collect
// its own child and version-array pages for freeing. Pages mid-reclaim
// are on an isolation list, not on l, and so are never touched here.
func (l *EpcLru) drainOwner(match func(Owner) bool) []*EpcPage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*EpcPage
	for _, reclaimable := range []bool{true, false} {
		lst := &l.unreclaimable
		if reclaimable {
			lst = &l.reclaimable
		}
		e := lst.Front()
		for e != nil {
			next := e.Next()
			p := e.(*EpcPage)
			if match(p.Owner()) {
				lst.Remove(p)
				if reclaimable {
					l.reclaimableLen--
				} else {
					l.unreclaimableLen--
				}
				p.clearFlags(flagReclaimable | flagReclaimInProgress)
				out = append(out, p)
			}
			e = next
		}
	}
	return out
}

// ReclaimableLen returns the current length of the reclaimable list.
func (l *EpcLru) ReclaimableLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reclaimableLen
}

// Empty reports whether both lists are empty (the epc_cgroup_lru_empty
// hook).
func (l *EpcLru) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reclaimableLen == 0 && l.unreclaimableLen == 0
}
