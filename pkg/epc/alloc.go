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
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/log"
)

// Allocator hands out and reclaims physical EPC pages across every
// section, driving the reclaimer synchronously when the free lists run
// dry and kicking the reclaim daemon when free pages dip below
// Config.LowWatermark.
type Allocator struct {
	sections  []*Section
	lru       *EpcLru
	reclaimer *Reclaimer
	cgroup    ChargePolicy
	cfg       Config
	hw        HardwareOps
	daemon    *Daemon

	doubleFreeWarnings atomicbitops.Uint64
}

// NewAllocator builds an allocator over sections, driving reclaim through
// reclaimer and charging pages through cgroup.
func NewAllocator(sections []*Section, lru *EpcLru, reclaimer *Reclaimer, cgroup ChargePolicy, hw HardwareOps, cfg Config) *Allocator {
	return &Allocator{sections: sections, lru: lru, reclaimer: reclaimer, cgroup: cgroup, hw: hw, cfg: cfg}
}

// setDaemon wires the daemon kicked when free pages run low. Called once
// by Manager.Init after the daemon is constructed, since the daemon and
// allocator each need a reference to the other.
func (a *Allocator) setDaemon(d *Daemon) { a.daemon = d }

// allocOne iterates sections in index order, popping the head of the
// first non-empty free list. Returns ErrNoMemory if every section is
// empty. The returned page's owner is not reset: it is the zero Owner for
// a never-allocated page and the previous owner for a recycled one; the
// caller sets it.
func (a *Allocator) allocOne() (*EpcPage, error) {
	for _, s := range a.sections {
		if p, ok := s.popFree(); ok {
			return p, nil
		}
	}
	return nil, ErrNoMemory
}

func (a *Allocator) anyReclaimable() bool {
	return a.lru.ReclaimableLen() > 0
}

func (a *Allocator) freePages() int {
	n := 0
	for _, s := range a.sections {
		n += s.FreeCount()
	}
	return n
}

// Alloc allocates one EPC page for owner. If reclaimAllowed is false and
// no free page exists, it fails with ErrBusy rather than driving
// synchronous reclaim. If ctx is canceled while waiting on reclaim, it
// fails with ErrRestart.
func (a *Allocator) Alloc(ctx context.Context, owner Owner, reclaimAllowed bool) (*EpcPage, error) {
	var charge *CgroupCharge
	if a.cgroup != nil {
		c, err := a.cgroup.TryCharge(ctx, 1)
		if err != nil {
			return nil, err
		}
		charge = c
	}

	var page *EpcPage
	for {
		p, err := a.allocOne()
		if err == nil {
			page = p
			break
		}
		if !a.anyReclaimable() {
			if a.cgroup != nil {
				a.cgroup.Uncharge(charge, 1)
			}
			return nil, ErrNoMemory
		}
		if !reclaimAllowed {
			if a.cgroup != nil {
				a.cgroup.Uncharge(charge, 1)
			}
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			if a.cgroup != nil {
				a.cgroup.Uncharge(charge, 1)
			}
			return nil, ErrRestart
		default:
		}
		if _, err := a.reclaimer.ReclaimPages(ctx, a.lru, a.cfg.ScanBatch, false); err != nil {
			if a.cgroup != nil {
				a.cgroup.Uncharge(charge, 1)
			}
			return nil, err
		}
	}

	page.SetOwner(owner)
	page.cgroupRef = charge

	if a.daemon != nil && a.freePages() < a.cfg.LowWatermark {
		a.daemon.Kick()
	}
	return page, nil
}

// Free returns page to its section's free list. It warns, but still
// frees the page, if any reclaim flag is set: that is a bug signal, not
// a fatal condition, since the page is about to be wiped by hardware
// regardless.
func (a *Allocator) Free(page *EpcPage) error {
	if page.Flags()&(flagReclaimable|flagReclaimInProgress) != 0 {
		a.doubleFreeWarnings.Add(1)
		log.Warningf("epc: Free called on page %#x with reclaim flags set (%#x)", page.PhysAddr(), page.Flags())
	}
	if err := a.hw.Remove(page.PhysAddr()); err != nil {
		log.Warningf("epc: hardware remove failed for page %#x, leaking: %v", page.PhysAddr(), err)
		return nil
	}
	a.sections[page.SectionIndex()].pushFree(page)
	if a.cgroup != nil {
		a.cgroup.Uncharge(page.cgroupRef, 1)
	}
	page.cgroupRef = nil
	return nil
}

// DoubleFreeWarnings returns the number of times Free observed a
// reclaim-flagged page.
func (a *Allocator) DoubleFreeWarnings() uint64 { return a.doubleFreeWarnings.Load() }
