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
	"github.com/containerd/cgroups"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/ilist"
)

// CgroupCharge is the back-pointer an EpcPage holds while charged
// against a cgroup, and the handle CgroupCharger's IsolatePages and
// LRUEmpty use to reach that cgroup's scoped LRU. The allocator and
// reclaimer do not consult it when choosing an LRU.
type CgroupCharge struct {
	lru *EpcLru
}

// ChargePolicy is the cgroup hook surface
// (epc_cgroup_try_charge/_uncharge/_isolate_pages/_lru_empty). The
// allocator calls TryCharge and Uncharge through it.
type ChargePolicy interface {
	TryCharge(ctx context.Context, pages int) (*CgroupCharge, error)
	Uncharge(charge *CgroupCharge, pages int)
	IsolatePages(charge *CgroupCharge, want int, dst *ilist.List, virt VirtEPC) int
	LRUEmpty(charge *CgroupCharge) bool
}

// NoCgroupPolicy is used when cgroup accounting is disabled: every page
// is attributed to the global LRU and nothing is ever charged.
type NoCgroupPolicy struct{}

func (NoCgroupPolicy) TryCharge(context.Context, int) (*CgroupCharge, error) { return nil, nil }
func (NoCgroupPolicy) Uncharge(*CgroupCharge, int)                           {}
func (NoCgroupPolicy) IsolatePages(*CgroupCharge, int, *ilist.List, VirtEPC) int {
	return 0
}
func (NoCgroupPolicy) LRUEmpty(*CgroupCharge) bool { return true }

// CgroupCharger backs ChargePolicy with a real v1 memory controller for
// limit discovery, charging pages against a local counter capped at that
// limit. containerd/cgroups exposes limit discovery and statistics, not
// a try-charge primitive: that's an in-kernel mem_cgroup API with no
// userspace equivalent, so the actual charge bookkeeping is this core's
// own atomic counter layered on top of the library's Stat call.
type CgroupCharger struct {
	cg         cgroups.Cgroup
	limitPages int64 // -1 means unlimited / undiscoverable
	charged    atomicbitops.Int64
	charge     CgroupCharge
}

// NewCgroupCharger loads the v1 cgroup at path and seeds its page limit
// from the memory controller's reported limit.
func NewCgroupCharger(path string) (*CgroupCharger, error) {
	cg, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		return nil, err
	}
	c := &CgroupCharger{cg: cg, limitPages: -1}
	c.charge.lru = NewEpcLru()
	c.refreshLimit()
	return c, nil
}

func (c *CgroupCharger) refreshLimit() {
	stats, err := c.cg.Stat(cgroups.IgnoreNotExist)
	if err != nil || stats == nil || stats.Memory == nil || stats.Memory.Usage == nil {
		return
	}
	limit := stats.Memory.Usage.Limit
	const unboundedMarker = uint64(1) << 62
	if limit == 0 || limit > unboundedMarker {
		c.limitPages = -1
		return
	}
	c.limitPages = int64(limit / pageSize)
}

// TryCharge charges pages against the cgroup's page limit, returning
// ErrNoMemory if doing so would exceed it.
func (c *CgroupCharger) TryCharge(ctx context.Context, pages int) (*CgroupCharge, error) {
	if c.limitPages < 0 {
		c.charged.Add(int64(pages))
		return &c.charge, nil
	}
	for {
		cur := c.charged.Load()
		if cur+int64(pages) > c.limitPages {
			return nil, ErrNoMemory
		}
		if c.charged.CompareAndSwap(cur, cur+int64(pages)) {
			return &c.charge, nil
		}
	}
}

// Uncharge releases pages previously charged via TryCharge.
func (c *CgroupCharger) Uncharge(charge *CgroupCharge, pages int) {
	if charge == nil {
		return
	}
	c.charged.Add(-int64(pages))
}

// IsolatePages delegates to the cgroup's own scoped LRU.
func (c *CgroupCharger) IsolatePages(charge *CgroupCharge, want int, dst *ilist.List, virt VirtEPC) int {
	if charge == nil {
		return 0
	}
	return charge.lru.Isolate(want, dst, virt)
}

// LRUEmpty reports whether the cgroup's scoped LRU has no pages left at
// all (the external pressure source the OOM handler responds to).
func (c *CgroupCharger) LRUEmpty(charge *CgroupCharge) bool {
	if charge == nil {
		return true
	}
	return charge.lru.Empty()
}
