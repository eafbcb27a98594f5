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
)

// Config holds the tunable constants governing reclaim batching and
// watermarks.
type Config struct {
	// ScanBatch is the default number of pages the daemon and the
	// allocator's synchronous reclaim loop each try to reclaim per pass.
	ScanBatch int
	// MaxBatch bounds the number of pages any single ReclaimPages call
	// will isolate at once.
	MaxBatch int
	// LowWatermark is the free-page threshold below which Alloc kicks the
	// daemon.
	LowWatermark int
	// HighWatermark is the free-page threshold the daemon reclaims up to.
	HighWatermark int
	// MinScanPages is a floor on the daemon's per-wake scan size, so a
	// misconfigured ScanBatch near zero can't make it busy-loop on a
	// zero-length scan.
	MinScanPages int
}

// DefaultConfig returns the tunables named in the external interfaces.
func DefaultConfig() Config {
	return Config{
		ScanBatch:     16,
		MaxBatch:      32,
		LowWatermark:  32,
		HighWatermark: 64,
		MinScanPages:  8,
	}
}

// SectionInfo describes one hardware-reported EPC section at boot.
type SectionInfo struct {
	PhysBase uint64
	Pages    int
}

// SectionStats is a point-in-time snapshot of one section's accounting.
type SectionStats struct {
	Index     int
	Total     int
	FreeCount int
}

// Options carries the collaborators Manager.Init wires in place of their
// software-simulated defaults. Any nil field gets a default.
type Options struct {
	HardwareOps HardwareOps
	Backing     BackingProvider
	Broadcaster Broadcaster
	Cgroup      ChargePolicy
	Virt        VirtEPC
	Provision   *ProvisionGate
}

// Manager owns the full set of sections, the global LRU, and the
// allocator, reclaimer and daemon built over them: the process-wide
// state a device's init routine builds once and tears down in reverse
// on failure.
type Manager struct {
	Config
	Sections  []*Section
	GlobalLRU *EpcLru
	Allocator *Allocator
	Reclaimer *Reclaimer
	Daemon    *Daemon
	OOM       *OOMHandler
	Provision *ProvisionGate

	sanitizer *Sanitizer
	cgroup    ChargePolicy
	hw        HardwareOps
	backing   BackingProvider
	virt      VirtEPC

	closer func() error
}

// Init builds a Manager over the given sections, starts its daemon, and
// returns it. On any failure, everything already constructed is torn
// down in reverse before the error is returned.
func Init(ctx context.Context, sections []SectionInfo, cfg Config, opts Options) (*Manager, error) {
	hw := opts.HardwareOps
	if hw == nil {
		hw = NewSoftwareHardware()
	}
	backing := opts.Backing
	if backing == nil {
		shmem, err := NewShmemBacking(64 << 20)
		if err != nil {
			return nil, err
		}
		backing = shmem
		opts.Backing = shmem
	}
	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = NewSoftwareBroadcaster()
	}
	cgroup := opts.Cgroup
	if cgroup == nil {
		cgroup = NoCgroupPolicy{}
	}

	secs := make([]*Section, len(sections))
	for i, si := range sections {
		secs[i] = NewSection(i, si.PhysBase, si.Pages)
	}

	lru := NewEpcLru()
	reclaimer := NewReclaimer(secs, hw, backing, broadcaster, opts.Virt, cfg)
	alloc := NewAllocator(secs, lru, reclaimer, cgroup, hw, cfg)
	sanitizer := NewSanitizer(hw)
	daemon := NewDaemon(secs, lru, reclaimer, sanitizer, cfg)
	alloc.setDaemon(daemon)
	oom := NewOOMHandler(lru, alloc, opts.Virt)

	m := &Manager{
		Config:    cfg,
		Sections:  secs,
		GlobalLRU: lru,
		Allocator: alloc,
		Reclaimer: reclaimer,
		Daemon:    daemon,
		OOM:       oom,
		Provision: opts.Provision,
		sanitizer: sanitizer,
		cgroup:    cgroup,
		hw:        hw,
		backing:   backing,
		virt:      opts.Virt,
	}
	if closer, ok := backing.(interface{ Close() error }); ok {
		m.closer = closer.Close
	}

	daemon.Start(ctx)
	return m, nil
}

// Close stops the daemon and releases any closable backing store.
func (m *Manager) Close() error {
	m.Daemon.Stop()
	if m.closer != nil {
		return m.closer()
	}
	return nil
}

// Sanitize runs one sanitization sweep over every section using the
// manager's own hardware collaborator. Exposed for callers (such as
// cmd/epcdctl) that want to force a sweep outside of daemon startup.
func (m *Manager) Sanitize(ctx context.Context) error {
	return m.sanitizer.Run(ctx, m.Sections)
}

// Stats is a point-in-time snapshot of the manager's accounting: every
// section's free-page bookkeeping plus the global double-free bug
// signal counter.
type Stats struct {
	Sections           []SectionStats
	DoubleFreeWarnings uint64
}

// Stats returns a point-in-time snapshot of the manager's accounting.
func (m *Manager) Stats() Stats {
	sections := make([]SectionStats, len(m.Sections))
	for i, s := range m.Sections {
		sections[i] = SectionStats{Index: s.Index(), Total: s.Total(), FreeCount: s.FreeCount()}
	}
	return Stats{Sections: sections, DoubleFreeWarnings: m.Allocator.DoubleFreeWarnings()}
}
