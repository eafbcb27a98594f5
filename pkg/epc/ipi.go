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

import "gvisor.dev/gvisor/pkg/sync"

// CPUSet is the set of CPU ids currently associated with an mm, used to
// compute the IPI mask for an ewb NOT_TRACKED retry.
type CPUSet struct {
	mu   sync.Mutex
	cpus map[int]struct{}
}

// NewCPUSet returns an empty CPUSet.
func NewCPUSet() *CPUSet { return &CPUSet{cpus: make(map[int]struct{})} }

// Add records cpu as currently associated with the owning mm.
func (s *CPUSet) Add(cpu int) {
	s.mu.Lock()
	s.cpus[cpu] = struct{}{}
	s.mu.Unlock()
}

// Remove drops cpu from the set.
func (s *CPUSet) Remove(cpu int) {
	s.mu.Lock()
	delete(s.cpus, cpu)
	s.mu.Unlock()
}

// Snapshot returns the CPU ids currently in the set.
func (s *CPUSet) Snapshot() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.cpus))
	for c := range s.cpus {
		out = append(out, c)
	}
	return out
}

// Broadcaster forces every CPU in a mask to cross a kernel boundary,
// guaranteeing each has observed a preceding etrack's epoch advance
// (design notes: "a broadcast with an empty handler and synchronous
// wait").
type Broadcaster interface {
	Broadcast(cpus []int)
}

// noopIPI is the software-simulated default Broadcaster. There is no
// real vCPU to interrupt, so "bouncing" a CPU only has to synchronize
// against a concurrent reader of the same dirty set, the same shape as
// an address space's dirtySet/Invalidate pair over a real hypervisor
// backend.
type noopIPI struct {
	dirty sync.Map
}

// NewSoftwareBroadcaster returns the default, non-hardware Broadcaster.
func NewSoftwareBroadcaster() Broadcaster { return &noopIPI{} }

func (b *noopIPI) Broadcast(cpus []int) {
	var wg sync.WaitGroup
	for _, c := range cpus {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			b.dirty.Store(cpu, struct{}{})
		}(c)
	}
	wg.Wait()
}
