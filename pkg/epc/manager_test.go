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

import "testing"

func TestManagerInitAllocFreeRoundTrip(t *testing.T) {
	m, err := Init(testContext(), []SectionInfo{{PhysBase: 0x1000, Pages: 4}}, DefaultConfig(), Options{
		HardwareOps: newFakeHW(),
		Backing:     newFakeBacking(4),
	})
	if err != nil {
		t.Fatalf("Init() = %v, want nil", err)
	}
	defer m.Close()

	stats := m.Stats()
	if len(stats.Sections) != 1 || stats.Sections[0].Total != 4 {
		t.Fatalf("Stats() = %v, want one section with Total 4", stats)
	}

	// Init leaves sanitization to the daemon goroutine; finish a sweep
	// here so the free list is populated before allocating.
	if err := m.Sanitize(testContext()); err != nil {
		t.Fatalf("Sanitize() = %v, want nil", err)
	}
	p, err := m.Allocator.Alloc(testContext(), Owner{}, false)
	if err != nil {
		t.Fatalf("Alloc() = %v, want nil", err)
	}
	if err := m.Allocator.Free(p); err != nil {
		t.Fatalf("Free() = %v, want nil", err)
	}
	if got := m.Stats().Sections[0].FreeCount; got != 4 {
		t.Fatalf("FreeCount() after the round trip = %d, want 4", got)
	}
}

func TestManagerInitDefaultsCollaboratorsWhenOmitted(t *testing.T) {
	m, err := Init(testContext(), []SectionInfo{{PhysBase: 0, Pages: 1}}, DefaultConfig(), Options{})
	if err != nil {
		t.Fatalf("Init() with no Options = %v, want nil", err)
	}
	defer m.Close()

	if got := m.Stats().DoubleFreeWarnings; got != 0 {
		t.Fatalf("Stats().DoubleFreeWarnings on a fresh manager = %d, want 0", got)
	}
}
