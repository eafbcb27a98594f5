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

func TestSanitizerRunClearsSections(t *testing.T) {
	secs := []*Section{NewSection(0, 0x1000, 4), NewSection(1, 0x2000, 3)}
	s := NewSanitizer(newFakeHW())

	if err := s.Run(testContext(), secs); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	for _, sec := range secs {
		if _, ok := sec.takeUnsanitized(); ok {
			t.Fatalf("section %d still has an unsanitized page after Run", sec.Index())
		}
		if sec.FreeCount() != sec.Total() {
			t.Fatalf("section %d FreeCount() = %d, want %d", sec.Index(), sec.FreeCount(), sec.Total())
		}
	}
}

func TestSanitizerDefersFailedRemove(t *testing.T) {
	sec := NewSection(0, 0x1000, 2)
	hw := newFakeHW()
	hw.removeFails[0x1000] = true
	s := NewSanitizer(hw)

	if err := s.Run(testContext(), []*Section{sec}); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	p, ok := sec.takeDeferred()
	if !ok || p.PhysAddr() != 0x1000 {
		t.Fatalf("takeDeferred() = (%v, %v), want the page at 0x1000", p, ok)
	}
	if _, ok := sec.popFree(); !ok {
		t.Fatal("the page that removed cleanly should be on the free list")
	}
	if _, ok := sec.popFree(); ok {
		t.Fatal("the page that failed to remove should not be on the free list")
	}
}
