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

// WbResult is ewb's three-way status.
type WbResult int

const (
	// WbSuccess means the page was written back.
	WbSuccess WbResult = iota
	// WbNotTracked means a CPU may still be executing inside the enclave
	// with a stale epoch; the caller must etrack and retry.
	WbNotTracked
	// WbError is any other hardware-reported failure.
	WbError
)

// HardwareOps is the privileged-instruction seam (ereg_remove, eblock,
// etrack, ewb): the privileged-instruction hardware collaborator. Each call is
// atomic from software's view and returns a status. A real backend would
// issue ENCLS; this core only ever talks to an injected implementation,
// defaulting to a software simulation.
type HardwareOps interface {
	// Remove returns a page to pristine state; fails for a root page
	// that still has live children.
	Remove(addr uint64) error

	// Block marks a page as blocked: no new enclave entries may load it.
	Block(addr uint64) error

	// Track advances the enclave's tracking epoch, identified by its
	// SECS page address.
	Track(rootAddr uint64) error

	// WriteBack writes a blocked page to backing with integrity
	// metadata, addressed by the page's physical address, the
	// version-array page it's being recorded under and the slot within
	// it.
	WriteBack(addr uint64, vaSlot uint32, vaPageAddr uint64, backing *Backing) (WbResult, error)
}

// softwareHW is the default HardwareOps: every instruction trivially
// succeeds, since there is no real EPC to protect in a userspace
// rendition. It exists so the allocator, sanitizer and reclaimer have a
// real collaborator to drive in tests and in any deployment that doesn't
// inject a hardware-backed implementation.
type softwareHW struct{}

// NewSoftwareHardware returns the default, non-privileged HardwareOps.
func NewSoftwareHardware() HardwareOps { return softwareHW{} }

func (softwareHW) Remove(addr uint64) error { return nil }
func (softwareHW) Block(addr uint64) error  { return nil }
func (softwareHW) Track(rootAddr uint64) error { return nil }

func (softwareHW) WriteBack(addr uint64, vaSlot uint32, vaPageAddr uint64, backing *Backing) (WbResult, error) {
	return WbSuccess, nil
}
