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

// VirtHandle is an opaque reference to a page owned directly by the
// virtualization backend rather than by an enclave (the "neither flag
// set" owner variant of the data model).
type VirtHandle uint64

// VirtEPC is the virtualization backend's hook surface
// (virt_epc_get_ref, virt_epc_oom). The backend itself is out of scope;
// this interface is the named collaborator the core calls into.
type VirtEPC interface {
	// GetRef attempts to acquire a reference on the page behind h,
	// mirroring the enclave "get-unless-zero" upgrade used during LRU
	// isolation. It returns false if the page is already being freed.
	GetRef(h VirtHandle) bool

	// OOM is invoked when the OOM handler selects a virtualized-EPC page
	// as its victim; the backend is responsible for reclaiming it.
	OOM(h VirtHandle)
}
