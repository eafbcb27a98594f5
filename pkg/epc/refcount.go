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

import "gvisor.dev/gvisor/pkg/atomicbitops"

// refs is a speculative reference count: the zero
// value holds one reference; TryIncRef acquires a speculative reference
// first so concurrent TryIncRef callers don't need a CAS retry loop
// against DecRef; DecRef treats the transition to -1 as "now
// unreachable". Embedded by both Enclave and Mm.
type refs struct {
	refCount atomicbitops.Int64
}

func (r *refs) readRefs() int64 {
	return r.refCount.Load() + 1
}

func (r *refs) incRef() {
	if v := r.refCount.Add(1); v <= 0 {
		panic("epc: IncRef called on a reference count that has already reached zero")
	}
}

func (r *refs) tryIncRef() bool {
	const speculativeRef = int64(1) << 32
	v := r.refCount.Add(speculativeRef)
	if int32(v) < 0 {
		// Already being freed.
		r.refCount.Add(-speculativeRef)
		return false
	}
	r.refCount.Add(-speculativeRef + 1)
	return true
}

func (r *refs) decRef(destroy func()) {
	switch v := r.refCount.Add(-1); {
	case v < -1:
		panic("epc: DecRef called on a reference count that was already zero")
	case v == -1:
		if destroy != nil {
			destroy()
		}
	}
}
