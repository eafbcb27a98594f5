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

import "gvisor.dev/gvisor/pkg/errors/linuxerr"

// AttrProvisionKey is the privileged enclave attribute the provisioning
// gate grants.
const AttrProvisionKey uint64 = 1 << 4

// ProvisionGate backs the provisioning device node: any handle opened on
// it grants the bearer the right to set AttrProvisionKey. It is the one
// externally-observable interface the core owns outright.
type ProvisionGate struct {
	node uintptr
}

// NewProvisionGate returns a gate guarding the device node identified by
// node.
func NewProvisionGate(node uintptr) *ProvisionGate {
	return &ProvisionGate{node: node}
}

// Authorize validates that handle refers to this gate's device node and,
// if so, ORs AttrProvisionKey into attrs.
func (g *ProvisionGate) Authorize(handle uintptr, attrs *uint64) error {
	if handle != g.node {
		return linuxerr.EINVAL
	}
	*attrs |= AttrProvisionKey
	return nil
}
