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
	"gvisor.dev/gvisor/pkg/errors"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// User-visible error sentinels. Allocators only ever surface one
// of these three, or a cgroup-chosen error returned verbatim from
// ChargePolicy.TryCharge.
var (
	// ErrNoMemory is returned when no section has a free page and no page
	// anywhere is reclaimable.
	ErrNoMemory = linuxerr.ENOMEM

	// ErrBusy is returned by Alloc when reclaim is disallowed and no free
	// page exists, and by EpcLru.Drop when the page is mid-reclaim.
	ErrBusy = linuxerr.EBUSY

	// ErrRestart is returned when a synchronous reclaim loop was aborted by
	// context cancellation (this core's analogue of "pending signal").
	ErrRestart = linuxerr.ERESTART
)

// errBackingFail wraps a BackingProvider.GetBacking failure. It never
// crosses an Allocator/Reclaimer method boundary as a distinguished
// sentinel; the page is just skipped and kept on its LRU. Package-level
// so the test fakes can return it.
var errBackingFail = errors.New(linuxerr.EIO.Errno(), "backing store allocation failed")
