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
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/sync"
)

// Backing is the opaque {contents page, metadata page, metadata offset}
// triple a shmem-backed store hands back for one evicted page.
type Backing struct {
	Contents []byte
	Metadata []byte
	Offset   uint64
}

// BackingProvider is the get_backing/put_backing collaborator.
// Backing-store I/O itself is out of scope; this is the contract the
// reclaimer calls through.
type BackingProvider interface {
	GetBacking(ctx context.Context, encl *Enclave, index uint64) (*Backing, error)
	PutBacking(b *Backing, dirty bool)
}

// ShmemBacking is a default, non-authoritative BackingProvider: an
// anonymous mapping standing in for a real shmem-backed store, so the
// allocator and reclaimer have something real to exercise without a
// host filesystem dependency.
type ShmemBacking struct {
	mu   sync.Mutex
	mem  []byte
	free []uint64
	next uint64
}

// NewShmemBacking mmaps an anonymous region of size bytes to serve as
// backing storage.
func NewShmemBacking(size int) (*ShmemBacking, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("epc: mmap backing store: %w", err)
	}
	return &ShmemBacking{mem: mem}, nil
}

// GetBacking reserves one {contents, metadata} pair. index is unused by
// this implementation (a real shmem store would address by it); the
// free-list/bump allocator below just needs distinct slots.
func (s *ShmemBacking) GetBacking(ctx context.Context, encl *Enclave, index uint64) (*Backing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var off uint64
	if n := len(s.free); n > 0 {
		off = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		if s.next+2*pageSize > uint64(len(s.mem)) {
			return nil, errBackingFail
		}
		off = s.next
		s.next += 2 * pageSize
	}
	return &Backing{
		Contents: s.mem[off : off+pageSize],
		Metadata: s.mem[off+pageSize : off+2*pageSize],
		Offset:   off,
	}, nil
}

// PutBacking releases b's slot back to the free list. dirty is accepted
// for interface parity with a real store that would need to flush
// unwritten contents; the in-memory mapping never needs to.
func (s *ShmemBacking) PutBacking(b *Backing, dirty bool) {
	s.mu.Lock()
	s.free = append(s.free, b.Offset)
	s.mu.Unlock()
}

// Close unmaps the backing region.
func (s *ShmemBacking) Close() error {
	return unix.Munmap(s.mem)
}
