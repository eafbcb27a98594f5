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
	"runtime"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/log"
)

// Sanitizer drains leftover protected pages left behind by a previous
// boot. Sections are independent, so each gets its own goroutine rather
// than a single serial sweep.
type Sanitizer struct {
	hw HardwareOps
}

// NewSanitizer returns a sanitizer driving hw's remove instruction.
func NewSanitizer(hw HardwareOps) *Sanitizer { return &Sanitizer{hw: hw} }

// Run drains every section's unsanitized list, then drains the deferred
// root-page list left behind by the first pass (root pages cannot be
// removed while they still have children, which the first pass just
// finished removing). Honors ctx cancellation between pages.
func (s *Sanitizer) Run(ctx context.Context, sections []*Section) error {
	if err := s.pass(ctx, sections, (*Section).takeUnsanitized); err != nil {
		return err
	}
	return s.pass(ctx, sections, (*Section).takeDeferred)
}

func (s *Sanitizer) pass(ctx context.Context, sections []*Section, take func(*Section) (*EpcPage, bool)) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sec := range sections {
		sec := sec
		g.Go(func() error {
			return s.drainSection(gctx, sec, take)
		})
	}
	return g.Wait()
}

func (s *Sanitizer) drainSection(ctx context.Context, sec *Section, take func(*Section) (*EpcPage, bool)) error {
	// Pages whose remove fails are parked here and only re-deferred once
	// the pass ends, so a pass over the deferred list visits each page once.
	var deferred []*EpcPage
	defer func() {
		for _, p := range deferred {
			sec.markDeferred(p)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p, ok := take(sec)
		if !ok {
			return nil
		}
		if err := s.hw.Remove(p.PhysAddr()); err != nil {
			log.Warningf("epc: sanitize: remove failed for page %#x, deferring: %v", p.PhysAddr(), err)
			deferred = append(deferred, p)
		} else {
			sec.markFree(p)
		}
		runtime.Gosched()
	}
}
