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
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Daemon is the long-lived reclaim worker started at manager init: it
// sanitizes the EPC twice, then loops reclaiming from the global LRU
// whenever free pages fall below Config.HighWatermark.
type Daemon struct {
	sections  []*Section
	lru       *EpcLru
	reclaimer *Reclaimer
	sanitizer *Sanitizer
	cfg       Config

	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool
	kicked  bool

	done sync.WaitGroup
}

// NewDaemon builds a daemon over sections and lru, reclaiming through
// reclaimer and sanitizing through sanitizer.
func NewDaemon(sections []*Section, lru *EpcLru, reclaimer *Reclaimer, sanitizer *Sanitizer, cfg Config) *Daemon {
	d := &Daemon{sections: sections, lru: lru, reclaimer: reclaimer, sanitizer: sanitizer, cfg: cfg}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Kick wakes the daemon if it's waiting, prompting it to re-check the
// watermark and reclaimability immediately.
func (d *Daemon) Kick() {
	d.mu.Lock()
	d.kicked = true
	d.mu.Unlock()
	d.cond.Signal()
}

// Stop requests the daemon to exit at its next loop boundary and blocks
// until it has.
func (d *Daemon) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cond.Signal()
	d.done.Wait()
}

func (d *Daemon) freePages() int {
	n := 0
	for _, s := range d.sections {
		n += s.FreeCount()
	}
	return n
}

func (d *Daemon) belowHighWatermark() bool {
	return d.freePages() < d.cfg.HighWatermark
}

func (d *Daemon) anyReclaimable() bool {
	return d.lru.ReclaimableLen() > 0
}

// Start runs the daemon's sanitize-then-reclaim loop in its own
// goroutine.
func (d *Daemon) Start(ctx context.Context) {
	d.done.Add(1)
	go d.run(ctx)
}

func (d *Daemon) run(ctx context.Context) {
	defer d.done.Done()

	if err := d.sanitizer.Run(ctx, d.sections); err != nil {
		log.Warningf("epc: daemon: first sanitization pass aborted: %v", err)
		return
	}
	if err := d.sanitizer.Run(ctx, d.sections); err != nil {
		log.Warningf("epc: daemon: second sanitization pass aborted: %v", err)
		return
	}

	for {
		d.mu.Lock()
		for !d.stopped && !(d.belowHighWatermark() && d.anyReclaimable()) {
			d.cond.Wait()
		}
		stop := d.stopped
		d.kicked = false
		d.mu.Unlock()

		if stop {
			return
		}
		if !d.belowHighWatermark() || !d.anyReclaimable() {
			continue
		}

		scan := d.cfg.ScanBatch
		if scan < d.cfg.MinScanPages {
			scan = d.cfg.MinScanPages
		}
		if _, err := d.reclaimer.ReclaimPages(ctx, d.lru, scan, false); err != nil {
			log.Warningf("epc: daemon: reclaim pass failed: %v", err)
		}
	}
}
