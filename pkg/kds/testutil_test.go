// Copyright 2024 The gVisor Authors.
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

package kds

import (
	"context"
	"sync"
	"testing"

	"xrt.dev/kds/pkg/ert"
	"xrt.dev/kds/pkg/log"
	"xrt.dev/kds/pkg/regio"
)

// Compute unit register bases used by the tests.
const (
	cu0Addr = 0x10000
	cu1Addr = 0x20000
)

// testRegs is a register space with clear-on-read status registers.
type testRegs struct {
	*regio.Memory

	mu sync.Mutex

	// statusReads counts reads of the status registers.
	statusReads int
}

func newTestRegs() *testRegs {
	return &testRegs{Memory: regio.NewMemory(0x260000)}
}

func isStatus(addr uint32) bool {
	return addr >= ert.StatusRegisterAddr && addr < ert.StatusRegisterAddr+4*ert.NumStatusRegisters
}

// Read32 implements regio.Device.Read32.
func (r *testRegs) Read32(addr uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.Memory.Read32(addr)
	if isStatus(addr) {
		r.statusReads++
		r.Memory.Write32(addr, 0)
	}
	return v
}

// complete reports slot as done in the status registers.
func (r *testRegs) complete(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := uint32(ert.StatusRegisterAddr + 4*(slot/32))
	r.Memory.Write32(addr, r.Memory.Read32(addr)|1<<(slot%32))
}

// finishCU makes the CU at addr report done.
func (r *testRegs) finishCU(addr uint32) {
	r.Memory.Write32(addr, ert.APDone|ert.APIdle)
}

func (r *testRegs) reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusReads
}

func testLogger(t *testing.T) log.Logger {
	return &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
}

// newTestDevice returns a reset device whose scheduler has no worker. The
// test drives the scheduler with pass.
func newTestDevice(t *testing.T, sopts Options, dopts DeviceOptions) (*Scheduler, *Device, *testRegs) {
	t.Helper()
	sopts.Logger = testLogger(t)
	s := NewScheduler(sopts)
	regs := newTestRegs()
	d := newDevice(0, regs, s, dopts)
	if err := d.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	return s, d, regs
}

func newTestClient(t *testing.T, d *Device) *Client {
	t.Helper()
	c, err := d.CreateClient(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return c
}

// submit submits p and drops the caller's buffer reference.
func submit(t *testing.T, d *Device, c *Client, p ert.Packet, deps ...Buffer) *BO {
	t.Helper()
	bo := NewBO(p)
	if _, err := d.Submit(c, bo, deps...); err != nil {
		t.Fatalf("Submit(%v): %v", p.Header(), err)
	}
	bo.DecRef()
	return bo
}

// passes runs n scheduler passes.
func passes(s *Scheduler, n int) {
	for i := 0; i < n; i++ {
		s.pass()
	}
}

// find returns the queued command executing b, or nil.
func (s *Scheduler) find(b Buffer) *command {
	for c := s.queue.Front(); c != nil; c = c.Next() {
		if c.buf == b {
			return c
		}
	}
	return nil
}

// configureDirect configures d with two CUs on the direct backend.
func configureDirect(t *testing.T, s *Scheduler, d *Device, c *Client) {
	t.Helper()
	bo := submit(t, d, c, ert.NewConfigure(ert.Config{
		SlotSize: 0x1000,
		CUAddrs:  []uint32{cu0Addr, cu1Addr},
	}))
	passes(s, 3)
	if got := bo.Packet().State(); got != ert.StateCompleted {
		t.Fatalf("configure state = %v, want completed", got)
	}
}

func startCU(cuMask uint32, args ...uint32) ert.Packet {
	return ert.NewStartCU([]uint32{cuMask}, append([]uint32{0}, args...))
}

func local() ert.Packet {
	return ert.NewCommand(ert.OpStartCU, ert.TypeLocal, []uint32{0})
}
