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

// Package sim simulates the register space of an accelerator card: compute
// units that report done after a number of status reads, and an embedded
// scheduler that executes packets written to the command queue.
//
// A Card implements regio.Device and can be registered with a kds.Registry
// in place of a mapped PCI BAR.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xrt.dev/kds/pkg/ert"
	"xrt.dev/kds/pkg/log"
	"xrt.dev/kds/pkg/regio"
)

// DefaultSize is the size of the simulated register window.
const DefaultSize = 0x260000

// Options configures a Card.
type Options struct {
	// Size is the register window size in bytes. Defaults to DefaultSize.
	Size uint32

	// CUAddrs are the register bases of the compute units driven directly
	// by the host. Compute units named by a configure packet executed by
	// the embedded scheduler are added to them.
	CUAddrs []uint32

	// CUReads is the number of reads of a started CU's control register
	// before it reports done. Defaults to 1.
	CUReads int

	// ERTLatency is the time the embedded scheduler takes to execute a
	// command. Zero completes commands as soon as they are written.
	ERTLatency time.Duration

	// IRQ is called with the status register index of each completion
	// while the embedded scheduler runs in interrupt mode.
	IRQ func(irq int)
}

// cu is the state of one compute unit.
type cu struct {
	busy bool

	// reads left before a busy CU reports done.
	reads int

	// done is reported by the next control register read.
	done bool
}

// Card is a simulated accelerator card.
type Card struct {
	mem  *regio.Memory
	opts Options

	mu sync.Mutex

	// cus maps control register addresses to compute units.
	//
	// +checklocks:mu
	cus map[uint32]*cu

	// slotSize is the command queue slot size last configured.
	//
	// +checklocks:mu
	slotSize uint32

	// interrupts is set when completions raise interrupts.
	//
	// +checklocks:mu
	interrupts bool

	// status holds the completion bits reported by the status registers.
	//
	// +checklocks:mu
	status [ert.NumStatusRegisters]uint32

	cuStarts  atomic.Uint64
	ertCmds   atomic.Uint64
	doorbells atomic.Uint64
}

var _ regio.Device = (*Card)(nil)

// New returns a card in its power-on state.
func New(opts Options) *Card {
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	if opts.CUReads <= 0 {
		opts.CUReads = 1
	}
	c := &Card{
		mem:      regio.NewMemory(opts.Size),
		opts:     opts,
		cus:      make(map[uint32]*cu),
		slotSize: ert.CQSize / 16,
	}
	for _, addr := range opts.CUAddrs {
		c.cus[addr] = &cu{}
	}
	return c
}

// Stats reports what the card has executed.
type Stats struct {
	CUStarts  uint64
	ERTCmds   uint64
	Doorbells uint64
}

// Stats returns the card's counters.
func (c *Card) Stats() Stats {
	return Stats{
		CUStarts:  c.cuStarts.Load(),
		ERTCmds:   c.ertCmds.Load(),
		Doorbells: c.doorbells.Load(),
	}
}

func isStatus(addr uint32) bool {
	return addr >= ert.StatusRegisterAddr && addr < ert.StatusRegisterAddr+4*ert.NumStatusRegisters
}

func isDoorbell(addr uint32) bool {
	return addr >= ert.CQStatusRegisterAddr && addr < ert.CQStatusRegisterAddr+4*ert.NumStatusRegisters
}

// Read32 implements regio.Device.Read32. Status registers and CU done bits
// clear on read.
func (c *Card) Read32(addr uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isStatus(addr) {
		i := (addr - ert.StatusRegisterAddr) / 4
		v := c.status[i]
		c.status[i] = 0
		return v
	}
	if u, ok := c.cus[addr]; ok {
		return u.control()
	}
	return c.mem.Read32(addr)
}

// control returns the control register value and advances the CU.
func (u *cu) control() uint32 {
	if u.busy {
		u.reads--
		if u.reads > 0 {
			return ert.APStart
		}
		u.busy = false
		u.done = true
	}
	if u.done {
		u.done = false
		return ert.APDone | ert.APIdle
	}
	return ert.APIdle
}

// Write32 implements regio.Device.Write32.
func (c *Card) Write32(addr, v uint32) {
	c.mem.Write32(addr, v)

	c.mu.Lock()
	if u, ok := c.cus[addr]; ok {
		if v&ert.APStart != 0 && !u.busy {
			u.busy = true
			u.reads = c.opts.CUReads
			c.cuStarts.Add(1)
		}
		c.mu.Unlock()
		return
	}
	if isDoorbell(addr) {
		c.mu.Unlock()
		c.doorbells.Add(1)
		return
	}
	slot, ok := c.slotOf(addr)
	c.mu.Unlock()
	if ok {
		c.execute(slot, ert.Header(v))
	}
}

// WriteBlock implements regio.Device.WriteBlock.
func (c *Card) WriteBlock(addr uint32, words []uint32) {
	c.mem.WriteBlock(addr, words)
}

// slotOf returns the command queue slot whose header lives at addr.
//
// +checklocks:c.mu
func (c *Card) slotOf(addr uint32) (int, bool) {
	if addr < ert.CQBaseAddr || addr >= ert.CQBaseAddr+ert.CQSize {
		return 0, false
	}
	off := addr - ert.CQBaseAddr
	if off%c.slotSize != 0 {
		return 0, false
	}
	return int(off / c.slotSize), true
}

// execute runs the packet whose header was just written to slot.
func (c *Card) execute(slot int, h ert.Header) {
	if h.State() != ert.StateNew {
		return
	}
	c.ertCmds.Add(1)
	if h.Opcode() == ert.OpConfigure {
		if err := c.configure(slot, h); err != nil {
			log.Warningf("sim: slot %d: %v", slot, err)
		}
	}
	if c.opts.ERTLatency == 0 {
		c.complete(slot)
		return
	}
	time.AfterFunc(c.opts.ERTLatency, func() { c.complete(slot) })
}

// configure applies a configure packet read back from the command queue.
func (c *Card) configure(slot int, h ert.Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := make(ert.Packet, 1+h.Count())
	p[0] = uint32(h)
	c.mem.ReadBlock(ert.CQBaseAddr+uint32(slot)*c.slotSize+4, p[1:])
	cfg, err := p.ParseConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.slotSize = cfg.SlotSize
	c.interrupts = !cfg.Features.Has(ert.FeaturePolling)
	for _, addr := range cfg.CUAddrs {
		if _, ok := c.cus[addr]; !ok {
			c.cus[addr] = &cu{}
		}
	}
	log.Debugf("sim: configured %d slots, %d CUs, features %v", cfg.NumSlots(), len(cfg.CUAddrs), cfg.Features)
	return nil
}

// complete reports slot as done.
func (c *Card) complete(slot int) {
	irq := slot / 32
	c.mu.Lock()
	c.status[irq] |= 1 << (slot % 32)
	interrupts := c.interrupts
	c.mu.Unlock()
	if interrupts && c.opts.IRQ != nil {
		c.opts.IRQ(irq)
	}
}

// CUBusy returns true if the CU at addr is executing.
func (c *Card) CUBusy(addr uint32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.cus[addr]
	if !ok {
		return false, fmt.Errorf("no CU at %#x", addr)
	}
	return u.busy, nil
}
