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
	"fmt"
	"math/bits"

	"xrt.dev/kds/pkg/ert"
)

// hostExecuted returns true for commands retired by the host without the
// device: local commands and register writes.
func hostExecuted(c *command) bool {
	return c.packet.Type() == ert.TypeLocal || c.packet.Opcode() == ert.OpWrite
}

// submit starts c on the device. It returns false without error when the
// device has no room for c, in which case c stays queued. An error means c
// can never run.
func (d *Device) submit(c *command) (bool, error) {
	switch d.exec.backend {
	case backendERT:
		return d.ertSubmit(c)
	default:
		return d.directSubmit(c)
	}
}

// query checks whether c, a running command, has completed and retires it if
// so. The ERT backend may retire other commands of d in the same call.
func (d *Device) query(c *command) {
	switch d.exec.backend {
	case backendERT:
		d.ertQuery(c)
	default:
		d.directQuery(c)
	}
}

// acquireSlot assigns a free command queue slot to c.
func (d *Device) acquireSlot(c *command) bool {
	slot, ok := d.exec.slots.Acquire()
	if !ok {
		return false
	}
	c.slot = int(slot)
	return true
}

func (d *Device) releaseSlot(c *command) {
	d.exec.slots.Release(uint32(c.slot))
	c.slot = -1
}

// execWrite performs the register pokes of a write command.
func (d *Device) execWrite(c *command) error {
	writes, err := c.packet.Writes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	for _, w := range writes {
		d.regs.Write32(w.Addr, w.Val)
	}
	return nil
}

// ertSubmit copies c into its command queue slot, header last, and rings the
// doorbell if the microcontroller asked for it.
func (d *Device) ertSubmit(c *command) (bool, error) {
	e := &d.exec
	if !hostExecuted(c) && uint32(4*c.packet.Size()) > e.slotSize {
		return false, fmt.Errorf("%d word packet exceeds %#x byte slot: %w", c.packet.Size(), e.slotSize, ErrInvalidPacket)
	}
	if !d.acquireSlot(c) {
		return false, nil
	}
	if hostExecuted(c) {
		if c.packet.Opcode() == ert.OpWrite {
			if err := d.execWrite(c); err != nil {
				d.releaseSlot(c)
				return false, err
			}
		}
		return true, nil
	}

	slot := uint32(c.slot)
	addr := ert.CQBaseAddr + slot*e.slotSize
	d.regs.WriteBlock(addr+4, c.packet[1:c.packet.Size()])
	d.regs.Write32(addr, uint32(c.packet.Header()))
	if e.cqInterrupt {
		d.regs.Write32(ert.CQStatusRegisterAddr+(slot/32)*4, 1<<(slot%32))
	}
	return true, nil
}

// ertQuery reads the status register covering c's slot and retires every
// command it reports. The register clears on read, so completions of other
// commands must not be dropped.
func (d *Device) ertQuery(c *command) {
	if hostExecuted(c) {
		d.sched.markComplete(c)
		return
	}
	idx := c.slot / 32
	if !d.exec.polling && !d.sr[idx].CompareAndSwap(true, false) {
		return
	}
	mask := d.regs.Read32(ert.StatusRegisterAddr + uint32(idx)*4)
	for mask != 0 {
		bit := bits.TrailingZeros32(mask)
		mask &^= 1 << bit
		slot := idx*32 + bit
		done := d.exec.submitted[slot]
		if done == nil {
			d.sched.faultf("device %d: completion reported for empty slot %d", d.id, slot)
			continue
		}
		d.sched.markComplete(done)
	}
}

// directSubmit starts c on a free compute unit named by its CU masks.
func (d *Device) directSubmit(c *command) (bool, error) {
	switch op := c.packet.Opcode(); {
	case c.packet.Type() == ert.TypeLocal || op == ert.OpConfigure:
		return d.acquireSlot(c), nil
	case op == ert.OpWrite:
		if !d.acquireSlot(c) {
			return false, nil
		}
		if err := d.execWrite(c); err != nil {
			d.releaseSlot(c)
			return false, err
		}
		return true, nil
	case op != ert.OpStartCU:
		return false, fmt.Errorf("%v on %v backend: %w", op, d.exec.backend, ErrUnsupported)
	}

	cu, ok := d.acquireCU(c)
	if !ok {
		return false, nil
	}
	if !d.acquireSlot(c) {
		d.exec.cus.Release(cu)
		return false, nil
	}
	c.cu = int(cu)
	d.startCU(c)
	return true, nil
}

// acquireCU claims the first free CU allowed by c's masks.
func (d *Device) acquireCU(c *command) (uint32, bool) {
	for i := 0; i < c.packet.CUMaskCount(); i++ {
		if cu, ok := d.exec.cus.AcquireIn(i, c.packet.CUMask(i)); ok {
			return cu, true
		}
	}
	return 0, false
}

// startCU writes c's register map to its CU, control register last.
func (d *Device) startCU(c *command) {
	addr := d.exec.cuAddrs[c.cu]
	if regmap := c.packet.Regmap(); len(regmap) > 1 {
		d.regs.WriteBlock(addr+4, regmap[1:])
	}
	d.regs.Write32(addr, ert.APStart)
}

// directQuery retires c once its CU reports done.
func (d *Device) directQuery(c *command) {
	if op := c.packet.Opcode(); c.packet.Type() == ert.TypeLocal || op == ert.OpConfigure || op == ert.OpWrite {
		d.sched.markComplete(c)
		return
	}
	if d.regs.Read32(d.exec.cuAddrs[c.cu])&ert.APDone == 0 {
		return
	}
	d.exec.cus.Release(uint32(c.cu))
	c.cu = -1
	d.sched.markComplete(c)
}
