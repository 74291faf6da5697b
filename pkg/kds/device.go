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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xrt.dev/kds/pkg/ert"
	"xrt.dev/kds/pkg/log"
	"xrt.dev/kds/pkg/regio"
)

// Device is an accelerator card scheduled by a Scheduler.
type Device struct {
	id    int
	regs  regio.Device
	sched *Scheduler
	opts  DeviceOptions

	// intrLog reports unexpected interrupts.
	intrLog log.Logger

	// exec is owned by the scheduler worker.
	exec execCore

	// interrupts is set while the device completes commands by interrupt.
	// It is published by the worker for HandleInterrupt.
	interrupts atomic.Bool

	// sr holds one pending-completion flag per status register, set by
	// HandleInterrupt and consumed by the worker.
	sr [ert.NumStatusRegisters]atomic.Bool

	// lifecycleMu serializes client creation and destruction.
	lifecycleMu sync.Mutex

	clientsMu sync.Mutex

	// +checklocks:clientsMu
	clients []*Client

	// closed is set once the device has been unregistered.
	closed atomic.Bool

	// needsReset is set when client teardown could not drain the device.
	needsReset atomic.Bool

	// outstanding is the number of commands submitted and not yet freed.
	outstanding atomic.Int64

	// submitted counts every accepted command.
	submitted atomic.Uint64

	snapMu sync.Mutex

	// +checklocks:snapMu
	snap ExecConfig
}

// newDevice returns a device driven by s. The device must be reset before
// use.
func newDevice(id int, regs regio.Device, s *Scheduler, opts DeviceOptions) *Device {
	opts.setDefaults()
	return &Device{
		id:      id,
		regs:    regs,
		sched:   s,
		opts:    opts,
		intrLog: log.RateLimitedLogger(s.log, time.Second),
	}
}

// ID returns the device id.
func (d *Device) ID() int {
	return d.id
}

// Outstanding returns the number of commands submitted to d and not yet
// freed.
func (d *Device) Outstanding() int64 {
	return d.outstanding.Load()
}

// Submitted returns the number of commands accepted by d.
func (d *Device) Submitted() uint64 {
	return d.submitted.Load()
}

// NeedsReset returns true if a client teardown gave up on d.
func (d *Device) NeedsReset() bool {
	return d.needsReset.Load()
}

// Reset aborts every command of d and returns it to its unconfigured state.
// It returns an error wrapping ErrSchedulerFault if the scheduler hit an
// internal error since the previous reset.
func (d *Device) Reset(ctx context.Context) error {
	err := d.sched.reset(ctx, d)
	if err == nil || errors.Is(err, ErrSchedulerFault) {
		d.needsReset.Store(false)
	}
	return err
}

// HandleInterrupt is called for interrupt line irq of the microcontroller.
// It may be called from any goroutine.
func (d *Device) HandleInterrupt(irq int) {
	if !d.interrupts.Load() || irq < 0 || irq >= ert.NumStatusRegisters {
		unhandledInterrupts.Increment()
		d.intrLog.Warningf("device %d: unhandled interrupt %d", d.id, irq)
		return
	}
	d.sr[irq].Store(true)
	d.sched.interrupt()
}

// Submit queues buf for execution on behalf of cl. The command runs after
// the commands executing each of deps have completed.
//
// On success the scheduler owns one reference on buf and one on each of
// deps; the caller keeps its own. On error no reference is taken.
func (d *Device) Submit(cl *Client, buf Buffer, deps ...Buffer) (uint64, error) {
	if cl.dev != d {
		return 0, fmt.Errorf("client %q belongs to device %d, not %d: %w", cl.name, cl.dev.id, d.id, ErrNoDevice)
	}
	if d.closed.Load() {
		return 0, fmt.Errorf("device %d: %w", d.id, ErrNoDevice)
	}
	if len(deps) > MaxDeps {
		return 0, fmt.Errorf("%d dependencies, want at most %d: %w", len(deps), MaxDeps, ErrTooManyDeps)
	}
	p := buf.Packet()
	if err := validate(p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if cl.aborting() {
		return 0, fmt.Errorf("client %q: %w", cl.name, ErrClientClosed)
	}
	c, err := d.sched.pool.get()
	if err != nil {
		return 0, err
	}
	buf.IncRef()
	for _, dep := range deps {
		dep.IncRef()
	}
	c.init(d, cl, buf, deps)
	p.SetState(ert.StateNew)

	cl.outstanding.Add(1)
	d.outstanding.Add(1)
	d.submitted.Add(1)
	submittedCommands.Increment()
	outstandingCommands.Increment()

	id := c.id.Load()
	d.sched.enqueue(c)
	return id, nil
}

// validate checks the parts of a packet the scheduler relies on.
func validate(p ert.Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Opcode() == ert.OpStartCU && int(p.Count()) < p.CUMaskCount() {
		return fmt.Errorf("start packet with %d words has %d CU masks", p.Count(), p.CUMaskCount())
	}
	return nil
}

// notifyHost wakes every client of d.
func (d *Device) notifyHost() {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	for _, cl := range d.clients {
		cl.notify()
	}
}

// Clients returns the number of open clients.
func (d *Device) Clients() int {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	return len(d.clients)
}
