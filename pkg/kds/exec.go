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

	"github.com/mohae/deepcopy"

	"xrt.dev/kds/pkg/bitmap"
	"xrt.dev/kds/pkg/ert"
)

// backendKind selects how commands reach the compute units.
type backendKind int

const (
	// backendDirect drives compute units from the host.
	backendDirect backendKind = iota

	// backendERT hands commands to the embedded microcontroller through
	// the command queue.
	backendERT
)

func (b backendKind) String() string {
	switch b {
	case backendDirect:
		return "direct"
	case backendERT:
		return "ert"
	default:
		return fmt.Sprintf("backendKind(%d)", int(b))
	}
}

// execCore is the execution state of a device. It is owned by the scheduler
// worker.
type execCore struct {
	backend    backendKind
	configured bool

	// polling is set when completions are found by reading status
	// registers on every pass rather than on interrupt.
	polling bool

	// cqInterrupt is set when the microcontroller wants a doorbell write
	// for every command written to the command queue.
	cqInterrupt bool

	// slotSize is the size of a command queue slot in bytes.
	slotSize uint32

	// cuShift and cuBaseAddr are kept for the embedded platform layout.
	cuShift    uint32
	cuBaseAddr uint32

	numCUs  uint32
	cuAddrs [ert.MaxCUs]uint32

	slots bitmap.Bitmap
	cus   bitmap.Bitmap

	// submitted maps busy slots to their commands.
	submitted [ert.MaxSlots]*command
}

// ExecConfig is a snapshot of a device's execution configuration.
type ExecConfig struct {
	Configured  bool
	Backend     string
	Polling     bool
	CQInterrupt bool
	NumSlots    uint32
	SlotSize    uint32
	NumCUs      uint32
	CUShift     uint32
	CUBaseAddr  uint32
	CUAddrs     []uint32
}

// resetExec returns the device to its unconfigured state: 16 polled slots,
// no compute units and the direct backend. Every slot and CU is released.
//
// Preconditions: no command is queued or running on d.
func (d *Device) resetExec() {
	e := &d.exec
	*e = execCore{
		backend:  backendDirect,
		polling:  true,
		slotSize: ert.CQSize / defaultSlots,
	}
	e.slots.Reset(defaultSlots)
	e.cus.Reset(0)
	for i := range d.sr {
		d.sr[i].Store(false)
	}
	d.publish()
}

// configure applies the configure packet of c.
//
// The configuration is validated before any state changes; on error the
// device is left as it was.
func (d *Device) configure(c *command) error {
	if op := c.packet.Opcode(); op != ert.OpConfigure {
		d.sched.faultf("device %d: configure called for %v", d.id, c)
		return fmt.Errorf("%v packet: %w", op, ErrInvalidPacket)
	}
	e := &d.exec
	if e.configured {
		return fmt.Errorf("device %d: %w", d.id, ErrAlreadyConfigured)
	}
	if !e.slots.IsEmpty() || !e.cus.IsEmpty() {
		return fmt.Errorf("device %d has %d commands in flight: %w", d.id, e.slots.GetNumOnes(), ErrBusy)
	}
	cfg, err := c.packet.ParseConfig()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	cuAddrs := cfg.CUAddrs
	if d.opts.CDMA {
		if len(cuAddrs) >= ert.MaxCUs {
			return fmt.Errorf("no CU index left for CDMA: %w", ErrInvalidPacket)
		}
		cuAddrs = append(cuAddrs, ert.CDMAAddr)
	}

	e.slotSize = cfg.SlotSize
	e.cuShift = cfg.CUShift
	e.cuBaseAddr = cfg.CUBaseAddr
	e.numCUs = uint32(len(cuAddrs))
	copy(e.cuAddrs[:], cuAddrs)
	e.slots.Reset(cfg.NumSlots())
	e.cus.Reset(e.numCUs)

	if d.opts.ERT && cfg.Features.Has(ert.FeatureERT) {
		f := cfg.Features &^ (ert.FeatureDSA52 | ert.FeatureCDMA)
		if d.opts.DSA52 {
			f |= ert.FeatureDSA52
		}
		if d.opts.CDMA {
			f |= ert.FeatureCDMA
		}
		c.packet.SetFeatures(f)
		e.backend = backendERT
		e.polling = cfg.Features.Has(ert.FeaturePolling)
		e.cqInterrupt = cfg.Features.Has(ert.FeatureCQInt)
	} else {
		e.backend = backendDirect
		e.polling = true
		e.cqInterrupt = false
	}
	e.configured = true
	d.publish()

	d.sched.log.Infof("device %d: configured %d slots of %#x bytes, %d CUs, %v backend, polling=%t, cq_int=%t",
		d.id, e.slots.Size(), e.slotSize, e.numCUs, e.backend, e.polling, e.cqInterrupt)
	return nil
}

// publish makes the execution state visible outside the worker.
func (d *Device) publish() {
	e := &d.exec
	d.interrupts.Store(e.backend == backendERT && !e.polling)

	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	d.snap = ExecConfig{
		Configured:  e.configured,
		Backend:     e.backend.String(),
		Polling:     e.polling,
		CQInterrupt: e.cqInterrupt,
		NumSlots:    e.slots.Size(),
		SlotSize:    e.slotSize,
		NumCUs:      e.numCUs,
		CUShift:     e.cuShift,
		CUBaseAddr:  e.cuBaseAddr,
		CUAddrs:     append([]uint32(nil), e.cuAddrs[:e.numCUs]...),
	}
}

// ExecConfig returns a snapshot of the device's execution configuration.
func (d *Device) ExecConfig() ExecConfig {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	return deepcopy.Copy(d.snap).(ExecConfig)
}
