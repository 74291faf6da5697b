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

// Package ert describes the command packets exchanged between the host, the
// compute units and the embedded runtime (ERT) microcontroller of an
// accelerator card, and the card's register address map.
//
// A packet is a sequence of 32-bit words. Word 0 is the header:
//
//	bits  0..3   state
//	bits  4..11  opcode specific (start-kernel: bits 10..11 = extra CU masks)
//	bits 12..22  count: number of payload words following the header
//	bits 23..27  opcode
//	bits 28..31  command type
//
// The header is shared with the device and with user space, so it is always
// accessed atomically and derived fields are never cached.
package ert

import "fmt"

// Device address map.
const (
	// CQSize is the size in bytes of the command queue.
	CQSize = 0x10000

	// CQBaseAddr is the device address of command queue slot 0.
	CQBaseAddr = 0x190000

	// CSRAddr is the base of the microcontroller control/status registers.
	CSRAddr = 0x180000

	// StatusRegisterAddr is the first of the completion status registers.
	// Register i reports completed slots 32*i..32*i+31, and is cleared by
	// reading it.
	StatusRegisterAddr = CSRAddr

	// CQStatusRegisterAddr is the first of the command queue doorbell
	// registers. Register i signals new commands in slots 32*i..32*i+31.
	CQStatusRegisterAddr = CSRAddr + 0x54

	// CDMAAddr is the register base of the CDMA engine, which is scheduled
	// as an extra compute unit when present.
	CDMAAddr = 0x250000

	// NumStatusRegisters is the number of completion status registers, and
	// of microcontroller interrupt lines.
	NumStatusRegisters = 4
)

// Limits.
const (
	// MaxSlots is the maximum number of command queue slots.
	MaxSlots = 128

	// MaxCUs is the maximum number of compute units.
	MaxCUs = 128

	// MaxCUMasks is the maximum number of CU mask words in a start-kernel
	// packet.
	MaxCUMasks = MaxCUs / 32
)

// Compute unit control register bits.
const (
	APStart = 0x1
	APDone  = 0x2
	APIdle  = 0x4
)

// State is the state of a command as seen by its submitter.
type State uint32

// Command states.
const (
	StateNew       State = 1
	StateQueued    State = 2
	StateRunning   State = 3
	StateCompleted State = 4
	StateError     State = 5
	StateAbort     State = 6
)

func (s State) String() string {
	switch s {
	case 0:
		return "free"
	case StateNew:
		return "new"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateAbort:
		return "abort"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Terminal returns true for the states a command leaves only by being freed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateAbort
}

// Opcode identifies the operation of a packet.
type Opcode uint32

// Opcodes.
const (
	OpStartCU   Opcode = 0
	OpConfigure Opcode = 2
	OpStop      Opcode = 3
	OpAbort     Opcode = 4
	OpWrite     Opcode = 5
)

// OpStartKernel is an alias of OpStartCU.
const OpStartKernel = OpStartCU

func (o Opcode) String() string {
	switch o {
	case OpStartCU:
		return "start_cu"
	case OpConfigure:
		return "configure"
	case OpStop:
		return "stop"
	case OpAbort:
		return "abort"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("Opcode(%d)", uint32(o))
	}
}

// CmdType is the command type field of the header.
type CmdType uint32

// Command types.
const (
	// TypeDefault commands are executed by the device.
	TypeDefault CmdType = 0

	// TypeLocal commands are retired by the host scheduler without touching
	// the device.
	TypeLocal CmdType = 1
)

func (t CmdType) String() string {
	switch t {
	case TypeDefault:
		return "default"
	case TypeLocal:
		return "local"
	default:
		return fmt.Sprintf("CmdType(%d)", uint32(t))
	}
}
