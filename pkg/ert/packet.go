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

package ert

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Errors returned by packet validation.
var (
	ErrShortPacket = errors.New("packet shorter than its header count")
	ErrOpcode      = errors.New("unexpected packet opcode")
	ErrConfigCount = errors.New("configure packet count does not match its CU count")
	ErrConfig      = errors.New("invalid configure packet")
	ErrWritePairs  = errors.New("write packet payload is not a list of address/value pairs")
)

// Packet is a view of a command buffer. Every accessor reads the header from
// the buffer.
type Packet []uint32

// Header atomically loads the header word.
func (p Packet) Header() Header {
	return Header(atomic.LoadUint32(&p[0]))
}

// State returns the state field of the header.
func (p Packet) State() State {
	return p.Header().State()
}

// SetState atomically replaces the state field of the header, leaving the
// other fields untouched.
func (p Packet) SetState(s State) {
	for {
		old := atomic.LoadUint32(&p[0])
		if atomic.CompareAndSwapUint32(&p[0], old, uint32(Header(old).WithState(s))) {
			return
		}
	}
}

// Opcode returns the opcode field of the header.
func (p Packet) Opcode() Opcode {
	return p.Header().Opcode()
}

// Type returns the command type field of the header.
func (p Packet) Type() CmdType {
	return p.Header().Type()
}

// Count returns the number of payload words.
func (p Packet) Count() uint32 {
	return p.Header().Count()
}

// Size returns the packet size in words, header included.
func (p Packet) Size() int {
	return 1 + int(p.Count())
}

// Validate checks that the buffer holds the whole packet.
func (p Packet) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("empty buffer: %w", ErrShortPacket)
	}
	if size := p.Size(); size > len(p) {
		return fmt.Errorf("header %v needs %d words, buffer has %d: %w", p.Header(), size, len(p), ErrShortPacket)
	}
	return nil
}

// Payload returns the words following the header.
//
// Preconditions: p.Validate() == nil.
func (p Packet) Payload() []uint32 {
	return p[1:p.Size()]
}

// CUMaskCount returns the number of CU mask words of a start-kernel packet.
func (p Packet) CUMaskCount() int {
	return 1 + int(p.Header().ExtraCUMasks())
}

// CUMask returns CU mask word i of a start-kernel packet.
func (p Packet) CUMask(i int) uint32 {
	return p[1+i]
}

// Regmap returns the register map of a start-kernel packet: the payload
// following the CU masks. Register 0 is the control register.
func (p Packet) Regmap() []uint32 {
	start := 1 + p.CUMaskCount()
	end := p.Size()
	if start > end {
		return nil
	}
	return p[start:end]
}

// AddrVal is one register poke of a write packet.
type AddrVal struct {
	Addr uint32
	Val  uint32
}

// Writes returns the address/value pairs of a write packet.
func (p Packet) Writes() ([]AddrVal, error) {
	if op := p.Opcode(); op != OpWrite {
		return nil, fmt.Errorf("%v packet: %w", op, ErrOpcode)
	}
	payload := p.Payload()
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("%d payload words: %w", len(payload), ErrWritePairs)
	}
	writes := make([]AddrVal, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		writes = append(writes, AddrVal{Addr: payload[i], Val: payload[i+1]})
	}
	return writes, nil
}

// SetType replaces the command type field of the header.
func (p Packet) SetType(t CmdType) {
	h := uint32(p.Header())
	h = h&^(typeMask<<typeShift) | (uint32(t)&typeMask)<<typeShift
	atomic.StoreUint32(&p[0], h)
}

// NewStartCU builds a start-kernel packet in the new state. cuMasks holds one
// to four mask words; regmap starts with the control register.
func NewStartCU(cuMasks, regmap []uint32) Packet {
	if len(cuMasks) == 0 || len(cuMasks) > MaxCUMasks {
		panic(fmt.Sprintf("start-kernel packet needs 1..%d CU masks, got %d", MaxCUMasks, len(cuMasks)))
	}
	count := uint32(len(cuMasks) + len(regmap))
	extra := uint32(len(cuMasks)-1) << (extraCUMasksShift - customShift)
	p := make(Packet, 1+count)
	p[0] = uint32(MakeHeader(StateNew, OpStartCU, TypeDefault, count, extra))
	copy(p[1:], cuMasks)
	copy(p[1+len(cuMasks):], regmap)
	return p
}

// NewWrite builds a write packet in the new state.
func NewWrite(writes ...AddrVal) Packet {
	count := uint32(2 * len(writes))
	p := make(Packet, 1+count)
	p[0] = uint32(MakeHeader(StateNew, OpWrite, TypeDefault, count, 0))
	for i, w := range writes {
		p[1+2*i] = w.Addr
		p[2+2*i] = w.Val
	}
	return p
}

// NewCommand builds a packet with an arbitrary opcode and payload.
func NewCommand(op Opcode, typ CmdType, payload []uint32) Packet {
	p := make(Packet, 1+len(payload))
	p[0] = uint32(MakeHeader(StateNew, op, typ, uint32(len(payload)), 0))
	copy(p[1:], payload)
	return p
}
