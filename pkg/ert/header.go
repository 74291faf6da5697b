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

import "fmt"

const (
	stateShift = 0
	stateMask  = 0xf

	customShift = 4
	customMask  = 0xff

	extraCUMasksShift = 10
	extraCUMasksMask  = 0x3

	countShift = 12
	countMask  = 0x7ff

	opcodeShift = 23
	opcodeMask  = 0x1f

	typeShift = 28
	typeMask  = 0xf
)

// MaxCount is the largest payload word count a header can describe.
const MaxCount = countMask

// Header is a packet header word.
type Header uint32

// MakeHeader packs a header. custom holds the opcode specific bits 4..11.
func MakeHeader(state State, op Opcode, typ CmdType, count, custom uint32) Header {
	if count > MaxCount {
		panic(fmt.Sprintf("packet count %d exceeds %d", count, MaxCount))
	}
	return Header(uint32(state)&stateMask<<stateShift |
		(custom&customMask)<<customShift |
		count<<countShift |
		(uint32(op)&opcodeMask)<<opcodeShift |
		(uint32(typ)&typeMask)<<typeShift)
}

// State returns the state field.
func (h Header) State() State {
	return State(uint32(h) >> stateShift & stateMask)
}

// WithState returns h with the state field replaced.
func (h Header) WithState(s State) Header {
	return Header(uint32(h)&^(stateMask<<stateShift) | (uint32(s)&stateMask)<<stateShift)
}

// Custom returns the opcode specific bits 4..11.
func (h Header) Custom() uint32 {
	return uint32(h) >> customShift & customMask
}

// ExtraCUMasks returns the number of CU mask words beyond the first in a
// start-kernel packet.
func (h Header) ExtraCUMasks() uint32 {
	return uint32(h) >> extraCUMasksShift & extraCUMasksMask
}

// Count returns the number of payload words.
func (h Header) Count() uint32 {
	return uint32(h) >> countShift & countMask
}

// Opcode returns the opcode field.
func (h Header) Opcode() Opcode {
	return Opcode(uint32(h) >> opcodeShift & opcodeMask)
}

// Type returns the command type field.
func (h Header) Type() CmdType {
	return CmdType(uint32(h) >> typeShift & typeMask)
}

func (h Header) String() string {
	return fmt.Sprintf("{%v op=%v type=%v count=%d custom=%#x}", h.State(), h.Opcode(), h.Type(), h.Count(), h.Custom())
}
