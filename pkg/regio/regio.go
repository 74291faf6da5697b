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

// Package regio provides access to the 32-bit register space of an
// accelerator card.
//
// All accesses are word sized and word aligned. Each access is a single
// atomic load or store, so accesses from one goroutine reach the device in
// program order.
package regio

import (
	"fmt"
	"sync"
)

// Device is a 32-bit register space addressed by byte offset.
type Device interface {
	// Read32 reads the register at addr.
	Read32(addr uint32) uint32

	// Write32 writes v to the register at addr.
	Write32(addr, v uint32)

	// WriteBlock copies words to consecutive registers starting at addr.
	WriteBlock(addr uint32, words []uint32)
}

// Memory is a Device backed by host memory. The zero value is not usable;
// use NewMemory.
type Memory struct {
	mu sync.Mutex

	// words is the register contents. Protected by mu.
	words []uint32
}

// NewMemory returns a zeroed register space of size bytes.
func NewMemory(size uint32) *Memory {
	return &Memory{words: make([]uint32, size/4)}
}

// Size returns the size of the register space in bytes.
func (m *Memory) Size() uint32 {
	return uint32(len(m.words)) * 4
}

func (m *Memory) index(addr uint32) int {
	if addr%4 != 0 || int(addr/4) >= len(m.words) {
		panic(fmt.Sprintf("register access at %#x outside %#x byte window", addr, len(m.words)*4))
	}
	return int(addr / 4)
}

// Read32 implements Device.Read32.
func (m *Memory) Read32(addr uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[m.index(addr)]
}

// Write32 implements Device.Write32.
func (m *Memory) Write32(addr, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[m.index(addr)] = v
}

// WriteBlock implements Device.WriteBlock.
func (m *Memory) WriteBlock(addr uint32, words []uint32) {
	if len(words) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(addr)
	m.index(addr + uint32(len(words)-1)*4)
	copy(m.words[i:], words)
}

// ReadBlock copies consecutive registers starting at addr into words.
func (m *Memory) ReadBlock(addr uint32, words []uint32) {
	if len(words) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(addr)
	m.index(addr + uint32(len(words)-1)*4)
	copy(words, m.words[i:])
}
