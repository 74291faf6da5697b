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
	"xrt.dev/kds/pkg/ert"
	"xrt.dev/kds/pkg/refs"
)

// Buffer is a command buffer shared between a client and the scheduler.
//
// The scheduler holds one reference on a submitted buffer, and one on each
// buffer named as a dependency until the dependency has been resolved.
// Buffer identity is used to find the active command executing a buffer.
type Buffer interface {
	refs.RefCounter

	// Packet returns the command packet held in the buffer.
	Packet() ert.Packet
}

// BO is a host memory buffer object holding a command packet.
type BO struct {
	refs.AtomicRefCount

	packet ert.Packet

	// released is closed when the last reference is dropped.
	released chan struct{}
}

var _ Buffer = (*BO)(nil)

// NewBO returns a buffer object holding p, with one reference held by the
// caller.
func NewBO(p ert.Packet) *BO {
	b := &BO{
		packet:   p,
		released: make(chan struct{}),
	}
	b.InitRefs("kds.BO")
	return b
}

// Packet implements Buffer.Packet.
func (b *BO) Packet() ert.Packet {
	return b.packet
}

// DecRef implements refs.RefCounter.DecRef.
func (b *BO) DecRef() {
	b.AtomicRefCount.DecRef(func() {
		close(b.released)
	})
}

// Released returns a channel that is closed once the last reference to b is
// dropped.
func (b *BO) Released() <-chan struct{} {
	return b.released
}
