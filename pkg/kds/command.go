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
	"sync/atomic"
	"time"

	"xrt.dev/kds/pkg/ert"
)

// trigger names a command waiting on another one. id detects a waiter whose
// record was freed and reused since it was chained.
type trigger struct {
	cmd *command
	id  uint64
}

// command is the scheduler's record of one submitted buffer.
type command struct {
	commandEntry

	// id is unique among commands handed out by a pool. It is zero while
	// the record is free. It is read by the worker through stale triggers
	// while the pool may be reusing the record.
	id atomic.Uint64

	dev    *Device
	client *Client
	buf    Buffer
	packet ert.Packet

	// The fields below are owned by the scheduler worker once the command
	// has been taken off the pending list.

	// state is the internal state. Only terminal states are mirrored into
	// the packet header, which is also read by the device.
	state ert.State

	// slot is the command queue slot, or -1.
	slot int

	// cu is the compute unit executing the command on the direct backend,
	// or -1.
	cu int

	// waitCount is the number of dependencies not yet completed.
	waitCount int

	// deps holds the dependency buffers until the command is queued.
	deps    []Buffer
	depsBuf [MaxDeps]Buffer

	// chain lists the commands waiting on this one, in chaining order.
	chain    []trigger
	chainBuf [MaxChain]trigger

	// configured is set once a configure packet has been applied, so that
	// retries after resource exhaustion do not apply it twice.
	configured bool

	// polled is set while the command counts toward the number of commands
	// that must be polled for completion.
	polled bool

	// poisoned fails a running command at completion.
	poisoned bool

	submitTime time.Time
}

// init prepares a record taken from the pool.
func (c *command) init(d *Device, cl *Client, buf Buffer, deps []Buffer) {
	c.dev = d
	c.client = cl
	c.buf = buf
	c.packet = buf.Packet()
	c.state = ert.StateNew
	c.slot = -1
	c.cu = -1
	c.deps = append(c.depsBuf[:0], deps...)
	c.waitCount = len(deps)
	c.chain = c.chainBuf[:0]
	c.configured = false
	c.polled = false
	c.poisoned = false
	c.submitTime = time.Now()
}

// clear drops the references a freed record would otherwise keep alive.
func (c *command) clear() {
	c.dev = nil
	c.client = nil
	c.buf = nil
	c.packet = nil
	c.state = 0
	clear(c.depsBuf[:])
	c.deps = nil
	clear(c.chainBuf[:])
	c.chain = nil
}

func (c *command) String() string {
	return fmt.Sprintf("command %d (%v %v)", c.id.Load(), c.packet.Opcode(), c.state)
}
