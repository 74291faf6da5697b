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

// Package kds implements the kernel driver scheduler (KDS) for accelerator
// cards: it accepts command packets from clients, resolves dependencies
// between them, dispatches them to compute units (CUs) either directly or
// through the card's embedded runtime (ERT) microcontroller, and reports
// completion back to clients.
//
// Each Scheduler runs one worker goroutine that owns the queue of admitted
// commands and the execution state of every attached Device. Submissions are
// handed to the worker through a mutex-protected pending list; interrupts set
// per-register flags and wake the worker.
//
// Command lifecycle:
//
//	new -> queued -> running -> completed | error | abort -> freed
//
// Lock ordering:
//
//	Device.lifecycleMu
//	  Scheduler.useMu
//	    Scheduler.pendingMu
//	    Scheduler.resetMu
//	  Device.clientsMu
//	    Client.mu
//
// Worker-owned state (Scheduler.queue, Scheduler.active, Scheduler.poll,
// Device.exec) is never touched by other goroutines while the worker runs.
package kds

import (
	"time"

	"xrt.dev/kds/pkg/log"
)

const (
	// MaxDeps is the maximum number of dependencies of one command.
	MaxDeps = 8

	// MaxChain is the maximum number of commands that may wait on one
	// command.
	MaxChain = 8

	// defaultSlots is the number of command queue slots of an unconfigured
	// device.
	defaultSlots = 16
)

// Options configures a Scheduler.
type Options struct {
	// YieldEvery is the number of worker passes between voluntary yields of
	// the processor. Defaults to 8.
	YieldEvery int

	// MaxCommands bounds the number of command records. Zero means no bound.
	MaxCommands int

	// SharedScheduler makes a Registry drive every device from one worker.
	// Otherwise each device gets its own Scheduler.
	SharedScheduler bool

	// Logger receives scheduler logs. Defaults to the global logger.
	Logger log.Logger
}

func (o *Options) setDefaults() {
	if o.YieldEvery <= 0 {
		o.YieldEvery = 8
	}
	if o.Logger == nil {
		o.Logger = log.Log()
	}
}

// DeviceOptions describes a device's hardware and teardown policy.
type DeviceOptions struct {
	// ERT is true if the card carries an embedded scheduler. Configure
	// packets requesting it select the ERT backend only if ERT is set.
	ERT bool

	// CDMA is true if the card has a CDMA engine, which is scheduled as an
	// extra CU.
	CDMA bool

	// DSA52 is reported to the embedded scheduler through the configure
	// packet.
	DSA52 bool

	// TeardownInterval is the time between checks of a closing client's
	// outstanding commands. Defaults to 500ms.
	TeardownInterval time.Duration

	// TeardownStallLimit is the number of consecutive checks without
	// progress after which teardown gives up and flags the device for
	// reset. Defaults to 20.
	TeardownStallLimit int
}

func (o *DeviceOptions) setDefaults() {
	if o.TeardownInterval <= 0 {
		o.TeardownInterval = 500 * time.Millisecond
	}
	if o.TeardownStallLimit <= 0 {
		o.TeardownStallLimit = 20
	}
}
