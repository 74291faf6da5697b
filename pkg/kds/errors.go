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

import "errors"

var (
	// ErrNoMemory is returned when no command record can be allocated.
	ErrNoMemory = errors.New("out of command records")

	// ErrInvalidPacket is returned for a malformed command packet.
	ErrInvalidPacket = errors.New("invalid command packet")

	// ErrTooManyDeps is returned when a command names more than MaxDeps
	// dependencies.
	ErrTooManyDeps = errors.New("too many dependencies")

	// ErrClientClosed is returned for submissions from a closing client.
	ErrClientClosed = errors.New("client is closing")

	// ErrDeviceExists is returned when registering a duplicate device id.
	ErrDeviceExists = errors.New("device already registered")

	// ErrNoDevice is returned for unknown or unregistered devices.
	ErrNoDevice = errors.New("no such device")

	// ErrNeedsReset is returned when client teardown gave up waiting for
	// outstanding commands. The device stays flagged until reset.
	ErrNeedsReset = errors.New("device needs reset")

	// ErrSchedulerFault reports that the scheduler observed a broken
	// internal invariant since the previous reset.
	ErrSchedulerFault = errors.New("scheduler fault")

	// ErrAlreadyConfigured is the outcome of a second configure packet.
	ErrAlreadyConfigured = errors.New("device already configured")

	// ErrBusy is returned when configuring a device with commands in
	// flight.
	ErrBusy = errors.New("device busy")

	// ErrUnsupported is returned for opcodes the active backend cannot
	// execute.
	ErrUnsupported = errors.New("unsupported command")
)
