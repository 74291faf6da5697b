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

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"xrt.dev/kds/pkg/cleanup"
	"xrt.dev/kds/pkg/regio"
)

// Registry tracks the devices of a host, ordered by id.
type Registry struct {
	opts Options

	// shared drives every device when opts.SharedScheduler is set.
	shared *Scheduler

	mu sync.Mutex

	// +checklocks:mu
	devices *btree.BTreeG[*Device]
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	opts.setDefaults()
	r := &Registry{
		opts: opts,
		devices: btree.NewG(8, func(a, b *Device) bool {
			return a.id < b.id
		}),
	}
	if opts.SharedScheduler {
		r.shared = NewScheduler(opts)
	}
	return r
}

// key returns a search key for id.
func key(id int) *Device {
	return &Device{id: id}
}

// Register adds a device accessed through regs and starts scheduling it.
func (r *Registry) Register(ctx context.Context, id int, regs regio.Device, opts DeviceOptions) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices.Has(key(id)) {
		return nil, fmt.Errorf("device %d: %w", id, ErrDeviceExists)
	}

	s := r.shared
	if s == nil {
		s = NewScheduler(r.opts)
	}
	d := newDevice(id, regs, s, opts)
	s.attach()
	cu := cleanup.Make(s.detach)
	defer cu.Clean()

	if err := d.Reset(ctx); err != nil {
		if !errors.Is(err, ErrSchedulerFault) {
			return nil, fmt.Errorf("resetting device %d: %w", id, err)
		}
		s.log.Warningf("%v", err)
	}
	r.devices.ReplaceOrInsert(d)
	cu.Release()
	s.log.Infof("device %d registered", id)
	return d, nil
}

// Unregister stops scheduling a device. Its commands are aborted.
func (r *Registry) Unregister(ctx context.Context, id int) error {
	r.mu.Lock()
	d, ok := r.devices.Delete(key(id))
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %d: %w", id, ErrNoDevice)
	}
	return r.stop(ctx, d)
}

// stop closes d and detaches it from its scheduler. A reset abandoned because
// ctx is done stays queued and is still served by the worker, or by detach
// when the worker stops.
func (r *Registry) stop(ctx context.Context, d *Device) error {
	d.closed.Store(true)
	err := d.Reset(ctx)
	d.sched.detach()
	d.sched.log.Infof("device %d unregistered", d.id)
	return err
}

// Lookup returns the device with the given id.
func (r *Registry) Lookup(id int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices.Get(key(id))
}

// Devices returns the registered devices in id order.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := make([]*Device, 0, r.devices.Len())
	r.devices.Ascend(func(d *Device) bool {
		ds = append(ds, d)
		return true
	})
	return ds
}

// Close unregisters every device.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	var ds []*Device
	r.devices.Ascend(func(d *Device) bool {
		ds = append(ds, d)
		return true
	})
	r.devices.Clear(false)
	r.mu.Unlock()

	var g errgroup.Group
	for _, d := range ds {
		g.Go(func() error {
			return r.stop(ctx, d)
		})
	}
	return g.Wait()
}
