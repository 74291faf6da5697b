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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"xrt.dev/kds/pkg/ert"
)

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRegistry(t *testing.T) {
	for _, shared := range []bool{false, true} {
		t.Run(fmt.Sprintf("shared=%t", shared), func(t *testing.T) {
			ctx := context.Background()
			r := NewRegistry(Options{SharedScheduler: shared, Logger: testLogger(t)})
			for _, id := range []int{3, 1, 2} {
				if _, err := r.Register(ctx, id, newTestRegs(), DeviceOptions{}); err != nil {
					t.Fatalf("Register(%d): %v", id, err)
				}
			}
			if _, err := r.Register(ctx, 1, newTestRegs(), DeviceOptions{}); !errors.Is(err, ErrDeviceExists) {
				t.Errorf("duplicate Register = %v, want %v", err, ErrDeviceExists)
			}

			var got []int
			for _, d := range r.Devices() {
				got = append(got, d.ID())
			}
			if diff := cmp.Diff([]int{1, 2, 3}, got); diff != "" {
				t.Errorf("Devices() mismatch (-want +got):\n%s", diff)
			}
			d1, ok := r.Lookup(1)
			if !ok {
				t.Fatalf("Lookup(1) failed")
			}
			d2, _ := r.Lookup(2)
			if got := d1.sched == d2.sched; got != shared {
				t.Errorf("devices share a scheduler: %t, want %t", got, shared)
			}
			if _, ok := r.Lookup(4); ok {
				t.Errorf("Lookup(4) succeeded")
			}

			if err := r.Unregister(ctx, 2); err != nil {
				t.Errorf("Unregister(2): %v", err)
			}
			if err := r.Unregister(ctx, 2); !errors.Is(err, ErrNoDevice) {
				t.Errorf("second Unregister(2) = %v, want %v", err, ErrNoDevice)
			}
			if _, err := d2.CreateClient(ctx, "late"); !errors.Is(err, ErrNoDevice) {
				t.Errorf("CreateClient on unregistered device = %v, want %v", err, ErrNoDevice)
			}

			if err := r.Close(ctx); err != nil {
				t.Errorf("Close: %v", err)
			}
			if n := len(r.Devices()); n != 0 {
				t.Errorf("%d devices left after Close", n)
			}
		})
	}
}

func TestWorkerRetiresCommands(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Options{SharedScheduler: true, Logger: testLogger(t)})
	defer r.Close(ctx)

	var bos []*BO
	for id := 0; id < 2; id++ {
		d, err := r.Register(ctx, id, newTestRegs(), DeviceOptions{})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		c, err := d.CreateClient(ctx, "worker")
		if err != nil {
			t.Fatalf("CreateClient: %v", err)
		}
		var prev Buffer
		for i := 0; i < 20; i++ {
			var deps []Buffer
			if prev != nil {
				deps = append(deps, prev)
			}
			bo := NewBO(local())
			if _, err := d.Submit(c, bo, deps...); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			bos = append(bos, bo)
			prev = bo
		}
	}
	for _, d := range r.Devices() {
		waitFor(t, "commands to retire", func() bool { return d.Outstanding() == 0 })
	}
	for i, bo := range bos {
		if got := bo.Packet().State(); got != ert.StateCompleted {
			t.Errorf("command %d: packet state = %v, want completed", i, got)
		}
		bo.DecRef()
	}
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, limit int, interval time.Duration) (*Registry, *Device, *testRegs, *Client) {
		r := NewRegistry(Options{Logger: testLogger(t)})
		regs := newTestRegs()
		d, err := r.Register(ctx, 0, regs, DeviceOptions{TeardownInterval: interval, TeardownStallLimit: limit})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		c, err := d.CreateClient(ctx, "teardown")
		if err != nil {
			t.Fatalf("CreateClient: %v", err)
		}
		cfg := NewBO(ert.NewConfigure(ert.Config{SlotSize: 0x1000, CUAddrs: []uint32{cu0Addr}}))
		defer cfg.DecRef()
		if _, err := d.Submit(c, cfg); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		waitFor(t, "configure", func() bool { return cfg.Packet().State() == ert.StateCompleted })
		stuck := NewBO(startCU(0x1))
		defer stuck.DecRef()
		if _, err := d.Submit(c, stuck); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		waitFor(t, "CU start", func() bool { return regs.Memory.Read32(cu0Addr) == ert.APStart })
		return r, d, regs, c
	}

	t.Run("escalates", func(t *testing.T) {
		r, d, _, c := setup(t, 3, time.Millisecond)
		defer r.Close(ctx)

		before := teardownEscalations.Value()
		if err := d.DestroyClient(ctx, c); !errors.Is(err, ErrNeedsReset) {
			t.Fatalf("DestroyClient = %v, want %v", err, ErrNeedsReset)
		}
		if got := teardownEscalations.Value() - before; got != 1 {
			t.Errorf("teardown escalations = %d, want 1", got)
		}
		if !d.NeedsReset() || d.Clients() != 0 || d.Outstanding() != 1 {
			t.Errorf("after teardown: NeedsReset() = %t, Clients() = %d, Outstanding() = %d; want true, 0, 1",
				d.NeedsReset(), d.Clients(), d.Outstanding())
		}
		if err := d.Reset(ctx); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if d.NeedsReset() || d.Outstanding() != 0 {
			t.Errorf("after reset: NeedsReset() = %t, Outstanding() = %d; want false, 0", d.NeedsReset(), d.Outstanding())
		}
	})

	t.Run("drains", func(t *testing.T) {
		r, d, regs, c := setup(t, 1000, time.Millisecond)
		defer r.Close(ctx)

		go func() {
			time.Sleep(20 * time.Millisecond)
			regs.finishCU(cu0Addr)
		}()
		if err := d.DestroyClient(ctx, c); err != nil {
			t.Errorf("DestroyClient = %v, want nil", err)
		}
		if d.NeedsReset() || d.Outstanding() != 0 {
			t.Errorf("NeedsReset() = %t, Outstanding() = %d; want false, 0", d.NeedsReset(), d.Outstanding())
		}
	})

	t.Run("canceled", func(t *testing.T) {
		r, d, _, c := setup(t, 1000, time.Millisecond)
		defer r.Close(ctx)

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if err := d.DestroyClient(cctx, c); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("DestroyClient = %v, want %v", err, context.DeadlineExceeded)
		}
		if d.NeedsReset() {
			t.Errorf("canceled teardown flagged the device for reset")
		}
	})

	t.Run("deadline before next check", func(t *testing.T) {
		r, d, _, c := setup(t, 1000, 5*time.Millisecond)
		defer r.Close(ctx)

		cctx, cancel := context.WithTimeout(ctx, 12*time.Millisecond)
		defer cancel()
		if err := d.DestroyClient(cctx, c); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("DestroyClient = %v, want %v", err, context.DeadlineExceeded)
		}
		if d.Outstanding() != 1 || d.NeedsReset() {
			t.Errorf("after teardown: Outstanding() = %d, NeedsReset() = %t; want 1, false", d.Outstanding(), d.NeedsReset())
		}
	})
}

func TestUnregisterCanceledSharedScheduler(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Options{Logger: testLogger(t), SharedScheduler: true})
	defer r.Close(ctx)

	d, err := r.Register(ctx, 0, newTestRegs(), DeviceOptions{})
	if err != nil {
		t.Fatalf("Register(0): %v", err)
	}
	if _, err := r.Register(ctx, 1, newTestRegs(), DeviceOptions{}); err != nil {
		t.Fatalf("Register(1): %v", err)
	}
	c, err := d.CreateClient(ctx, "unregister")
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	cfg := NewBO(ert.NewConfigure(ert.Config{SlotSize: 0x1000, CUAddrs: []uint32{cu0Addr}}))
	defer cfg.DecRef()
	if _, err := d.Submit(c, cfg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "configure", func() bool { return cfg.Packet().State() == ert.StateCompleted })
	stuck := NewBO(startCU(0x1))
	defer stuck.DecRef()
	if _, err := d.Submit(c, stuck); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "CU start", func() bool { return d.Outstanding() == 1 })

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := r.Unregister(cctx, 0); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Unregister = %v, want nil or %v", err, context.Canceled)
	}
	waitFor(t, "commands of the closed device to be discarded", func() bool { return d.Outstanding() == 0 })
	if got := stuck.Packet().State(); got != ert.StateAbort {
		t.Errorf("packet state = %v, want abort", got)
	}
}
