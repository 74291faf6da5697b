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
	"sync/atomic"

	"github.com/cenkalti/backoff"
)

// Client is an open handle on a device. Commands are submitted on behalf of
// a client, and clients are woken when commands of their device retire.
type Client struct {
	dev  *Device
	name string

	mu sync.Mutex

	// trigger counts notifications not yet consumed by Poll.
	//
	// +checklocks:mu
	trigger int

	// ready has a token while trigger may be non-zero.
	ready chan struct{}

	// outstanding is the number of commands submitted by the client and
	// not yet freed.
	outstanding atomic.Int32

	// abort is set once the client is being destroyed.
	abort atomic.Bool
}

// Name returns the name given at creation.
func (c *Client) Name() string {
	return c.name
}

// Outstanding returns the number of commands submitted by c and not yet
// freed.
func (c *Client) Outstanding() int {
	return int(c.outstanding.Load())
}

func (c *Client) aborting() bool {
	return c.abort.Load()
}

// notify records one notification.
func (c *Client) notify() {
	c.mu.Lock()
	c.trigger++
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Poll consumes one notification, returning false if there is none.
func (c *Client) Poll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trigger == 0 {
		return false
	}
	c.trigger--
	return true
}

// Wait consumes one notification, blocking until there is one.
func (c *Client) Wait(ctx context.Context) error {
	for {
		if c.Poll() {
			return nil
		}
		select {
		case <-c.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateClient opens a client on d. Opening the first client resets the
// device.
func (d *Device) CreateClient(ctx context.Context, name string) (*Client, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("device %d: %w", d.id, ErrNoDevice)
	}
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	c := &Client{
		dev:   d,
		name:  name,
		ready: make(chan struct{}, 1),
	}
	d.clientsMu.Lock()
	first := len(d.clients) == 0
	d.clientsMu.Unlock()
	if first {
		if err := d.Reset(ctx); err != nil {
			if !errors.Is(err, ErrSchedulerFault) {
				return nil, err
			}
			d.sched.log.Warningf("device %d: %v", d.id, err)
		}
	}
	d.clientsMu.Lock()
	d.clients = append(d.clients, c)
	d.clientsMu.Unlock()
	d.sched.log.Debugf("device %d: client %q created", d.id, name)
	return c, nil
}

// DestroyClient closes c. Commands of c that have not started are aborted;
// running ones are waited for. If the outstanding commands make no progress
// for TeardownStallLimit checks, the device is flagged for reset and an error
// wrapping ErrNeedsReset is returned. The client is removed in every case.
func (d *Device) DestroyClient(ctx context.Context, c *Client) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	c.abort.Store(true)
	d.sched.kick()
	err := d.drain(ctx, c)

	d.clientsMu.Lock()
	for i, cl := range d.clients {
		if cl == c {
			d.clients = append(d.clients[:i], d.clients[i+1:]...)
			break
		}
	}
	d.clientsMu.Unlock()

	if errors.Is(err, ErrNeedsReset) {
		d.needsReset.Store(true)
		teardownEscalations.Increment()
		d.sched.log.Warningf("device %d: client %q left %d commands outstanding, device needs reset", d.id, c.name, c.Outstanding())
	}
	return err
}

// drainState is the progress of a client teardown.
type drainState int

const (
	drainWaiting drainState = iota
	drainDone
	drainEscalated
)

// drainer tracks a client's outstanding commands during teardown. The
// first observation is the baseline.
type drainer struct {
	started bool
	last    int32
	stalls  int
	limit   int
	state   drainState
}

// observe records the outstanding count seen at one check.
func (dr *drainer) observe(outstanding int32) drainState {
	switch {
	case outstanding == 0:
		dr.state = drainDone
	case !dr.started:
	case outstanding == dr.last:
		dr.stalls++
		if dr.stalls >= dr.limit {
			dr.state = drainEscalated
		}
	default:
		dr.stalls = 0
	}
	dr.started = true
	dr.last = outstanding
	return dr.state
}

var errDraining = errors.New("commands outstanding")

// drain waits for the outstanding commands of c to be freed, checking every
// TeardownInterval.
func (d *Device) drain(ctx context.Context, c *Client) error {
	dr := drainer{limit: d.opts.TeardownStallLimit}
	check := func() error {
		switch dr.observe(c.outstanding.Load()) {
		case drainDone:
			return nil
		case drainEscalated:
			return backoff.Permanent(fmt.Errorf("client %q: %d commands stuck: %w", c.name, dr.last, ErrNeedsReset))
		default:
			return errDraining
		}
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(d.opts.TeardownInterval), ctx)
	err := backoff.Retry(check, b)
	if errors.Is(err, errDraining) {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The deadline falls before the next check.
		return context.DeadlineExceeded
	}
	return err
}
