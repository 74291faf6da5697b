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
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"xrt.dev/kds/pkg/ert"
	"xrt.dev/kds/pkg/log"
	"xrt.dev/kds/pkg/sleep"
)

// Scheduler moves commands of its attached devices through their lifecycle.
//
// The worker goroutine runs while at least one device is attached.
type Scheduler struct {
	opts Options
	log  log.Logger

	// faultLog rate limits reports of internal errors, which the worker
	// would otherwise repeat on every pass.
	faultLog log.Logger

	pool commandPool

	pendingMu sync.Mutex

	// pending holds commands submitted and not yet seen by the worker.
	//
	// +checklocks:pendingMu
	pending commandList

	// numPending is the length of pending. It is only modified with
	// pendingMu held, but is read without it by the worker.
	numPending atomic.Int32

	resetMu sync.Mutex

	// +checklocks:resetMu
	resets []*resetRequest

	// numResets is the length of resets, readable without resetMu.
	numResets atomic.Int32

	sleeper   sleep.Sleeper
	kickWaker sleep.Waker
	intrWaker sleep.Waker
	stopWaker sleep.Waker

	// kicked is set by clients that need the worker to look at the queue
	// even if nothing was submitted, e.g. to abort their commands.
	kicked atomic.Bool

	// intc is set by the interrupt handler.
	intc atomic.Bool

	stopping atomic.Bool

	// fault is set when the worker hits an internal error. It is reported
	// and cleared by the next device reset.
	fault atomic.Bool

	// The fields below are owned by the worker goroutine, or by whoever
	// holds useMu while no worker runs.

	// queue holds admitted commands in submission order.
	queue commandList

	// active maps a buffer to the command executing it, from admission
	// until completion.
	active map[Buffer]*command

	// poll is the number of running commands that are polled for
	// completion.
	poll int

	// progress is set when a pass changed the state of some command.
	progress bool

	useMu sync.Mutex

	// users is the number of attached devices.
	//
	// +checklocks:useMu
	users int

	// done is closed when the worker exits. It is nil while no worker
	// runs.
	//
	// +checklocks:useMu
	done chan struct{}
}

// resetRequest asks the worker to reset a device.
type resetRequest struct {
	dev  *Device
	done chan error
}

// NewScheduler returns a scheduler with no devices attached.
func NewScheduler(opts Options) *Scheduler {
	opts.setDefaults()
	s := &Scheduler{
		opts:     opts,
		log:      opts.Logger,
		faultLog: log.RateLimitedLogger(opts.Logger, time.Second),
		pool:     commandPool{limit: opts.MaxCommands},
		active:   make(map[Buffer]*command),
	}
	s.sleeper.AddWaker(&s.kickWaker)
	s.sleeper.AddWaker(&s.intrWaker)
	s.sleeper.AddWaker(&s.stopWaker)
	return s
}

// attach registers a device user, starting the worker for the first one.
func (s *Scheduler) attach() {
	s.useMu.Lock()
	defer s.useMu.Unlock()
	s.users++
	if s.users > 1 {
		return
	}
	s.stopping.Store(false)
	s.done = make(chan struct{})
	go s.run(s.done) // S/R-SAFE: stopped by detach.
}

// detach drops a device user. The last one stops the worker, aborts every
// command left and releases the command records.
func (s *Scheduler) detach() {
	s.useMu.Lock()
	defer s.useMu.Unlock()
	s.users--
	if s.users > 0 {
		return
	}
	if s.users < 0 {
		panic("kds: scheduler detached more times than attached")
	}
	s.stopping.Store(true)
	s.stopWaker.Assert()
	<-s.done
	s.done = nil

	s.processResets()
	s.discard(func(*command) bool { return true })
	n := s.pool.drain()
	s.log.Infof("kds scheduler stopped, released %d command records", n)
}

// run is the worker loop.
func (s *Scheduler) run(done chan struct{}) {
	defer close(done)
	s.log.Infof("kds scheduler started")
	for passes := 1; ; passes++ {
		s.wait()
		if s.stopping.Load() {
			return
		}
		if s.fault.Load() {
			s.faultLog.Warningf("kds scheduler encountered unexpected error")
		}
		s.pass()
		if passes%s.opts.YieldEvery == 0 {
			runtime.Gosched()
		}
	}
}

// runnable returns true if the worker has something to do.
func (s *Scheduler) runnable() bool {
	if s.stopping.Load() || s.numPending.Load() > 0 || s.numResets.Load() > 0 {
		return true
	}
	if s.kicked.Swap(false) || s.intc.Swap(false) {
		return true
	}
	return s.poll > 0 || s.progress
}

// wait blocks until the worker has something to do.
func (s *Scheduler) wait() {
	for !s.runnable() {
		s.sleeper.Fetch(true)
	}
}

// kick wakes the worker.
func (s *Scheduler) kick() {
	s.kicked.Store(true)
	s.kickWaker.Assert()
}

// interrupt wakes the worker on behalf of an interrupt handler.
func (s *Scheduler) interrupt() {
	s.intc.Store(true)
	s.intrWaker.Assert()
}

// faultf records an internal error.
func (s *Scheduler) faultf(format string, v ...any) {
	s.fault.Store(true)
	schedulerFaults.Increment()
	s.faultLog.Warningf(format, v...)
}

// pass is one round of the worker: pending resets, then newly submitted
// commands, then one state step for every queued command.
func (s *Scheduler) pass() {
	s.progress = false
	s.processResets()
	s.admit()
	s.iterate()
	schedulerPasses.Increment()
}

// enqueue hands a new command to the worker.
func (s *Scheduler) enqueue(c *command) {
	s.pendingMu.Lock()
	s.pending.PushBack(c)
	s.numPending.Add(1)
	s.pendingMu.Unlock()
	s.kickWaker.Assert()
}

// admit moves the pending commands to the queue.
func (s *Scheduler) admit() {
	var batch commandList
	s.pendingMu.Lock()
	batch.PushBackList(&s.pending)
	s.numPending.Store(0)
	s.pendingMu.Unlock()

	first := batch.Front()
	s.queue.PushBackList(&batch)
	for c := first; c != nil; c = c.Next() {
		s.chainDeps(c)
		if c.state != ert.StateError {
			c.state = ert.StateQueued
		}
		s.active[c.buf] = c
		s.progress = true
	}
}

// chainDeps resolves c's dependencies: each one that is still executing
// gets c added to its chain, the others are counted as done. The references
// held on the dependency buffers are dropped.
func (s *Scheduler) chainDeps(c *command) {
	for i, dep := range c.deps {
		c.deps[i] = nil
		to := s.active[dep]
		dep.DecRef()
		switch {
		case to == nil || to.state == ert.StateError || to.state == ert.StateAbort || to.poisoned:
			c.waitCount--
		case len(to.chain) == MaxChain:
			s.log.Warningf("%v: chain full, failing dependency %v", c, to)
			s.fail(to)
			c.waitCount--
		default:
			to.chain = append(to.chain, trigger{cmd: c, id: c.id.Load()})
		}
	}
	c.deps = c.deps[:0]
}

// fail forces c into the error state. A running command keeps its resources
// and fails when it completes.
func (s *Scheduler) fail(c *command) {
	if c.state == ert.StateRunning {
		c.poisoned = true
		return
	}
	s.setState(c, ert.StateError)
}

// setState sets the internal state of c, mirroring terminal states into
// the packet.
func (s *Scheduler) setState(c *command, st ert.State) {
	c.state = st
	if st.Terminal() {
		c.packet.SetState(st)
	}
	s.progress = true
}

// iterate advances every queued command by one step.
func (s *Scheduler) iterate() {
	for c := s.queue.Front(); c != nil; {
		next := c.Next()
		s.step(c)
		c = next
	}
}

// step advances c by one state. Queued and failed commands of a closing
// client are aborted; running ones are left to finish.
func (s *Scheduler) step(c *command) {
	if (c.state == ert.StateQueued || c.state == ert.StateError) && c.client.aborting() {
		s.setState(c, ert.StateAbort)
	}
	switch c.state {
	case ert.StateQueued:
		s.start(c)
	case ert.StateRunning:
		c.dev.query(c)
	case ert.StateCompleted:
		s.free(c)
	case ert.StateError:
		c.dev.notifyHost()
		s.free(c)
	case ert.StateAbort:
		s.free(c)
	default:
		s.faultf("%v in unexpected state", c)
	}
}

// start submits c to its device once its dependencies are done, applying
// configure packets first.
func (s *Scheduler) start(c *command) {
	if c.waitCount > 0 {
		return
	}
	d := c.dev
	if c.packet.Opcode() == ert.OpConfigure && !c.configured {
		if err := d.configure(c); err != nil {
			s.log.Warningf("device %d: %v: %v", d.id, c, err)
			s.setState(c, ert.StateError)
			return
		}
		c.configured = true
	}
	ok, err := d.submit(c)
	if err != nil {
		s.log.Warningf("device %d: %v: %v", d.id, c, err)
		s.setState(c, ert.StateError)
		return
	}
	if !ok {
		return
	}
	c.state = ert.StateRunning
	d.exec.submitted[c.slot] = c
	if d.exec.polling {
		c.polled = true
		s.poll++
	}
	s.progress = true
}

// markComplete retires a running command whose completion has been
// observed, and releases the commands waiting on it.
func (s *Scheduler) markComplete(c *command) {
	d := c.dev
	d.exec.submitted[c.slot] = nil
	d.releaseSlot(c)
	if c.polled {
		c.polled = false
		s.poll--
	}
	if c.poisoned {
		s.setState(c, ert.StateError)
		return
	}
	s.setState(c, ert.StateCompleted)
	d.notifyHost()
	s.deactivate(c)
	s.triggerChain(c)
}

// triggerChain releases the commands waiting on c, in chaining order.
func (s *Scheduler) triggerChain(c *command) {
	for _, t := range c.chain {
		w := t.cmd
		if w.id.Load() != t.id {
			continue
		}
		if w.waitCount <= 0 {
			s.faultf("%v: triggered by %v with no dependencies left", w, c)
			continue
		}
		w.waitCount--
		if w.waitCount == 0 && w.state == ert.StateQueued {
			s.start(w)
		}
	}
	clear(c.chain)
	c.chain = c.chain[:0]
}

// deactivate drops c from the active map.
func (s *Scheduler) deactivate(c *command) {
	if s.active[c.buf] == c {
		delete(s.active, c.buf)
	}
}

// free retires c from the queue and returns its record to the pool.
func (s *Scheduler) free(c *command) {
	s.queue.Remove(c)
	s.release(c)
}

// release drops everything c holds and returns it to the pool.
//
// Preconditions: c is on no list and holds no slot or CU.
func (s *Scheduler) release(c *command) {
	s.deactivate(c)
	for _, dep := range c.deps {
		dep.DecRef()
	}
	c.deps = c.deps[:0]
	c.buf.DecRef()
	c.dev.outstanding.Add(-1)
	c.client.outstanding.Add(-1)
	recordRetired(c)
	s.progress = true
	s.pool.put(c)
}

// discard aborts every pending and queued command matching pred without
// touching the device.
//
// Preconditions: the worker is not running, or discard is called by the
// worker.
func (s *Scheduler) discard(pred func(*command) bool) int {
	var stale commandList
	s.pendingMu.Lock()
	for c := s.pending.Front(); c != nil; {
		next := c.Next()
		if pred(c) {
			s.pending.Remove(c)
			s.numPending.Add(-1)
			stale.PushBack(c)
		}
		c = next
	}
	s.pendingMu.Unlock()

	for c := s.queue.Front(); c != nil; {
		next := c.Next()
		if pred(c) {
			s.queue.Remove(c)
			stale.PushBack(c)
		}
		c = next
	}

	n := 0
	for c := stale.PopFront(); c != nil; c = stale.PopFront() {
		if c.polled {
			c.polled = false
			s.poll--
		}
		c.slot = -1
		c.cu = -1
		s.setState(c, ert.StateAbort)
		s.release(c)
		n++
	}
	return n
}

// processResets serves the pending reset requests.
func (s *Scheduler) processResets() {
	s.resetMu.Lock()
	reqs := s.resets
	s.resets = nil
	s.numResets.Store(0)
	s.resetMu.Unlock()

	for _, r := range reqs {
		r.done <- s.resetLocked(r.dev)
	}
}

// resetLocked aborts every command of d and returns its execution state to
// the defaults. It reports, and clears, a scheduler fault seen since the
// last reset.
//
// Preconditions: called by the worker, or with useMu held while no worker
// runs.
func (s *Scheduler) resetLocked(d *Device) error {
	n := s.discard(func(c *command) bool { return c.dev == d })
	d.resetExec()
	s.log.Infof("device %d: reset, %d commands aborted", d.id, n)
	if s.fault.Swap(false) {
		return fmt.Errorf("device %d: %w", d.id, ErrSchedulerFault)
	}
	return nil
}

// reset resets d, through the worker if it runs.
func (s *Scheduler) reset(ctx context.Context, d *Device) error {
	s.useMu.Lock()
	if s.done == nil {
		defer s.useMu.Unlock()
		return s.resetLocked(d)
	}
	req := &resetRequest{dev: d, done: make(chan error, 1)}
	s.resetMu.Lock()
	s.resets = append(s.resets, req)
	s.numResets.Add(1)
	s.resetMu.Unlock()
	s.useMu.Unlock()
	s.kick()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
