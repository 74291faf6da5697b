// Copyright 2018 The gVisor Authors.
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

// Package sleep allows a goroutine to efficiently sleep on multiple sources of
// notifications (wakers). It offers O(1) complexity, which is different from
// multi-channel selects which have O(n) complexity (where n is the number of
// channels) and a considerable constant factor.
//
// It is similar to edge-triggered epoll waits, where the user registers each
// object of interest once, and then can repeatedly wait on all of them.
//
// A Waker object is used to wake a sleeping goroutine (G) up, or prevent it
// from going to sleep next. A Sleeper object is used to receive notifications
// from wakers, and if no notifications are available, to optionally sleep until
// one becomes available.
//
// A Waker can be associated with at most one Sleeper, but a Sleeper can be
// associated with multiple Wakers. A Sleeper has a list of asserted (ready)
// wakers; when Fetch() is called repeatedly, elements from this list are
// returned in the order they were asserted until the list becomes empty, at
// which point the goroutine optionally sleeps. When Assert() is called on a
// Waker, it adds itself to the Sleeper's asserted list and wakes the G up if
// it is sleeping.
//
// Once asserted, a Waker stays asserted until either it is fetched by the
// Sleeper or Clear() is called on it. Asserting an asserted Waker is a no-op.
//
// Example:
//
//	var s sleep.Sleeper
//	s.AddWaker(&w1)
//	s.AddWaker(&w2)
//
//	...
//
//	switch s.Fetch(true) {
//	case &w1:
//		// Do work triggered by w1 being asserted.
//	case &w2:
//		// Do work triggered by w2 being asserted.
//	}
package sleep

import (
	"sync"
	"sync/atomic"
)

// Sleeper allows a goroutine to sleep and receive wake up notifications from
// Wakers in an efficient way.
//
// This is similar to edge-triggered epoll in that wakers are added to the
// sleeper once and the sleeper can then repeatedly sleep in O(1) time while
// waiting on all wakers.
//
// Fetch may only be called by one goroutine at a time. Wakers that have been
// added to a sleeper A can only be added to another sleeper after A.Done()
// returns.
type Sleeper struct {
	// mu protects the fields below.
	mu sync.Mutex

	// ready holds asserted wakers in assertion order. An entry whose waker
	// has since been cleared or fetched is skipped.
	ready []*Waker

	// wakers is the list of wakers added to this sleeper, used by Done.
	wakers []*Waker

	// wake has capacity 1 so a notification posted between releasing mu
	// and blocking is not lost.
	wake chan struct{}
}

// Waker represents a source of wake-up notifications to be sent to sleepers. A
// waker can be associated with at most one sleeper at a time, and at any given
// time is either in asserted or non-asserted state.
//
// Once asserted, the waker remains so until it is manually cleared or a sleeper
// consumes its assertion (i.e., a sleeper wakes up or is prevented from going
// to sleep due to the waker).
//
// This struct is thread-safe, that is, its methods can be called concurrently
// by multiple goroutines.
//
// A Waker must not be copied after first use.
type Waker struct {
	_ noCopy

	// asserted is the waker state.
	asserted atomic.Bool

	// s is the sleeper this waker is associated with, or nil.
	s atomic.Pointer[Sleeper]
}

// noCopy is a marker recognized by go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// AddWaker associates the given waker to the sleeper.
func (s *Sleeper) AddWaker(w *Waker) {
	if w.s.Load() != nil {
		panic("waker already associated with a sleeper")
	}
	s.mu.Lock()
	s.wakers = append(s.wakers, w)
	s.mu.Unlock()
	w.s.Store(s)

	// An assertion that raced with the store above may not have seen the
	// sleeper; enqueue it here. Duplicate entries are harmless.
	if w.asserted.Load() {
		s.enqueue(w)
	}
}

// Fetch fetches the next wake-up notification. If a notification is
// immediately available, the asserted waker is returned immediately.
// Otherwise, the behavior depends on the value of 'block': if true, the
// current goroutine blocks until a notification arrives and returns the
// asserted waker; if false, nil will be returned.
//
// N.B. This method is *not* thread-safe. Only one goroutine at a time is
// allowed to call this method.
func (s *Sleeper) Fetch(block bool) *Waker {
	for {
		s.mu.Lock()
		for len(s.ready) > 0 {
			w := s.ready[0]
			s.ready[0] = nil
			s.ready = s.ready[1:]
			if w.asserted.CompareAndSwap(true, false) {
				s.mu.Unlock()
				return w
			}
		}
		if !block {
			s.mu.Unlock()
			return nil
		}
		ch := s.wakeChan()
		s.mu.Unlock()
		<-ch
	}
}

// AssertAndFetch asserts the given waker and fetches the next wake-up
// notification. Note that this will always be blocking, since there is no
// value in joining a non-blocking operation.
//
// N.B. Like Fetch, this method is *not* thread-safe.
func (s *Sleeper) AssertAndFetch(n *Waker) *Waker {
	n.Assert()
	return s.Fetch(true /* block */)
}

// Done is used to indicate that the caller won't use this Sleeper anymore. It
// removes the association with all wakers so that they can be safely reused
// by another sleeper after Done() returns.
func (s *Sleeper) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wakers {
		w.s.Store(nil)
	}
	s.wakers = nil
	s.ready = nil
}

// enqueue appends w to the ready list and wakes the sleeper.
func (s *Sleeper) enqueue(w *Waker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, w)
	select {
	case s.wakeChan() <- struct{}{}:
	default:
	}
}

// +checklocks:s.mu
func (s *Sleeper) wakeChan() chan struct{} {
	if s.wake == nil {
		s.wake = make(chan struct{}, 1)
	}
	return s.wake
}

// Assert moves the waker to an asserted state, if it isn't asserted yet. When
// asserted, the waker will cause its matching sleeper to wake up.
func (w *Waker) Assert() {
	if !w.asserted.CompareAndSwap(false, true) {
		return
	}
	if s := w.s.Load(); s != nil {
		s.enqueue(w)
	}
}

// Clear moves the waker to then non-asserted state and returns whether it was
// asserted before being cleared.
//
// N.B. The waker isn't removed from the "ready" list of a sleeper (if it
// happens to be in one), but the sleeper will notice that it is not asserted
// anymore and won't return it to the caller.
func (w *Waker) Clear() bool {
	return w.asserted.Swap(false)
}

// IsAsserted returns whether the waker is currently asserted (i.e., if it's
// currently in a state that would cause its matching sleeper to wake up).
func (w *Waker) IsAsserted() bool {
	return w.asserted.Load()
}
