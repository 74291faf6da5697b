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

// Package refs defines an interface for reference counted objects and a
// lightweight atomic implementation of it, used for command buffers shared
// between submitters and the scheduler.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the object's reference count. Objects built on
	// AtomicRefCount release their resources once the count reaches zero.
	DecRef()
}

// TryRefCounter is like RefCounter but allow the ref increment to be tried.
type TryRefCounter interface {
	RefCounter

	// TryIncRef attempts to increment the reference count, but may fail if all
	// references have already been dropped, in which case it returns false. If
	// true is returned, then a valid reference is now held on the object.
	TryIncRef() bool
}

// AtomicRefCount keeps a reference count using atomic operations and calls
// the destructor when the count reaches zero.
//
// The zero value holds no references; call InitRefs before use.
type AtomicRefCount struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a CompareAndSwap
	// loop. See IncRef, DecRef and TryIncRef for details of how these fields are
	// used.
	refCount atomic.Int64

	// name is reported by RefType.
	name string
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking. name identifies the owning object in leak reports.
func (r *AtomicRefCount) InitRefs(name string) {
	r.name = name
	r.refCount.Store(1)
	Register(r)
}

// RefType implements CheckedObject.RefType.
func (r *AtomicRefCount) RefType() string {
	return r.name
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *AtomicRefCount) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *AtomicRefCount) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments the reference count. It panics if the object has no
// references.
func (r *AtomicRefCount) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef implements TryRefCounter.TryIncRef.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to distinguish
// other TryIncRef calls from genuine references held.
func (r *AtomicRefCount) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef decrements the reference count and runs destroy, if non-nil, when it
// reaches zero.
func (r *AtomicRefCount) DecRef(destroy func()) {
	switch v := int32(r.refCount.Add(-1)); {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))
	case v == 0:
		Unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}
