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

// commandList is an intrusive list of commands. A command is on at most one
// list at a time: the free list of the pool, the pending list or the
// worker's queue.
//
// The zero value for commandList is an empty list ready to use.
//
// To iterate over a list (where l is a commandList):
//
//	for c := l.Front(); c != nil; c = c.Next() {
//		// do something with c.
//	}
type commandList struct {
	head *command
	tail *command
}

// Reset resets list l to the empty state.
func (l *commandList) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
//
//go:nosplit
func (l *commandList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
//
//go:nosplit
func (l *commandList) Front() *command {
	return l.head
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
func (l *commandList) Len() (count int) {
	for e := l.Front(); e != nil; e = e.Next() {
		count++
	}
	return count
}

// PushBack inserts the element e at the back of list l.
func (l *commandList) PushBack(e *command) {
	e.SetNext(nil)
	e.SetPrev(l.tail)
	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
}

// PushBackList inserts list m at the end of list l, emptying m.
func (l *commandList) PushBackList(m *commandList) {
	aHead := l.head
	aTail := l.tail
	bHead := m.head
	bTail := m.tail

	if aHead == nil {
		l.head = bHead
	} else if bHead != nil {
		aTail.SetNext(bHead)
		bHead.SetPrev(aTail)
	}
	if bTail != nil {
		l.tail = bTail
	}

	m.head = nil
	m.tail = nil
}

// PopFront removes and returns the first element of list l, or nil.
func (l *commandList) PopFront() *command {
	e := l.head
	if e != nil {
		l.Remove(e)
	}
	return e
}

// Remove removes e from l.
func (l *commandList) Remove(e *command) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		next.SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
}

// commandEntry is a default implementation of the list linkage, embedded in
// command.
type commandEntry struct {
	next *command
	prev *command
}

// Next returns the entry that follows e in the list.
//
//go:nosplit
func (e *commandEntry) Next() *command {
	return e.next
}

// Prev returns the entry that precedes e in the list.
//
//go:nosplit
func (e *commandEntry) Prev() *command {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
//
//go:nosplit
func (e *commandEntry) SetNext(elem *command) {
	e.next = elem
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
//
//go:nosplit
func (e *commandEntry) SetPrev(elem *command) {
	e.prev = elem
}
