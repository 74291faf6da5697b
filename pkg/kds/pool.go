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

import "sync"

// commandPool recycles command records. Records are created on demand and
// returned to a free list when retired; they are released to the garbage
// collector only by drain.
type commandPool struct {
	mu sync.Mutex

	// free holds the records available for reuse.
	//
	// +checklocks:mu
	free commandList

	// nextID is the last id handed out. Ids start at 1.
	//
	// +checklocks:mu
	nextID uint64

	// live is the number of records handed out and not yet returned.
	//
	// +checklocks:mu
	live int

	// limit bounds live. Zero means no bound.
	limit int
}

// get returns a cleared record with a fresh id.
func (p *commandPool) get() (*command, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.live >= p.limit {
		return nil, ErrNoMemory
	}
	c := p.free.PopFront()
	if c == nil {
		c = &command{}
	}
	p.nextID++
	c.id.Store(p.nextID)
	p.live++
	return c, nil
}

// put returns c to the free list.
func (p *commandPool) put(c *command) {
	c.clear()
	p.mu.Lock()
	defer p.mu.Unlock()
	c.id.Store(0)
	p.free.PushBack(c)
	p.live--
}

// drain drops every free record and returns how many were dropped.
func (p *commandPool) drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.free.Len()
	p.free.Reset()
	return n
}

// outstanding returns the number of records handed out.
func (p *commandPool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
