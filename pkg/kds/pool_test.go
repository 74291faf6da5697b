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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ids(l *commandList) []uint64 {
	var s []uint64
	for c := l.Front(); c != nil; c = c.Next() {
		s = append(s, c.id.Load())
	}
	return s
}

func TestCommandList(t *testing.T) {
	var l, m commandList
	cs := make([]*command, 5)
	for i := range cs {
		cs[i] = &command{}
		cs[i].id.Store(uint64(i + 1))
	}
	l.PushBack(cs[0])
	l.PushBack(cs[1])
	m.PushBack(cs[2])
	m.PushBack(cs[3])
	l.PushBackList(&m)
	l.PushBack(cs[4])
	if !m.Empty() {
		t.Errorf("PushBackList left the source list non-empty")
	}
	if diff := cmp.Diff([]uint64{1, 2, 3, 4, 5}, ids(&l)); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	l.Remove(cs[2])
	l.Remove(cs[4])
	if got := l.PopFront(); got != cs[0] {
		t.Errorf("PopFront() = %d, want 1", got.id.Load())
	}
	if diff := cmp.Diff([]uint64{2, 4}, ids(&l)); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
	if got := l.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestPool(t *testing.T) {
	p := commandPool{limit: 2}
	a, err := p.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := p.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.id.Load() != 1 || b.id.Load() != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", a.id.Load(), b.id.Load())
	}
	if _, err := p.get(); !errors.Is(err, ErrNoMemory) {
		t.Errorf("get past limit = %v, want %v", err, ErrNoMemory)
	}

	p.put(a)
	if a.id.Load() != 0 || a.state != 0 {
		t.Errorf("freed record has id %d, state %v", a.id.Load(), a.state)
	}
	c, err := p.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c != a || c.id.Load() != 3 {
		t.Errorf("get returned record %p with id %d, want %p with id 3", c, c.id.Load(), a)
	}
	p.put(b)
	p.put(c)
	if got := p.outstanding(); got != 0 {
		t.Errorf("outstanding() = %d, want 0", got)
	}
	if got := p.drain(); got != 2 {
		t.Errorf("drain() = %d, want 2", got)
	}
	if got := p.drain(); got != 0 {
		t.Errorf("second drain() = %d, want 0", got)
	}
}

func TestDrainer(t *testing.T) {
	for _, tc := range []struct {
		name  string
		seen  []int32
		limit int
		want  []drainState
	}{
		{
			name:  "idle",
			seen:  []int32{0},
			limit: 3,
			want:  []drainState{drainDone},
		},
		{
			name:  "progress",
			seen:  []int32{4, 4, 3, 3, 1, 0},
			limit: 3,
			want:  []drainState{drainWaiting, drainWaiting, drainWaiting, drainWaiting, drainWaiting, drainDone},
		},
		{
			name:  "stall resets on progress",
			seen:  []int32{2, 2, 2, 1, 1, 1, 1},
			limit: 3,
			want:  []drainState{drainWaiting, drainWaiting, drainWaiting, drainWaiting, drainWaiting, drainWaiting, drainEscalated},
		},
		{
			name:  "stuck",
			seen:  []int32{1, 1, 1, 1},
			limit: 3,
			want:  []drainState{drainWaiting, drainWaiting, drainWaiting, drainEscalated},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dr := drainer{limit: tc.limit}
			var got []drainState
			for _, n := range tc.seen {
				got = append(got, dr.observe(n))
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("states mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
