// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAcquireFirstFit(t *testing.T) {
	b := New(40)
	for want := uint32(0); want < 40; want++ {
		got, ok := b.Acquire()
		if !ok || got != want {
			t.Fatalf("Acquire() = %d, %t, want %d, true", got, ok, want)
		}
	}
	if got, ok := b.Acquire(); ok {
		t.Fatalf("Acquire() on a full bitmap = %d, want failure", got)
	}

	b.Release(33)
	b.Release(7)
	if got, ok := b.Acquire(); !ok || got != 7 {
		t.Errorf("Acquire() = %d, %t, want 7, true", got, ok)
	}
	if got, ok := b.Acquire(); !ok || got != 33 {
		t.Errorf("Acquire() = %d, %t, want 33, true", got, ok)
	}
}

func TestAcquireReleaseProperties(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, size := range []uint32{1, 16, 31, 32, 33, 100, MaxEntries} {
		b := New(size)
		model := make(map[uint32]bool)
		for step := 0; step < 2000; step++ {
			if r.Intn(2) == 0 {
				i, ok := b.Acquire()
				if !ok {
					if uint32(len(model)) != size {
						t.Fatalf("size %d: Acquire failed with %d of %d held", size, len(model), size)
					}
					continue
				}
				if i >= size {
					t.Fatalf("size %d: Acquire returned out-of-range index %d", size, i)
				}
				if model[i] {
					t.Fatalf("size %d: Acquire returned held index %d", size, i)
				}
				// First-fit: nothing below i is free.
				for j := uint32(0); j < i; j++ {
					if !model[j] {
						t.Fatalf("size %d: Acquire returned %d while %d is free", size, i, j)
					}
				}
				model[i] = true
			} else if len(model) > 0 {
				held := b.ToSlice()
				i := held[r.Intn(len(held))]
				b.Release(i)
				delete(model, i)
			}
			if got := b.GetNumOnes(); got != uint32(len(model)) {
				t.Fatalf("size %d: GetNumOnes() = %d, want %d", size, got, len(model))
			}
		}
	}
}

func TestAcquireIn(t *testing.T) {
	b := New(40)

	// Only bits 3 and 5 are eligible.
	if got, ok := b.AcquireIn(0, 0x28); !ok || got != 3 {
		t.Fatalf("AcquireIn(0, 0x28) = %d, %t, want 3, true", got, ok)
	}
	if got, ok := b.AcquireIn(0, 0x28); !ok || got != 5 {
		t.Fatalf("AcquireIn(0, 0x28) = %d, %t, want 5, true", got, ok)
	}
	if got, ok := b.AcquireIn(0, 0x28); ok {
		t.Fatalf("AcquireIn(0, 0x28) = %d, want failure", got)
	}

	// Word 1 covers entries 32..39; bit 8 of the mask is beyond the size.
	if got, ok := b.AcquireIn(1, 0x100); ok {
		t.Errorf("AcquireIn(1, 0x100) = %d, want failure", got)
	}
	if got, ok := b.AcquireIn(1, 0x180); !ok || got != 39 {
		t.Errorf("AcquireIn(1, 0x180) = %d, %t, want 39, true", got, ok)
	}
	if got, ok := b.AcquireIn(2, ^uint32(0)); ok {
		t.Errorf("AcquireIn(2, ...) = %d, want failure for word beyond size", got)
	}

	if diff := cmp.Diff([]uint32{3, 5, 39}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
	if got := b.Word(1); got != 0x80 {
		t.Errorf("Word(1) = %#x, want 0x80", got)
	}
}

func TestReleaseUnacquiredPanics(t *testing.T) {
	for _, tc := range []struct {
		name string
		idx  uint32
	}{
		{"free", 2},
		{"out of range", 20},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(16)
			b.Acquire()
			defer func() {
				if recover() == nil {
					t.Errorf("Release(%d) did not panic", tc.idx)
				}
			}()
			b.Release(tc.idx)
		})
	}
}

func TestReset(t *testing.T) {
	b := New(8)
	b.Acquire()
	b.Acquire()
	b.Reset(4)
	if !b.IsEmpty() || b.Size() != 4 || b.NumWords() != 1 {
		t.Errorf("after Reset(4): empty=%t size=%d words=%d", b.IsEmpty(), b.Size(), b.NumWords())
	}
	var zero Bitmap
	if _, ok := zero.Acquire(); ok {
		t.Errorf("zero Bitmap Acquire succeeded")
	}
}
