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

// Package bitmap provides the fixed-capacity bitmaps used to hand out command
// queue slots and compute units.
//
// Words are 32 bits wide to match the layout of the hardware mask registers:
// word i of a Bitmap corresponds to status register i and to CU mask word i
// of a start-kernel packet.
package bitmap

import (
	"fmt"
	"math/bits"
)

const (
	// WordBits is the number of entries held by one word.
	WordBits = 32

	// MaxEntries is the maximum number of entries in a Bitmap.
	MaxEntries = 128

	// MaxWords is the number of words backing a Bitmap.
	MaxWords = MaxEntries / WordBits
)

// Bitmap is a set of indices in [0, Size()). The zero value is an empty
// bitmap with no capacity.
//
// Bitmap is not synchronized.
type Bitmap struct {
	// size is the number of valid entries.
	size uint32

	// numOnes is the number of acquired entries.
	numOnes uint32

	// words holds the bits. Bits at or above size are always zero.
	words [MaxWords]uint32
}

// New creates an empty Bitmap with the given capacity.
//
// Preconditions: size <= MaxEntries.
func New(size uint32) Bitmap {
	var b Bitmap
	b.Reset(size)
	return b
}

// Reset releases every entry and changes the capacity to size.
//
// Preconditions: size <= MaxEntries.
func (b *Bitmap) Reset(size uint32) {
	if size > MaxEntries {
		panic(fmt.Sprintf("bitmap size %d exceeds %d", size, MaxEntries))
	}
	*b = Bitmap{size: size}
}

// Size returns the capacity of the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// NumWords returns the number of words needed to cover Size() entries.
func (b *Bitmap) NumWords() int {
	return int((b.size + WordBits - 1) / WordBits)
}

// Word returns word i of the bitmap.
func (b *Bitmap) Word(i int) uint32 {
	return b.words[i]
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of acquired entries.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsSet returns true if entry i is acquired.
func (b *Bitmap) IsSet(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.words[i/WordBits]&(1<<(i%WordBits)) != 0
}

// validMask returns the bits of word w that fall below size.
func (b *Bitmap) validMask(w int) uint32 {
	lo := uint32(w) * WordBits
	switch {
	case lo >= b.size:
		return 0
	case b.size-lo >= WordBits:
		return ^uint32(0)
	default:
		return 1<<(b.size-lo) - 1
	}
}

// FirstZero returns the lowest free entry.
func (b *Bitmap) FirstZero() (uint32, error) {
	for w := 0; w < b.NumWords(); w++ {
		if free := ^b.words[w] & b.validMask(w); free != 0 {
			return uint32(w*WordBits + bits.TrailingZeros32(free)), nil
		}
	}
	return 0, fmt.Errorf("bitmap has no unset bits")
}

// Acquire marks the lowest free entry as acquired and returns it. It returns
// false if every entry is in use.
func (b *Bitmap) Acquire() (uint32, bool) {
	i, err := b.FirstZero()
	if err != nil {
		return 0, false
	}
	b.add(i)
	return i, true
}

// AcquireIn acquires the lowest free entry of word w whose bit is also set in
// mask. It returns false if no such entry exists.
//
// Free bits are computed as (mask | busy) ^ busy, which is mask with the busy
// bits cleared.
func (b *Bitmap) AcquireIn(w int, mask uint32) (uint32, bool) {
	if w < 0 || w >= b.NumWords() {
		return 0, false
	}
	busy := b.words[w]
	free := ((mask | busy) ^ busy) & b.validMask(w)
	if free == 0 {
		return 0, false
	}
	i := uint32(w*WordBits + bits.TrailingZeros32(free))
	b.add(i)
	return i, true
}

// Release returns entry i to the free set.
//
// Releasing an entry that is not acquired is a programming error and panics.
func (b *Bitmap) Release(i uint32) {
	if !b.IsSet(i) {
		panic(fmt.Sprintf("release of unacquired bitmap entry %d (size %d)", i, b.size))
	}
	b.words[i/WordBits] &^= 1 << (i % WordBits)
	b.numOnes--
}

func (b *Bitmap) add(i uint32) {
	b.words[i/WordBits] |= 1 << (i % WordBits)
	b.numOnes++
}

// ToSlice returns the acquired entries in increasing order. For example, a
// bitmap of [0, 1, 0, 1] will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	s := make([]uint32, 0, b.numOnes)
	for w := 0; w < b.NumWords(); w++ {
		word := b.words[w]
		for word != 0 {
			// Extract the lowest set bit.
			j := word & -word
			s = append(s, uint32(w*WordBits+bits.TrailingZeros32(j)))
			word ^= j
		}
	}
	return s
}
