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

// Package bitmap provides the implementation of bitmap.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are supported by this Bitmap
// implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// BlocksFor returns the number of uint64 blocks needed to hold size bits.
func BlocksFor(size uint32) uint32 {
	return (size + 63) / 64
}

// Bitmap implements an efficient bitmap.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap.
func New(size uint32) Bitmap {
	b := Bitmap{}
	b.bitBlock = make([]uint64, BlocksFor(size))
	return b
}

// FromBlocks returns a Bitmap that uses blocks as its storage. The caller
// must not modify blocks except through the returned Bitmap.
func FromBlocks(blocks []uint64) Bitmap {
	b := Bitmap{bitBlock: blocks}
	b.numOnes = uint32(b.countOnesForAllBlocks())
	return b
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() int {
	return len(b.bitBlock) * 64
}

// Reset clears every bit.
func (b *Bitmap) Reset() {
	clear(b.bitBlock)
	b.numOnes = 0
}

// FirstOne returns the first set bit from the range [start, )
func (b *Bitmap) FirstOne(start uint32) (bit uint32, err error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != uint64(0) {
			r := bits.TrailingZeros64(w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// LastOne returns the last set bit in the bitmap.
func (b *Bitmap) LastOne() (bit uint32, err error) {
	for i := len(b.bitBlock) - 1; i >= 0; i-- {
		if w := b.bitBlock[i]; w != 0 {
			r := bits.LeadingZeros64(w)
			return uint32(i*64 + 63 - r), nil
		}
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// NthOne returns the n-th (zero based) set bit in ascending order.
func (b *Bitmap) NthOne(n uint32) (bit uint32, err error) {
	if n >= b.numOnes {
		return MaxBitEntryLimit, fmt.Errorf("bitmap has %d set bits, wanted index %d", b.numOnes, n)
	}
	for i, w := range b.bitBlock {
		c := uint32(bits.OnesCount64(w))
		if n >= c {
			n -= c
			continue
		}
		for ; n > 0; n-- {
			w &= w - 1
		}
		return uint32(i*64 + bits.TrailingZeros64(w)), nil
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap count is inconsistent")
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if int(blockNum) >= len(b.bitBlock) {
		return false
	}
	return b.bitBlock[blockNum]&mask != 0
}

// Add add i to the Bitmap.
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	// if blockNum is out of range, extend b.bitBlock
	if x, y := int(blockNum), len(b.bitBlock); x >= y {
		b.bitBlock = append(b.bitBlock, make([]uint64, x-y+1)...)
	}
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove i from the Bitmap.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// rangeMask returns the mask of bits of block blockNum that fall within
// [begin, end).
func rangeMask(blockNum, begin, end uint32) uint64 {
	lo, hi := blockNum*64, blockNum*64+64
	if begin > lo {
		lo = begin
	}
	if end < hi {
		hi = end
	}
	if lo >= hi {
		return 0
	}
	width := hi - lo
	if width == 64 {
		return math.MaxUint64
	}
	return ((uint64(1) << width) - 1) << (lo % 64)
}

// IsRangeSet returns true if every bit in [begin, end) is set.
func (b *Bitmap) IsRangeSet(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		m := rangeMask(i, begin, end)
		if b.bitBlock[i]&m != m {
			return false
		}
	}
	return true
}

// IsRangeClear returns true if no bit in [begin, end) is set.
func (b *Bitmap) IsRangeClear(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		if b.bitBlock[i]&rangeMask(i, begin, end) != 0 {
			return false
		}
	}
	return true
}

// SetRange sets bits within range (begin and end) for the Bitmap. begin is
// inclusive and end is exclusive.
func (b *Bitmap) SetRange(begin, end uint32) {
	if begin >= end {
		return
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		m := rangeMask(i, begin, end)
		b.numOnes += uint32(bits.OnesCount64(m &^ b.bitBlock[i]))
		b.bitBlock[i] |= m
	}
}

// ClearRange clear bits within range (begin and end) for the Bitmap. begin is inclusive and end is exclusive.
func (b *Bitmap) ClearRange(begin, end uint32) {
	if begin >= end {
		return
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		m := rangeMask(i, begin, end)
		b.numOnes -= uint32(bits.OnesCount64(m & b.bitBlock[i]))
		b.bitBlock[i] &^= m
	}
}

// countOnesForAllBlocks count all 1 bits in b.bitBlock.
func (b *Bitmap) countOnesForAllBlocks() uint64 {
	ones := uint64(0)
	for i := 0; i < len(b.bitBlock); i++ {
		ones += uint64(bits.OnesCount64(b.bitBlock[i]))
	}
	return ones
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := 0
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		// Iterate through all the numbers held by this bit block.
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			// Interpret the bit as the in32 number it represents and add it to result.
			bitmapSlice = append(bitmapSlice, uint32((base + int(bits.OnesCount64(j-1)))))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}
