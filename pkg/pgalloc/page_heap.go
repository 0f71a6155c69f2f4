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

package pgalloc

import (
	"fmt"
	"io"
	"math/rand/v2"

	"gvisor.dev/kmem/pkg/bitmap"
	"gvisor.dev/kmem/pkg/hostarch"
)

// blockPageShifts are the sizes of the heap's block levels.
var blockPageShifts = [...]uint{
	hostarch.PageShift, // 4 KiB
	16,                 // 64 KiB
	21,                 // 2 MiB
	22,                 // 4 MiB
	25,                 // 32 MiB
	29,                 // 512 MiB
	30,                 // 1 GiB
}

// NumBlockLevels is the number of heap block levels.
const NumBlockLevels = len(blockPageShifts)

// GetBlockNumPages returns the number of pages in a block of the given
// level.
func GetBlockNumPages(index int) uint64 {
	return uint64(1) << blockPageShifts[index] / hostarch.PageSize
}

// GetBlockSize returns the size in bytes of a block of the given level.
func GetBlockSize(index int) uint64 {
	return uint64(1) << blockPageShifts[index]
}

// GetAlignedBlockIndex returns the smallest level whose blocks can hold
// numPages pages aligned to alignPages pages, or -1.
func GetAlignedBlockIndex(numPages, alignPages uint64) int {
	target := max(numPages, alignPages)
	for i := 0; i < NumBlockLevels; i++ {
		if target <= GetBlockNumPages(i) {
			return i
		}
	}
	return -1
}

// GetBlockIndex returns the largest level whose blocks are no larger than
// numPages pages, or -1.
func GetBlockIndex(numPages uint64) int {
	for i := NumBlockLevels - 1; i >= 0; i-- {
		if numPages >= GetBlockNumPages(i) {
			return i
		}
	}
	return -1
}

// heapBlock is one level of the page heap: a bitmap with one bit per
// block-sized, block-aligned chunk of the heap.
type heapBlock struct {
	bitmap         bitmap.Bitmap
	heapAddress    uint64
	endOffset      uint64
	blockShift     uint
	nextBlockShift uint
}

// levelSpan returns the aligned start and the number of blocks of a level
// covering [address, address+size).
func levelSpan(address, size uint64, blockShift, nextBlockShift uint) (start, numBlocks uint64) {
	align := uint64(1) << blockShift
	if nextBlockShift != 0 {
		align = uint64(1) << nextBlockShift
	}
	end := hostarch.AlignUp(address+size, align)
	start = hostarch.AlignDown(address, align)
	return start, (end - start) >> blockShift
}

func (b *heapBlock) initialize(address, size uint64, blockShift, nextBlockShift uint, storage []uint64) {
	b.blockShift = blockShift
	b.nextBlockShift = nextBlockShift
	b.heapAddress, b.endOffset = levelSpan(address, size, blockShift, nextBlockShift)
	b.bitmap = bitmap.FromBlocks(storage[:bitmap.BlocksFor(uint32(b.endOffset))])
}

func (b *heapBlock) size() uint64 { return uint64(1) << b.blockShift }

func (b *heapBlock) numPages() uint64 { return b.size() / hostarch.PageSize }

func (b *heapBlock) numFreeBlocks() uint64 { return uint64(b.bitmap.GetNumOnes()) }

// pushBlock marks the block at address free. If that completes a free block
// of the next level, the siblings are cleared and the address of the
// combined block is returned; otherwise pushBlock returns 0.
func (b *heapBlock) pushBlock(address uint64) uint64 {
	offset := (address - b.heapAddress) >> b.blockShift
	b.bitmap.Add(uint32(offset))

	if b.nextBlockShift != 0 {
		diff := uint64(1) << (b.nextBlockShift - b.blockShift)
		offset = hostarch.AlignDown(offset, diff)
		if b.bitmap.IsRangeSet(uint32(offset), uint32(offset+diff)) {
			b.bitmap.ClearRange(uint32(offset), uint32(offset+diff))
			return b.heapAddress + offset<<b.blockShift
		}
	}
	return 0
}

// popBlock takes a free block, the lowest unless random is set. It returns
// 0 if the level is empty.
func (b *heapBlock) popBlock(random bool) uint64 {
	if b.bitmap.IsEmpty() {
		return 0
	}
	var (
		offset uint32
		err    error
	)
	if random {
		offset, err = b.bitmap.NthOne(rand.Uint32N(b.bitmap.GetNumOnes()))
	} else {
		offset, err = b.bitmap.FirstOne(0)
	}
	if err != nil {
		panic(fmt.Sprintf("heap level %d: %v", b.blockShift, err))
	}
	b.bitmap.Remove(offset)
	return b.heapAddress + uint64(offset)<<b.blockShift
}

// PageHeap tracks the free pages of one region in power-of-two sized,
// naturally aligned blocks.
//
// PageHeap is not synchronized.
type PageHeap struct {
	address         uint64
	size            uint64
	initialUsedSize uint64
	blocks          [NumBlockLevels]heapBlock
}

// CalculateHeapOverheadSize returns the management storage in bytes that a
// heap over a region of size bytes needs.
func CalculateHeapOverheadSize(size uint64) uint64 {
	words := heapStorageWords(0, size)
	return hostarch.AlignUp(words*8, hostarch.PageSize)
}

// heapStorageWords returns the bitmap words needed by every level of a heap
// over [address, address+size). The count assumes the worst alignment of
// address.
func heapStorageWords(address, size uint64) uint64 {
	var words uint64
	for i := 0; i < NumBlockLevels; i++ {
		next := uint(0)
		if i+1 < NumBlockLevels {
			next = blockPageShifts[i+1]
		}
		align := uint64(1) << blockPageShifts[i]
		if next != 0 {
			align = uint64(1) << next
		}
		// One extra aligned chunk on each side covers any placement.
		_, n := levelSpan(address, size+2*align, blockPageShifts[i], next)
		words += uint64(bitmap.BlocksFor(uint32(n)))
	}
	return words
}

// Initialize sets up an empty heap over [address, address+size), keeping
// its bitmaps in storage, which must hold CalculateHeapOverheadSize(size)
// bytes.
//
// Preconditions: address and size are page aligned.
func (h *PageHeap) Initialize(address, size uint64, storage []uint64) {
	if !hostarch.IsAligned(address, hostarch.PageSize) || !hostarch.IsAligned(size, hostarch.PageSize) {
		panic(fmt.Sprintf("unaligned page heap [%#x, +%#x)", address, size))
	}
	h.address = address
	h.size = size
	for i := range h.blocks {
		next := uint(0)
		if i+1 < NumBlockLevels {
			next = blockPageShifts[i+1]
		}
		b := &h.blocks[i]
		_, n := levelSpan(address, size, blockPageShifts[i], next)
		words := uint64(bitmap.BlocksFor(uint32(n)))
		if uint64(len(storage)) < words {
			panic(fmt.Sprintf("page heap [%#x, +%#x): management storage exhausted at level %d", address, size, i))
		}
		b.initialize(address, size, blockPageShifts[i], next, storage[:words:words])
		storage = storage[words:]
	}
}

// Address returns the first address of the heap.
func (h *PageHeap) Address() uint64 { return h.address }

// Size returns the size of the heap.
func (h *PageHeap) Size() uint64 { return h.size }

// EndAddress returns the address just past the heap.
func (h *PageHeap) EndAddress() uint64 { return h.address + h.size }

// PageOffset returns the index of the page at address.
func (h *PageHeap) PageOffset(address uint64) uint64 {
	return (address - h.address) / hostarch.PageSize
}

// PageOffsetToEnd returns the number of pages from address to the end of
// the heap.
func (h *PageHeap) PageOffsetToEnd(address uint64) uint64 {
	return (h.EndAddress() - address) / hostarch.PageSize
}

// NumFreePages returns the number of free pages.
func (h *PageHeap) NumFreePages() uint64 {
	var n uint64
	for i := range h.blocks {
		n += h.blocks[i].numFreeBlocks() * h.blocks[i].numPages()
	}
	return n
}

// SetInitialUsedSize records the size in use once boot-time frees are done,
// excluding reserved bytes.
func (h *PageHeap) SetInitialUsedSize(reserved uint64) {
	free := h.NumFreePages() * hostarch.PageSize
	if h.size < free+reserved {
		panic(fmt.Sprintf("page heap [%#x, +%#x): free %#x plus reserved %#x exceeds size", h.address, h.size, free, reserved))
	}
	h.initialUsedSize = h.size - free - reserved
}

// InitialUsedSize returns the size recorded by SetInitialUsedSize.
func (h *PageHeap) InitialUsedSize() uint64 { return h.initialUsedSize }

// AllocateBlock takes a free block of the given level, splitting a larger
// block if needed. It returns 0 if no block is available.
func (h *PageHeap) AllocateBlock(index int, random bool) uint64 {
	if index < 0 || index >= NumBlockLevels {
		return 0
	}
	needed := h.blocks[index].size()
	for i := index; i < NumBlockLevels; i++ {
		if addr := h.blocks[i].popBlock(random); addr != 0 {
			if allocated := h.blocks[i].size(); allocated > needed {
				h.Free(addr+needed, (allocated-needed)/hostarch.PageSize)
			}
			return addr
		}
	}
	return 0
}

// freeBlock frees a block of the given level, coalescing upward.
func (h *PageHeap) freeBlock(block uint64, index int) {
	for block != 0 && index < NumBlockLevels {
		block = h.blocks[index].pushBlock(block)
		index++
	}
}

// Free returns [addr, addr+numPages*PageSize) to the heap as the largest
// aligned blocks that fit.
func (h *PageHeap) Free(addr, numPages uint64) {
	if numPages == 0 {
		return
	}
	start := addr
	end := addr + numPages*hostarch.PageSize
	if start < h.address || end > h.EndAddress() || end <= start {
		panic(fmt.Sprintf("free of [%#x, %#x) outside page heap [%#x, %#x)", start, end, h.address, h.EndAddress()))
	}

	bigIndex := -1
	beforeStart, beforeEnd := start, start
	afterStart, afterEnd := end, end
	for i := NumBlockLevels - 1; i >= 0; i-- {
		blockSize := h.blocks[i].size()
		bigStart := hostarch.AlignUp(start, blockSize)
		bigEnd := hostarch.AlignDown(end, blockSize)
		if bigStart < bigEnd {
			for block := bigStart; block < bigEnd; block += blockSize {
				h.freeBlock(block, i)
			}
			beforeEnd = bigStart
			afterStart = bigEnd
			bigIndex = i
			break
		}
	}
	if bigIndex < 0 {
		panic(fmt.Sprintf("free of [%#x, %#x) found no block level", start, end))
	}

	for i := bigIndex - 1; i >= 0; i-- {
		blockSize := h.blocks[i].size()
		for beforeStart+blockSize <= beforeEnd {
			beforeEnd -= blockSize
			h.freeBlock(beforeEnd, i)
		}
	}
	for i := bigIndex - 1; i >= 0; i-- {
		blockSize := h.blocks[i].size()
		for afterStart+blockSize <= afterEnd {
			h.freeBlock(afterStart, i)
			afterStart += blockSize
		}
	}
}

// FreeBlockCounts returns the number of free blocks at each level.
func (h *PageHeap) FreeBlockCounts() [NumBlockLevels]uint64 {
	var counts [NumBlockLevels]uint64
	for i := range h.blocks {
		counts[i] = h.blocks[i].numFreeBlocks()
	}
	return counts
}

// DumpFreeList writes the free block counts of each level to w.
func (h *PageHeap) DumpFreeList(w io.Writer) {
	total := h.NumFreePages() * hostarch.PageSize
	fmt.Fprintf(w, "0x%010x - 0x%010x, free %#x / %#x\n", h.address, h.EndAddress()-1, total, h.size)
	for i := range h.blocks {
		b := &h.blocks[i]
		if n := b.numFreeBlocks(); n != 0 {
			fmt.Fprintf(w, "  %#10x bytes: %d blocks free\n", b.size(), n)
		}
	}
}
