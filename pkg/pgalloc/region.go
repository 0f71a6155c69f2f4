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

	"gvisor.dev/kmem/pkg/bitmap"
	"gvisor.dev/kmem/pkg/dram"
	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/memlayout"
)

// optimizeMapSize returns the size in bytes of the optimized process bitmap
// for a region of size bytes.
func optimizeMapSize(size uint64) uint64 {
	return uint64(bitmap.BlocksFor(uint32(size/hostarch.PageSize))) * 8
}

// refCountSize returns the size in bytes of the per-page reference counts
// for a region of size bytes.
func refCountSize(size uint64) uint64 {
	return size / hostarch.PageSize * 2
}

// CalculateManagementOverheadSize returns the number of management bytes a
// region manager over size bytes consumes: the optimized process bitmap and
// reference counts, followed by the heap bitmaps.
func CalculateManagementOverheadSize(size uint64) uint64 {
	meta := hostarch.AlignUp(optimizeMapSize(size)+refCountSize(size), hostarch.PageSize)
	return meta + CalculateHeapOverheadSize(size)
}

// regionManager owns one contiguous range of a pool: its page heap, a
// reference count per page and the optimized process bitmap. All of its
// metadata lives in the management region.
//
// regionManager is protected by the lock of its pool.
type regionManager struct {
	heap PageHeap
	pool memlayout.Pool
	mem  *dram.Memory

	// refCounts holds one reference count per page.
	refCounts []uint16

	// optimized has a bit set for each page whose contents already belong
	// to the pool's optimized process.
	optimized bitmap.Bitmap

	// prev and next link managers of the same pool in address order.
	prev, next *regionManager
}

// initialize sets up m over [address, address+size), carving its metadata
// from [management, managementEnd). It returns the management bytes used.
func (m *regionManager) initialize(mem *dram.Memory, address, size, management, managementEnd uint64, pool memlayout.Pool) uint64 {
	used := CalculateManagementOverheadSize(size)
	if management+used > managementEnd {
		panic(fmt.Sprintf("management region exhausted: manager [%#x, +%#x) needs %#x bytes at %#x, region ends at %#x", address, size, used, management, managementEnd))
	}
	numPages := size / hostarch.PageSize
	optSize := optimizeMapSize(size)
	meta := hostarch.AlignUp(optSize+refCountSize(size), hostarch.PageSize)

	m.mem = mem
	m.pool = pool
	m.optimized = bitmap.FromBlocks(mem.Words64(management, int(optSize/8)))
	m.refCounts = mem.Words16(management+optSize, int(numPages))
	heapSize := CalculateHeapOverheadSize(size)
	m.heap.Initialize(address, size, mem.Words64(management+meta, int(heapSize/8)))
	return used
}

func (m *regionManager) address() uint64    { return m.heap.Address() }
func (m *regionManager) size() uint64       { return m.heap.Size() }
func (m *regionManager) endAddress() uint64 { return m.heap.EndAddress() }

func (m *regionManager) contains(addr uint64) bool {
	return m.address() <= addr && addr < m.endAddress()
}

func (m *regionManager) pageOffsetToEnd(addr uint64) uint64 {
	return m.heap.PageOffsetToEnd(addr)
}

func (m *regionManager) free(addr, numPages uint64) {
	m.heap.Free(addr, numPages)
}

func (m *regionManager) allocateBlock(index int, random bool) uint64 {
	return m.heap.AllocateBlock(index, random)
}

// openFirst takes the first reference to each page.
func (m *regionManager) openFirst(addr, numPages uint64) {
	index := m.heap.PageOffset(addr)
	for end := index + numPages; index < end; index++ {
		m.refCounts[index]++
		if m.refCounts[index] != 1 {
			panic(fmt.Sprintf("first open of page %#x found reference count %d", m.address()+index*hostarch.PageSize, m.refCounts[index]))
		}
	}
}

// open takes an additional reference to each page.
func (m *regionManager) open(addr, numPages uint64) {
	index := m.heap.PageOffset(addr)
	for end := index + numPages; index < end; index++ {
		m.refCounts[index]++
		if m.refCounts[index] <= 1 {
			panic(fmt.Sprintf("open of unreferenced or saturated page %#x", m.address()+index*hostarch.PageSize))
		}
	}
}

// close drops a reference to each page, freeing runs of pages that reach
// zero with one heap call per run.
func (m *regionManager) close(addr, numPages uint64) {
	index := m.heap.PageOffset(addr)
	var freeStart, freeCount uint64
	for end := index + numPages; index < end; index++ {
		if m.refCounts[index] == 0 {
			panic(fmt.Sprintf("close of unreferenced page %#x", m.address()+index*hostarch.PageSize))
		}
		m.refCounts[index]--
		if m.refCounts[index] == 0 {
			if freeCount == 0 {
				freeStart = index
			}
			freeCount++
			continue
		}
		if freeCount > 0 {
			m.free(m.address()+freeStart*hostarch.PageSize, freeCount)
			freeCount = 0
		}
	}
	if freeCount > 0 {
		m.free(m.address()+freeStart*hostarch.PageSize, freeCount)
	}
}

// refCount returns the reference count of the page at addr.
func (m *regionManager) refCount(addr uint64) uint16 {
	return m.refCounts[m.heap.PageOffset(addr)]
}

// initializeOptimizedMemory forgets every page previously handed to an
// optimized process.
func (m *regionManager) initializeOptimizedMemory() {
	m.optimized.Reset()
}

// trackUnoptimizedAllocation records pages handed to a process other than
// the optimized one.
func (m *regionManager) trackUnoptimizedAllocation(addr, numPages uint64) {
	offset := uint32(m.heap.PageOffset(addr))
	m.optimized.ClearRange(offset, offset+uint32(numPages))
}

// trackOptimizedAllocation records pages handed to the optimized process.
func (m *regionManager) trackOptimizedAllocation(addr, numPages uint64) {
	offset := uint32(m.heap.PageOffset(addr))
	m.optimized.SetRange(offset, offset+uint32(numPages))
}

// processOptimizedAllocation fills every page of the range not already
// owned by the optimized process and reports whether it filled any.
func (m *regionManager) processOptimizedAllocation(addr, numPages uint64, fill byte) bool {
	offset := uint32(m.heap.PageOffset(addr))
	anyNew := false
	for i := uint32(0); i < uint32(numPages); i++ {
		if !m.optimized.Contains(offset + i) {
			m.mem.Fill(addr+uint64(i)*hostarch.PageSize, hostarch.PageSize, fill)
			anyNew = true
		}
	}
	return anyNew
}

func (m *regionManager) dumpFreeList(w io.Writer) {
	m.heap.DumpFreeList(w)
}
