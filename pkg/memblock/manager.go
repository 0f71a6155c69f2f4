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

// Package memblock tracks the state of a process address space as an
// ordered set of coalesced blocks.
//
// The blocks of a Manager cover its range exactly, with no gaps or
// overlaps, and no two adjacent blocks are mergeable. Every update splits
// the blocks at the edges of the updated range, changes the blocks inside
// it, and coalesces the result.
//
// A Manager has no lock of its own. Writers must be serialized by the
// caller; readers may run concurrently with each other.
package memblock

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/kmem/pkg/errors/kernerr"
	"gvisor.dev/kmem/pkg/hostarch"
)

// btreeDegree is the degree of the block tree.
const btreeDegree = 8

func blockLess(a, b *Block) bool { return a.address < b.address }

// Manager tracks the blocks of one address space.
type Manager struct {
	blocks *btree.BTreeG[*Block]
	start  hostarch.Addr
	end    hostarch.Addr

	// auditing enables a full CheckState after every update.
	auditing bool
}

// Initialize sets m up to cover [start, end) with a single Free block taken
// from slab. It fails with kernerr.ErrOutOfResource if slab is exhausted.
//
// Preconditions: start and end are page aligned and start < end.
func (m *Manager) Initialize(start, end hostarch.Addr, slab *SlabManager) error {
	if !start.IsPageAligned() || !end.IsPageAligned() || start >= end {
		panic(fmt.Sprintf("block manager range [%#x, %#x) is invalid", start, end))
	}
	b := slab.Allocate()
	if b == nil {
		return kernerr.ErrOutOfResource
	}
	m.start = start
	m.end = end
	m.blocks = btree.NewG(btreeDegree, blockLess)
	b.initialize(start, uint64(end-start)/hostarch.PageSize, StateFree, PermNone, AttrNone)
	m.blocks.ReplaceOrInsert(b)
	return nil
}

// Finalize returns every block to slab, calling fn, if not nil, with the
// extent of each block first.
func (m *Manager) Finalize(slab *SlabManager, fn func(addr hostarch.Addr, size uint64)) {
	var blocks []*Block
	m.blocks.Ascend(func(b *Block) bool {
		blocks = append(blocks, b)
		return true
	})
	m.blocks.Clear(false)
	for _, b := range blocks {
		if fn != nil {
			fn(b.address, b.Size())
		}
		slab.Free(b)
	}
}

// SetAuditing enables or disables a consistency check after every update.
// A failed check panics.
func (m *Manager) SetAuditing(enabled bool) { m.auditing = enabled }

// Start returns the first address covered by m.
func (m *Manager) Start() hostarch.Addr { return m.start }

// End returns the address just past the range covered by m.
func (m *Manager) End() hostarch.Addr { return m.end }

// NumBlocks returns the number of blocks.
func (m *Manager) NumBlocks() int { return m.blocks.Len() }

// find returns the block containing addr, or nil.
func (m *Manager) find(addr hostarch.Addr) *Block {
	var found *Block
	m.blocks.DescendLessOrEqual(&Block{address: addr}, func(b *Block) bool {
		found = b
		return false
	})
	if found == nil || !found.Contains(addr) {
		return nil
	}
	return found
}

func (m *Manager) mustFind(addr hostarch.Addr) *Block {
	b := m.find(addr)
	if b == nil {
		panic(fmt.Sprintf("address %#x is outside block manager range [%#x, %#x)", addr, m.start, m.end))
	}
	return b
}

// next returns the block following b, or nil.
func (m *Manager) next(b *Block) *Block {
	var found *Block
	m.blocks.AscendGreaterOrEqual(&Block{address: b.End()}, func(n *Block) bool {
		found = n
		return false
	})
	return found
}

// prev returns the block preceding b, or nil.
func (m *Manager) prev(b *Block) *Block {
	if b.address == m.start {
		return nil
	}
	return m.find(b.address - 1)
}

// insert adds a block split off an existing one.
func (m *Manager) insert(b *Block) {
	if old, ok := m.blocks.ReplaceOrInsert(b); ok {
		panic(fmt.Sprintf("block %v replaced existing block %v", b.Info(), old.Info()))
	}
}

// FindBlock returns the block containing addr.
func (m *Manager) FindBlock(addr hostarch.Addr) (MemoryInfo, bool) {
	if b := m.find(addr); b != nil {
		return b.Info(), true
	}
	return MemoryInfo{}, false
}

// Blocks returns a snapshot of every block in address order.
func (m *Manager) Blocks() []MemoryInfo {
	infos := make([]MemoryInfo, 0, m.blocks.Len())
	m.blocks.Ascend(func(b *Block) bool {
		infos = append(infos, b.Info())
		return true
	})
	return infos
}

// ForEachInRange calls fn for each block overlapping ar, in address order,
// until fn returns false.
func (m *Manager) ForEachInRange(ar hostarch.AddrRange, fn func(MemoryInfo) bool) {
	if ar.Length() == 0 {
		return
	}
	first := m.find(ar.Start)
	if first == nil {
		first = &Block{address: ar.Start}
	}
	m.blocks.AscendGreaterOrEqual(&Block{address: first.address}, func(b *Block) bool {
		if b.address >= ar.End {
			return false
		}
		return fn(b.Info())
	})
}

// checkRange panics unless [addr, addr+numPages pages) is within m.
func (m *Manager) checkRange(addr hostarch.Addr, numPages uint64) {
	end, ok := addr.AddLength(numPages * hostarch.PageSize)
	if !ok || !addr.IsPageAligned() || addr < m.start || end > m.end {
		panic(fmt.Sprintf("update of %d pages at %#x outside block manager range [%#x, %#x)", numPages, addr, m.start, m.end))
	}
}

// advance skips the part of b covered by the range starting at cur.
func advance(b *Block, cur hostarch.Addr, remainingSize uint64) (hostarch.Addr, uint64) {
	end := cur + hostarch.Addr(remainingSize)
	if end < b.End() {
		return end, 0
	}
	return b.End(), uint64(end-b.End()) / hostarch.PageSize
}

// isolate splits b so that the returned block starts at cur and is no larger
// than remainingSize.
func (m *Manager) isolate(a *UpdateAllocator, b *Block, cur hostarch.Addr, remainingSize uint64) *Block {
	// Splitting preserves the relative order of blocks, so b may have its
	// key moved in place.
	if b.address != cur {
		prefix := a.Allocate()
		b.split(prefix, cur)
		m.insert(prefix)
	}
	if b.Size() > remainingSize {
		prefix := a.Allocate()
		b.split(prefix, cur+hostarch.Addr(remainingSize))
		m.insert(prefix)
		b = prefix
	}
	return b
}

// Update sets the state, permission and attributes of [addr, addr+numPages
// pages). The IpcLocked and DeviceShared attributes of each block are kept.
//
// Preconditions: a holds enough blocks for two splits. The range lies
// within m.
func (m *Manager) Update(a *UpdateAllocator, addr hostarch.Addr, numPages uint64, state MemoryState, perm Permission, attr Attribute) {
	defer m.audit("Update")()
	m.checkRange(addr, numPages)

	cur, remaining := addr, numPages
	it := m.mustFind(addr)
	for remaining > 0 {
		remainingSize := remaining * hostarch.PageSize
		if it.HasProperties(state, perm, attr) {
			cur, remaining = advance(it, cur, remainingSize)
		} else {
			it = m.isolate(a, it, cur, remainingSize)
			it.update(state, perm, attr)
			cur += hostarch.Addr(it.Size())
			remaining -= it.numPages
		}
		if remaining > 0 {
			it = m.next(it)
		}
	}
	m.coalesceForUpdate(a, addr, numPages)
}

// UpdateIfMatch is like Update, but only changes the parts of the range that
// currently have the test state, permission and attributes.
func (m *Manager) UpdateIfMatch(a *UpdateAllocator, addr hostarch.Addr, numPages uint64, testState MemoryState, testPerm Permission, testAttr Attribute, state MemoryState, perm Permission, attr Attribute) {
	defer m.audit("UpdateIfMatch")()
	m.checkRange(addr, numPages)

	cur, remaining := addr, numPages
	it := m.mustFind(addr)
	for remaining > 0 {
		remainingSize := remaining * hostarch.PageSize
		if it.HasProperties(testState, testPerm, testAttr) && !it.HasProperties(state, perm, attr) {
			it = m.isolate(a, it, cur, remainingSize)
			it.update(state, perm, attr)
			cur += hostarch.Addr(it.Size())
			remaining -= it.numPages
		} else {
			cur, remaining = advance(it, cur, remainingSize)
		}
		if remaining > 0 {
			it = m.next(it)
		}
	}
	m.coalesceForUpdate(a, addr, numPages)
}

// UpdateLock applies fn to every block of [addr, addr+numPages pages),
// telling it whether the block begins or ends the range.
func (m *Manager) UpdateLock(a *UpdateAllocator, addr hostarch.Addr, numPages uint64, fn LockFunc, perm Permission) {
	defer m.audit("UpdateLock")()
	m.checkRange(addr, numPages)

	end := addr + hostarch.Addr(numPages*hostarch.PageSize)
	cur, remaining := addr, numPages
	it := m.mustFind(addr)
	for remaining > 0 {
		it = m.isolate(a, it, cur, remaining*hostarch.PageSize)
		fn(it, perm, it.address == addr, it.End() == end)
		cur += hostarch.Addr(it.Size())
		remaining -= it.numPages
		if remaining > 0 {
			it = m.next(it)
		}
	}
	m.coalesceForUpdate(a, addr, numPages)
}

// UpdateAttribute sets the attribute bits selected by mask to attr across
// [addr, addr+numPages pages).
//
// Preconditions: mask does not include IpcLocked or DeviceShared.
func (m *Manager) UpdateAttribute(a *UpdateAllocator, addr hostarch.Addr, numPages uint64, mask, attr Attribute) {
	defer m.audit("UpdateAttribute")()
	m.checkRange(addr, numPages)

	cur, remaining := addr, numPages
	it := m.mustFind(addr)
	for remaining > 0 {
		remainingSize := remaining * hostarch.PageSize
		if it.attr&mask != attr {
			it = m.isolate(a, it, cur, remainingSize)
			it.updateAttribute(mask, attr)
			cur += hostarch.Addr(it.Size())
			remaining -= it.numPages
		} else {
			cur, remaining = advance(it, cur, remainingSize)
		}
		if remaining > 0 {
			it = m.next(it)
		}
	}
	m.coalesceForUpdate(a, addr, numPages)
}

// coalesceForUpdate merges mergeable neighbors from the block before the
// updated range through the block after it. When addr falls inside a block
// that was left unsplit, that block is the first candidate.
func (m *Manager) coalesceForUpdate(a *UpdateAllocator, addr hostarch.Addr, numPages uint64) {
	it := m.mustFind(addr)
	if it.address == addr && addr != m.start {
		it = m.prev(it)
	}
	end := addr + hostarch.Addr(numPages*hostarch.PageSize)
	for {
		next := m.next(it)
		if next == nil {
			break
		}
		if it.CanMergeWith(next) {
			m.blocks.Delete(next)
			it.add(next)
			a.Free(next)
		} else {
			it = next
		}
		if end < it.End() {
			break
		}
	}
}
