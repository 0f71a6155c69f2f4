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

package memblock

import (
	"fmt"
	"math"

	"gvisor.dev/kmem/pkg/hostarch"
)

// Block describes a run of pages of an address space that share state,
// permission and attributes.
//
// Blocks are allocated from a SlabManager and owned by a Manager's tree.
// They must only be changed through the Manager.
type Block struct {
	address        hostarch.Addr
	numPages       uint64
	state          MemoryState
	perm           Permission
	originalPerm   Permission
	attr           Attribute
	ipcLockCount   uint16
	deviceUseCount uint16
	disableMerge   DisableMergeAttribute

	// slot is the position of the block in its SlabManager, plus one. Zero
	// marks a block that did not come from a slab.
	slot int32
}

// MemoryInfo is a snapshot of a Block.
type MemoryInfo struct {
	Address            hostarch.Addr
	Size               uint64
	State              MemoryState
	Permission         Permission
	OriginalPermission Permission
	Attribute          Attribute
	IpcLockCount       uint16
	DeviceUseCount     uint16
	DisableMerge       DisableMergeAttribute
}

// End returns the address just past the range.
func (i MemoryInfo) End() hostarch.Addr { return i.Address + hostarch.Addr(i.Size) }

// Last returns the last address of the range.
func (i MemoryInfo) Last() hostarch.Addr { return i.End() - 1 }

// NumPages returns the number of pages of the range.
func (i MemoryInfo) NumPages() uint64 { return i.Size / hostarch.PageSize }

// String implements fmt.Stringer.String in the block dump format.
func (i MemoryInfo) String() string {
	perm := i.Permission.String()
	if i.State == StateFree {
		perm = "   "
	}
	return fmt.Sprintf("0x%010x - 0x%010x (%9d KB) %s %s %s [%d, %d]",
		uint64(i.Address), uint64(i.Last()), i.Size/hostarch.KiB, perm, i.State, i.Attribute.Flags(), i.IpcLockCount, i.DeviceUseCount)
}

func (b *Block) initialize(addr hostarch.Addr, numPages uint64, state MemoryState, perm Permission, attr Attribute) {
	*b = Block{
		address:  addr,
		numPages: numPages,
		state:    state,
		perm:     perm,
		attr:     attr,
		slot:     b.slot,
	}
}

// Address returns the first address of b.
func (b *Block) Address() hostarch.Addr { return b.address }

// NumPages returns the number of pages in b.
func (b *Block) NumPages() uint64 { return b.numPages }

// Size returns the size of b in bytes.
func (b *Block) Size() uint64 { return b.numPages * hostarch.PageSize }

// End returns the address just past b.
func (b *Block) End() hostarch.Addr { return b.address + hostarch.Addr(b.Size()) }

// Last returns the last address of b.
func (b *Block) Last() hostarch.Addr { return b.End() - 1 }

// Contains returns true if addr lies within b.
func (b *Block) Contains(addr hostarch.Addr) bool {
	return b.address <= addr && addr <= b.Last()
}

// State returns the state of b.
func (b *Block) State() MemoryState { return b.state }

// Permission returns the permission of b.
func (b *Block) Permission() Permission { return b.perm }

// Attribute returns the attributes of b.
func (b *Block) Attribute() Attribute { return b.attr }

// Info returns a snapshot of b.
func (b *Block) Info() MemoryInfo {
	return MemoryInfo{
		Address:            b.address,
		Size:               b.Size(),
		State:              b.state,
		Permission:         b.perm,
		OriginalPermission: b.originalPerm,
		Attribute:          b.attr,
		IpcLockCount:       b.ipcLockCount,
		DeviceUseCount:     b.deviceUseCount,
		DisableMerge:       b.disableMerge,
	}
}

// HasProperties returns true if b has the given state, permission and
// attributes, ignoring the lock attribute bits.
func (b *Block) HasProperties(state MemoryState, perm Permission, attr Attribute) bool {
	return b.state == state && b.perm == perm && b.attr|attrIgnoreMask == attr|attrIgnoreMask
}

// HasSameProperties returns true if b and other are identical apart from
// their extents and edge markers.
func (b *Block) HasSameProperties(other *Block) bool {
	return b.state == other.state &&
		b.perm == other.perm &&
		b.originalPerm == other.originalPerm &&
		b.attr == other.attr &&
		b.ipcLockCount == other.ipcLockCount &&
		b.deviceUseCount == other.deviceUseCount
}

// CanMergeWith returns true if next, which must directly follow b, can be
// absorbed into b.
func (b *Block) CanMergeWith(next *Block) bool {
	return b.HasSameProperties(next) &&
		b.disableMerge&DisableMergeAllRight == 0 &&
		next.disableMerge&DisableMergeAllLeft == 0
}

// add absorbs next into b. b keeps its left markers and takes next's right
// markers.
//
// Preconditions: b.CanMergeWith(next).
func (b *Block) add(next *Block) {
	if next.address != b.End() {
		panic(fmt.Sprintf("merge of non-adjacent blocks %v and %v", b.Info(), next.Info()))
	}
	b.numPages += next.numPages
	b.disableMerge = b.disableMerge&DisableMergeAllLeft | next.disableMerge&DisableMergeAllRight
}

// split moves the part of b before addr into prefix, leaving b as the rest.
// Left markers go with the prefix; right markers stay with b.
//
// Preconditions: addr lies strictly within b and is page aligned.
func (b *Block) split(prefix *Block, addr hostarch.Addr) {
	if addr <= b.address || !b.Contains(addr) || !addr.IsPageAligned() {
		panic(fmt.Sprintf("split of %v at %#x", b.Info(), addr))
	}
	slot := prefix.slot
	*prefix = *b
	prefix.slot = slot
	prefix.numPages = uint64(addr-b.address) / hostarch.PageSize
	prefix.disableMerge = b.disableMerge & DisableMergeAllLeft

	b.address = addr
	b.numPages -= prefix.numPages
	b.disableMerge &^= DisableMergeAllLeft
}

// update sets the state, permission and attributes of b, keeping its lock
// attribute bits.
func (b *Block) update(state MemoryState, perm Permission, attr Attribute) {
	b.state = state
	b.perm = perm
	b.attr = attr&^attrLockMask | b.attr&attrLockMask
}

// updateAttribute replaces the attribute bits selected by mask.
func (b *Block) updateAttribute(mask, attr Attribute) {
	if attr&mask != attr || mask&attrLockMask != 0 {
		panic(fmt.Sprintf("attribute update %#x under mask %#x", attr, mask))
	}
	b.attr = b.attr&^mask | attr
}

// LockFunc is applied by Manager.UpdateLock to each block of a range. left
// and right report whether the block begins or ends the range.
type LockFunc func(b *Block, perm Permission, left, right bool)

// ShareToDevice takes a device reference on b.
func ShareToDevice(b *Block, _ Permission, left, right bool) {
	if b.attr&AttrDeviceShared == 0 && b.deviceUseCount != 0 {
		panic(fmt.Sprintf("device use count %d without DeviceShared on %v", b.deviceUseCount, b.Info()))
	}
	if b.deviceUseCount == math.MaxUint16 {
		panic(fmt.Sprintf("device use count overflow on %v", b.Info()))
	}
	b.deviceUseCount++
	b.attr |= AttrDeviceShared
	if left {
		b.disableMerge |= DisableMergeDeviceLeft
	}
	if right {
		b.disableMerge |= DisableMergeDeviceRight
	}
}

// UnshareToDevice drops a device reference on b.
func UnshareToDevice(b *Block, _ Permission, left, right bool) {
	if b.attr&AttrDeviceShared == 0 || b.deviceUseCount == 0 {
		panic(fmt.Sprintf("device unshare of unshared %v", b.Info()))
	}
	b.deviceUseCount--
	if b.deviceUseCount == 0 {
		b.attr &^= AttrDeviceShared
		b.disableMerge &^= DisableMergeDeviceLeft | DisableMergeDeviceRight
	}
}

// LockForIpc takes an IPC lock on b. The first lock saves the permission and
// replaces its IpcLockChangeMask bits with perm.
func LockForIpc(b *Block, perm Permission, left, right bool) {
	if b.attr&AttrIpcLocked == 0 && b.ipcLockCount != 0 {
		panic(fmt.Sprintf("IPC lock count %d without IpcLocked on %v", b.ipcLockCount, b.Info()))
	}
	if b.ipcLockCount == math.MaxUint16 {
		panic(fmt.Sprintf("IPC lock count overflow on %v", b.Info()))
	}
	b.ipcLockCount++
	if b.ipcLockCount == 1 {
		if b.originalPerm != PermNone {
			panic(fmt.Sprintf("first IPC lock of %v with saved permission %v", b.Info(), b.originalPerm))
		}
		if b.perm|perm|PermNotMapped != b.perm|PermNotMapped {
			panic(fmt.Sprintf("IPC lock of %v would add permission %#x", b.Info(), perm))
		}
		b.originalPerm = b.perm
		b.perm = perm&PermIpcLockChangeMask | b.originalPerm&^PermIpcLockChangeMask
	}
	b.attr |= AttrIpcLocked
	if left {
		b.disableMerge |= DisableMergeIpcLeft
	}
	if right {
		b.disableMerge |= DisableMergeIpcRight
	}
}

// UnlockForIpc drops an IPC lock on b, restoring its permission when the
// last lock is dropped.
func UnlockForIpc(b *Block, _ Permission, left, right bool) {
	if b.attr&AttrIpcLocked == 0 || b.ipcLockCount == 0 {
		panic(fmt.Sprintf("IPC unlock of unlocked %v", b.Info()))
	}
	b.ipcLockCount--
	if b.ipcLockCount == 0 {
		b.perm = b.originalPerm
		b.originalPerm = PermNone
		b.attr &^= AttrIpcLocked
		b.disableMerge &^= DisableMergeIpcLeft | DisableMergeIpcRight
	}
}
