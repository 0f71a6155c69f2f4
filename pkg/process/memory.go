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

package process

import (
	"fmt"

	"gvisor.dev/kmem/pkg/errors/kernerr"
	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/log"
	"gvisor.dev/kmem/pkg/memblock"
	"gvisor.dev/kmem/pkg/pgalloc"
)

// ignoreAttr are the attribute bits that may differ within a range checked
// by checkState.
const ignoreAttr = memblock.AttrIpcLocked | memblock.AttrDeviceShared

// lockAttr are the attributes that pin a range in its current state.
const lockAttr = memblock.AttrLocked | memblock.AttrIpcLocked | memblock.AttrDeviceShared

// stateTest selects the blocks an operation applies to: a block passes if
// state&stateMask == state, perm&permMask == perm and attr&attrMask ==
// attr.
type stateTest struct {
	stateMask, state memblock.MemoryState
	permMask, perm   memblock.Permission
	attrMask, attr   memblock.Attribute
}

func (t stateTest) matches(info memblock.MemoryInfo) bool {
	return info.State&t.stateMask == t.state &&
		info.Permission&t.permMask == t.perm &&
		info.Attribute&t.attrMask == t.attr
}

// validateRange checks that [addr, addr+numPages pages) is a non-empty
// page aligned range inside as.
func (as *AddressSpace) validateRange(addr hostarch.Addr, numPages uint64) error {
	if !addr.IsPageAligned() {
		return kernerr.ErrInvalidAddress
	}
	if numPages == 0 {
		return kernerr.ErrInvalidSize
	}
	end, ok := addr.AddLength(numPages * hostarch.PageSize)
	if !ok || numPages > as.numPages() || addr < as.start || end > as.end {
		return kernerr.ErrInvalidCurrentMemory
	}
	return nil
}

// checkState verifies that every block overlapping [addr, addr+numPages
// pages) passes t and that the range is homogeneous in state, permission
// and attribute, ignoring lock bits. It returns the first block.
//
// +checklocks:as.mu
func (as *AddressSpace) checkState(addr hostarch.Addr, numPages uint64, t stateTest) (memblock.MemoryInfo, error) {
	if err := as.validateRange(addr, numPages); err != nil {
		return memblock.MemoryInfo{}, err
	}
	var (
		first memblock.MemoryInfo
		seen  bool
		err   error
	)
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(numPages*hostarch.PageSize)}
	as.blocks.ForEachInRange(ar, func(info memblock.MemoryInfo) bool {
		if !t.matches(info) {
			err = kernerr.ErrInvalidCurrentMemory
			return false
		}
		if !seen {
			first, seen = info, true
			return true
		}
		if info.State != first.State || info.Permission != first.Permission || info.Attribute|ignoreAttr != first.Attribute|ignoreAttr {
			err = kernerr.ErrInvalidCurrentMemory
			return false
		}
		return true
	})
	return first, err
}

// newUpdateAllocator reserves the blocks for one update of the block
// manager.
func (as *AddressSpace) newUpdateAllocator() (*memblock.UpdateAllocator, error) {
	return memblock.NewUpdateAllocator(as.slab, memblock.MaxUpdateBlocks)
}

// MapPages maps numPages fresh pages in state with permission perm at the
// first free address of as and returns that address.
func (as *AddressSpace) MapPages(numPages uint64, state memblock.MemoryState, perm memblock.Permission) (hostarch.Addr, error) {
	if numPages == 0 {
		return 0, kernerr.ErrInvalidSize
	}
	if !state.Has(memblock.FlagMapped|memblock.FlagReferenceCounted) || !validMapPermission(perm) {
		return 0, kernerr.ErrInvalidArgument
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.finalized {
		return 0, kernerr.ErrInvalidState
	}
	if numPages > as.numPages() {
		return 0, kernerr.ErrOutOfMemory
	}
	addr, ok := as.blocks.FindFreeArea(as.start, as.numPages(), numPages, hostarch.PageSize, 0, as.guardPages)
	if !ok {
		return 0, kernerr.ErrOutOfMemory
	}

	a, err := as.newUpdateAllocator()
	if err != nil {
		return 0, err
	}
	defer a.Close()

	pg := pgalloc.NewPageGroup(as.pages, pgalloc.DefaultMaxBlocks)
	if err := as.pages.AllocateForProcess(pg, numPages, as.opt, as.pid, as.fill); err != nil {
		return 0, err
	}
	memType := memoryTypeFor(state, memblock.AttrNone)
	va := addr
	for _, b := range pg.Blocks() {
		as.pt.mapRun(va, b.Address, b.NumPages, perm, memType)
		va += hostarch.Addr(b.Size())
	}
	// The mappings now own the references taken by the allocation.
	pg.Finalize()

	as.blocks.Update(a, addr, numPages, state, perm, memblock.AttrNone)
	log.Debugf("Process %d: mapped %d pages at %#x as %v", as.pid, numPages, addr, state)
	return addr, nil
}

// validMapPermission returns true if perm may be requested by a process.
func validMapPermission(perm memblock.Permission) bool {
	switch perm {
	case memblock.PermUserRead, memblock.PermUserReadWrite, memblock.PermUserReadExecute:
		return true
	default:
		return false
	}
}

// UnmapPages unmaps [addr, addr+numPages pages), which must be wholly in
// state and not locked, and drops the references of its pages.
func (as *AddressSpace) UnmapPages(addr hostarch.Addr, numPages uint64, state memblock.MemoryState) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, err := as.checkState(addr, numPages, stateTest{
		stateMask: ^memblock.MemoryState(0),
		state:     state,
		attrMask:  lockAttr,
	}); err != nil {
		return err
	}

	a, err := as.newUpdateAllocator()
	if err != nil {
		return err
	}
	defer a.Close()

	as.pt.forEachRun(addr, numPages, func(_ hostarch.Addr, phys, n uint64) {
		as.pages.Close(phys, n)
	})
	as.pt.unmap(addr, numPages)
	as.blocks.Update(a, addr, numPages, memblock.StateFree, memblock.PermNone, memblock.AttrNone)
	log.Debugf("Process %d: unmapped %d pages at %#x", as.pid, numPages, addr)
	return nil
}

// SetMemoryPermission changes the permission of [addr, addr+numPages
// pages) to perm. The range must be reprotectable and not locked.
func (as *AddressSpace) SetMemoryPermission(addr hostarch.Addr, numPages uint64, perm memblock.Permission) error {
	switch perm {
	case memblock.PermNone, memblock.PermUserRead, memblock.PermUserReadWrite:
	default:
		return kernerr.ErrInvalidArgument
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	info, err := as.checkState(addr, numPages, stateTest{
		stateMask: memblock.FlagCanReprotect,
		state:     memblock.FlagCanReprotect,
		attrMask:  lockAttr,
	})
	if err != nil {
		return err
	}
	if info.Permission == perm {
		return nil
	}

	a, err := as.newUpdateAllocator()
	if err != nil {
		return err
	}
	defer a.Close()

	as.pt.protect(addr, numPages, perm)
	as.blocks.Update(a, addr, numPages, info.State, perm, info.Attribute&^ignoreAttr)
	return nil
}

// SetMemoryAttribute sets the bits of mask in the attribute of [addr,
// addr+numPages pages) to attr. Only the Uncached attribute may be changed.
func (as *AddressSpace) SetMemoryAttribute(addr hostarch.Addr, numPages uint64, mask, attr memblock.Attribute) error {
	if mask|attr != mask || mask|memblock.AttrUncached != memblock.AttrUncached {
		return fmt.Errorf("attribute %#x under mask %#x: %w", attr, mask, kernerr.ErrInvalidArgument)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	info, err := as.checkState(addr, numPages, stateTest{
		stateMask: memblock.FlagCanChangeAttribute,
		state:     memblock.FlagCanChangeAttribute,
		attrMask:  memblock.AttrLocked | memblock.AttrIpcLocked,
	})
	if err != nil {
		return err
	}

	a, err := as.newUpdateAllocator()
	if err != nil {
		return err
	}
	defer a.Close()

	newAttr := info.Attribute&^mask | attr
	as.pt.setMemoryType(addr, numPages, memoryTypeFor(info.State, newAttr))
	as.blocks.UpdateAttribute(a, addr, numPages, mask, attr)
	return nil
}
