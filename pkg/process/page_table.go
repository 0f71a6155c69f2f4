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

	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/memblock"
)

// pte is a software page table entry for one page.
type pte struct {
	// phys is the physical address of the page.
	phys uint64

	// perm is the permission the page is mapped with.
	perm memblock.Permission

	// memType is the cacheability of the mapping.
	memType hostarch.MemoryType
}

// pageTable maps page-aligned virtual addresses to physical pages.
type pageTable map[hostarch.Addr]pte

// mapRun maps numPages pages starting at addr to the physical run at phys.
//
// Preconditions: no page in the range is mapped.
func (pt pageTable) mapRun(addr hostarch.Addr, phys, numPages uint64, perm memblock.Permission, memType hostarch.MemoryType) {
	for i := uint64(0); i < numPages; i++ {
		va := addr + hostarch.Addr(i*hostarch.PageSize)
		if old, ok := pt[va]; ok {
			panic(fmt.Sprintf("page %#x already mapped to %#x", va, old.phys))
		}
		pt[va] = pte{phys: phys + i*hostarch.PageSize, perm: perm, memType: memType}
	}
}

// forEachRun calls fn for each maximal run of mapped pages in
// [addr, addr+numPages pages) that is physically contiguous.
func (pt pageTable) forEachRun(addr hostarch.Addr, numPages uint64, fn func(va hostarch.Addr, phys, numPages uint64)) {
	var (
		runVA    hostarch.Addr
		runPhys  uint64
		runPages uint64
	)
	for i := uint64(0); i < numPages; i++ {
		va := addr + hostarch.Addr(i*hostarch.PageSize)
		e, ok := pt[va]
		if ok && runPages != 0 && e.phys == runPhys+runPages*hostarch.PageSize {
			runPages++
			continue
		}
		if runPages != 0 {
			fn(runVA, runPhys, runPages)
			runPages = 0
		}
		if ok {
			runVA, runPhys, runPages = va, e.phys, 1
		}
	}
	if runPages != 0 {
		fn(runVA, runPhys, runPages)
	}
}

// unmap removes the entries of [addr, addr+numPages pages).
func (pt pageTable) unmap(addr hostarch.Addr, numPages uint64) {
	for i := uint64(0); i < numPages; i++ {
		delete(pt, addr+hostarch.Addr(i*hostarch.PageSize))
	}
}

// protect sets the permission of the mapped pages in [addr, addr+numPages
// pages).
func (pt pageTable) protect(addr hostarch.Addr, numPages uint64, perm memblock.Permission) {
	for i := uint64(0); i < numPages; i++ {
		va := addr + hostarch.Addr(i*hostarch.PageSize)
		if e, ok := pt[va]; ok {
			e.perm = perm
			pt[va] = e
		}
	}
}

// setMemoryType sets the cacheability of the mapped pages in [addr,
// addr+numPages pages).
func (pt pageTable) setMemoryType(addr hostarch.Addr, numPages uint64, memType hostarch.MemoryType) {
	for i := uint64(0); i < numPages; i++ {
		va := addr + hostarch.Addr(i*hostarch.PageSize)
		if e, ok := pt[va]; ok {
			e.memType = memType
			pt[va] = e
		}
	}
}

// memoryTypeFor returns the cacheability of a range with attribute attr.
func memoryTypeFor(state memblock.MemoryState, attr memblock.Attribute) hostarch.MemoryType {
	switch {
	case state == memblock.StateIo:
		return hostarch.MemoryTypeDevice
	case attr&memblock.AttrUncached != 0:
		return hostarch.MemoryTypeUncached
	default:
		return hostarch.MemoryTypeWriteBack
	}
}
