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

// Package smmu drives the two-level device page tables of the memory
// controller's SMMU.
//
// A directory of 1024 entries covers the 4 GiB of device address space
// selected by an ASID. Each directory entry either maps a 4 MiB large page
// or points at a table of 1024 entries mapping 4 KiB pages. Every table
// write is followed by a data cache flush, a page table cache invalidate,
// a TLB invalidate and a barrier, in that order.
//
// Callers serialize use of a Controller.
package smmu

import (
	"fmt"

	"gvisor.dev/kmem/pkg/log"
)

// PageTable is a directory or table in physical memory.
type PageTable struct {
	// Phys is the physical address of the table.
	Phys uint64

	entries []uint32
}

// IsNull returns true if t does not refer to a table.
func (t PageTable) IsNull() bool {
	return t.Phys == 0 || len(t.entries) != TableEntries
}

// Entry returns entry i.
func (t PageTable) Entry(i int) Entry {
	return Entry(t.entries[i])
}

func (t PageTable) set(i int, e Entry) {
	t.entries[i] = uint32(e)
}

func (t PageTable) entryPhys(i int) uint64 {
	return t.Phys + uint64(i)*4
}

// Controller issues table updates and maintenance operations.
type Controller struct {
	regs  Registers
	cache CacheMaintainer
	mem   PhysicalMemory
}

// NewController returns a Controller using the given collaborators.
func NewController(regs Registers, cache CacheMaintainer, mem PhysicalMemory) *Controller {
	return &Controller{regs: regs, cache: cache, mem: mem}
}

// Table returns the table stored at phys, which must be table aligned.
func (c *Controller) Table(phys uint64) PageTable {
	if phys == 0 {
		return PageTable{}
	}
	if phys%TableSize != 0 {
		panic(fmt.Sprintf("device page table at %#x is not aligned", phys))
	}
	return PageTable{Phys: phys, entries: c.mem.Words32(phys, TableEntries)}
}

func (c *Controller) flush(t PageTable, first, count int) {
	c.cache.FlushDataCache(t.entryPhys(first), uint64(count)*4)
}

// synchronize runs the maintenance sequence for entries [first,
// first+count) of t, which translate dva.
func (c *Controller) synchronize(t PageTable, first, count int, asid uint8, dva uint64) {
	c.flush(t, first, count)
	c.invalidatePTC(t.entryPhys(first))
	c.invalidateTLBSection(asid, dva)
	c.barrier()
}

// InitializeForDevice clears the directory of dev, points the device at it
// and maps the device's fixed region.
func (c *Controller) InitializeForDevice(dev Device) {
	l0 := c.Table(dev.L0Phys)
	l1 := c.Table(dev.L1Phys)
	if l0.IsNull() || l1.IsNull() {
		panic(fmt.Sprintf("%s: null device page table", dev.Name))
	}
	log.Debugf("smmu: %s: directory %#x, asid %d", dev.Name, dev.L0Phys, dev.ASID)

	clear(l0.entries)
	c.flush(l0, 0, TableEntries)

	c.regs.Write(dev.ASIDRegister, ASIDRegisterValue(dev.ASID))
	c.regs.Write(RegPtbASID, uint32(dev.ASID))
	c.regs.Write(RegPtbData, PtbDataValue(l0.Phys))
	c.barrier()

	c.invalidatePTCAll()
	c.barrier()
	c.invalidateTLBAll()
	c.barrier()

	c.Map(dev.Phys, dev.Size, dev.DeviceAddress, dev.ASID, l0, l1)
}

// Map maps [pa, pa+size) at device address dva for asid. The directory is
// l0; l1 is installed as the second-level table the first time a directory
// entry needs one. Large pages are used where pa, dva and the remaining
// size allow and the directory entry does not already hold a table.
//
// Map panics if the tables are null, if the range is not page aligned or
// overflows the device address space, or if any entry it installs is
// already valid.
func (c *Controller) Map(pa, size, dva uint64, asid uint8, l0, l1 PageTable) {
	if l0.IsNull() || l1.IsNull() {
		panic("smmu: Map with null page table")
	}
	if pa%PageSize != 0 || dva%PageSize != 0 || size%PageSize != 0 {
		panic(fmt.Sprintf("smmu: unaligned map of %#x bytes from %#x to %#x", size, pa, dva))
	}
	if pa+size < pa || pa+size > 1<<AddressBits {
		panic(fmt.Sprintf("smmu: physical range [%#x, +%#x) overflows", pa, size))
	}
	if dva+size < dva || dva+size > 1<<AddressBits {
		panic(fmt.Sprintf("smmu: device range [%#x, +%#x) overflows", dva, size))
	}
	if size != 0 && (dva+size-1)>>RegionShift != dva>>RegionShift {
		panic(fmt.Sprintf("smmu: device range [%#x, +%#x) crosses an asid region", dva, size))
	}
	log.Debugf("smmu: asid %d: map %#x bytes, pa %#x -> dva %#x", asid, size, pa, dva)

	for remaining := size; remaining > 0; {
		di := directoryIndex(dva)
		ti := tableIndex(dva)

		pde := l0.Entry(di)
		if !pde.IsTable() {
			if pde.Valid() {
				panic(fmt.Sprintf("smmu: asid %d: directory entry %d for dva %#x already maps %v", asid, di, dva, pde))
			}

			if ti == 0 && pa%LargePageSize == 0 && remaining >= LargePageSize {
				l0.set(di, MakeEntry(pa, ReadWriteNonSecure))
				c.synchronize(l0, di, 1, asid, dva)

				pa += LargePageSize
				dva += LargePageSize
				remaining -= LargePageSize
				continue
			}

			c.checkTableUnused(l0, l1)
			clear(l1.entries)
			c.flush(l1, 0, TableEntries)

			l0.set(di, MakeEntry(l1.Phys, ReadWriteNonSecure|Table))
			c.synchronize(l0, di, 1, asid, dva)
			pde = l0.Entry(di)
		}

		table := c.Table(pde.Address())
		count := int(min(uint64(TableEntries-ti), remaining/PageSize))
		end := ti + count
		groupStart := ti
		for i := ti; i < end; i++ {
			if e := table.Entry(i); e.Valid() {
				panic(fmt.Sprintf("smmu: asid %d: table entry %d for dva %#x already maps %v", asid, i, dva+uint64(i-ti)*PageSize, e))
			}
			table.set(i, MakeEntry(pa+uint64(i-ti)*PageSize, ReadWriteNonSecure))

			if (i+1)%entriesPerAtom == 0 || i+1 == end {
				c.synchronize(table, groupStart, i+1-groupStart, asid, dva+uint64(groupStart-ti)*PageSize)
				groupStart = i + 1
			}
		}

		pa += uint64(count) * PageSize
		dva += uint64(count) * PageSize
		remaining -= uint64(count) * PageSize
	}
}

// checkTableUnused panics if a directory entry in l0 already points at l1.
func (c *Controller) checkTableUnused(l0, l1 PageTable) {
	for i := 0; i < TableEntries; i++ {
		if e := l0.Entry(i); e.IsTable() && e.Address() == l1.Phys {
			panic(fmt.Sprintf("smmu: table %#x is already installed at directory entry %d", l1.Phys, i))
		}
	}
}

// Lookup translates dva through the directory l0. It returns the physical
// address and the attributes of the leaf entry.
func (c *Controller) Lookup(dva uint64, l0 PageTable) (pa uint64, attrs Entry, ok bool) {
	if l0.IsNull() {
		return 0, 0, false
	}
	pde := l0.Entry(directoryIndex(dva))
	switch {
	case !pde.Valid():
		return 0, 0, false
	case pde.IsTable():
		pte := c.Table(pde.Address()).Entry(tableIndex(dva))
		if !pte.Valid() {
			return 0, 0, false
		}
		return pte.Address() + dva%PageSize, pte.Attributes(), true
	default:
		return pde.Address() + dva%LargePageSize, pde.Attributes(), true
	}
}

// Mapping is a run of device pages with contiguous physical addresses.
type Mapping struct {
	DeviceAddress uint64
	Phys          uint64
	Size          uint64
	Attributes    Entry
	LargePage     bool
}

// Mappings walks l0 and returns its mappings in device address order,
// merging adjacent entries of the same kind.
func (c *Controller) Mappings(l0 PageTable) []Mapping {
	var ms []Mapping
	add := func(m Mapping) {
		if n := len(ms); n > 0 {
			last := &ms[n-1]
			if last.LargePage == m.LargePage && last.Attributes == m.Attributes &&
				last.DeviceAddress+last.Size == m.DeviceAddress && last.Phys+last.Size == m.Phys {
				last.Size += m.Size
				return
			}
		}
		ms = append(ms, m)
	}
	for di := 0; di < TableEntries; di++ {
		pde := l0.Entry(di)
		if !pde.Valid() {
			continue
		}
		base := uint64(di) << LargePageShift
		if !pde.IsTable() {
			add(Mapping{DeviceAddress: base, Phys: pde.Address(), Size: LargePageSize, Attributes: pde.Attributes(), LargePage: true})
			continue
		}
		table := c.Table(pde.Address())
		for ti := 0; ti < TableEntries; ti++ {
			if pte := table.Entry(ti); pte.Valid() {
				add(Mapping{DeviceAddress: base + uint64(ti)<<PageShift, Phys: pte.Address(), Size: PageSize, Attributes: pte.Attributes()})
			}
		}
	}
	return ms
}
