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

package smmu

import "fmt"

const (
	// PageShift is the binary log of the device page size.
	PageShift = 12

	// PageSize is the size of a device page.
	PageSize = 1 << PageShift

	// LargePageShift is the binary log of the size mapped by one directory
	// entry.
	LargePageShift = 22

	// LargePageSize is the size mapped by one directory entry.
	LargePageSize = 1 << LargePageShift

	// TableEntries is the number of entries in a directory or table.
	TableEntries = 1024

	// TableSize is the size of a directory or table in bytes.
	TableSize = TableEntries * 4

	// AddressBits is the width of physical and device virtual addresses.
	AddressBits = 34

	// RegionShift is the binary log of the device address space covered by
	// one ASID.
	RegionShift = 32

	// ptcAtomSize is the granule in which the page table cache holds
	// entries.
	ptcAtomSize = 16

	// entriesPerAtom is the number of entries in one PTC atom.
	entriesPerAtom = ptcAtomSize / 4
)

// Entry is a device page directory or page table entry.
type Entry uint32

// Entry bits.
const (
	Readable  Entry = 1 << 31
	Writable  Entry = 1 << 30
	NonSecure Entry = 1 << 29

	// Table marks a directory entry that points to a second-level table.
	// Directory entries without it map a large page.
	Table Entry = 1 << 28

	// PageNumberMask selects the physical page number.
	PageNumberMask Entry = 1<<(AddressBits-PageShift) - 1

	// ReadWriteNonSecure are the attributes of every mapping made by the
	// bring-up sequences.
	ReadWriteNonSecure = Readable | Writable | NonSecure
)

// MakeEntry returns an entry pointing at pa with the given attributes. pa
// must be page aligned and fit in AddressBits.
func MakeEntry(pa uint64, attrs Entry) Entry {
	if pa%PageSize != 0 || pa>>AddressBits != 0 {
		panic(fmt.Sprintf("physical address %#x is not a page aligned %d-bit address", pa, AddressBits))
	}
	return Entry(pa>>PageShift)&PageNumberMask | attrs&^PageNumberMask
}

// Valid returns true if the entry translates.
func (e Entry) Valid() bool {
	return e&(Readable|Writable) != 0
}

// IsTable returns true if this directory entry points to a table.
func (e Entry) IsTable() bool {
	return e.Valid() && e&Table != 0
}

// Address returns the physical address the entry points at.
func (e Entry) Address() uint64 {
	return uint64(e&PageNumberMask) << PageShift
}

// Attributes returns the entry without its page number.
func (e Entry) Attributes() Entry {
	return e &^ PageNumberMask
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	if !e.Valid() {
		return "invalid"
	}
	flag := func(bit Entry, c byte) byte {
		if e&bit != 0 {
			return c
		}
		return '-'
	}
	return fmt.Sprintf("%#09x %c%c%c%c", e.Address(), flag(Readable, 'r'), flag(Writable, 'w'), flag(NonSecure, 'n'), flag(Table, 't'))
}

func directoryIndex(dva uint64) int {
	return int(dva>>LargePageShift) % TableEntries
}

func tableIndex(dva uint64) int {
	return int(dva>>PageShift) % TableEntries
}
