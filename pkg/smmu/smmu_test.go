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

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/kmem/pkg/dram"
)

const (
	testL0 = 0x80010000
	testL1 = 0x80011000
	testL2 = 0x80012000
)

func newTestController(t *testing.T) (*Controller, *Recorder) {
	t.Helper()
	mem, err := dram.New(dram.DefaultBase, 1<<20)
	if err != nil {
		t.Fatalf("dram.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	rec := NewRecorder()
	return NewController(rec, rec, mem), rec
}

func mustPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	fn()
}

func TestEntry(t *testing.T) {
	e := MakeEntry(0x3_FFFF_F000, Readable|NonSecure)
	if !e.Valid() || e.IsTable() {
		t.Errorf("%v: Valid=%t IsTable=%t", e, e.Valid(), e.IsTable())
	}
	if got := e.Address(); got != 0x3_FFFF_F000 {
		t.Errorf("Address() = %#x, want 0x3fffff000", got)
	}
	if got := e.Attributes(); got != Readable|NonSecure {
		t.Errorf("Attributes() = %#x", uint32(got))
	}
	if Entry(0).Valid() || Entry(NonSecure|Table).Valid() {
		t.Errorf("entry without R or W reported valid")
	}
	mustPanic(t, "MakeEntry beyond 34 bits", func() { MakeEntry(1<<AddressBits, Readable) })
	mustPanic(t, "MakeEntry unaligned", func() { MakeEntry(0x1001, Readable) })
}

func TestRegisterValues(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uint32
		want uint32
	}{
		{"asid", ASIDRegisterValue(1), 0x81010101},
		{"ptb data", PtbDataValue(0x800F0000), 0xE00800F0},
		{"tlb section", TLBFlushSectionValue(2, 0xC0123000), 0x820C0002},
		{"ptc address", PTCFlushValue(0x1_800F_080C), 0x800F0801},
	} {
		if tc.got != tc.want {
			t.Errorf("%s: got %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}
}

// syncOps returns the maintenance sequence for a write of size bytes at pa
// translating dva for asid.
func syncOps(pa, size uint64, asid uint8, dva uint64) []Op {
	return []Op{
		{Kind: OpFlush, Address: pa, Size: size},
		{Kind: OpWrite, Offset: RegPTCFlushHi, Value: uint32(pa >> 32)},
		{Kind: OpWrite, Offset: RegPTCFlush, Value: PTCFlushValue(pa)},
		{Kind: OpWrite, Offset: RegTLBFlush, Value: TLBFlushSectionValue(asid, dva)},
		{Kind: OpRead, Offset: RegConfig},
	}
}

func TestInitializeSdmmc1(t *testing.T) {
	c, rec := newTestController(t)
	c.InitializeDevicePageTableForSdmmc1()

	want := []Op{
		{Kind: OpFlush, Address: Sdmmc1.L0Phys, Size: TableSize},
		{Kind: OpWrite, Offset: RegSdmmc1ASID, Value: 0x81010101},
		{Kind: OpWrite, Offset: RegPtbASID, Value: 1},
		{Kind: OpWrite, Offset: RegPtbData, Value: 0xE00800F0},
		{Kind: OpRead, Offset: RegConfig},
		{Kind: OpWrite, Offset: RegPTCFlush, Value: 0},
		{Kind: OpRead, Offset: RegConfig},
		{Kind: OpWrite, Offset: RegTLBFlush, Value: 0},
		{Kind: OpRead, Offset: RegConfig},
		{Kind: OpFlush, Address: Sdmmc1.L1Phys, Size: TableSize},
	}
	di := uint64(directoryIndex(Sdmmc1.DeviceAddress))
	want = append(want, syncOps(Sdmmc1.L0Phys+di*4, 4, Sdmmc1.ASID, Sdmmc1.DeviceAddress)...)
	ti := uint64(tableIndex(Sdmmc1.DeviceAddress))
	for g := uint64(0); g < Sdmmc1.Size/PageSize/entriesPerAtom; g++ {
		entry := ti + g*entriesPerAtom
		want = append(want, syncOps(Sdmmc1.L1Phys+entry*4, ptcAtomSize, Sdmmc1.ASID, Sdmmc1.DeviceAddress+g*entriesPerAtom*PageSize)...)
	}
	if diff := cmp.Diff(want, rec.Trace()); diff != "" {
		t.Errorf("register trace mismatch (-want +got):\n%s", diff)
	}

	wantMappings := []Mapping{{
		DeviceAddress: Sdmmc1.DeviceAddress,
		Phys:          Sdmmc1.Phys,
		Size:          Sdmmc1.Size,
		Attributes:    ReadWriteNonSecure,
	}}
	if diff := cmp.Diff(wantMappings, c.Mappings(c.Table(Sdmmc1.L0Phys))); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestInitializeDcUsesLargePage(t *testing.T) {
	c, rec := newTestController(t)
	c.InitializeDevicePageTableForDc()

	trace := rec.Trace()
	di := uint64(directoryIndex(Dc.DeviceAddress))
	if diff := cmp.Diff(syncOps(Dc.L0Phys+di*4, 4, Dc.ASID, Dc.DeviceAddress), trace[len(trace)-5:]); diff != "" {
		t.Errorf("large page maintenance mismatch (-want +got):\n%s", diff)
	}
	for _, op := range trace {
		if op.Kind == OpFlush && op.Address == Dc.L1Phys {
			t.Errorf("second-level table touched for a large page mapping")
		}
	}
	want := []Mapping{{
		DeviceAddress: Dc.DeviceAddress,
		Phys:          Dc.Phys,
		Size:          LargePageSize,
		Attributes:    ReadWriteNonSecure,
		LargePage:     true,
	}}
	if diff := cmp.Diff(want, c.Mappings(c.Table(Dc.L0Phys))); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestMapRoundTrip(t *testing.T) {
	c, _ := newTestController(t)
	l0, l1 := c.Table(testL0), c.Table(testL1)

	// One large page followed by two small pages, above 4 GiB physical.
	const pa, dva = 0x1_0040_0000, 0x0040_0000
	c.Map(pa, LargePageSize+2*PageSize, dva, 3, l0, l1)

	for _, off := range []uint64{0, 0x123, LargePageSize - 1, LargePageSize, LargePageSize + PageSize + 0x10} {
		got, attrs, ok := c.Lookup(dva+off, l0)
		if !ok || got != pa+off || attrs != ReadWriteNonSecure {
			t.Errorf("Lookup(%#x) = (%#x, %v, %t), want (%#x, rwn, true)", dva+off, got, attrs, ok, pa+off)
		}
	}
	if _, _, ok := c.Lookup(dva+LargePageSize+2*PageSize, l0); ok {
		t.Errorf("Lookup past the mapping succeeded")
	}
	if _, _, ok := c.Lookup(0, l0); ok {
		t.Errorf("Lookup of an unmapped directory entry succeeded")
	}

	want := []Mapping{
		{DeviceAddress: dva, Phys: pa, Size: LargePageSize, Attributes: ReadWriteNonSecure, LargePage: true},
		{DeviceAddress: dva + LargePageSize, Phys: pa + LargePageSize, Size: 2 * PageSize, Attributes: ReadWriteNonSecure},
	}
	if diff := cmp.Diff(want, c.Mappings(l0)); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestMapUnalignedGroups(t *testing.T) {
	c, rec := newTestController(t)
	l0, l1 := c.Table(testL0), c.Table(testL1)

	// Entries 2..8 of the table: atoms [2,4), [4,8), [8,9).
	c.Map(0x90002000, 7*PageSize, 0x2000, 1, l0, l1)

	var ptc []uint32
	for _, op := range rec.Trace() {
		if op.Kind == OpWrite && op.Offset == RegPTCFlush {
			ptc = append(ptc, op.Value)
		}
	}
	want := []uint32{
		PTCFlushValue(testL0),
		PTCFlushValue(testL1 + 2*4),
		PTCFlushValue(testL1 + 4*4),
		PTCFlushValue(testL1 + 8*4),
	}
	if diff := cmp.Diff(want, ptc); diff != "" {
		t.Errorf("PTC invalidations mismatch (-want +got):\n%s", diff)
	}
}

func TestMapPanics(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(c *Controller)
	}{
		{"overlapping small pages", func(c *Controller) {
			c.Map(0x90000000, 2*PageSize, 0x1000, 1, c.Table(testL0), c.Table(testL1))
			c.Map(0x91000000, PageSize, 0x2000, 1, c.Table(testL0), c.Table(testL1))
		}},
		{"overlapping large page", func(c *Controller) {
			c.Map(0x90000000, LargePageSize, 0x400000, 1, c.Table(testL0), c.Table(testL1))
			c.Map(0x91000000, PageSize, 0x401000, 1, c.Table(testL0), c.Table(testL1))
		}},
		{"table reused at a second directory entry", func(c *Controller) {
			c.Map(0x90000000, PageSize, 0x1000, 1, c.Table(testL0), c.Table(testL1))
			c.Map(0x90001000, PageSize, 0x801000, 1, c.Table(testL0), c.Table(testL1))
		}},
		{"null directory", func(c *Controller) {
			c.Map(0x90000000, PageSize, 0x1000, 1, PageTable{}, c.Table(testL1))
		}},
		{"null table", func(c *Controller) {
			c.Map(0x90000000, PageSize, 0x1000, 1, c.Table(testL0), c.Table(0))
		}},
		{"unaligned", func(c *Controller) {
			c.Map(0x90000800, PageSize, 0x1000, 1, c.Table(testL0), c.Table(testL1))
		}},
		{"physical overflow", func(c *Controller) {
			c.Map(1<<AddressBits-PageSize, 2*PageSize, 0x1000, 1, c.Table(testL0), c.Table(testL1))
		}},
		{"crosses asid region", func(c *Controller) {
			c.Map(0x90000000, 2*PageSize, 1<<RegionShift-PageSize, 1, c.Table(testL0), c.Table(testL1))
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestController(t)
			mustPanic(t, tc.name, func() { tc.fn(c) })
		})
	}
}

func TestSeparateTablesPerDirectoryEntry(t *testing.T) {
	c, _ := newTestController(t)
	l0 := c.Table(testL0)
	c.Map(0x90000000, PageSize, 0x1000, 1, l0, c.Table(testL1))
	c.Map(0x90001000, PageSize, 0x801000, 1, l0, c.Table(testL2))
	for dva, want := range map[uint64]uint64{0x1000: 0x90000000, 0x801000: 0x90001000} {
		if got, _, ok := c.Lookup(dva, l0); !ok || got != want {
			t.Errorf("Lookup(%#x) = (%#x, %t), want %#x", dva, got, ok, want)
		}
	}
}
