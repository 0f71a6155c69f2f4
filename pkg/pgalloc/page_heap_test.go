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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/kmem/pkg/hostarch"
)

func newTestHeap(t *testing.T, address, size uint64) *PageHeap {
	t.Helper()
	h := &PageHeap{}
	h.Initialize(address, size, make([]uint64, CalculateHeapOverheadSize(size)/8))
	return h
}

func TestBlockIndex(t *testing.T) {
	for _, test := range []struct {
		numPages uint64
		want     int
	}{
		{0, -1},
		{1, 0},
		{15, 0},
		{16, 1},
		{511, 1},
		{512, 2},
		{1000, 2},
		{1024, 3},
		{1 << 18, 6},
		{1 << 20, 6},
	} {
		if got := GetBlockIndex(test.numPages); got != test.want {
			t.Errorf("GetBlockIndex(%d): got %d, want %d", test.numPages, got, test.want)
		}
	}

	for _, test := range []struct {
		numPages, alignPages uint64
		want                 int
	}{
		{1, 1, 0},
		{2, 1, 1},
		{16, 1, 1},
		{17, 1, 2},
		{1, 1024, 3},
		{1<<18 + 1, 1, -1},
	} {
		if got := GetAlignedBlockIndex(test.numPages, test.alignPages); got != test.want {
			t.Errorf("GetAlignedBlockIndex(%d, %d): got %d, want %d", test.numPages, test.alignPages, got, test.want)
		}
	}
}

func TestHeapSplitAndCoalesce(t *testing.T) {
	const base = 0x80000000
	h := newTestHeap(t, base, 4*hostarch.MiB)
	h.Free(base, 1024)

	whole := [NumBlockLevels]uint64{0, 0, 0, 1, 0, 0, 0}
	if diff := cmp.Diff(whole, h.FreeBlockCounts()); diff != "" {
		t.Fatalf("free blocks after Free mismatch (-want +got):\n%s", diff)
	}

	if got := h.AllocateBlock(0, false); got != base {
		t.Fatalf("AllocateBlock(0): got %#x, want %#x", got, base)
	}
	split := [NumBlockLevels]uint64{15, 31, 1, 0, 0, 0, 0}
	if diff := cmp.Diff(split, h.FreeBlockCounts()); diff != "" {
		t.Errorf("free blocks after split mismatch (-want +got):\n%s", diff)
	}
	if got := h.NumFreePages(); got != 1023 {
		t.Errorf("NumFreePages: got %d, want 1023", got)
	}

	h.Free(base, 1)
	if diff := cmp.Diff(whole, h.FreeBlockCounts()); diff != "" {
		t.Errorf("free blocks after coalesce mismatch (-want +got):\n%s", diff)
	}
}

func TestHeapUnalignedRegion(t *testing.T) {
	const base = 0x80001000
	h := newTestHeap(t, base, 0x20000)
	h.Free(base, 32)

	if diff := cmp.Diff([NumBlockLevels]uint64{16, 1}, h.FreeBlockCounts()); diff != "" {
		t.Errorf("free blocks mismatch (-want +got):\n%s", diff)
	}
	if got, want := h.AllocateBlock(1, false), uint64(0x80010000); got != want {
		t.Errorf("AllocateBlock(1): got %#x, want %#x", got, want)
	}
	if got := h.AllocateBlock(1, false); got != 0 {
		t.Errorf("second AllocateBlock(1): got %#x, want 0", got)
	}
	if got := h.AllocateBlock(0, false); got != base {
		t.Errorf("AllocateBlock(0): got %#x, want %#x", got, base)
	}
	if got := h.AllocateBlock(NumBlockLevels, false); got != 0 {
		t.Errorf("AllocateBlock beyond the last level: got %#x, want 0", got)
	}
}

func TestHeapRandomAllocation(t *testing.T) {
	const (
		base     = 0x80000000
		numPages = 1024
	)
	h := newTestHeap(t, base, numPages*hostarch.PageSize)
	h.Free(base, numPages)

	seen := make(map[uint64]bool)
	for i := 0; i < numPages; i++ {
		addr := h.AllocateBlock(0, true)
		if addr < base || addr >= base+numPages*hostarch.PageSize || !hostarch.IsAligned(addr, hostarch.PageSize) {
			t.Fatalf("AllocateBlock returned %#x outside the heap", addr)
		}
		if seen[addr] {
			t.Fatalf("page %#x allocated twice", addr)
		}
		seen[addr] = true
	}
	if got := h.AllocateBlock(0, true); got != 0 {
		t.Errorf("AllocateBlock on exhausted heap: got %#x, want 0", got)
	}
	for addr := range seen {
		h.Free(addr, 1)
	}
	if diff := cmp.Diff([NumBlockLevels]uint64{0, 0, 0, 1}, h.FreeBlockCounts()); diff != "" {
		t.Errorf("free blocks after freeing everything mismatch (-want +got):\n%s", diff)
	}
}

func TestHeapInitialUsedSize(t *testing.T) {
	const base = 0x80000000
	h := newTestHeap(t, base, 2*hostarch.MiB)
	h.Free(base, 256)
	h.SetInitialUsedSize(hostarch.MiB / 2)
	if got, want := h.InitialUsedSize(), uint64(hostarch.MiB/2); got != want {
		t.Errorf("InitialUsedSize: got %#x, want %#x", got, want)
	}
}
