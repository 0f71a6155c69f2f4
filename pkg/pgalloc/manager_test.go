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
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/kmem/pkg/dram"
	"gvisor.dev/kmem/pkg/errors/kernerr"
	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/memlayout"
)

const testBase = 0x80000000

// testLayout returns a 16 MiB layout with an application pool served by two
// managers and a system pool holding the initial process binary.
func testLayout() *memlayout.Layout {
	return &memlayout.Layout{
		Dram:                 memlayout.Extent{Address: testBase, Size: 16 * hostarch.MiB},
		Management:           memlayout.Extent{Address: testBase + 1*hostarch.MiB, Size: 1 * hostarch.MiB},
		InitialProcessBinary: memlayout.Extent{Address: testBase + 15*hostarch.MiB, Size: 1 * hostarch.MiB},
		Regions: []memlayout.Region{
			{Name: "app_low", Address: testBase + 2*hostarch.MiB, Size: 4 * hostarch.MiB, Pool: memlayout.PoolApplication, Manager: 0},
			{Name: "app_high", Address: testBase + 6*hostarch.MiB, Size: 4 * hostarch.MiB, Pool: memlayout.PoolApplication, Manager: 1},
			{Name: "system", Address: testBase + 10*hostarch.MiB, Size: 6 * hostarch.MiB, Pool: memlayout.PoolSystem, Manager: 2},
		},
	}
}

func newTestMemory(t *testing.T, l *memlayout.Layout) *dram.Memory {
	t.Helper()
	mem, err := dram.New(l.Dram.Address, l.Dram.Size)
	if err != nil {
		t.Fatalf("dram.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem
}

func newTestManager(t *testing.T, opts ManagerOpts) *Manager {
	t.Helper()
	l := testLayout()
	m, err := NewManager(l, newTestMemory(t, l), opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func freeList(m *Manager, p memlayout.Pool) string {
	var buf bytes.Buffer
	m.WriteFreeList(&buf, p)
	return buf.String()
}

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	f()
}

func TestInitialize(t *testing.T) {
	m := newTestManager(t, ManagerOpts{})

	want := []PoolUsage{
		{Pool: memlayout.PoolApplication, Managers: 2, Size: 8 * hostarch.MiB, Free: 8 * hostarch.MiB},
		{Pool: memlayout.PoolApplet},
		{Pool: memlayout.PoolSystem, Managers: 1, Size: 6 * hostarch.MiB, Free: 5 * hostarch.MiB},
		{Pool: memlayout.PoolSystemNonSecure},
	}
	if diff := cmp.Diff(want, m.Usage()); diff != "" {
		t.Errorf("Usage mismatch (-want +got):\n%s", diff)
	}
	if got := m.RefCount(testBase + 15*hostarch.MiB); got != 1 {
		t.Errorf("initial process binary reference count: got %d, want 1", got)
	}
	if got := m.RefCount(testBase + 10*hostarch.MiB); got != 0 {
		t.Errorf("free page reference count: got %d, want 0", got)
	}
}

func TestInitializeErrors(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(l *memlayout.Layout)
		memory uint64
	}{
		{
			name:   "management too small",
			modify: func(l *memlayout.Layout) { l.Management.Size = hostarch.PageSize },
			memory: 16 * hostarch.MiB,
		},
		{
			name:   "dram not backed",
			modify: func(l *memlayout.Layout) {},
			memory: 8 * hostarch.MiB,
		},
		{
			name:   "invalid layout",
			modify: func(l *memlayout.Layout) { l.Regions[1].Address += hostarch.PageSize },
			memory: 16 * hostarch.MiB,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			l := testLayout()
			test.modify(l)
			mem, err := dram.New(testBase, test.memory)
			if err != nil {
				t.Fatalf("dram.New: %v", err)
			}
			defer mem.Close()
			if _, err := NewManager(l, mem, ManagerOpts{}); err == nil {
				t.Errorf("NewManager succeeded")
			}
		})
	}
}

func TestAllocateAndOpenContinuous(t *testing.T) {
	for _, test := range []struct {
		name       string
		numPages   uint64
		alignPages uint64
		direction  Direction
		want       uint64
	}{
		{
			name:       "single page",
			numPages:   1,
			alignPages: 1,
			direction:  FromFront,
			want:       testBase + 2*hostarch.MiB,
		},
		{
			name:       "single page",
			numPages:   1,
			alignPages: 1,
			direction:  FromBack,
			want:       testBase + 6*hostarch.MiB,
		},
		{
			name:       "2 MiB aligned",
			numPages:   3,
			alignPages: 512,
			direction:  FromFront,
			want:       testBase + 2*hostarch.MiB,
		},
		{
			name:       "whole manager",
			numPages:   1024,
			alignPages: 1,
			direction:  FromBack,
			want:       0,
		},
		{
			name:       "4 MiB aligned",
			numPages:   1,
			alignPages: 1024,
			direction:  FromFront,
			want:       0,
		},
		{
			name:       "zero pages",
			numPages:   0,
			alignPages: 1,
			direction:  FromFront,
			want:       0,
		},
	} {
		name := fmt.Sprintf("%s (%v)", test.name, test.direction)
		t.Run(name, func(t *testing.T) {
			m := newTestManager(t, ManagerOpts{})
			before := freeList(m, memlayout.PoolApplication)
			freeBefore := m.FreeSize(memlayout.PoolApplication)

			got := m.AllocateAndOpenContinuous(test.numPages, test.alignPages, EncodeOption(memlayout.PoolApplication, test.direction))
			if got != test.want {
				t.Fatalf("AllocateAndOpenContinuous: got %#x, want %#x", got, test.want)
			}
			if got == 0 {
				if after := freeList(m, memlayout.PoolApplication); after != before {
					t.Errorf("failed allocation changed the free list:\n%s", cmp.Diff(before, after))
				}
				return
			}
			if !hostarch.IsAligned(got, test.alignPages*hostarch.PageSize) {
				t.Errorf("block %#x is not aligned to %d pages", got, test.alignPages)
			}
			if free, want := m.FreeSize(memlayout.PoolApplication), freeBefore-test.numPages*hostarch.PageSize; free != want {
				t.Errorf("FreeSize: got %#x, want %#x", free, want)
			}
			for i := uint64(0); i < test.numPages; i++ {
				if rc := m.RefCount(got + i*hostarch.PageSize); rc != 1 {
					t.Errorf("page %d reference count: got %d, want 1", i, rc)
				}
			}
			m.Close(got, test.numPages)
			if after := freeList(m, memlayout.PoolApplication); after != before {
				t.Errorf("free list not restored by Close:\n%s", cmp.Diff(before, after))
			}
		})
	}
}

func TestPoolChainFollowsAddresses(t *testing.T) {
	l := testLayout()
	// Number the application managers against their address order.
	l.Regions[0].Manager, l.Regions[1].Manager = 1, 0
	m, err := NewManager(l, newTestMemory(t, l), ManagerOpts{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for _, test := range []struct {
		direction Direction
		want      uint64
	}{
		{FromFront, testBase + 2*hostarch.MiB},
		{FromBack, testBase + 6*hostarch.MiB},
	} {
		opt := EncodeOption(memlayout.PoolApplication, test.direction)
		if got := m.AllocateAndOpenContinuous(1, 1, opt); got != test.want {
			t.Errorf("AllocateAndOpenContinuous(1, 1, %v): got %#x, want %#x", opt, got, test.want)
		}
	}
}

func TestAllocateAndOpen(t *testing.T) {
	for _, test := range []struct {
		name      string
		numPages  uint64
		direction Direction
		want      []Block
	}{
		{
			name:      "mixed block sizes",
			numPages:  1000,
			direction: FromFront,
			want:      []Block{{Address: testBase + 2*hostarch.MiB, NumPages: 1000}},
		},
		{
			name:      "mixed block sizes",
			numPages:  1000,
			direction: FromBack,
			want:      []Block{{Address: testBase + 6*hostarch.MiB, NumPages: 1000}},
		},
		{
			name:      "whole pool",
			numPages:  2048,
			direction: FromFront,
			want:      []Block{{Address: testBase + 2*hostarch.MiB, NumPages: 2048}},
		},
	} {
		name := fmt.Sprintf("%s (%v)", test.name, test.direction)
		t.Run(name, func(t *testing.T) {
			m := newTestManager(t, ManagerOpts{})
			before := freeList(m, memlayout.PoolApplication)

			g := NewPageGroup(m, 0)
			if err := m.AllocateAndOpen(g, test.numPages, EncodeOption(memlayout.PoolApplication, test.direction)); err != nil {
				t.Fatalf("AllocateAndOpen: %v", err)
			}
			if diff := cmp.Diff(test.want, g.Blocks()); diff != "" {
				t.Errorf("blocks mismatch (-want +got):\n%s", diff)
			}
			if got := g.NumPages(); got != test.numPages {
				t.Errorf("NumPages: got %d, want %d", got, test.numPages)
			}
			for _, b := range g.Blocks() {
				if rc := m.RefCount(b.End() - hostarch.PageSize); rc != 1 {
					t.Errorf("last page of %v reference count: got %d, want 1", b, rc)
				}
			}
			g.Close()
			if after := freeList(m, memlayout.PoolApplication); after != before {
				t.Errorf("free list not restored by Close:\n%s", cmp.Diff(before, after))
			}
		})
	}
}

func TestAllocateAndOpenFailures(t *testing.T) {
	t.Run("out of memory", func(t *testing.T) {
		m := newTestManager(t, ManagerOpts{})
		before := freeList(m, memlayout.PoolApplication)
		g := NewPageGroup(m, 0)
		err := m.AllocateAndOpen(g, 2049, EncodeOption(memlayout.PoolApplication, FromFront))
		if !errors.Is(err, kernerr.ErrOutOfMemory) {
			t.Fatalf("AllocateAndOpen: got %v, want %v", err, kernerr.ErrOutOfMemory)
		}
		if !g.Empty() {
			t.Errorf("failed allocation left %d pages in the group", g.NumPages())
		}
		if after := freeList(m, memlayout.PoolApplication); after != before {
			t.Errorf("failed allocation leaked pages:\n%s", cmp.Diff(before, after))
		}
	})

	t.Run("block budget", func(t *testing.T) {
		m := newTestManager(t, ManagerOpts{})
		opt := EncodeOption(memlayout.PoolApplication, FromFront)
		var pages [3]uint64
		for i := range pages {
			pages[i] = m.AllocateAndOpenContinuous(1, 1, opt)
		}
		// Leave a one page hole so two pages cannot be contiguous.
		m.Close(pages[1], 1)
		before := freeList(m, memlayout.PoolApplication)

		g := NewPageGroup(m, 1)
		if err := m.AllocateAndOpen(g, 2, opt); !errors.Is(err, kernerr.ErrOutOfResource) {
			t.Fatalf("AllocateAndOpen: got %v, want %v", err, kernerr.ErrOutOfResource)
		}
		if after := freeList(m, memlayout.PoolApplication); after != before {
			t.Errorf("failed allocation leaked pages:\n%s", cmp.Diff(before, after))
		}
	})

	t.Run("non-empty group", func(t *testing.T) {
		m := newTestManager(t, ManagerOpts{})
		g := NewPageGroup(m, 0)
		if err := g.AddBlock(testBase+2*hostarch.MiB, 1); err != nil {
			t.Fatalf("AddBlock: %v", err)
		}
		mustPanic(t, "AllocateAndOpen into a non-empty group", func() {
			m.AllocateAndOpen(g, 1, EncodeOption(memlayout.PoolApplication, FromFront))
		})
	})

	t.Run("zero pages", func(t *testing.T) {
		m := newTestManager(t, ManagerOpts{})
		g := NewPageGroup(m, 0)
		if err := m.AllocateAndOpen(g, 0, EncodeOption(memlayout.PoolApplication, FromFront)); err != nil || !g.Empty() {
			t.Errorf("AllocateAndOpen(0): got (%v, %d pages), want (nil, 0 pages)", err, g.NumPages())
		}
	})
}

func TestReferenceCounts(t *testing.T) {
	m := newTestManager(t, ManagerOpts{})
	addr := m.AllocateAndOpenContinuous(2, 1, EncodeOption(memlayout.PoolSystem, FromFront))
	if addr == 0 {
		t.Fatalf("AllocateAndOpenContinuous failed")
	}
	freeBefore := m.FreeSize(memlayout.PoolSystem)

	m.Open(addr, 2)
	if got := m.RefCount(addr + hostarch.PageSize); got != 2 {
		t.Errorf("reference count after Open: got %d, want 2", got)
	}
	m.Close(addr, 2)
	if got := m.FreeSize(memlayout.PoolSystem); got != freeBefore {
		t.Errorf("Close with remaining references freed pages: free %#x, want %#x", got, freeBefore)
	}
	m.Close(addr, 2)
	if got, want := m.FreeSize(memlayout.PoolSystem), freeBefore+2*hostarch.PageSize; got != want {
		t.Errorf("FreeSize after final Close: got %#x, want %#x", got, want)
	}

	mustPanic(t, "Close of a free page", func() { m.Close(addr, 1) })
	mustPanic(t, "Open of a free page", func() { m.Open(addr, 1) })
	mustPanic(t, "OpenFirst of a referenced page", func() { m.OpenFirst(testBase+15*hostarch.MiB, 1) })
}

func TestOptimizedAllocation(t *testing.T) {
	const (
		optimizedPID = 7
		otherPID     = 9
		numPages     = 4
	)
	m := newTestManager(t, ManagerOpts{})
	mem := m.Memory()
	opt := EncodeOption(memlayout.PoolApplication, FromFront)

	if err := m.InitializeOptimizedMemory(optimizedPID, memlayout.PoolApplication); err != nil {
		t.Fatalf("InitializeOptimizedMemory: %v", err)
	}
	if err := m.InitializeOptimizedMemory(otherPID, memlayout.PoolApplication); !errors.Is(err, kernerr.ErrBusy) {
		t.Fatalf("second InitializeOptimizedMemory: got %v, want %v", err, kernerr.ErrBusy)
	}

	allocate := func(pid uint64, fill byte) *PageGroup {
		t.Helper()
		g := NewPageGroup(m, 0)
		if err := m.AllocateForProcess(g, numPages, opt, pid, fill); err != nil {
			t.Fatalf("AllocateForProcess(pid %d): %v", pid, err)
		}
		return g
	}
	filledWith := func(g *PageGroup, v byte) bool {
		for _, b := range g.Blocks() {
			if !mem.IsFilled(b.Address, b.Size(), v) {
				return false
			}
		}
		return true
	}

	// New pages are filled on first allocation to the optimized process.
	first := allocate(optimizedPID, 0)
	if !filledWith(first, 0) {
		t.Errorf("new optimized pages were not filled")
	}
	for _, b := range first.Blocks() {
		mem.Fill(b.Address, b.Size(), 0xab)
	}
	first.Close()

	// Pages it already owned come back untouched.
	second := allocate(optimizedPID, 0)
	if !second.IsEquivalentTo(first) {
		t.Fatalf("reallocation returned %v, want %v", second.Blocks(), first.Blocks())
	}
	if !filledWith(second, 0xab) {
		t.Errorf("pages owned by the optimized process were refilled")
	}
	second.Close()

	// Other processes always get filled pages, and take the pages away from
	// the optimized process.
	other := allocate(otherPID, 0x5a)
	if !filledWith(other, 0x5a) {
		t.Errorf("pages for another process were not filled")
	}
	other.Close()

	third := allocate(optimizedPID, 0)
	if !filledWith(third, 0) {
		t.Errorf("pages used by another process were not refilled for the optimized process")
	}
	third.Close()

	m.FinalizeOptimizedMemory(otherPID, memlayout.PoolApplication)
	if err := m.InitializeOptimizedMemory(otherPID, memlayout.PoolApplication); !errors.Is(err, kernerr.ErrBusy) {
		t.Errorf("FinalizeOptimizedMemory by a non-owner released the pool: got %v", err)
	}
	m.FinalizeOptimizedMemory(optimizedPID, memlayout.PoolApplication)
	if err := m.InitializeOptimizedMemory(otherPID, memlayout.PoolApplication); err != nil {
		t.Errorf("InitializeOptimizedMemory after Finalize: %v", err)
	}
}

func TestRegionManagerOptimizedTracking(t *testing.T) {
	m := newTestManager(t, ManagerOpts{})
	rm := m.managers[0]
	addr := rm.address()

	if !rm.processOptimizedAllocation(addr, 2, 0) {
		t.Errorf("untracked pages reported as not new")
	}
	rm.trackOptimizedAllocation(addr, 2)
	if rm.processOptimizedAllocation(addr, 2, 0) {
		t.Errorf("tracked pages reported as new")
	}
	rm.trackUnoptimizedAllocation(addr+hostarch.PageSize, 1)
	if !rm.processOptimizedAllocation(addr, 2, 0) {
		t.Errorf("pages given away reported as not new")
	}
	rm.initializeOptimizedMemory()
	if !rm.processOptimizedAllocation(addr, 1, 0) {
		t.Errorf("pages reported as not new after reset")
	}
}

func TestOption(t *testing.T) {
	for p := memlayout.Pool(0); p < memlayout.PoolCount; p++ {
		for _, dir := range []Direction{FromFront, FromBack} {
			opt := EncodeOption(p, dir)
			if gotPool, gotDir := DecodeOption(opt); gotPool != p || gotDir != dir {
				t.Errorf("DecodeOption(EncodeOption(%v, %v)) = (%v, %v)", p, dir, gotPool, gotDir)
			}
		}
	}
	if got, want := EncodeOption(memlayout.PoolSystem, FromBack), Option(0x12); got != want {
		t.Errorf("EncodeOption(system, FromBack): got %#x, want %#x", got, want)
	}
}

func TestInvalidPoolPanics(t *testing.T) {
	m := newTestManager(t, ManagerOpts{})
	// Pool bits 0x5 decode to a pool past PoolCount.
	opt := Option(0x5)
	for _, test := range []struct {
		name string
		fn   func()
	}{
		{"AllocateAndOpenContinuous", func() { m.AllocateAndOpenContinuous(1, 1, opt) }},
		{"AllocateAndOpen", func() { m.AllocateAndOpen(NewPageGroup(m, DefaultMaxBlocks), 1, opt) }},
		{"AllocateForProcess", func() { m.AllocateForProcess(NewPageGroup(m, DefaultMaxBlocks), 1, opt, 1, 0) }},
		{"InitializeOptimizedMemory", func() { m.InitializeOptimizedMemory(1, opt.Pool()) }},
		{"FreeSize", func() { m.FreeSize(opt.Pool()) }},
		{"Size", func() { m.Size(opt.Pool()) }},
	} {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				r := recover()
				msg, ok := r.(string)
				if !ok || !strings.Contains(msg, "invalid pool") {
					t.Errorf("got panic %v, want invalid pool assertion", r)
				}
			}()
			test.fn()
		})
	}
}

func TestPageGroupAddBlock(t *testing.T) {
	g := NewPageGroup(nil, 2)
	for _, b := range []Block{
		{Address: 0x80000000, NumPages: 2},
		{Address: 0x80002000, NumPages: 1},
		{Address: 0x80010000, NumPages: 0},
		{Address: 0x80010000, NumPages: 4},
	} {
		if err := g.AddBlock(b.Address, b.NumPages); err != nil {
			t.Fatalf("AddBlock(%v): %v", b, err)
		}
	}
	want := []Block{{Address: 0x80000000, NumPages: 3}, {Address: 0x80010000, NumPages: 4}}
	if diff := cmp.Diff(want, g.Blocks()); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
	if err := g.AddBlock(0x80020000, 1); !errors.Is(err, kernerr.ErrOutOfResource) {
		t.Errorf("AddBlock past budget: got %v, want %v", err, kernerr.ErrOutOfResource)
	}
	if err := g.AddBlock(0x80014000, 1); err != nil {
		t.Errorf("contiguous AddBlock at budget: %v", err)
	}

	other := NewPageGroup(nil, 0)
	other.AddBlock(0x80000000, 3)
	other.AddBlock(0x80010000, 5)
	if !g.IsEquivalentTo(other) {
		t.Errorf("%v is not equivalent to %v", g.Blocks(), other.Blocks())
	}
	g.Finalize()
	if !g.Empty() || g.IsEquivalentTo(other) {
		t.Errorf("Finalize left %v", g.Blocks())
	}
}

func TestConcurrentPools(t *testing.T) {
	m := newTestManager(t, ManagerOpts{RandomizeAllocation: true})
	pools := []memlayout.Pool{memlayout.PoolApplication, memlayout.PoolSystem}
	before := make(map[memlayout.Pool]string)
	for _, p := range pools {
		before[p] = freeList(m, p)
	}

	eg, _ := errgroup.WithContext(context.Background())
	for _, p := range pools {
		for w := 0; w < 4; w++ {
			eg.Go(func() error {
				for i := 0; i < 50; i++ {
					dir := Direction(i % 2)
					opt := EncodeOption(p, dir)
					n := uint64(rand.IntN(40) + 1)
					if i%3 == 0 {
						n = uint64(rand.IntN(16) + 1)
						addr := m.AllocateAndOpenContinuous(n, 1, opt)
						if addr == 0 {
							return fmt.Errorf("continuous allocation of %d pages from %v failed", n, opt)
						}
						m.Open(addr, n)
						m.Close(addr, n)
						m.Close(addr, n)
						continue
					}
					g := NewPageGroup(m, 0)
					if err := m.AllocateAndOpen(g, n, opt); err != nil {
						return fmt.Errorf("allocation of %d pages from %v: %w", n, opt, err)
					}
					if g.NumPages() != n {
						return fmt.Errorf("allocated %d pages, want %d", g.NumPages(), n)
					}
					g.Close()
				}
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, p := range pools {
		if after := freeList(m, p); after != before[p] {
			t.Errorf("pool %v free list not restored:\n%s", p, cmp.Diff(before[p], after))
		}
	}
}

func TestContext(t *testing.T) {
	m := newTestManager(t, ManagerOpts{})
	if got := ManagerFromContext(context.Background()); got != nil {
		t.Errorf("ManagerFromContext on empty context: got %p, want nil", got)
	}
	if got := ManagerFromContext(WithManager(context.Background(), m)); got != m {
		t.Errorf("ManagerFromContext: got %p, want %p", got, m)
	}
}
