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

// Package pgalloc contains the physical page allocator.
//
// Physical memory is split into pools. Each pool is served by one or more
// region managers, each owning a contiguous range of the pool with a page
// heap, a reference count per page and an optimized process bitmap. Pages
// leave the heap with a reference count of one and return to it when their
// count drops to zero.
//
// Lock order:
//
//	pool.mu
//	  (no other locks)
package pgalloc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gvisor.dev/kmem/pkg/cleanup"
	"gvisor.dev/kmem/pkg/dram"
	"gvisor.dev/kmem/pkg/errors/kernerr"
	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/log"
	"gvisor.dev/kmem/pkg/memlayout"
)

// pool is the per-pool state of a Manager.
type pool struct {
	mu sync.Mutex

	// head and tail are the lowest and highest managers of the pool. They
	// are immutable after Initialize.
	head, tail *regionManager

	// hasOptimizedProcess is true while a process owns the pool's optimized
	// allocation tracking.
	//
	// +checklocks:mu
	hasOptimizedProcess bool

	// optimizedProcessID is the owner when hasOptimizedProcess is set.
	//
	// +checklocks:mu
	optimizedProcessID uint64
}

// Manager hands out and reference counts the physical pages of every pool.
type Manager struct {
	mem *dram.Memory

	// managers holds the region managers in index order; byAddress holds the
	// same managers sorted by address. Both are immutable after Initialize.
	managers  []*regionManager
	byAddress []*regionManager

	pools [memlayout.PoolCount]pool

	// random selects random free blocks for AllocateAndOpen.
	random bool

	// exhausted reports allocation failures.
	exhausted log.Logger
}

// ManagerOpts holds options to NewManager.
type ManagerOpts struct {
	// If RandomizeAllocation is true, AllocateAndOpen takes a random free
	// block of each size instead of the lowest.
	RandomizeAllocation bool
}

// NewManager returns a Manager over the pools of layout, with pages and
// management metadata living in mem.
func NewManager(layout *memlayout.Layout, mem *dram.Memory, opts ManagerOpts) (*Manager, error) {
	m := &Manager{random: opts.RandomizeAllocation}
	if err := m.Initialize(layout, mem); err != nil {
		return nil, err
	}
	return m, nil
}

// Initialize builds a region manager for every manager index of layout,
// chains the managers of each pool in ascending address order and frees
// every region to its heap. The initial process binary is instead opened,
// and counted as reserved.
func (m *Manager) Initialize(layout *memlayout.Layout, mem *dram.Memory) error {
	if err := layout.Validate(); err != nil {
		return err
	}
	if !mem.Contains(layout.Dram.Address, layout.Dram.Size) {
		return fmt.Errorf("dram %v is not backed by memory [%#x, %#x)", layout.Dram, mem.Base(), mem.End())
	}
	m.mem = mem
	m.exhausted = log.BasicRateLimitedLogger(time.Second)

	management := layout.Management.Address
	managementEnd := layout.Management.End()
	mem.Fill(management, layout.Management.Size, 0)

	ranges := layout.Managers()
	var needed uint64
	for _, r := range ranges {
		needed += CalculateManagementOverheadSize(r.Extent.Size)
	}
	if needed > layout.Management.Size {
		return fmt.Errorf("management region %v too small: managers need %#x bytes", layout.Management, needed)
	}

	m.managers = make([]*regionManager, 0, len(ranges))
	for _, r := range ranges {
		rm := &regionManager{}
		management += rm.initialize(mem, r.Extent.Address, r.Extent.Size, management, managementEnd, r.Pool)
		m.managers = append(m.managers, rm)
	}
	m.byAddress = append([]*regionManager(nil), m.managers...)
	sort.Slice(m.byAddress, func(i, j int) bool {
		return m.byAddress[i].address() < m.byAddress[j].address()
	})

	// Pool chains follow addresses, whatever the manager indices are.
	for _, rm := range m.byAddress {
		p := &m.pools[rm.pool]
		if p.tail == nil {
			p.head = rm
		} else {
			p.tail.next = rm
			rm.prev = p.tail
		}
		p.tail = rm
	}

	reserved := make([]uint64, len(m.managers))
	ini := layout.InitialProcessBinary
	for _, r := range ranges {
		rm := m.managers[r.Index]
		for _, region := range r.Regions {
			e := region.Extent()
			if e.Contains(ini) && ini.Size != 0 {
				if e.Address != ini.Address {
					rm.free(e.Address, (ini.Address-e.Address)/hostarch.PageSize)
				}
				rm.openFirst(ini.Address, ini.Size/hostarch.PageSize)
				reserved[r.Index] += ini.Size
				if ini.Last() != e.Last() {
					rm.free(ini.End(), (e.End()-ini.End())/hostarch.PageSize)
				}
				continue
			}
			if e.Overlaps(ini) {
				panic(fmt.Sprintf("region %q %v partially overlaps the initial process binary %v", region.Name, e, ini))
			}
			rm.free(e.Address, e.Size/hostarch.PageSize)
		}
	}
	for i, rm := range m.managers {
		rm.heap.SetInitialUsedSize(reserved[i])
	}
	log.Debugf("Physical page managers initialized: %d managers, %#x management bytes", len(m.managers), needed)
	return nil
}

// managerFor returns the region manager containing addr.
func (m *Manager) managerFor(addr uint64) *regionManager {
	i := sort.Search(len(m.byAddress), func(i int) bool {
		return m.byAddress[i].endAddress() > addr
	})
	if i == len(m.byAddress) || !m.byAddress[i].contains(addr) {
		panic(fmt.Sprintf("address %#x is not managed", addr))
	}
	return m.byAddress[i]
}

// poolFor returns the state of pool p. It panics if p is not a pool, which
// an Option carrying stray bits can decode to.
func (m *Manager) poolFor(p memlayout.Pool) *pool {
	if p >= memlayout.PoolCount {
		panic(fmt.Sprintf("invalid pool %d", p))
	}
	return &m.pools[p]
}

func (m *Manager) firstManager(p memlayout.Pool, dir Direction) *regionManager {
	if dir == FromBack {
		return m.poolFor(p).tail
	}
	return m.poolFor(p).head
}

func nextManager(rm *regionManager, dir Direction) *regionManager {
	if dir == FromBack {
		return rm.prev
	}
	return rm.next
}

// forEachManagerRun calls fn for each part of [addr, addr+numPages pages)
// that falls within a single region manager.
func (m *Manager) forEachManagerRun(addr, numPages uint64, fn func(rm *regionManager, addr, numPages uint64)) {
	for numPages > 0 {
		rm := m.managerFor(addr)
		cur := min(numPages, rm.pageOffsetToEnd(addr))
		fn(rm, addr, cur)
		addr += cur * hostarch.PageSize
		numPages -= cur
	}
}

// InitializeOptimizedMemory makes pid the optimized process of pool p and
// forgets every page previously tracked for it. It fails with
// kernerr.ErrBusy if p already has an optimized process.
func (m *Manager) InitializeOptimizedMemory(pid uint64, p memlayout.Pool) error {
	pl := m.poolFor(p)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.hasOptimizedProcess {
		return kernerr.ErrBusy
	}
	pl.optimizedProcessID = pid
	pl.hasOptimizedProcess = true
	for rm := m.firstManager(p, FromFront); rm != nil; rm = nextManager(rm, FromFront) {
		rm.initializeOptimizedMemory()
	}
	return nil
}

// FinalizeOptimizedMemory ends optimized tracking for pool p if pid is its
// optimized process.
func (m *Manager) FinalizeOptimizedMemory(pid uint64, p memlayout.Pool) {
	pl := m.poolFor(p)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.hasOptimizedProcess && pl.optimizedProcessID == pid {
		pl.hasOptimizedProcess = false
	}
}

// AllocateAndOpenContinuous allocates numPages physically contiguous pages
// aligned to alignPages pages and takes the first reference to them. It
// returns 0 if numPages is 0 or no suitable block is free.
func (m *Manager) AllocateAndOpenContinuous(numPages, alignPages uint64, opt Option) uint64 {
	if numPages == 0 {
		return 0
	}
	p, dir := DecodeOption(opt)
	pl := m.poolFor(p)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	index := GetAlignedBlockIndex(numPages, alignPages)
	if index < 0 {
		m.exhausted.Warningf("Continuous allocation of %d pages aligned to %d pages from %v exceeds the largest block", numPages, alignPages, opt)
		return 0
	}
	var (
		chosen *regionManager
		block  uint64
	)
	for chosen = m.firstManager(p, dir); chosen != nil; chosen = nextManager(chosen, dir) {
		if block = chosen.allocateBlock(index, false); block != 0 {
			break
		}
	}
	if block == 0 {
		m.exhausted.Warningf("Continuous allocation of %d pages from %v failed: pool exhausted", numPages, opt)
		return 0
	}

	if allocated := GetBlockNumPages(index); allocated > numPages {
		chosen.free(block+numPages*hostarch.PageSize, allocated-numPages)
	}
	if pl.hasOptimizedProcess {
		chosen.trackUnoptimizedAllocation(block, numPages)
	}
	chosen.openFirst(block, numPages)
	return block
}

// allocatePageGroupImpl fills out with numPages pages from pool p, taking
// the largest blocks first. On failure every block taken is freed and out is
// finalized.
//
// Preconditions: m.pools[p].mu is locked.
func (m *Manager) allocatePageGroupImpl(out *PageGroup, numPages uint64, p memlayout.Pool, dir Direction, unoptimized, random bool) error {
	heapIndex := GetBlockIndex(numPages)
	if heapIndex < 0 {
		return kernerr.ErrOutOfMemory
	}

	cu := cleanup.Make(func() {
		for _, b := range out.Blocks() {
			m.forEachManagerRun(b.Address, b.NumPages, func(rm *regionManager, addr, n uint64) {
				rm.free(addr, n)
			})
		}
		out.Finalize()
	})
	defer cu.Clean()

	for index := heapIndex; index >= 0 && numPages > 0; index-- {
		pagesPerAlloc := GetBlockNumPages(index)
		for rm := m.firstManager(p, dir); rm != nil; rm = nextManager(rm, dir) {
			for numPages >= pagesPerAlloc {
				block := rm.allocateBlock(index, random)
				if block == 0 {
					break
				}
				if err := out.AddBlock(block, pagesPerAlloc); err != nil {
					rm.free(block, pagesPerAlloc)
					return err
				}
				if unoptimized {
					rm.trackUnoptimizedAllocation(block, pagesPerAlloc)
				}
				numPages -= pagesPerAlloc
			}
		}
	}
	if numPages != 0 {
		return kernerr.ErrOutOfMemory
	}
	cu.Release()
	return nil
}

// AllocateAndOpen fills out with numPages pages from the pool of opt and
// takes the first reference to each.
//
// Preconditions: out is empty.
func (m *Manager) AllocateAndOpen(out *PageGroup, numPages uint64, opt Option) error {
	if !out.Empty() {
		panic(fmt.Sprintf("allocation into non-empty page group of %d pages", out.NumPages()))
	}
	if numPages == 0 {
		return nil
	}
	p, dir := DecodeOption(opt)
	pl := m.poolFor(p)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if err := m.allocatePageGroupImpl(out, numPages, p, dir, pl.hasOptimizedProcess, m.random); err != nil {
		m.exhausted.Warningf("Allocation of %d pages from %v failed: %v", numPages, opt, err)
		return err
	}
	for _, b := range out.Blocks() {
		m.forEachManagerRun(b.Address, b.NumPages, (*regionManager).openFirst)
	}
	return nil
}

// AllocateForProcess fills out with numPages pages from the pool of opt for
// process pid and takes the first reference to each. Pages are filled with
// fill, except that pages already owned by the pool's optimized process are
// handed back to it untouched.
//
// Preconditions: out is empty.
func (m *Manager) AllocateForProcess(out *PageGroup, numPages uint64, opt Option, pid uint64, fill byte) error {
	if !out.Empty() {
		panic(fmt.Sprintf("allocation into non-empty page group of %d pages", out.NumPages()))
	}
	if numPages == 0 {
		return nil
	}
	p, dir := DecodeOption(opt)
	pl := m.poolFor(p)

	var optimized bool
	if err := func() error {
		pl.mu.Lock()
		defer pl.mu.Unlock()
		hasOptimized := pl.hasOptimizedProcess
		isOptimized := pl.optimizedProcessID == pid
		if err := m.allocatePageGroupImpl(out, numPages, p, dir, hasOptimized && !isOptimized, false); err != nil {
			return err
		}
		for _, b := range out.Blocks() {
			m.forEachManagerRun(b.Address, b.NumPages, (*regionManager).openFirst)
		}
		optimized = hasOptimized && isOptimized
		return nil
	}(); err != nil {
		m.exhausted.Warningf("Allocation of %d pages from %v for process %d failed: %v", numPages, opt, pid, err)
		return err
	}

	if !optimized {
		for _, b := range out.Blocks() {
			m.mem.Fill(b.Address, b.Size(), fill)
		}
		return nil
	}

	for _, b := range out.Blocks() {
		anyNew := false
		m.forEachManagerRun(b.Address, b.NumPages, func(rm *regionManager, addr, n uint64) {
			rpl := &m.pools[rm.pool]
			rpl.mu.Lock()
			defer rpl.mu.Unlock()
			if rm.processOptimizedAllocation(addr, n, fill) {
				anyNew = true
			}
		})
		if !anyNew {
			continue
		}
		m.forEachManagerRun(b.Address, b.NumPages, func(rm *regionManager, addr, n uint64) {
			rpl := &m.pools[rm.pool]
			rpl.mu.Lock()
			rm.trackOptimizedAllocation(addr, n)
			rpl.mu.Unlock()
		})
	}
	return nil
}

// OpenFirst takes the first reference to [addr, addr+numPages pages).
func (m *Manager) OpenFirst(addr, numPages uint64) {
	m.forEachManagerRun(addr, numPages, func(rm *regionManager, addr, n uint64) {
		pl := &m.pools[rm.pool]
		pl.mu.Lock()
		defer pl.mu.Unlock()
		rm.openFirst(addr, n)
	})
}

// Open takes an additional reference to [addr, addr+numPages pages).
func (m *Manager) Open(addr, numPages uint64) {
	m.forEachManagerRun(addr, numPages, func(rm *regionManager, addr, n uint64) {
		pl := &m.pools[rm.pool]
		pl.mu.Lock()
		defer pl.mu.Unlock()
		rm.open(addr, n)
	})
}

// Close drops a reference to [addr, addr+numPages pages), freeing pages
// whose count reaches zero.
func (m *Manager) Close(addr, numPages uint64) {
	m.forEachManagerRun(addr, numPages, func(rm *regionManager, addr, n uint64) {
		pl := &m.pools[rm.pool]
		pl.mu.Lock()
		defer pl.mu.Unlock()
		rm.close(addr, n)
	})
}

// RefCount returns the reference count of the page at addr.
func (m *Manager) RefCount(addr uint64) uint16 {
	rm := m.managerFor(addr)
	pl := &m.pools[rm.pool]
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return rm.refCount(addr)
}

// Memory returns the physical memory backing m.
func (m *Manager) Memory() *dram.Memory { return m.mem }
