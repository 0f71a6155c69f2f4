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

// Package process implements process address spaces on top of the physical
// page allocator and the memory block manager.
//
// An AddressSpace tracks the state of every page of its range in a block
// manager and backs mapped pages with physical pages allocated for the
// process. Each mapped page holds one reference for the mapping, plus one
// for every IPC or device lock covering it.
//
// Lock order:
//
//	AddressSpace.mu
//	  pgalloc pool.mu
package process

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gvisor.dev/kmem/pkg/errors/kernerr"
	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/log"
	"gvisor.dev/kmem/pkg/memblock"
	"gvisor.dev/kmem/pkg/memlayout"
	"gvisor.dev/kmem/pkg/pgalloc"
)

// DefaultSlabCapacity is the number of memory blocks an AddressSpace may
// use when Opts.SlabCapacity is zero.
const DefaultSlabCapacity = 1024

// Opts configures a new AddressSpace.
type Opts struct {
	// PID identifies the process to the page allocator.
	PID uint64

	// Start and End bound the address space. Both must be page aligned.
	Start, End hostarch.Addr

	// Pool is the physical pool pages are allocated from.
	Pool memlayout.Pool

	// Direction is the allocation bias within Pool.
	Direction pgalloc.Direction

	// Fill is the byte fresh pages are filled with.
	Fill byte

	// Optimized makes the process the optimized process of Pool, deferring
	// the fill of pages it already owns.
	Optimized bool

	// SlabCapacity is the number of memory blocks available to the address
	// space.
	SlabCapacity int

	// GuardPages is the number of unmapped pages kept on each side of a
	// mapping made by MapPages.
	GuardPages uint64

	// Auditing checks the block manager after every update.
	Auditing bool
}

// AddressSpace is a process address space.
type AddressSpace struct {
	pid        uint64
	opt        pgalloc.Option
	pool       memlayout.Pool
	fill       byte
	optimized  bool
	guardPages uint64
	start, end hostarch.Addr

	pages *pgalloc.Manager
	slab  *memblock.SlabManager

	mu sync.Mutex

	// blocks tracks the state of every page in [start, end).
	//
	// +checklocks:mu
	blocks memblock.Manager

	// pt holds the mapped pages.
	//
	// +checklocks:mu
	pt pageTable

	// finalized is set by Finalize.
	//
	// +checklocks:mu
	finalized bool
}

// New returns a new AddressSpace for opts. Pages are allocated from the
// pgalloc.Manager carried by ctx.
func New(ctx context.Context, opts Opts) (*AddressSpace, error) {
	pages := pgalloc.ManagerFromContext(ctx)
	if pages == nil {
		return nil, fmt.Errorf("no page allocator in context: %w", kernerr.ErrInvalidState)
	}
	if !opts.Start.IsPageAligned() || !opts.End.IsPageAligned() || opts.Start >= opts.End {
		return nil, fmt.Errorf("address space [%#x, %#x): %w", opts.Start, opts.End, kernerr.ErrInvalidAddress)
	}
	if opts.Pool >= memlayout.PoolCount {
		return nil, fmt.Errorf("pool %d: %w", opts.Pool, kernerr.ErrInvalidArgument)
	}
	capacity := opts.SlabCapacity
	if capacity == 0 {
		capacity = DefaultSlabCapacity
	}

	as := &AddressSpace{
		pid:        opts.PID,
		opt:        pgalloc.EncodeOption(opts.Pool, opts.Direction),
		pool:       opts.Pool,
		fill:       opts.Fill,
		guardPages: opts.GuardPages,
		start:      opts.Start,
		end:        opts.End,
		pages:      pages,
		slab:       memblock.NewSlabManager(capacity),
		pt:         make(pageTable),
	}
	if err := as.blocks.Initialize(opts.Start, opts.End, as.slab); err != nil {
		return nil, err
	}
	as.blocks.SetAuditing(opts.Auditing)
	if opts.Optimized {
		if err := pages.InitializeOptimizedMemory(opts.PID, opts.Pool); err != nil {
			as.blocks.Finalize(as.slab, nil)
			return nil, err
		}
		as.optimized = true
	}
	log.Debugf("Process %d: address space [%#x, %#x) in pool %v", as.pid, as.start, as.end, as.pool)
	return as, nil
}

// PID returns the process ID of as.
func (as *AddressSpace) PID() uint64 { return as.pid }

// Start returns the first address of as.
func (as *AddressSpace) Start() hostarch.Addr { return as.start }

// End returns the end of as.
func (as *AddressSpace) End() hostarch.Addr { return as.end }

func (as *AddressSpace) numPages() uint64 {
	return uint64(as.end-as.start) / hostarch.PageSize
}

// Finalize unmaps every page of as, drops the references held by its
// mappings and locks, and releases its memory blocks.
func (as *AddressSpace) Finalize() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.finalized {
		return
	}
	as.finalized = true

	for _, info := range as.blocks.Blocks() {
		refs := 1 + uint64(info.IpcLockCount) + uint64(info.DeviceUseCount)
		as.pt.forEachRun(info.Address, info.NumPages(), func(_ hostarch.Addr, phys, numPages uint64) {
			for i := uint64(0); i < refs; i++ {
				as.pages.Close(phys, numPages)
			}
		})
	}
	clear(as.pt)
	as.blocks.Finalize(as.slab, nil)
	if as.optimized {
		as.pages.FinalizeOptimizedMemory(as.pid, as.pool)
	}
	log.Debugf("Process %d: address space finalized, peak of %d memory blocks", as.pid, as.slab.Peak())
}

// QueryInfo returns the block containing addr. Addresses outside as are
// reported as Inaccessible.
func (as *AddressSpace) QueryInfo(addr hostarch.Addr) memblock.MemoryInfo {
	as.mu.Lock()
	defer as.mu.Unlock()
	if info, ok := as.blocks.FindBlock(addr); ok {
		return info
	}
	if addr < as.start {
		return memblock.MemoryInfo{
			Size:  uint64(as.start),
			State: memblock.StateInaccessible,
		}
	}
	return memblock.MemoryInfo{
		Address: as.end,
		Size:    -uint64(as.end),
		State:   memblock.StateInaccessible,
	}
}

// Translate returns the physical address addr is mapped to, and the
// permission of the mapping.
func (as *AddressSpace) Translate(addr hostarch.Addr) (phys uint64, perm memblock.Permission, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e, ok := as.pt[addr.RoundDown()]
	if !ok {
		return 0, memblock.PermNone, false
	}
	return e.phys + addr.PageOffset(), e.perm, true
}

// MemoryType returns the cacheability of the mapping of addr.
func (as *AddressSpace) MemoryType(addr hostarch.Addr) (hostarch.MemoryType, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e, ok := as.pt[addr.RoundDown()]
	return e.memType, ok
}

// MappedPages returns the number of mapped pages.
func (as *AddressSpace) MappedPages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.pt)
}

// Blocks returns the memory blocks of as in address order.
func (as *AddressSpace) Blocks() []memblock.MemoryInfo {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.blocks.Blocks()
}

// CheckState verifies the block manager of as, logging its blocks if it is
// inconsistent.
func (as *AddressSpace) CheckState() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.blocks.CheckState()
}

// Dump writes one line per memory block of as to w.
func (as *AddressSpace) Dump(w io.Writer) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.blocks.Dump(w)
}
