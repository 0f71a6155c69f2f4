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
	"sync"

	"gvisor.dev/kmem/pkg/errors/kernerr"
)

// SlabManager is a fixed-capacity arena of Blocks shared by the Managers of
// every process.
type SlabManager struct {
	blocks []Block

	mu sync.Mutex

	// free holds the indices of unused blocks.
	//
	// +checklocks:mu
	free []int32

	// peak is the largest number of blocks in use at once.
	//
	// +checklocks:mu
	peak int
}

// NewSlabManager returns an arena of capacity blocks.
func NewSlabManager(capacity int) *SlabManager {
	s := &SlabManager{
		blocks: make([]Block, capacity),
		free:   make([]int32, capacity),
	}
	for i := range s.free {
		s.free[i] = int32(capacity - 1 - i)
	}
	return s
}

// Allocate returns an unused block, or nil if the arena is exhausted.
func (s *SlabManager) Allocate() *Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.free)
	if n == 0 {
		return nil
	}
	i := s.free[n-1]
	s.free = s.free[:n-1]
	if used := len(s.blocks) - len(s.free); used > s.peak {
		s.peak = used
	}
	b := &s.blocks[i]
	*b = Block{slot: i + 1}
	return b
}

// Free returns b to the arena.
func (s *SlabManager) Free(b *Block) {
	i := s.index(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == len(s.blocks) {
		panic(fmt.Sprintf("free of block %d into a full slab", i))
	}
	s.free = append(s.free, int32(i))
}

// index returns the arena position of b.
func (s *SlabManager) index(b *Block) int {
	if i := int(b.slot) - 1; i >= 0 && i < len(s.blocks) && &s.blocks[i] == b {
		return i
	}
	panic(fmt.Sprintf("block %p does not belong to this slab", b))
}

// Capacity returns the number of blocks in the arena.
func (s *SlabManager) Capacity() int { return len(s.blocks) }

// Used returns the number of blocks in use.
func (s *SlabManager) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks) - len(s.free)
}

// Peak returns the largest number of blocks in use at once.
func (s *SlabManager) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// MaxUpdateBlocks is the number of blocks an update can need: one for each
// end of the updated range.
const MaxUpdateBlocks = 2

// UpdateAllocator reserves the blocks a single Manager update may consume,
// so that the update itself cannot fail. Blocks the update frees are kept
// for reuse and returned to the slab by Close.
type UpdateAllocator struct {
	slab   *SlabManager
	blocks [MaxUpdateBlocks]*Block
	index  int
}

// NewUpdateAllocator reserves numBlocks blocks from slab. It fails with
// kernerr.ErrOutOfResource if the slab cannot supply them.
func NewUpdateAllocator(slab *SlabManager, numBlocks int) (*UpdateAllocator, error) {
	if numBlocks > MaxUpdateBlocks {
		panic(fmt.Sprintf("update allocator of %d blocks", numBlocks))
	}
	a := &UpdateAllocator{slab: slab, index: MaxUpdateBlocks - numBlocks}
	for i := a.index; i < MaxUpdateBlocks; i++ {
		if a.blocks[i] = slab.Allocate(); a.blocks[i] == nil {
			a.Close()
			return nil, kernerr.ErrOutOfResource
		}
	}
	return a, nil
}

// Allocate hands out a reserved block.
func (a *UpdateAllocator) Allocate() *Block {
	if a.index >= MaxUpdateBlocks || a.blocks[a.index] == nil {
		panic("update allocator exhausted")
	}
	b := a.blocks[a.index]
	a.blocks[a.index] = nil
	a.index++
	return b
}

// Free takes back a block released by an update.
func (a *UpdateAllocator) Free(b *Block) {
	if a.index == 0 {
		a.slab.Free(b)
		return
	}
	a.index--
	a.blocks[a.index] = b
}

// Close returns every unused block to the slab.
func (a *UpdateAllocator) Close() {
	for i, b := range a.blocks {
		if b != nil {
			a.slab.Free(b)
			a.blocks[i] = nil
		}
	}
	a.index = MaxUpdateBlocks
}
