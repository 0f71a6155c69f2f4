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
	"fmt"

	"gvisor.dev/kmem/pkg/errors/kernerr"
	"gvisor.dev/kmem/pkg/hostarch"
)

// DefaultMaxBlocks is the block budget of a PageGroup created with a
// non-positive budget.
const DefaultMaxBlocks = 256

// Block is a run of physically contiguous pages.
type Block struct {
	Address  uint64
	NumPages uint64
}

// Size returns the size of b in bytes.
func (b Block) Size() uint64 { return b.NumPages * hostarch.PageSize }

// End returns the address just past b.
func (b Block) End() uint64 { return b.Address + b.Size() }

// String implements fmt.Stringer.String.
func (b Block) String() string {
	return fmt.Sprintf("[%#x, %#x)", b.Address, b.End())
}

// PageGroup is an ordered list of page runs. Adjacent runs are merged as
// they are added. The number of distinct runs is bounded.
type PageGroup struct {
	manager   *Manager
	blocks    []Block
	maxBlocks int
}

// NewPageGroup returns an empty group whose references are managed by m and
// that holds at most maxBlocks runs.
func NewPageGroup(m *Manager, maxBlocks int) *PageGroup {
	if maxBlocks <= 0 {
		maxBlocks = DefaultMaxBlocks
	}
	return &PageGroup{manager: m, maxBlocks: maxBlocks}
}

// AddBlock appends numPages pages at addr, merging with the last run when
// contiguous. It fails with kernerr.ErrOutOfResource when a new run would
// exceed the group's budget.
func (g *PageGroup) AddBlock(addr, numPages uint64) error {
	if numPages == 0 {
		return nil
	}
	if end := addr + numPages*hostarch.PageSize; end <= addr {
		panic(fmt.Sprintf("page run at %#x of %d pages wraps", addr, numPages))
	}
	if n := len(g.blocks); n > 0 && g.blocks[n-1].End() == addr {
		g.blocks[n-1].NumPages += numPages
		return nil
	}
	if len(g.blocks) >= g.maxBlocks {
		return kernerr.ErrOutOfResource
	}
	g.blocks = append(g.blocks, Block{Address: addr, NumPages: numPages})
	return nil
}

// Blocks returns the runs of g. The caller must not modify the result.
func (g *PageGroup) Blocks() []Block { return g.blocks }

// Len returns the number of runs in g.
func (g *PageGroup) Len() int { return len(g.blocks) }

// Empty returns true if g holds no pages.
func (g *PageGroup) Empty() bool { return len(g.blocks) == 0 }

// NumPages returns the total number of pages in g.
func (g *PageGroup) NumPages() uint64 {
	var n uint64
	for _, b := range g.blocks {
		n += b.NumPages
	}
	return n
}

// IsEquivalentTo returns true if g and other hold the same runs.
func (g *PageGroup) IsEquivalentTo(other *PageGroup) bool {
	if len(g.blocks) != len(other.blocks) {
		return false
	}
	for i := range g.blocks {
		if g.blocks[i] != other.blocks[i] {
			return false
		}
	}
	return true
}

// Finalize drops the runs without touching their reference counts.
func (g *PageGroup) Finalize() {
	g.blocks = nil
}

// Open takes an additional reference to every page of g.
func (g *PageGroup) Open() {
	for _, b := range g.blocks {
		g.manager.Open(b.Address, b.NumPages)
	}
}

// OpenFirst takes the first reference to every page of g.
func (g *PageGroup) OpenFirst() {
	for _, b := range g.blocks {
		g.manager.OpenFirst(b.Address, b.NumPages)
	}
}

// Close drops a reference to every page of g.
func (g *PageGroup) Close() {
	for _, b := range g.blocks {
		g.manager.Close(b.Address, b.NumPages)
	}
}
