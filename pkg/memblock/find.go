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
	"gvisor.dev/kmem/pkg/hostarch"
)

// FindFreeArea returns the lowest address within [regionStart,
// regionStart+regionNumPages pages) of a Free range that fits numPages
// pages, surrounded by guardPages guard pages on each side, whose address is
// offset past a multiple of alignment. It returns false if there is none.
//
// Preconditions: alignment is a power of two and offset < alignment.
func (m *Manager) FindFreeArea(regionStart hostarch.Addr, regionNumPages, numPages, alignment, offset, guardPages uint64) (hostarch.Addr, bool) {
	if numPages == 0 {
		return 0, false
	}
	regionEnd := regionStart + hostarch.Addr(regionNumPages*hostarch.PageSize)
	regionLast := regionEnd - 1
	guard := hostarch.Addr(guardPages * hostarch.PageSize)

	first := m.find(regionStart)
	if first == nil {
		return 0, false
	}
	var (
		found hostarch.Addr
		ok    bool
	)
	m.blocks.AscendGreaterOrEqual(first, func(b *Block) bool {
		if regionLast < b.address {
			return false
		}
		if b.state != StateFree {
			return true
		}
		area := b.address
		if area <= regionStart {
			area = regionStart
		}
		area += guard
		offsetArea := hostarch.Addr(hostarch.AlignDown(uint64(area), alignment) + offset)
		if area <= offsetArea {
			area = offsetArea
		} else {
			area = offsetArea + hostarch.Addr(alignment)
		}
		areaEnd := area + hostarch.Addr(numPages*hostarch.PageSize) + guard
		areaLast := areaEnd - 1
		if b.address <= area && area < areaLast && areaLast <= regionLast && areaLast <= b.Last() {
			found, ok = area, true
			return false
		}
		return true
	})
	return found, ok
}
