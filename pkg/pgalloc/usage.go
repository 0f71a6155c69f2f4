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
	"bufio"
	"bytes"
	"fmt"
	"io"

	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/log"
	"gvisor.dev/kmem/pkg/memlayout"
)

// PoolUsage is a snapshot of the occupancy of one pool.
type PoolUsage struct {
	Pool        memlayout.Pool `json:"pool"`
	Managers    int            `json:"managers"`
	Size        uint64         `json:"size"`
	Free        uint64         `json:"free"`
	InitialUsed uint64         `json:"initial_used"`
}

// Used returns the number of bytes allocated from the pool.
func (u PoolUsage) Used() uint64 { return u.Size - u.Free }

// String implements fmt.Stringer.String.
func (u PoolUsage) String() string {
	return fmt.Sprintf("%-18v managers=%d size=%#x free=%#x used=%#x", u.Pool, u.Managers, u.Size, u.Free, u.Used())
}

// Size returns the total size of the managers of pool p.
func (m *Manager) Size(p memlayout.Pool) uint64 {
	var size uint64
	for rm := m.firstManager(p, FromFront); rm != nil; rm = nextManager(rm, FromFront) {
		size += rm.size()
	}
	return size
}

// FreeSize returns the number of free bytes in pool p.
func (m *Manager) FreeSize(p memlayout.Pool) uint64 {
	pl := m.poolFor(p)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return m.freeSizeLocked(p)
}

// Preconditions: m.pools[p].mu is locked.
func (m *Manager) freeSizeLocked(p memlayout.Pool) uint64 {
	var free uint64
	for rm := m.firstManager(p, FromFront); rm != nil; rm = nextManager(rm, FromFront) {
		free += rm.heap.NumFreePages() * hostarch.PageSize
	}
	return free
}

// Usage returns a snapshot of every pool. Pools are locked one at a time, so
// the snapshot is consistent per pool only.
func (m *Manager) Usage() []PoolUsage {
	usage := make([]PoolUsage, 0, memlayout.PoolCount)
	for p := memlayout.Pool(0); p < memlayout.PoolCount; p++ {
		u := PoolUsage{Pool: p}
		pl := &m.pools[p]
		pl.mu.Lock()
		for rm := m.firstManager(p, FromFront); rm != nil; rm = nextManager(rm, FromFront) {
			u.Managers++
			u.Size += rm.size()
			u.Free += rm.heap.NumFreePages() * hostarch.PageSize
			u.InitialUsed += rm.heap.InitialUsedSize()
		}
		pl.mu.Unlock()
		usage = append(usage, u)
	}
	return usage
}

// WriteFreeList writes the free blocks of every manager of pool p to w.
func (m *Manager) WriteFreeList(w io.Writer, p memlayout.Pool) {
	pl := m.poolFor(p)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for rm := m.firstManager(p, FromFront); rm != nil; rm = nextManager(rm, FromFront) {
		rm.dumpFreeList(w)
	}
}

// DumpFreeList logs the free blocks of every manager of pool p.
func (m *Manager) DumpFreeList(p memlayout.Pool) {
	var buf bytes.Buffer
	m.WriteFreeList(&buf, p)
	log.Infof("Free list of pool %v:", p)
	s := bufio.NewScanner(&buf)
	for s.Scan() {
		log.Infof("%s", s.Text())
	}
}
