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

// Package dram provides simulated physical memory backed by an anonymous host
// mapping.
//
// A Memory covers the physical range [Base, Base+Size). Physical addresses
// passed to its accessors must fall within that range; accesses outside it
// are programming errors and panic.
package dram

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/kmem/pkg/hostarch"
)

// DefaultBase is the physical address at which DRAM starts.
const DefaultBase = 0x80000000

// Memory is a range of simulated physical memory.
type Memory struct {
	base uint64
	data []byte
}

// New maps size bytes of zeroed memory standing in for the physical range
// starting at base. Both base and size must be page aligned.
func New(base, size uint64) (*Memory, error) {
	if !hostarch.IsAligned(base, hostarch.PageSize) || !hostarch.IsAligned(size, hostarch.PageSize) || size == 0 {
		return nil, fmt.Errorf("dram range [%#x, +%#x) is not page aligned", base, size)
	}
	if base+size < base {
		return nil, fmt.Errorf("dram range [%#x, +%#x) overflows", base, size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of dram: %w", size, err)
	}
	return &Memory{base: base, data: data}, nil
}

// Close unmaps the memory. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Base returns the first physical address of m.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the size of m in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// End returns the physical address just past m.
func (m *Memory) End() uint64 { return m.base + m.Size() }

// Contains returns true if [pa, pa+size) lies within m.
func (m *Memory) Contains(pa, size uint64) bool {
	return pa >= m.base && pa+size >= pa && pa+size <= m.End()
}

func (m *Memory) offset(pa, size uint64) uint64 {
	if !m.Contains(pa, size) {
		panic(fmt.Sprintf("physical range [%#x, +%#x) outside dram [%#x, %#x)", pa, size, m.base, m.End()))
	}
	return pa - m.base
}

// Bytes returns the bytes backing [pa, pa+size).
func (m *Memory) Bytes(pa, size uint64) []byte {
	off := m.offset(pa, size)
	return m.data[off : off+size : off+size]
}

// Words32 returns n 32-bit words starting at pa, which must be 4-byte
// aligned.
func (m *Memory) Words32(pa uint64, n int) []uint32 {
	if pa%4 != 0 {
		panic(fmt.Sprintf("unaligned 32-bit view at %#x", pa))
	}
	off := m.offset(pa, uint64(n)*4)
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&m.data[off])), n)
}

// Words16 returns n 16-bit words starting at pa, which must be 2-byte
// aligned.
func (m *Memory) Words16(pa uint64, n int) []uint16 {
	if pa%2 != 0 {
		panic(fmt.Sprintf("unaligned 16-bit view at %#x", pa))
	}
	off := m.offset(pa, uint64(n)*2)
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&m.data[off])), n)
}

// Words64 returns n 64-bit words starting at pa, which must be 8-byte
// aligned.
func (m *Memory) Words64(pa uint64, n int) []uint64 {
	if pa%8 != 0 {
		panic(fmt.Sprintf("unaligned 64-bit view at %#x", pa))
	}
	off := m.offset(pa, uint64(n)*8)
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&m.data[off])), n)
}

// Fill sets every byte of [pa, pa+size) to v. Zero fills aligned to the host
// page size are served by discarding the pages, which read back as zero.
func (m *Memory) Fill(pa, size uint64, v byte) {
	b := m.Bytes(pa, size)
	if hp := uint64(unix.Getpagesize()); v == 0 && size != 0 && hostarch.IsAligned(pa-m.base, hp) && hostarch.IsAligned(size, hp) {
		if err := unix.Madvise(b, unix.MADV_DONTNEED); err == nil {
			return
		}
	}
	for i := range b {
		b[i] = v
	}
}

// IsFilled returns true if every byte of [pa, pa+size) equals v.
func (m *Memory) IsFilled(pa, size uint64, v byte) bool {
	for _, c := range m.Bytes(pa, size) {
		if c != v {
			return false
		}
	}
	return true
}

// FlushDataCache implements smmu.CacheMaintainer.FlushDataCache. Simulated
// memory is coherent, so this only checks the range.
func (m *Memory) FlushDataCache(pa, size uint64) {
	m.offset(pa, size)
}
