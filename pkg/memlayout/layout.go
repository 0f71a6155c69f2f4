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

// Package memlayout describes the physical memory layout that the page
// allocator is built from: the DRAM extent, the management region holding
// allocator metadata, the pool regions and the initial process binary.
package memlayout

import (
	"fmt"
	"sort"
	"strings"

	"gvisor.dev/kmem/pkg/hostarch"
)

// Pool is a physical memory partition.
type Pool uint8

// Pools.
const (
	PoolApplication Pool = iota
	PoolApplet
	PoolSystem
	PoolSystemNonSecure

	// PoolCount is the number of pools.
	PoolCount

	// PoolUnsafe aliases the application pool; it is used for memory handed
	// out to processes that asked for it explicitly.
	PoolUnsafe = PoolApplication
	// PoolSecure aliases the system pool.
	PoolSecure = PoolSystem
)

var poolNames = [PoolCount]string{
	PoolApplication:     "application",
	PoolApplet:          "applet",
	PoolSystem:          "system",
	PoolSystemNonSecure: "system_non_secure",
}

// String implements fmt.Stringer.String.
func (p Pool) String() string {
	if p < PoolCount {
		return poolNames[p]
	}
	return fmt.Sprintf("Pool(%d)", uint8(p))
}

// ParsePool converts a pool name into a Pool.
func ParsePool(s string) (Pool, error) {
	for p, name := range poolNames {
		if strings.EqualFold(s, name) {
			return Pool(p), nil
		}
	}
	return PoolCount, fmt.Errorf("unknown pool %q", s)
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (p Pool) MarshalText() ([]byte, error) {
	if p >= PoolCount {
		return nil, fmt.Errorf("invalid pool %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (p *Pool) UnmarshalText(b []byte) error {
	v, err := ParsePool(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Extent is a physical address range [Address, Address+Size).
type Extent struct {
	Address uint64 `toml:"address" yaml:"address"`
	Size    uint64 `toml:"size" yaml:"size"`
}

// End returns the address just past e.
func (e Extent) End() uint64 { return e.Address + e.Size }

// Last returns the last address in e.
func (e Extent) Last() uint64 { return e.Address + e.Size - 1 }

// Contains returns true if e2 lies entirely within e.
func (e Extent) Contains(e2 Extent) bool {
	return e.Address <= e2.Address && e2.End() <= e.End()
}

// Overlaps returns true if e and e2 share at least one address.
func (e Extent) Overlaps(e2 Extent) bool {
	return e.Size != 0 && e2.Size != 0 && e.Address < e2.End() && e2.Address < e.End()
}

// String implements fmt.Stringer.String.
func (e Extent) String() string {
	return fmt.Sprintf("[%#x, %#x)", e.Address, e.End())
}

func (e Extent) validate(what string) error {
	if e.Size == 0 {
		return fmt.Errorf("%s is empty", what)
	}
	if !hostarch.IsAligned(e.Address, hostarch.PageSize) || !hostarch.IsAligned(e.Size, hostarch.PageSize) {
		return fmt.Errorf("%s %v is not page aligned", what, e)
	}
	if e.End() < e.Address {
		return fmt.Errorf("%s %v overflows", what, e)
	}
	return nil
}

// Region is a range of DRAM belonging to a pool. Regions with the same
// Manager index are served by a single page manager and must be contiguous.
type Region struct {
	Name    string `toml:"name" yaml:"name"`
	Address uint64 `toml:"address" yaml:"address"`
	Size    uint64 `toml:"size" yaml:"size"`
	Pool    Pool   `toml:"pool" yaml:"pool"`
	Manager int    `toml:"manager" yaml:"manager"`
}

// Extent returns the physical range of r.
func (r Region) Extent() Extent { return Extent{Address: r.Address, Size: r.Size} }

// Layout is a physical memory layout.
type Layout struct {
	// Dram is the whole simulated physical memory.
	Dram Extent `toml:"dram" yaml:"dram"`

	// Management holds allocator metadata: per-page reference counts,
	// optimize bitmaps and page heap bitmaps.
	Management Extent `toml:"management" yaml:"management"`

	// InitialProcessBinary is kept allocated at boot. It may be empty.
	InitialProcessBinary Extent `toml:"initial_process_binary" yaml:"initial_process_binary"`

	// Regions are the pool regions.
	Regions []Region `toml:"region" yaml:"regions"`
}

// ManagerRange is the range served by one page manager.
type ManagerRange struct {
	Index   int
	Pool    Pool
	Extent  Extent
	Regions []Region
}

// Validate checks l for consistency.
func (l *Layout) Validate() error {
	if err := l.Dram.validate("dram"); err != nil {
		return err
	}
	if err := l.Management.validate("management region"); err != nil {
		return err
	}
	if !l.Dram.Contains(l.Management) {
		return fmt.Errorf("management region %v outside dram %v", l.Management, l.Dram)
	}
	if len(l.Regions) == 0 {
		return fmt.Errorf("layout has no pool regions")
	}

	regions := l.sortedRegions()
	for i, r := range regions {
		what := fmt.Sprintf("region %q", r.Name)
		if err := r.Extent().validate(what); err != nil {
			return err
		}
		if r.Pool >= PoolCount {
			return fmt.Errorf("%s has invalid pool %d", what, uint8(r.Pool))
		}
		if !l.Dram.Contains(r.Extent()) {
			return fmt.Errorf("%s %v outside dram %v", what, r.Extent(), l.Dram)
		}
		if r.Extent().Overlaps(l.Management) {
			return fmt.Errorf("%s %v overlaps management region %v", what, r.Extent(), l.Management)
		}
		if i > 0 && regions[i-1].Extent().Overlaps(r.Extent()) {
			return fmt.Errorf("%s %v overlaps region %q", what, r.Extent(), regions[i-1].Name)
		}
	}

	if l.InitialProcessBinary.Size != 0 {
		if err := l.InitialProcessBinary.validate("initial process binary"); err != nil {
			return err
		}
		contained := false
		for _, r := range regions {
			if r.Extent().Contains(l.InitialProcessBinary) {
				contained = true
			} else if r.Extent().Overlaps(l.InitialProcessBinary) {
				return fmt.Errorf("initial process binary %v partially overlaps region %q", l.InitialProcessBinary, r.Name)
			}
		}
		if !contained {
			return fmt.Errorf("initial process binary %v is not within a pool region", l.InitialProcessBinary)
		}
	}

	_, err := l.managerRanges(regions)
	return err
}

// Managers returns the manager ranges of l in index order. l must be valid.
func (l *Layout) Managers() []ManagerRange {
	ranges, err := l.managerRanges(l.sortedRegions())
	if err != nil {
		panic(fmt.Sprintf("invalid layout: %v", err))
	}
	return ranges
}

func (l *Layout) sortedRegions() []Region {
	regions := append([]Region(nil), l.Regions...)
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Address < regions[j].Address })
	return regions
}

func (l *Layout) managerRanges(regions []Region) ([]ManagerRange, error) {
	byIndex := make(map[int]*ManagerRange)
	maxIndex := -1
	for _, r := range regions {
		if r.Manager < 0 {
			return nil, fmt.Errorf("region %q has negative manager index %d", r.Name, r.Manager)
		}
		m, ok := byIndex[r.Manager]
		if !ok {
			m = &ManagerRange{Index: r.Manager, Pool: r.Pool, Extent: r.Extent()}
			byIndex[r.Manager] = m
		} else {
			if m.Pool != r.Pool {
				return nil, fmt.Errorf("region %q is in pool %v but manager %d serves pool %v", r.Name, r.Pool, r.Manager, m.Pool)
			}
			if m.Extent.End() != r.Address {
				return nil, fmt.Errorf("region %q at %#x is not contiguous with manager %d ending at %#x", r.Name, r.Address, r.Manager, m.Extent.End())
			}
			m.Extent.Size += r.Size
		}
		m.Regions = append(m.Regions, r)
		if r.Manager > maxIndex {
			maxIndex = r.Manager
		}
	}
	ranges := make([]ManagerRange, 0, len(byIndex))
	for i := 0; i <= maxIndex; i++ {
		m, ok := byIndex[i]
		if !ok {
			return nil, fmt.Errorf("manager index %d has no regions", i)
		}
		ranges = append(ranges, *m)
	}
	return ranges, nil
}

// PoolSize returns the number of bytes l assigns to pool p.
func (l *Layout) PoolSize(p Pool) uint64 {
	var size uint64
	for _, r := range l.Regions {
		if r.Pool == p {
			size += r.Size
		}
	}
	return size
}

// Default returns a 64 MiB layout with every pool populated. The system
// pool is served by one manager spanning two regions and holds the initial
// process binary at its top.
func Default() *Layout {
	const base = 0x80000000
	return &Layout{
		Dram:                 Extent{Address: base, Size: 64 * hostarch.MiB},
		Management:           Extent{Address: base + 1*hostarch.MiB, Size: 1 * hostarch.MiB},
		InitialProcessBinary: Extent{Address: base + 63*hostarch.MiB, Size: 1 * hostarch.MiB},
		Regions: []Region{
			{Name: "application", Address: base + 2*hostarch.MiB, Size: 32 * hostarch.MiB, Pool: PoolApplication, Manager: 0},
			{Name: "applet", Address: base + 34*hostarch.MiB, Size: 8 * hostarch.MiB, Pool: PoolApplet, Manager: 1},
			{Name: "system_non_secure", Address: base + 42*hostarch.MiB, Size: 4 * hostarch.MiB, Pool: PoolSystemNonSecure, Manager: 2},
			{Name: "system", Address: base + 46*hostarch.MiB, Size: 2 * hostarch.MiB, Pool: PoolSystem, Manager: 3},
			{Name: "system_high", Address: base + 48*hostarch.MiB, Size: 16 * hostarch.MiB, Pool: PoolSystem, Manager: 3},
		},
	}
}
