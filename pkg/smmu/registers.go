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

package smmu

// Memory controller register offsets.
const (
	RegConfig     uint32 = 0x010
	RegPtbASID    uint32 = 0x01C
	RegPtbData    uint32 = 0x020
	RegTLBFlush   uint32 = 0x030
	RegPTCFlush   uint32 = 0x034
	RegPTCFlushHi uint32 = 0x9B8
	RegDcASID     uint32 = 0x240
	RegSdmmc1ASID uint32 = 0x268
)

// Flush register values.
const (
	tlbFlushAll          uint32 = 0
	tlbFlushVAMatchSect  uint32 = 2
	tlbFlushASIDMatch    uint32 = 1 << 31
	tlbFlushASIDShift           = 24
	tlbFlushSectionMask  uint64 = 0xFFC00000
	tlbFlushSectionShift        = 12

	ptcFlushAll     uint32 = 0
	ptcFlushAdr     uint32 = 1
	ptcFlushAdrMask uint64 = 0xFFFFFFF0
	ptcFlushHiShift        = 32

	asidEnable uint32 = 1 << 31
)

// Registers is the memory controller register file.
type Registers interface {
	// Read reads the 32-bit register at offset.
	Read(offset uint32) uint32

	// Write writes the 32-bit register at offset.
	Write(offset uint32, value uint32)
}

// CacheMaintainer cleans CPU data cache lines so that the device observes
// table writes.
type CacheMaintainer interface {
	FlushDataCache(pa, size uint64)
}

// PhysicalMemory gives word access to the memory holding the tables.
type PhysicalMemory interface {
	Words32(pa uint64, n int) []uint32
}

// TLBFlushSectionValue returns the TLB_FLUSH value invalidating the 4 MiB
// section containing dva for asid.
func TLBFlushSectionValue(asid uint8, dva uint64) uint32 {
	return uint32((dva&tlbFlushSectionMask)>>tlbFlushSectionShift) | tlbFlushVAMatchSect | tlbFlushASIDMatch | uint32(asid)<<tlbFlushASIDShift
}

// PTCFlushValue returns the PTC_FLUSH value invalidating the atom holding pa.
func PTCFlushValue(pa uint64) uint32 {
	return uint32(pa&ptcFlushAdrMask) | ptcFlushAdr
}

// PtbDataValue returns the PTB_DATA value for a directory at l0Phys.
func PtbDataValue(l0Phys uint64) uint32 {
	return uint32(l0Phys>>PageShift) | uint32(ReadWriteNonSecure)
}

// ASIDRegisterValue returns the per-device ASID register value selecting asid
// in each of the four 4 GiB regions of the device address space.
func ASIDRegisterValue(asid uint8) uint32 {
	a := uint32(asid)
	return asidEnable | a<<24 | a<<16 | a<<8 | a
}

func (c *Controller) invalidateTLBAll() {
	c.regs.Write(RegTLBFlush, tlbFlushAll)
}

func (c *Controller) invalidateTLBSection(asid uint8, dva uint64) {
	c.regs.Write(RegTLBFlush, TLBFlushSectionValue(asid, dva))
}

func (c *Controller) invalidatePTCAll() {
	c.regs.Write(RegPTCFlush, ptcFlushAll)
}

func (c *Controller) invalidatePTC(pa uint64) {
	c.regs.Write(RegPTCFlushHi, uint32(pa>>ptcFlushHiShift))
	c.regs.Write(RegPTCFlush, PTCFlushValue(pa))
}

// barrier waits for earlier register writes to take effect.
func (c *Controller) barrier() {
	c.regs.Read(RegConfig)
}
