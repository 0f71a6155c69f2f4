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

// Device describes a fixed device bring-up: where its tables live, its ASID
// and the one region it maps.
type Device struct {
	Name string

	// ASIDRegister is the memory controller register selecting the
	// device's ASID.
	ASIDRegister uint32
	ASID         uint8

	// L0Phys and L1Phys are the directory and the second-level table.
	L0Phys uint64
	L1Phys uint64

	// Phys, Size and DeviceAddress describe the mapped region.
	Phys          uint64
	Size          uint64
	DeviceAddress uint64
}

// Fixed device page table placement in the reserved kernel area at the base
// of DRAM.
const (
	sdmmc1ASID          = 1
	sdmmc1L0Phys        = 0x800F0000
	sdmmc1L1Phys        = 0x800F1000
	sdmmc1BufferPhys    = 0x80080000
	sdmmc1BufferSize    = 0x10000
	sdmmc1DeviceAddress = 0x80080000

	dcASID               = 2
	dcL0Phys             = 0x800F2000
	dcL1Phys             = 0x800F3000
	dcFramebufferPhys    = 0xC0000000
	dcFramebufferSize    = 0x400000
	dcFramebufferAddress = 0xC0000000

	// DeviceTablesStart and DeviceTablesEnd bound the tables above.
	DeviceTablesStart = 0x800F0000
	DeviceTablesEnd   = 0x800F4000
)

// The fixed extents must be page aligned, the framebuffer must be coverable
// by large pages, and the tables must be distinct and inside the reserved
// range. Each constant below fails to compile if its operand is nonzero.
const (
	_ = uint64(0) - sdmmc1L0Phys%TableSize
	_ = uint64(0) - sdmmc1L1Phys%TableSize
	_ = uint64(0) - dcL0Phys%TableSize
	_ = uint64(0) - dcL1Phys%TableSize
	_ = uint64(0) - sdmmc1BufferPhys%PageSize
	_ = uint64(0) - sdmmc1BufferSize%PageSize
	_ = uint64(0) - sdmmc1DeviceAddress%PageSize
	_ = uint64(0) - dcFramebufferPhys%LargePageSize
	_ = uint64(0) - dcFramebufferSize%LargePageSize
	_ = uint64(0) - dcFramebufferAddress%LargePageSize

	_ = uint64(sdmmc1L0Phys - DeviceTablesStart)
	_ = uint64(sdmmc1L1Phys - sdmmc1L0Phys - TableSize)
	_ = uint64(dcL0Phys - sdmmc1L1Phys - TableSize)
	_ = uint64(dcL1Phys - dcL0Phys - TableSize)
	_ = uint64(DeviceTablesEnd - dcL1Phys - TableSize)

	_ = uint64(1<<AddressBits - sdmmc1BufferPhys - sdmmc1BufferSize)
	_ = uint64(1<<AddressBits - dcFramebufferPhys - dcFramebufferSize)
	_ = uint32(1<<RegionShift - sdmmc1DeviceAddress - sdmmc1BufferSize)
	_ = uint32(1<<RegionShift - dcFramebufferAddress - dcFramebufferSize)
	_ = uint8(1<<7 - 1 - sdmmc1ASID)
	_ = uint8(1<<7 - 1 - dcASID)
)

// Sdmmc1 is the SD card controller, which maps its DMA bounce buffer.
var Sdmmc1 = Device{
	Name:          "sdmmc1",
	ASIDRegister:  RegSdmmc1ASID,
	ASID:          sdmmc1ASID,
	L0Phys:        sdmmc1L0Phys,
	L1Phys:        sdmmc1L1Phys,
	Phys:          sdmmc1BufferPhys,
	Size:          sdmmc1BufferSize,
	DeviceAddress: sdmmc1DeviceAddress,
}

// Dc is the display controller, which maps the framebuffer.
var Dc = Device{
	Name:          "dc",
	ASIDRegister:  RegDcASID,
	ASID:          dcASID,
	L0Phys:        dcL0Phys,
	L1Phys:        dcL1Phys,
	Phys:          dcFramebufferPhys,
	Size:          dcFramebufferSize,
	DeviceAddress: dcFramebufferAddress,
}

// InitializeDevicePageTableForSdmmc1 brings up the SD card controller's
// translation.
func (c *Controller) InitializeDevicePageTableForSdmmc1() {
	c.InitializeForDevice(Sdmmc1)
}

// InitializeDevicePageTableForDc brings up the display controller's
// translation.
func (c *Controller) InitializeDevicePageTableForDc() {
	c.InitializeForDevice(Dc)
}
