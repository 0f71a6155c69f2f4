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

package process

import (
	"gvisor.dev/kmem/pkg/errors/kernerr"
	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/memblock"
)

// lockRange applies fn to [addr, addr+numPages pages) after taking (open)
// or before dropping (!open) one reference to each of its pages.
//
// +checklocks:as.mu
func (as *AddressSpace) lockRange(addr hostarch.Addr, numPages uint64, fn memblock.LockFunc, perm memblock.Permission, open bool) error {
	a, err := as.newUpdateAllocator()
	if err != nil {
		return err
	}
	defer a.Close()

	as.pt.forEachRun(addr, numPages, func(_ hostarch.Addr, phys, n uint64) {
		if open {
			as.pages.Open(phys, n)
		} else {
			as.pages.Close(phys, n)
		}
	})
	as.blocks.UpdateLock(a, addr, numPages, fn, perm)
	as.syncPermissions(addr, numPages)
	return nil
}

// syncPermissions copies block permissions into the page table.
//
// +checklocks:as.mu
func (as *AddressSpace) syncPermissions(addr hostarch.Addr, numPages uint64) {
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(numPages*hostarch.PageSize)}
	as.blocks.ForEachInRange(ar, func(info memblock.MemoryInfo) bool {
		r := ar.Intersect(hostarch.AddrRange{Start: info.Address, End: info.End()})
		as.pt.protect(r.Start, r.NumPages(), info.Permission)
		return true
	})
}

// LockForIpc locks [addr, addr+numPages pages) as an IPC buffer, reducing
// its permission to perm while the first lock is held. Locks nest.
func (as *AddressSpace) LockForIpc(addr hostarch.Addr, numPages uint64, perm memblock.Permission) error {
	if perm != memblock.PermUserRead && perm != memblock.PermUserReadWrite {
		return kernerr.ErrInvalidArgument
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	info, err := as.checkState(addr, numPages, stateTest{
		stateMask: memblock.FlagCanIpcUserBuffer,
		state:     memblock.FlagCanIpcUserBuffer,
		attrMask:  memblock.AttrLocked | memblock.AttrUncached,
	})
	if err != nil {
		return err
	}
	if info.Attribute&memblock.AttrIpcLocked == 0 && info.Permission|perm != info.Permission {
		return kernerr.ErrInvalidCurrentMemory
	}
	return as.lockRange(addr, numPages, memblock.LockForIpc, perm, true)
}

// UnlockForIpc drops one IPC lock of [addr, addr+numPages pages). The
// original permission is restored when the last lock is dropped.
func (as *AddressSpace) UnlockForIpc(addr hostarch.Addr, numPages uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, err := as.checkState(addr, numPages, stateTest{
		stateMask: memblock.FlagCanIpcUserBuffer,
		state:     memblock.FlagCanIpcUserBuffer,
		attrMask:  memblock.AttrLocked | memblock.AttrIpcLocked,
		attr:      memblock.AttrIpcLocked,
	}); err != nil {
		return err
	}
	return as.lockRange(addr, numPages, memblock.UnlockForIpc, memblock.PermNone, false)
}

// LockForDevice shares [addr, addr+numPages pages) with a device address
// space. Shares nest.
func (as *AddressSpace) LockForDevice(addr hostarch.Addr, numPages uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, err := as.checkState(addr, numPages, stateTest{
		stateMask: memblock.FlagCanDeviceMap,
		state:     memblock.FlagCanDeviceMap,
		attrMask:  memblock.AttrLocked | memblock.AttrIpcLocked,
	}); err != nil {
		return err
	}
	return as.lockRange(addr, numPages, memblock.ShareToDevice, memblock.PermNone, true)
}

// UnlockForDevice drops one device share of [addr, addr+numPages pages).
func (as *AddressSpace) UnlockForDevice(addr hostarch.Addr, numPages uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, err := as.checkState(addr, numPages, stateTest{
		stateMask: memblock.FlagCanDeviceMap,
		state:     memblock.FlagCanDeviceMap,
		attrMask:  memblock.AttrLocked | memblock.AttrDeviceShared,
		attr:      memblock.AttrDeviceShared,
	}); err != nil {
		return err
	}
	return as.lockRange(addr, numPages, memblock.UnshareToDevice, memblock.PermNone, false)
}
