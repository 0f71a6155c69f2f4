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

import "fmt"

// MemoryState is the state of a range of a process address space. The low
// byte is the state discriminant; the remaining bits are capability flags
// implied by the state.
type MemoryState uint32

// Capability flags.
const (
	StateMask MemoryState = 0xff

	FlagCanReprotect        MemoryState = 1 << 8
	FlagCanDebug            MemoryState = 1 << 9
	FlagCanUseIpc           MemoryState = 1 << 10
	FlagCanUseNonDeviceIpc  MemoryState = 1 << 11
	FlagCanUseNonSecureIpc  MemoryState = 1 << 12
	FlagMapped              MemoryState = 1 << 13
	FlagCode                MemoryState = 1 << 14
	FlagCanAlias            MemoryState = 1 << 15
	FlagCanCodeAlias        MemoryState = 1 << 16
	FlagCanTransfer         MemoryState = 1 << 17
	FlagCanQueryPhysical    MemoryState = 1 << 18
	FlagCanDeviceMap        MemoryState = 1 << 19
	FlagCanAlignedDeviceMap MemoryState = 1 << 20
	FlagCanIpcUserBuffer    MemoryState = 1 << 21
	FlagReferenceCounted    MemoryState = 1 << 22
	FlagCanMapProcess       MemoryState = 1 << 23
	FlagCanChangeAttribute  MemoryState = 1 << 24
	FlagCanCodeMemory       MemoryState = 1 << 25
	FlagLinearMapped        MemoryState = 1 << 26
	flagsData                           = FlagCanReprotect | FlagCanUseIpc | FlagCanUseNonDeviceIpc | FlagCanUseNonSecureIpc | FlagMapped | FlagCanAlias | FlagCanTransfer | FlagCanQueryPhysical | FlagCanDeviceMap | FlagCanAlignedDeviceMap | FlagCanIpcUserBuffer | FlagReferenceCounted | FlagCanChangeAttribute | FlagLinearMapped
	flagsCode                           = FlagCanDebug | FlagCanUseIpc | FlagCanUseNonDeviceIpc | FlagCanUseNonSecureIpc | FlagMapped | FlagCode | FlagCanQueryPhysical | FlagCanDeviceMap | FlagCanAlignedDeviceMap | FlagReferenceCounted | FlagLinearMapped
	flagsMisc                           = FlagMapped | FlagReferenceCounted | FlagCanQueryPhysical | FlagCanDeviceMap | FlagLinearMapped
	flagsIpc                            = flagsMisc | FlagCanAlignedDeviceMap | FlagCanUseIpc | FlagCanUseNonSecureIpc | FlagCanUseNonDeviceIpc
)

// Memory states.
const (
	StateFree             MemoryState = 0x00
	StateIo               MemoryState = 0x01 | FlagMapped | FlagCanDeviceMap | FlagCanAlignedDeviceMap
	StateStatic           MemoryState = 0x02 | FlagMapped | FlagCanQueryPhysical
	StateCode             MemoryState = 0x03 | flagsCode | FlagCanMapProcess
	StateCodeData         MemoryState = 0x04 | flagsData | FlagCanMapProcess | FlagCanCodeMemory
	StateNormal           MemoryState = 0x05 | flagsData | FlagCanCodeMemory
	StateShared           MemoryState = 0x06 | FlagMapped | FlagReferenceCounted | FlagLinearMapped
	StateAliasCode        MemoryState = 0x08 | flagsCode | FlagCanMapProcess | FlagCanCodeAlias
	StateAliasCodeData    MemoryState = 0x09 | flagsData | FlagCanMapProcess | FlagCanCodeAlias | FlagCanCodeMemory
	StateIpc              MemoryState = 0x0a | flagsIpc
	StateStack            MemoryState = 0x0b | flagsIpc
	StateThreadLocal      MemoryState = 0x0c | FlagMapped | FlagLinearMapped
	StateTransfered       MemoryState = 0x0d | flagsIpc | FlagCanChangeAttribute
	StateSharedTransfered MemoryState = 0x0e | flagsMisc | FlagCanAlignedDeviceMap | FlagCanUseNonSecureIpc | FlagCanUseNonDeviceIpc
	StateSharedCode       MemoryState = 0x0f | FlagMapped | FlagReferenceCounted | FlagLinearMapped | FlagCanUseNonSecureIpc | FlagCanUseNonDeviceIpc
	StateInaccessible     MemoryState = 0x10
	StateNonSecureIpc     MemoryState = 0x11 | flagsMisc | FlagCanAlignedDeviceMap | FlagCanUseNonSecureIpc | FlagCanUseNonDeviceIpc
	StateNonDeviceIpc     MemoryState = 0x12 | flagsMisc | FlagCanUseNonDeviceIpc
	StateKernel           MemoryState = 0x13 | FlagMapped
	StateGeneratedCode    MemoryState = 0x14 | FlagMapped | FlagReferenceCounted | FlagCanDebug | FlagLinearMapped
	StateCodeOut          MemoryState = 0x15 | FlagMapped | FlagReferenceCounted | FlagLinearMapped
	StateCoverage         MemoryState = 0x16 | FlagMapped
	StateInsecure         MemoryState = 0x17 | FlagMapped | FlagReferenceCounted | FlagLinearMapped | FlagCanChangeAttribute | FlagCanDeviceMap | FlagCanAlignedDeviceMap | FlagCanQueryPhysical | FlagCanUseNonSecureIpc | FlagCanUseNonDeviceIpc
)

var stateNames = map[MemoryState]string{
	StateFree:             "----- Free -----",
	StateIo:               "Io",
	StateStatic:           "Static",
	StateCode:             "Code",
	StateCodeData:         "CodeData",
	StateNormal:           "Normal",
	StateShared:           "Shared",
	StateAliasCode:        "AliasCode",
	StateAliasCodeData:    "AliasCodeData",
	StateIpc:              "Ipc",
	StateStack:            "Stack",
	StateThreadLocal:      "ThreadLocal",
	StateTransfered:       "Transfered",
	StateSharedTransfered: "SharedTransfered",
	StateSharedCode:       "SharedCode",
	StateInaccessible:     "Inaccessible",
	StateNonSecureIpc:     "NonSecureIpc",
	StateNonDeviceIpc:     "NonDeviceIpc",
	StateKernel:           "Kernel",
	StateGeneratedCode:    "GeneratedCode",
	StateCodeOut:          "CodeOut",
	StateCoverage:         "Coverage",
	StateInsecure:         "Insecure",
}

// String implements fmt.Stringer.String.
func (s MemoryState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%#x)", uint32(s))
}

// ParseState returns the state named s.
func ParseState(s string) (MemoryState, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	if s == "Free" {
		return StateFree, nil
	}
	return 0, fmt.Errorf("unknown memory state %q", s)
}

// Has returns true if s carries every flag in flags.
func (s MemoryState) Has(flags MemoryState) bool {
	return s&flags == flags
}

// Permission is the access permission of a range.
type Permission uint8

// Permission bits. User permissions imply the matching kernel ones.
const (
	PermNone Permission = 0

	permRead    Permission = 1 << 0
	permWrite   Permission = 1 << 1
	permExecute Permission = 1 << 2

	kernelShift = 3

	PermKernelRead    Permission = permRead << kernelShift
	PermKernelWrite   Permission = permWrite << kernelShift
	PermKernelExecute Permission = permExecute << kernelShift

	PermNotMapped Permission = 1 << (2 * kernelShift)

	PermKernelReadWrite   = PermKernelRead | PermKernelWrite
	PermKernelReadExecute = PermKernelRead | PermKernelExecute

	PermUserRead        = permRead | PermKernelRead
	PermUserWrite       = permWrite | PermKernelWrite
	PermUserExecute     = permExecute
	PermUserReadWrite   = PermUserRead | PermUserWrite
	PermUserReadExecute = PermUserRead | PermUserExecute

	PermUserMask = permRead | permWrite | permExecute

	// PermIpcLockChangeMask are the bits an IPC lock may replace.
	PermIpcLockChangeMask = PermNotMapped | PermUserReadWrite
)

// ConvertUserPermission returns the Permission for user-visible permission
// bits (read 1, write 2, execute 4).
func ConvertUserPermission(user uint8) Permission {
	p := Permission(user) & PermUserMask
	perm := p | PermKernelRead | (p&permWrite)<<kernelShift
	if p == PermNone {
		perm |= PermNotMapped
	}
	return perm
}

// String returns the user permission in "rwx" form.
func (p Permission) String() string {
	switch p {
	case PermUserReadExecute:
		return "r-x"
	case PermUserRead:
		return "r--"
	case PermUserReadWrite:
		return "rw-"
	default:
		return "---"
	}
}

// ParsePermission parses "r--", "rw-", "r-x" or "---".
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "r--":
		return PermUserRead, nil
	case "rw-":
		return PermUserReadWrite, nil
	case "r-x":
		return PermUserReadExecute, nil
	case "---":
		return PermNone, nil
	default:
		return 0, fmt.Errorf("unknown permission %q", s)
	}
}

// Attribute holds the attribute bits of a range.
type Attribute uint8

// Attribute bits.
const (
	AttrNone         Attribute = 0
	AttrLocked       Attribute = 1 << 0
	AttrIpcLocked    Attribute = 1 << 1
	AttrDeviceShared Attribute = 1 << 2
	AttrUncached     Attribute = 1 << 3
	AttrMask         Attribute = 0x7f
	AttrDontCareMask Attribute = 0x80

	// attrIgnoreMask are the bits HasProperties ignores. IpcLocked and
	// DeviceShared are owned by the lock counts, not by updates.
	attrIgnoreMask = AttrIpcLocked | AttrDeviceShared | AttrDontCareMask
	attrLockMask   = AttrIpcLocked | AttrDeviceShared
)

// Flags returns the "LIDU" attribute flags.
func (a Attribute) Flags() string {
	b := []byte("----")
	for i, bit := range []Attribute{AttrLocked, AttrIpcLocked, AttrDeviceShared, AttrUncached} {
		if a&bit != 0 {
			b[i] = "LIDU"[i]
		}
	}
	return string(b)
}

// DisableMergeAttribute marks the edges of locked ranges so that they are
// not coalesced with their neighbors.
type DisableMergeAttribute uint8

// Edge markers.
const (
	DisableMergeNone        DisableMergeAttribute = 0
	DisableMergeDeviceLeft  DisableMergeAttribute = 1 << 0
	DisableMergeIpcLeft     DisableMergeAttribute = 1 << 1
	DisableMergeDeviceRight DisableMergeAttribute = 1 << 2
	DisableMergeIpcRight    DisableMergeAttribute = 1 << 3

	DisableMergeAllLeft  = DisableMergeDeviceLeft | DisableMergeIpcLeft
	DisableMergeAllRight = DisableMergeDeviceRight | DisableMergeIpcRight
)
