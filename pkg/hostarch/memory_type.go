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

package hostarch

import "fmt"

// MemoryType specifies the cacheability of a mapping as installed in the
// process page tables.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is ARM64 Normal write-back cacheable memory. It is
	// used for ordinary process memory and must be the zero value for
	// MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeUncached is ARM64 Normal non-cacheable memory. Blocks carrying
	// the Uncached attribute are mapped with this type.
	MemoryTypeUncached

	// MemoryTypeDevice is ARM64 Device-nGnRE, used for Io mappings.
	MemoryTypeDevice

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeUncached:
		return "Uncached"
	case MemoryTypeDevice:
		return "Device"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeUncached:
		return "NC"
	case MemoryTypeDevice:
		return "DV"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
