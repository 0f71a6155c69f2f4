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

// Package hostarch contains address types and page size constants shared by
// the kernel memory packages.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1

	// KiB, MiB and GiB are byte multiples.
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

// IsAligned returns true if v is a multiple of align, which must be a power
// of two.
func IsAligned(v, align uint64) bool {
	return v&(align-1) == 0
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
// The result wraps if v is within align of the top of the address space.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns true if v is a power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// PagesToBytes returns the byte length of n pages.
func PagesToBytes(n uint64) uint64 {
	return n << PageShift
}

// BytesToPages returns the number of whole pages in n bytes.
func BytesToPages(n uint64) uint64 {
	return n >> PageShift
}
