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
	"fmt"

	"gvisor.dev/kmem/pkg/memlayout"
)

// Direction describes which end of a pool allocations are made from.
type Direction uint8

const (
	// FromFront prefers the lowest-addressed manager of the pool.
	FromFront Direction = iota

	// FromBack prefers the highest-addressed manager of the pool.
	FromBack
)

// String implements fmt.Stringer.String.
func (d Direction) String() string {
	switch d {
	case FromFront:
		return "FromFront"
	case FromBack:
		return "FromBack"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

const (
	optionPoolShift      = 0
	optionPoolMask       = 0xf << optionPoolShift
	optionDirectionShift = 4
	optionDirectionMask  = 0x1 << optionDirectionShift
)

// Option packs a pool and a direction into one word.
type Option uint32

// EncodeOption returns the Option for pool and dir.
func EncodeOption(pool memlayout.Pool, dir Direction) Option {
	return Option(uint32(pool)<<optionPoolShift&optionPoolMask | uint32(dir)<<optionDirectionShift&optionDirectionMask)
}

// Pool returns the pool of o.
func (o Option) Pool() memlayout.Pool {
	return memlayout.Pool((o & optionPoolMask) >> optionPoolShift)
}

// Direction returns the direction of o.
func (o Option) Direction() Direction {
	return Direction((o & optionDirectionMask) >> optionDirectionShift)
}

// DecodeOption returns the pool and direction of o.
func DecodeOption(o Option) (memlayout.Pool, Direction) {
	return o.Pool(), o.Direction()
}

// String implements fmt.Stringer.String.
func (o Option) String() string {
	return fmt.Sprintf("%v/%v", o.Pool(), o.Direction())
}
