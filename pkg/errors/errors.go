// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definition for the kernel
// memory packages.
package errors

import "fmt"

// Module identifies the subsystem a Result originates from.
type Module uint32

// Description is the module-specific part of a Result.
type Description uint32

const (
	moduleBits      = 9
	descriptionBits = 13

	moduleMask      = 1<<moduleBits - 1
	descriptionMask = 1<<descriptionBits - 1
)

// Result is a packed kernel result code: the module in bits 0..8 and the
// description in bits 9..21. The zero Result is success.
type Result uint32

// MakeResult packs a module and description into a Result.
func MakeResult(m Module, d Description) Result {
	return Result(uint32(m)&moduleMask | (uint32(d)&descriptionMask)<<moduleBits)
}

// Module returns the module of r.
func (r Result) Module() Module { return Module(uint32(r) & moduleMask) }

// Description returns the description of r.
func (r Result) Description() Description {
	return Description(uint32(r) >> moduleBits & descriptionMask)
}

// IsSuccess returns true if r denotes success.
func (r Result) IsSuccess() bool { return r == 0 }

// String implements fmt.Stringer.String.
func (r Result) String() string {
	return fmt.Sprintf("%04d-%04d", 2000+r.Module(), r.Description())
}

// Error represents a kernel result code with a descriptive message.
type Error struct {
	result  Result
	message string
}

// New creates a new *Error.
func New(r Result, message string) *Error {
	return &Error{
		result:  r,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Result returns the underlying Result value.
func (e *Error) Result() Result { return e.result }
