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

// Package kernerr contains kernel result codes exported as error interface
// pointers, so that they can be compared and returned cheaply.
package kernerr

import (
	goerrors "errors"

	"gvisor.dev/kmem/pkg/errors"
)

// ModuleSvc is the module of results produced by the memory core.
const ModuleSvc errors.Module = 1

// Descriptions of the svc results used by the memory core.
const (
	DescInvalidArgument      errors.Description = 14
	DescInvalidSize          errors.Description = 101
	DescInvalidAddress       errors.Description = 102
	DescOutOfResource        errors.Description = 103
	DescOutOfMemory          errors.Description = 104
	DescInvalidCurrentMemory errors.Description = 106
	DescBusy                 errors.Description = 122
	DescInvalidState         errors.Description = 125
)

var (
	noError *errors.Error = nil

	ErrInvalidArgument      = errors.New(errors.MakeResult(ModuleSvc, DescInvalidArgument), "invalid argument")
	ErrInvalidSize          = errors.New(errors.MakeResult(ModuleSvc, DescInvalidSize), "invalid size")
	ErrInvalidAddress       = errors.New(errors.MakeResult(ModuleSvc, DescInvalidAddress), "invalid address")
	ErrOutOfResource        = errors.New(errors.MakeResult(ModuleSvc, DescOutOfResource), "out of resource")
	ErrOutOfMemory          = errors.New(errors.MakeResult(ModuleSvc, DescOutOfMemory), "out of memory")
	ErrInvalidCurrentMemory = errors.New(errors.MakeResult(ModuleSvc, DescInvalidCurrentMemory), "invalid current memory state")
	ErrBusy                 = errors.New(errors.MakeResult(ModuleSvc, DescBusy), "resource busy")
	ErrInvalidState         = errors.New(errors.MakeResult(ModuleSvc, DescInvalidState), "invalid state")
)

var errorMap = map[errors.Result]*errors.Error{
	0:                                noError,
	ErrInvalidArgument.Result():      ErrInvalidArgument,
	ErrInvalidSize.Result():          ErrInvalidSize,
	ErrInvalidAddress.Result():       ErrInvalidAddress,
	ErrOutOfResource.Result():        ErrOutOfResource,
	ErrOutOfMemory.Result():          ErrOutOfMemory,
	ErrInvalidCurrentMemory.Result(): ErrInvalidCurrentMemory,
	ErrBusy.Result():                 ErrBusy,
	ErrInvalidState.Result():         ErrInvalidState,
}

// FromResult returns the *errors.Error for r. ok is false if r is not a
// result produced by the memory core. A successful Result maps to a nil
// *errors.Error.
func FromResult(r errors.Result) (err *errors.Error, ok bool) {
	err, ok = errorMap[r]
	return err, ok
}

// ToError converts a *errors.Error into an error interface, mapping nil to
// a nil interface value.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ResultOf returns the Result carried by err, unwrapping as needed. A nil
// error is success; an error that carries no Result reports ok == false.
func ResultOf(err error) (r errors.Result, ok bool) {
	if err == nil {
		return 0, true
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Result(), true
	}
	return 0, false
}

// Equals returns true if err carries the same Result as target.
func Equals(target *errors.Error, err error) bool {
	r, ok := ResultOf(err)
	if !ok {
		return false
	}
	if target == nil {
		return r.IsSuccess()
	}
	return r == target.Result()
}
