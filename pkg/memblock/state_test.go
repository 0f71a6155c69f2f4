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

import "testing"

func TestStateValues(t *testing.T) {
	for _, test := range []struct {
		state MemoryState
		want  uint32
	}{
		{StateFree, 0x00000000},
		{StateIo, 0x00182001},
		{StateCode, 0x04dc7e03},
		{StateNormal, 0x077ebd05},
		{StateStack, 0x045c3c0b},
		{StateInaccessible, 0x00000010},
	} {
		if uint32(test.state) != test.want {
			t.Errorf("%v: got %#08x, want %#08x", test.state, uint32(test.state), test.want)
		}
	}
	if !StateNormal.Has(FlagCanReprotect|FlagReferenceCounted) || StateCode.Has(FlagCanReprotect) {
		t.Errorf("Has gave wrong answers")
	}
}

func TestStateNames(t *testing.T) {
	for state, name := range stateNames {
		got, err := ParseState(name)
		if err != nil || got != state {
			t.Errorf("ParseState(%q): got (%v, %v), want %v", name, got, err, state)
		}
	}
	if got, err := ParseState("Free"); err != nil || got != StateFree {
		t.Errorf("ParseState(Free): got (%v, %v)", got, err)
	}
	if _, err := ParseState("Heap"); err == nil {
		t.Errorf("ParseState accepted an unknown state")
	}
}

func TestPermission(t *testing.T) {
	for _, test := range []struct {
		user uint8
		want Permission
		str  string
	}{
		{0, PermKernelRead | PermNotMapped, "---"},
		{1, PermUserRead, "r--"},
		{3, PermUserReadWrite, "rw-"},
		{5, PermUserReadExecute, "r-x"},
	} {
		got := ConvertUserPermission(test.user)
		if got != test.want {
			t.Errorf("ConvertUserPermission(%d): got %#x, want %#x", test.user, got, test.want)
		}
		if got.String() != test.str {
			t.Errorf("%#x.String(): got %q, want %q", got, got.String(), test.str)
		}
	}
	if p, err := ParsePermission("rw-"); err != nil || p != PermUserReadWrite {
		t.Errorf("ParsePermission(rw-): got (%#x, %v)", p, err)
	}
}

func TestAttributeFlags(t *testing.T) {
	for attr, want := range map[Attribute]string{
		AttrNone:                      "----",
		AttrLocked:                    "L---",
		AttrIpcLocked | AttrUncached:  "-I-U",
		AttrDeviceShared | AttrLocked: "L-D-",
		AttrMask &^ AttrDontCareMask:  "LIDU",
	} {
		if got := attr.Flags(); got != want {
			t.Errorf("%#x.Flags(): got %q, want %q", attr, got, want)
		}
	}
}
