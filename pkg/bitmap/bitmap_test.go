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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(200)
	for _, i := range []uint32{0, 63, 64, 130} {
		b.Add(i)
	}
	b.Add(63)
	if got := b.GetNumOnes(); got != 4 {
		t.Fatalf("GetNumOnes: got %d, want 4", got)
	}
	if diff := cmp.Diff([]uint32{0, 63, 64, 130}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
	b.Remove(63)
	b.Remove(63)
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes after Remove: got %d, want 3", got)
	}
	if b.Contains(63) || !b.Contains(64) {
		t.Errorf("Contains gave wrong answers after Remove")
	}
}

func TestRanges(t *testing.T) {
	for _, test := range []struct {
		name       string
		begin, end uint32
	}{
		{"within one block", 3, 17},
		{"block aligned", 64, 128},
		{"spanning blocks", 60, 200},
		{"whole bitmap", 0, 256},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := New(256)
			b.SetRange(test.begin, test.end)
			if got, want := b.GetNumOnes(), test.end-test.begin; got != want {
				t.Errorf("GetNumOnes after SetRange: got %d, want %d", got, want)
			}
			if !b.IsRangeSet(test.begin, test.end) {
				t.Errorf("IsRangeSet(%d, %d) = false after SetRange", test.begin, test.end)
			}
			if test.begin > 0 && b.Contains(test.begin-1) {
				t.Errorf("bit %d set outside range", test.begin-1)
			}
			if b.Contains(test.end) {
				t.Errorf("bit %d set outside range", test.end)
			}
			b.ClearRange(test.begin, test.end)
			if !b.IsEmpty() || !b.IsRangeClear(0, 256) {
				t.Errorf("bitmap not empty after ClearRange: %v", b.ToSlice())
			}
		})
	}
}

func TestFirstLastNth(t *testing.T) {
	b := New(512)
	if _, err := b.FirstOne(0); err == nil {
		t.Errorf("FirstOne on empty bitmap succeeded")
	}
	for _, i := range []uint32{5, 70, 300} {
		b.Add(i)
	}
	if got, err := b.FirstOne(6); err != nil || got != 70 {
		t.Errorf("FirstOne(6): got (%d, %v), want 70", got, err)
	}
	if got, err := b.LastOne(); err != nil || got != 300 {
		t.Errorf("LastOne: got (%d, %v), want 300", got, err)
	}
	for n, want := range []uint32{5, 70, 300} {
		if got, err := b.NthOne(uint32(n)); err != nil || got != want {
			t.Errorf("NthOne(%d): got (%d, %v), want %d", n, got, err, want)
		}
	}
	if _, err := b.NthOne(3); err == nil {
		t.Errorf("NthOne(3) succeeded with three bits set")
	}
}

func TestFromBlocks(t *testing.T) {
	storage := []uint64{0x3, 0, 1 << 63}
	b := FromBlocks(storage)
	if got := b.GetNumOnes(); got != 3 {
		t.Fatalf("GetNumOnes: got %d, want 3", got)
	}
	b.Reset()
	if storage[0] != 0 || storage[2] != 0 {
		t.Errorf("Reset did not clear the backing storage: %#x", storage)
	}
}
