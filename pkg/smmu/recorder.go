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

import (
	"fmt"
	"io"
	"sync"
)

// OpKind is the kind of a recorded operation.
type OpKind int

// Operation kinds.
const (
	OpWrite OpKind = iota
	OpRead
	OpFlush
)

// Op is one register access or cache flush.
type Op struct {
	Kind OpKind

	// Offset and Value are set for register accesses.
	Offset uint32
	Value  uint32

	// Address and Size are set for flushes.
	Address uint64
	Size    uint64
}

// String implements fmt.Stringer.String.
func (o Op) String() string {
	switch o.Kind {
	case OpWrite:
		return fmt.Sprintf("write %-12s = %#010x", RegisterName(o.Offset), o.Value)
	case OpRead:
		return fmt.Sprintf("read  %-12s", RegisterName(o.Offset))
	case OpFlush:
		return fmt.Sprintf("flush [%#x, +%#x)", o.Address, o.Size)
	default:
		return fmt.Sprintf("op(%d)", o.Kind)
	}
}

// RegisterName returns the name of the register at offset.
func RegisterName(offset uint32) string {
	switch offset {
	case RegConfig:
		return "CONFIG"
	case RegPtbASID:
		return "PTB_ASID"
	case RegPtbData:
		return "PTB_DATA"
	case RegTLBFlush:
		return "TLB_FLUSH"
	case RegPTCFlush:
		return "PTC_FLUSH"
	case RegPTCFlushHi:
		return "PTC_FLUSH_HI"
	case RegDcASID:
		return "DC_ASID"
	case RegSdmmc1ASID:
		return "SDMMC1A_ASID"
	default:
		return fmt.Sprintf("%#05x", offset)
	}
}

// Recorder is a simulated register file and cache that records every
// operation in order. Reads return the last value written.
type Recorder struct {
	mu    sync.Mutex
	regs  map[uint32]uint32
	trace []Op
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{regs: make(map[uint32]uint32)}
}

// Read implements Registers.Read.
func (r *Recorder) Read(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = append(r.trace, Op{Kind: OpRead, Offset: offset})
	return r.regs[offset]
}

// Write implements Registers.Write.
func (r *Recorder) Write(offset uint32, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[offset] = value
	r.trace = append(r.trace, Op{Kind: OpWrite, Offset: offset, Value: value})
}

// FlushDataCache implements CacheMaintainer.FlushDataCache.
func (r *Recorder) FlushDataCache(pa, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = append(r.trace, Op{Kind: OpFlush, Address: pa, Size: size})
}

// Register returns the last value written to offset.
func (r *Recorder) Register(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[offset]
}

// Trace returns the operations recorded so far.
func (r *Recorder) Trace() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.trace...)
}

// Reset discards the recorded operations.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = nil
}

// Dump writes the trace to w, one operation per line.
func (r *Recorder) Dump(w io.Writer) error {
	for _, op := range r.Trace() {
		if _, err := fmt.Fprintln(w, op); err != nil {
			return err
		}
	}
	return nil
}
