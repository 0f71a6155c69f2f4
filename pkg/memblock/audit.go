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

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"gvisor.dev/kmem/pkg/log"
)

// CheckState returns true if the blocks cover m's range with no gaps, no
// adjacent pair is mergeable, and every lock attribute has a matching
// count. On failure it logs the blocks.
func (m *Manager) CheckState() bool {
	if err := m.checkState(); err != nil {
		log.Warningf("Block manager [%#x, %#x) is inconsistent: %v", m.start, m.end, err)
		m.DumpBlocks()
		return false
	}
	return true
}

func (m *Manager) checkState() error {
	var (
		prev *Block
		err  error
	)
	expect := m.start
	m.blocks.Ascend(func(b *Block) bool {
		switch {
		case b.numPages == 0:
			err = fmt.Errorf("empty block at %#x", b.address)
		case b.address != expect:
			err = fmt.Errorf("block at %#x, want %#x", b.address, expect)
		case prev != nil && prev.CanMergeWith(b):
			err = fmt.Errorf("mergeable blocks at %#x and %#x", prev.address, b.address)
		case b.attr&AttrIpcLocked != 0 && b.ipcLockCount == 0:
			err = fmt.Errorf("IPC locked block at %#x has no lock count", b.address)
		case b.attr&AttrDeviceShared != 0 && b.deviceUseCount == 0:
			err = fmt.Errorf("device shared block at %#x has no use count", b.address)
		}
		prev = b
		expect = b.End()
		return err == nil
	})
	if err == nil && expect != m.end {
		err = fmt.Errorf("blocks end at %#x, want %#x", expect, m.end)
	}
	return err
}

// audit returns a function that panics if m is inconsistent, for deferring
// across an update. It does nothing unless auditing is enabled.
func (m *Manager) audit(op string) func() {
	if !m.auditing {
		return func() {}
	}
	return func() {
		if !m.CheckState() {
			panic(fmt.Sprintf("block manager inconsistent after %s", op))
		}
	}
}

// Dump writes one line per block to w.
func (m *Manager) Dump(w io.Writer) {
	m.blocks.Ascend(func(b *Block) bool {
		fmt.Fprintf(w, "%v\n", b.Info())
		return true
	})
}

// DumpBlocks logs every block.
func (m *Manager) DumpBlocks() {
	var buf bytes.Buffer
	m.Dump(&buf)
	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n") {
		log.Infof("%s", line)
	}
}
