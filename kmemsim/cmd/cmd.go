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

// Package cmd holds implementations of the kmemsim commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/kmem/kmemsim/config"
	"gvisor.dev/kmem/pkg/cleanup"
	"gvisor.dev/kmem/pkg/dram"
	"gvisor.dev/kmem/pkg/log"
	"gvisor.dev/kmem/pkg/memlayout"
	"gvisor.dev/kmem/pkg/pgalloc"
)

// Errorf logs the error and writes it to stderr. It returns ExitFailure so
// that commands can end with "return Errorf(...)".
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitFailure
}

// system is the simulated physical memory and its page allocator.
type system struct {
	layout *memlayout.Layout
	mem    *dram.Memory
	pages  *pgalloc.Manager
}

// newSystem allocates DRAM for the layout selected by conf and initializes
// a page allocator over it. The caller must call close when done.
func newSystem(conf *config.Config) (*system, error) {
	l, err := conf.Layout()
	if err != nil {
		return nil, err
	}
	mem, err := dram.New(l.Dram.Address, l.Dram.Size)
	if err != nil {
		return nil, fmt.Errorf("allocating DRAM: %w", err)
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()

	pages, err := pgalloc.NewManager(l, mem, pgalloc.ManagerOpts{RandomizeAllocation: conf.RandomizeAllocation})
	if err != nil {
		return nil, fmt.Errorf("initializing page allocator: %w", err)
	}
	cu.Release()
	log.Infof("Physical memory [%#x, %#x), %d managers", mem.Base(), mem.End(), len(l.Managers()))
	return &system{layout: l, mem: mem, pages: pages}, nil
}

func (s *system) close() {
	if err := s.mem.Close(); err != nil {
		log.Warningf("Releasing DRAM: %v", err)
	}
}

// printUsage writes the occupancy of every pool to stdout.
func (s *system) printUsage() {
	for _, u := range s.pages.Usage() {
		fmt.Println(u)
	}
}
