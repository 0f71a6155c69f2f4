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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/kmem/kmemsim/config"
	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/memblock"
	"gvisor.dev/kmem/pkg/memlayout"
	"gvisor.dev/kmem/pkg/pgalloc"
	"gvisor.dev/kmem/pkg/process"
)

// scenarioStep is one step of a scenario. Its output is followed by a dump
// of the affected block manager.
type scenarioStep struct {
	name string
	run  func() error
}

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	// pid is the process ID used by the process scenario.
	pid uint64
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run a scripted sequence of memory block updates"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [flags] [blocks|process]

blocks (the default) updates a block manager covering [0x1000, 0x5000) and
prints its blocks after each step. process maps, reprotects, locks and
unmaps pages in a simulated process address space.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&s.pid, "pid", 1, "process ID of the simulated process.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var err error
	switch name := f.Arg(0); name {
	case "", "blocks":
		err = runBlocksScenario(conf)
	case "process":
		err = s.runProcessScenario(ctx, conf)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func runSteps(steps []scenarioStep, dump func()) error {
	for i, step := range steps {
		fmt.Printf("[%d] %s\n", i, step.name)
		if err := step.run(); err != nil {
			return fmt.Errorf("step %q: %w", step.name, err)
		}
		dump()
		fmt.Println()
	}
	return nil
}

func runBlocksScenario(conf *config.Config) error {
	slab := memblock.NewSlabManager(conf.SlabCapacity)
	var m memblock.Manager
	if err := m.Initialize(0x1000, 0x5000, slab); err != nil {
		return fmt.Errorf("initializing block manager: %w", err)
	}
	m.SetAuditing(conf.Auditing)
	defer m.Finalize(slab, nil)

	update := func(addr hostarch.Addr, numPages uint64, state memblock.MemoryState, perm memblock.Permission) func() error {
		return func() error {
			a, err := memblock.NewUpdateAllocator(slab, memblock.MaxUpdateBlocks)
			if err != nil {
				return err
			}
			defer a.Close()
			m.Update(a, addr, numPages, state, perm, memblock.AttrNone)
			return nil
		}
	}
	steps := []scenarioStep{
		{"map 0x1000 as Normal rw-", update(0x1000, 1, memblock.StateNormal, memblock.PermUserReadWrite)},
		{"map 0x2000 as Normal rw-", update(0x2000, 1, memblock.StateNormal, memblock.PermUserReadWrite)},
		{"free [0x1000, 0x3000)", update(0x1000, 2, memblock.StateFree, memblock.PermNone)},
	}
	err := runSteps(steps, func() { m.Dump(os.Stdout) })
	fmt.Printf("%d blocks, peak slab use %d\n", m.NumBlocks(), slab.Peak())
	return err
}

func (s *Scenario) runProcessScenario(ctx context.Context, conf *config.Config) error {
	sys, err := newSystem(conf)
	if err != nil {
		return err
	}
	defer sys.close()

	const start = hostarch.Addr(0x10000000)
	as, err := process.New(pgalloc.WithManager(ctx, sys.pages), process.Opts{
		PID:          s.pid,
		Start:        start,
		End:          start + 16*hostarch.MiB,
		Pool:         memlayout.PoolApplication,
		Fill:         0x5a,
		SlabCapacity: conf.SlabCapacity,
		GuardPages:   1,
		Auditing:     conf.Auditing,
	})
	if err != nil {
		return fmt.Errorf("creating address space: %w", err)
	}
	defer as.Finalize()

	var addr hostarch.Addr
	const page = hostarch.PageSize
	steps := []scenarioStep{
		{"map 4 pages Normal rw-", func() error {
			var err error
			addr, err = as.MapPages(4, memblock.StateNormal, memblock.PermUserReadWrite)
			return err
		}},
		{"reprotect the first 2 pages r--", func() error {
			return as.SetMemoryPermission(addr, 2, memblock.PermUserRead)
		}},
		{"lock the last 2 pages for IPC r--", func() error {
			return as.LockForIpc(addr+2*page, 2, memblock.PermUserRead)
		}},
		{"lock the first page for device use", func() error {
			return as.LockForDevice(addr, 1)
		}},
		{"unlock the first page from device use", func() error {
			return as.UnlockForDevice(addr, 1)
		}},
		{"unlock the last 2 pages from IPC", func() error {
			return as.UnlockForIpc(addr+2*page, 2)
		}},
		{"reprotect the first 2 pages rw-", func() error {
			return as.SetMemoryPermission(addr, 2, memblock.PermUserReadWrite)
		}},
		{"unmap 4 pages", func() error {
			return as.UnmapPages(addr, 4, memblock.StateNormal)
		}},
	}
	err = runSteps(steps, func() {
		as.Dump(os.Stdout)
		for i := uint64(0); i < 4; i++ {
			va := addr + hostarch.Addr(i*page)
			if phys, perm, ok := as.Translate(va); ok {
				fmt.Printf("  %#x -> %#x %v refs=%d\n", va, phys, perm, sys.pages.RefCount(phys))
			}
		}
	})
	if err != nil {
		return err
	}
	sys.printUsage()
	return nil
}
