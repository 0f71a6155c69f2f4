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
	"gvisor.dev/kmem/pkg/memlayout"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	// format, if set, prints the layout as "toml" or "yaml" instead of
	// the summary.
	format string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the physical memory layout and pool usage"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [flags]

Validates the physical memory layout, initializes the page allocator over it
and prints its regions, page managers and pool usage. With -format, prints the
layout in the given encoding instead.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.format, "format", "", "print the layout encoded as toml or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if l.format != "" {
		format, err := memlayout.FormatForPath("layout." + l.format)
		if err != nil {
			return Errorf("invalid format %q: %v", l.format, err)
		}
		layout, err := conf.Layout()
		if err != nil {
			return Errorf("loading layout: %v", err)
		}
		data, err := memlayout.Encode(layout, format)
		if err != nil {
			return Errorf("encoding layout: %v", err)
		}
		os.Stdout.Write(data)
		return subcommands.ExitSuccess
	}

	s, err := newSystem(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.close()

	fmt.Printf("dram        %v\n", s.layout.Dram)
	fmt.Printf("management  %v\n", s.layout.Management)
	if s.layout.InitialProcessBinary.Size != 0 {
		fmt.Printf("binary      %v\n", s.layout.InitialProcessBinary)
	}
	fmt.Println()
	for _, mr := range s.layout.Managers() {
		fmt.Printf("manager %d: %-18v %v (%d KB)\n", mr.Index, mr.Pool, mr.Extent, mr.Extent.Size/hostarch.KiB)
		for _, r := range mr.Regions {
			fmt.Printf("  %-18s %v\n", r.Name, r.Extent())
		}
	}
	fmt.Println()
	s.printUsage()
	return subcommands.ExitSuccess
}
