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
	"gvisor.dev/kmem/pkg/dram"
	"gvisor.dev/kmem/pkg/smmu"
)

// deviceInit pairs a device with its page table bring-up.
type deviceInit struct {
	dev  smmu.Device
	init func(*smmu.Controller)
}

// SMMU implements subcommands.Command for the "smmu" command.
type SMMU struct {
	// device is "sdmmc1", "dc" or "all".
	device string

	// trace prints the register and cache operations issued.
	trace bool
}

// Name implements subcommands.Command.Name.
func (*SMMU) Name() string {
	return "smmu"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SMMU) Synopsis() string {
	return "bring up device page tables and print their mappings"
}

// Usage implements subcommands.Command.Usage.
func (*SMMU) Usage() string {
	return `smmu [flags]

Initializes the device page tables of the SD card controller and the display
controller against simulated registers, then prints the resulting device
address mappings.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *SMMU) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.device, "device", "all", "device to initialize: sdmmc1, dc or all.")
	f.BoolVar(&s.trace, "trace", false, "print register writes and cache maintenance operations.")
}

// Execute implements subcommands.Command.Execute.
func (s *SMMU) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	sdmmc1 := deviceInit{smmu.Sdmmc1, (*smmu.Controller).InitializeDevicePageTableForSdmmc1}
	dc := deviceInit{smmu.Dc, (*smmu.Controller).InitializeDevicePageTableForDc}
	var devices []deviceInit
	switch s.device {
	case "sdmmc1":
		devices = []deviceInit{sdmmc1}
	case "dc":
		devices = []deviceInit{dc}
	case "all":
		devices = []deviceInit{sdmmc1, dc}
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	// Device tables live in the reserved area at the base of DRAM.
	mem, err := dram.New(dram.DefaultBase, smmu.DeviceTablesEnd-dram.DefaultBase)
	if err != nil {
		return Errorf("allocating DRAM: %v", err)
	}
	defer mem.Close()

	rec := smmu.NewRecorder()
	c := smmu.NewController(rec, rec, mem)
	for _, d := range devices {
		dev := d.dev
		rec.Reset()
		d.init(c)
		fmt.Printf("%s: asid %d, directory %#x\n", dev.Name, dev.ASID, dev.L0Phys)
		if s.trace {
			if err := rec.Dump(os.Stdout); err != nil {
				return Errorf("writing trace: %v", err)
			}
		}
		for _, m := range c.Mappings(c.Table(dev.L0Phys)) {
			kind := "page"
			if m.LargePage {
				kind = "large"
			}
			fmt.Printf("  dva %#08x -> pa %#x size %#x %s %v\n", m.DeviceAddress, m.Phys, m.Size, kind, m.Attributes)
		}
	}
	return subcommands.ExitSuccess
}
