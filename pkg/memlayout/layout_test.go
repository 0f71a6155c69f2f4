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

package memlayout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	l := Default()
	if err := l.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
	managers := l.Managers()
	if len(managers) != 4 {
		t.Fatalf("got %d managers, want 4", len(managers))
	}
	sys := managers[3]
	if sys.Pool != PoolSystem || len(sys.Regions) != 2 || sys.Extent.Size != 18<<20 {
		t.Errorf("system manager = %+v, want two regions covering 18 MiB", sys)
	}
	if got := l.PoolSize(PoolApplication); got != 32<<20 {
		t.Errorf("PoolSize(application) = %#x, want %#x", got, 32<<20)
	}
}

const tomlLayout = `
[dram]
address = 0x80000000
size = 0x800000

[management]
address = 0x80000000
size = 0x100000

[initial_process_binary]
address = 0x80700000
size = 0x100000

[[region]]
name = "app"
address = 0x80100000
size = 0x400000
pool = "application"
manager = 0

[[region]]
name = "sys"
address = 0x80500000
size = 0x300000
pool = "system"
manager = 1
`

const yamlLayout = `
dram: {address: 0x80000000, size: 0x800000}
management: {address: 0x80000000, size: 0x100000}
initial_process_binary: {address: 0x80700000, size: 0x100000}
regions:
  - {name: app, address: 0x80100000, size: 0x400000, pool: application, manager: 0}
  - {name: sys, address: 0x80500000, size: 0x300000, pool: system, manager: 1}
`

func TestParse(t *testing.T) {
	want := &Layout{
		Dram:                 Extent{0x80000000, 0x800000},
		Management:           Extent{0x80000000, 0x100000},
		InitialProcessBinary: Extent{0x80700000, 0x100000},
		Regions: []Region{
			{Name: "app", Address: 0x80100000, Size: 0x400000, Pool: PoolApplication, Manager: 0},
			{Name: "sys", Address: 0x80500000, Size: 0x300000, Pool: PoolSystem, Manager: 1},
		},
	}
	for _, tc := range []struct {
		name   string
		data   string
		format Format
	}{
		{"toml", tomlLayout, FormatTOML},
		{"yaml", yamlLayout, FormatYAML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.data), tc.format)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Parse mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte(tomlLayout+"\nbogus = 1\n"), FormatTOML); err == nil {
		t.Errorf("toml: unknown key accepted")
	}
	if _, err := Parse([]byte(yamlLayout+"bogus: 1\n"), FormatYAML); err == nil {
		t.Errorf("yaml: unknown key accepted")
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"layout.toml", "layout.yaml"} {
		format, err := FormatForPath(name)
		if err != nil {
			t.Fatalf("FormatForPath(%q): %v", name, err)
		}
		data, err := Encode(Default(), format)
		if err != nil {
			t.Fatalf("Encode(%v): %v", format, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q): %v", name, err)
		}
		if diff := cmp.Diff(Default(), got); diff != "" {
			t.Errorf("Load(%q) mismatch (-want +got):\n%s", name, diff)
		}
	}
	if _, err := Load(filepath.Join(dir, "layout.json")); err == nil {
		t.Errorf("Load accepted a .json file")
	}
}

func TestValidateErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(l *Layout)
		want   string
	}{
		{
			name:   "unaligned region",
			mutate: func(l *Layout) { l.Regions[0].Size += 1 },
			want:   "not page aligned",
		},
		{
			name:   "region outside dram",
			mutate: func(l *Layout) { l.Regions[4].Size += 4096 },
			want:   "outside dram",
		},
		{
			name:   "overlapping regions",
			mutate: func(l *Layout) { l.Regions[1].Address -= 4096 },
			want:   "overlaps",
		},
		{
			name:   "mixed pools in one manager",
			mutate: func(l *Layout) { l.Regions[4].Pool = PoolApplet },
			want:   "serves pool",
		},
		{
			name: "non-contiguous manager",
			mutate: func(l *Layout) {
				l.Regions[4].Address += 4096
				l.Regions[4].Size -= 4096
			},
			want: "not contiguous",
		},
		{
			name:   "sparse manager indices",
			mutate: func(l *Layout) { l.Regions[1].Manager = 7 },
			want:   "has no regions",
		},
		{
			name:   "initial process binary straddles regions",
			mutate: func(l *Layout) { l.InitialProcessBinary.Address = 0x80000000 + 47<<20 + 512<<10 },
			want:   "partially overlaps",
		},
		{
			name:   "management overlaps region",
			mutate: func(l *Layout) { l.Management.Size = 2 << 20 },
			want:   "overlaps management",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := Default()
			tc.mutate(l)
			err := l.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestPoolText(t *testing.T) {
	for p := Pool(0); p < PoolCount; p++ {
		b, err := p.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", p, err)
		}
		var got Pool
		if err := got.UnmarshalText(b); err != nil || got != p {
			t.Errorf("UnmarshalText(%q) = (%v, %v), want %v", b, got, err, p)
		}
	}
	if _, err := ParsePool("kernel"); err == nil {
		t.Errorf("ParsePool accepted an unknown pool")
	}
}
