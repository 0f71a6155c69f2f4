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

// Package config provides the configuration of kmemsim, populated from
// flags and an optional TOML file.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/kmem/pkg/log"
	"gvisor.dev/kmem/pkg/memlayout"
)

// Config holds the configuration shared by every kmemsim command.
//
// Fields with a flag tag are populated from the flag of that name. Fields
// with a toml tag may also be set by the file named by ConfigFile; flags
// given on the command line take precedence over the file.
type Config struct {
	// ConfigFile is the path of a TOML file holding configuration values.
	ConfigFile string `flag:"config"`

	// LogFilename is the file log messages are written to. Empty means
	// stderr.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LayoutFile is the physical memory layout to use, in TOML or YAML
	// chosen by extension. Empty selects the built in layout.
	LayoutFile string `flag:"layout" toml:"layout"`

	// RandomizeAllocation makes the page allocator pick free blocks at
	// random.
	RandomizeAllocation bool `flag:"randomize" toml:"randomize"`

	// Auditing checks every memory block manager after each update.
	Auditing bool `flag:"audit" toml:"audit"`

	// SlabCapacity is the number of memory blocks available to each
	// simulated process.
	SlabCapacity int `flag:"slab-capacity" toml:"slab_capacity"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with configuration values. Flags override the file.")
	flagSet.String("log", "", "file path where log messages are written, default is stderr. %PID% and %TIMESTAMP% are expanded.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("layout", "", "physical memory layout file (.toml, .yaml or .yml). Empty uses the built in 64 MiB layout.")
	flagSet.Bool("randomize", false, "pick free page blocks at random.")
	flagSet.Bool("audit", true, "check memory block managers after every update.")
	flagSet.Int("slab-capacity", 1024, "number of memory blocks available to each simulated process.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set, overlaid on the configuration file if one is named.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.setFromFlags(flagSet, func(string) bool { return true }); err != nil {
		return nil, err
	}
	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := conf.setFromFlags(flagSet, func(name string) bool { return set[name] }); err != nil {
			return nil, err
		}
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the value of every tagged flag accepted by use into
// c.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, use func(name string) bool) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok || !use(name) {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q has no value getter", name)
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}
	return nil
}

// loadFile decodes the TOML file at path into c. Unknown keys are
// rejected.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.SlabCapacity <= 0 {
		return fmt.Errorf("slab-capacity must be positive, got %d", c.SlabCapacity)
	}
	if c.LayoutFile != "" {
		if _, err := memlayout.FormatForPath(c.LayoutFile); err != nil {
			return err
		}
	}
	return nil
}

// Layout returns the physical memory layout selected by c.
func (c *Config) Layout() (*memlayout.Layout, error) {
	if c.LayoutFile == "" {
		l := memlayout.Default()
		return l, l.Validate()
	}
	return memlayout.Load(c.LayoutFile)
}

// ToFlags returns a slice of flags that correspond to the given Config,
// omitting values that match the defaults.
func (c *Config) ToFlags() []string {
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(defaults)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := fmt.Sprintf("%v", obj.Field(i).Interface())
		if val == defaults.Lookup(name).DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

// Log logs important aspects of the configuration to the given log
// function.
func (c *Config) Log() {
	log.Infof("Config: %s", strings.Join(c.ToFlags(), " "))
	log.Debugf("Config.LayoutFile: %q", c.LayoutFile)
	log.Debugf("Config.RandomizeAllocation: %t", c.RandomizeAllocation)
	log.Debugf("Config.Auditing: %t", c.Auditing)
}
