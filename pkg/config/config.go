// Copyright 2018 The gVisor Authors.
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
// Package config holds the configuration of the vmsim tool: the layout of
// simulated address spaces, the size of simulated physical memory, logging,
// and the defaults of the stress driver.
//
// A Config starts from Default, is overlaid with a TOML file when one is
// given, and finally with any command line flags that were set explicitly.
package config

import (
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/addrspace/pkg/hostarch"
	"gvisor.dev/addrspace/pkg/log"
	"gvisor.dev/addrspace/pkg/mm"
	"gvisor.dev/addrspace/pkg/pgalloc"
)

// Address is a virtual address that reads and writes as hexadecimal in both
// TOML and flags.
type Address hostarch.Addr

var _ flag.Value = (*Address)(nil)

// String implements flag.Value.String.
func (a *Address) String() string {
	return fmt.Sprintf("%#x", uint64(*a))
}

// Set implements flag.Value.Set.
func (a *Address) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	*a = Address(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	return a.Set(string(b))
}

// Stress configures the stress driver.
type Stress struct {
	// Workers is the number of address spaces exercised concurrently.
	Workers int `toml:"workers"`

	// Ops is the number of random operations per worker.
	Ops int `toml:"ops"`

	// Seed seeds worker i with Seed+i.
	Seed int64 `toml:"seed"`

	// Window is the size of the virtual range operations target.
	Window uint64 `toml:"window"`

	// Perms lists the permissions new regions are drawn from, in the
	// "rwx" form.
	Perms []string `toml:"perms"`
}

// Config holds every vmsim setting.
type Config struct {
	// MinAddr and MaxAddr bound the mappable range of every address
	// space.
	MinAddr Address `toml:"min_addr"`
	MaxAddr Address `toml:"max_addr"`

	// NormalFrames and HugeFrames size simulated physical memory.
	NormalFrames uint64 `toml:"normal_frames"`
	HugeFrames   uint64 `toml:"huge_frames"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// Stress holds the stress driver defaults.
	Stress Stress `toml:"stress"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MinAddr:      0x180000000,
		MaxAddr:      0x200000000,
		NormalFrames: 16384,
		HugeFrames:   16,
		LogFormat:    "text",
		Stress: Stress{
			Workers: 4,
			Ops:     1000,
			Seed:    1,
			Window:  16 << 20,
			Perms:   []string{"r", "rw"},
		},
	}
}

// Load overlays the TOML file at path onto c. Unknown keys are an error.
func (c *Config) Load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// Validate returns an error if c cannot be used.
func (c *Config) Validate() error {
	if err := c.Layout().Valid(); err != nil {
		return err
	}
	if c.NormalFrames < 2 {
		return fmt.Errorf("normal_frames must be at least 2, got %d", c.NormalFrames)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.Stress.Workers < 1 || c.Stress.Ops < 0 {
		return fmt.Errorf("invalid stress settings: %d workers, %d ops", c.Stress.Workers, c.Stress.Ops)
	}
	if c.Stress.Window < hostarch.HugePageSize || c.Stress.Window%hostarch.HugePageSize != 0 {
		return fmt.Errorf("stress window %#x must be a positive multiple of %#x", c.Stress.Window, hostarch.HugePageSize)
	}
	if _, err := c.StressPerms(); err != nil {
		return err
	}
	return nil
}

// StressPerms parses c.Stress.Perms.
func (c *Config) StressPerms() ([]hostarch.AccessType, error) {
	if len(c.Stress.Perms) == 0 {
		return nil, fmt.Errorf("stress perms must not be empty")
	}
	ats := make([]hostarch.AccessType, 0, len(c.Stress.Perms))
	for _, p := range c.Stress.Perms {
		at, err := hostarch.ParseAccessType(p)
		if err != nil {
			return nil, err
		}
		ats = append(ats, at)
	}
	return ats, nil
}

// Layout returns the address space layout described by c.
func (c *Config) Layout() mm.Layout {
	return mm.Layout{MinAddr: hostarch.Addr(c.MinAddr), MaxAddr: hostarch.Addr(c.MaxAddr)}
}

// MemoryFileOpts returns the physical memory options described by c.
func (c *Config) MemoryFileOpts() pgalloc.MemoryFileOpts {
	return pgalloc.MemoryFileOpts{NormalFrames: c.NormalFrames, HugeFrames: c.HugeFrames}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// WriteTOML writes c to w in the format Load reads.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs the configuration at Info level.
func (c *Config) Log() {
	log.Infof("Config: range [%v, %v), %d normal frames, %d huge frames, debug %t, log format %q",
		&c.MinAddr, &c.MaxAddr, c.NormalFrames, c.HugeFrames, c.Debug, c.LogFormat)
}
