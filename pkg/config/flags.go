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
package config

import (
	"flag"
	"fmt"
	"strconv"
)

// configFlag is the flag naming a TOML configuration file.
const configFlag = "config"

// RegisterFlags registers the flags that can override a Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String(configFlag, "", "path to a TOML configuration file.")
	flagSet.Var(&d.MinAddr, "min-addr", "lowest mappable address.")
	flagSet.Var(&d.MaxAddr, "max-addr", "exclusive upper bound of the mappable range.")
	flagSet.Uint64("normal-frames", d.NormalFrames, "number of 4KB physical frames.")
	flagSet.Uint64("huge-frames", d.HugeFrames, "number of 2MB physical frames.")
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
}

// NewFromFlags builds a Config from the defaults, the file named by the
// -config flag if any, and every flag set explicitly on flagSet, in that
// order.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	c := Default()
	if f := flagSet.Lookup(configFlag); f != nil && f.Value.String() != "" {
		if err := c.Load(f.Value.String()); err != nil {
			return nil, err
		}
	}
	var err error
	flagSet.Visit(func(f *flag.Flag) {
		if err == nil {
			err = c.override(f.Name, f.Value.String())
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// override sets the field that flag name controls.
func (c *Config) override(name, value string) error {
	var err error
	switch name {
	case configFlag:
	case "min-addr":
		err = c.MinAddr.Set(value)
	case "max-addr":
		err = c.MaxAddr.Set(value)
	case "normal-frames":
		c.NormalFrames, err = strconv.ParseUint(value, 0, 64)
	case "huge-frames":
		c.HugeFrames, err = strconv.ParseUint(value, 0, 64)
	case "debug":
		c.Debug, err = strconv.ParseBool(value)
	case "log-format":
		c.LogFormat = value
	}
	if err != nil {
		return fmt.Errorf("flag -%s=%q: %w", name, value, err)
	}
	return nil
}
