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
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/addrspace/pkg/config"
	"gvisor.dev/addrspace/pkg/log"
	"gvisor.dev/addrspace/vmsim/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	quiet bool
	maps  bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenario files against a fresh address space"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml>... - run each scenario in order against one address space.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.quiet, "quiet", false, "do not print a line per step.")
	f.BoolVar(&r.maps, "maps", false, "print the final region list.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	scenarios := make([]*scenario.Scenario, 0, f.NArg())
	for _, path := range f.Args() {
		s, err := scenario.ParseFile(path)
		if err != nil {
			Fatalf("loading %q: %v", path, err)
		}
		scenarios = append(scenarios, s)
	}

	as, err := newAddressSpace(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer as.Destroy()

	var steps io.Writer = os.Stdout
	if r.quiet {
		steps = io.Discard
	}
	runner := scenario.NewRunner(as.MemoryManager, steps)
	for _, s := range scenarios {
		if err := runner.Run(s); err != nil {
			log.Warningf("%v", err)
			fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
			return subcommands.ExitFailure
		}
		log.Infof("Scenario %q passed", s.Name)
	}
	if r.maps {
		if err := as.WriteMaps(os.Stdout); err != nil {
			Fatalf("writing maps: %v", err)
		}
	}
	return subcommands.ExitSuccess
}
