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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/addrspace/pkg/config"
	"gvisor.dev/addrspace/pkg/hostarch"
	"gvisor.dev/addrspace/pkg/log"
	"gvisor.dev/addrspace/pkg/mm"
	"gvisor.dev/addrspace/vmsim/scenario"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers int
	ops     int
	seed    int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random operations on concurrent address spaces"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run random operations on independent address spaces in
parallel, checking the region list after every operation.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 0, "number of address spaces. Overrides stress.workers.")
	f.IntVar(&s.ops, "ops", 0, "operations per address space. Overrides stress.ops.")
	f.Int64Var(&s.seed, "seed", 0, "seed of the first address space. Overrides stress.seed.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config).Clone()
	f.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "workers":
			conf.Stress.Workers = s.workers
		case "ops":
			conf.Stress.Ops = s.ops
		case "seed":
			conf.Stress.Seed = s.seed
		}
	})
	if err := conf.Validate(); err != nil {
		Fatalf("%v", err)
	}

	results, err := runStress(ctx, conf)
	if werr := writeStressResults(os.Stdout, results); werr != nil {
		Fatalf("writing results: %v", werr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// stressResult summarizes one worker.
type stressResult struct {
	Worker int
	Seed   int64

	// Ops is the number of operations performed.
	Ops int

	// Outcomes counts operations by "op: outcome".
	Outcomes map[string]int

	// Aborted is set if the address space ran out of memory mid-update.
	Aborted bool

	// Usage is sampled after the last operation.
	Usage mm.Usage
}

// runStress runs conf.Stress.Workers workers concurrently. The first
// worker to fail cancels the others.
func runStress(ctx context.Context, conf *config.Config) ([]stressResult, error) {
	log.Infof("Stress: %d workers, %d ops each, seed %d", conf.Stress.Workers, conf.Stress.Ops, conf.Stress.Seed)
	g, ctx := errgroup.WithContext(ctx)
	results := make([]stressResult, conf.Stress.Workers)
	for i := range results {
		i := i // per-iteration copy; go.mod targets go1.21 (pre-1.22 loop semantics)
		// Workers share nothing, including their configuration.
		wconf := conf.Clone()
		g.Go(func() error {
			var err error
			results[i], err = stressWorker(ctx, wconf, i)
			if err != nil {
				return fmt.Errorf("worker %d (seed %d): %w", i, results[i].Seed, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// stressWorker performs conf.Stress.Ops random operations on a fresh
// address space.
func stressWorker(ctx context.Context, conf *config.Config, id int) (stressResult, error) {
	res := stressResult{
		Worker:   id,
		Seed:     conf.Stress.Seed + int64(id),
		Outcomes: make(map[string]int),
	}
	perms, err := conf.StressPerms()
	if err != nil {
		return res, err
	}
	layout := conf.Layout()
	start, ok := (layout.MinAddr + hostarch.PageSize).HugeRoundUp()
	if !ok {
		return res, fmt.Errorf("no huge page above %v", layout.MinAddr)
	}
	window := conf.Stress.Window
	if end, ok := start.AddLength(window); !ok || end > layout.MaxAddr {
		return res, fmt.Errorf("stress window %#x does not fit above %v", window, start)
	}

	as, err := newAddressSpace(conf)
	if err != nil {
		return res, err
	}
	defer as.Destroy()

	w := &stressOps{
		as:     as,
		r:      rand.New(rand.NewSource(res.Seed)),
		start:  start,
		window: window,
		perms:  perms,
	}
	for ; res.Ops < conf.Stress.Ops; res.Ops++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name, err := w.step()
		kind := "ok"
		if err != nil {
			kind = scenario.ErrorKind(err)
		}
		res.Outcomes[name+": "+kind]++
		if err := as.CheckInvariants(); err != nil {
			return res, fmt.Errorf("after op %d (%s): %w\n%s", res.Ops, name, err, as)
		}
		if as.Aborted() {
			log.Warningf("Worker %d: address space aborted after op %d (%s: %s)", id, res.Ops, name, kind)
			res.Aborted = true
			res.Ops++
			break
		}
		if _, known := knownOutcomes[kind]; !known {
			return res, fmt.Errorf("op %d (%s): %s", res.Ops, name, kind)
		}
	}
	res.Usage = as.Usage()
	if res.Aborted {
		return res, nil
	}

	// Unmapping everything must give every page and table back.
	if err := as.MUnmap(layout.MinAddr, uint64(layout.MaxAddr-layout.MinAddr)); err != nil {
		return res, fmt.Errorf("unmapping everything: %w", err)
	}
	if u := as.Usage(); u.Regions != 0 || u.ResidentNormal != 0 || u.ResidentHuge != 0 || u.TablePages != 1 {
		return res, fmt.Errorf("usage after unmapping everything: %+v", u)
	}
	log.Debugf("Worker %d done: %d ops", id, res.Ops)
	return res, nil
}

// knownOutcomes are the outcomes random operations may legitimately have.
// Random arguments are often invalid: a fixed mapping may overlap a region,
// and a make_huge range may round inward to nothing.
var knownOutcomes = map[string]struct{}{
	"ok":                   {},
	"invalid_argument":     {},
	"out_of_space":         {},
	"out_of_memory":        {},
	"unmapped":             {},
	"protection_violation": {},
	"already_huge":         {},
	"no_mapping":           {},
	"protection_mismatch":  {},
}

// stressOps draws random operations targeting [start, start+window).
type stressOps struct {
	as     *addressSpace
	r      *rand.Rand
	start  hostarch.Addr
	window uint64
	perms  []hostarch.AccessType
}

func (w *stressOps) addr() hostarch.Addr {
	return w.start + hostarch.Addr(w.r.Int63n(int64(w.window/hostarch.PageSize)))*hostarch.PageSize
}

func (w *stressOps) hugeAddr() hostarch.Addr {
	return w.start + hostarch.Addr(w.r.Int63n(int64(w.window/hostarch.HugePageSize)))*hostarch.HugePageSize
}

func (w *stressOps) perm() hostarch.AccessType {
	return w.perms[w.r.Intn(len(w.perms))]
}

// step performs one random operation and returns its name and error.
func (w *stressOps) step() (string, error) {
	switch op := w.r.Intn(12); {
	case op < 3:
		_, err := w.as.MMap(mm.MMapOpts{
			Addr:   w.addr(),
			Length: uint64(1+w.r.Intn(64)) * hostarch.PageSize,
			Perms:  w.perm(),
			Fixed:  w.r.Intn(2) == 0,
		})
		return "map", err
	case op < 5:
		return "unmap", w.as.MUnmap(w.addr(), uint64(1+w.r.Intn(128))*hostarch.PageSize)
	case op < 8:
		code := mm.FaultUser
		if w.r.Intn(2) == 0 {
			code |= mm.FaultWrite
		}
		return "fault", w.as.HandleFault(w.addr(), code)
	case op < 9:
		_, err := w.as.MakeHuge(w.addr(), uint64(1+w.r.Intn(3))*hostarch.HugePageSize, w.perm(), w.r.Intn(2) == 0)
		return "make_huge", err
	case op < 10:
		return "break_huge", w.as.BreakHuge(w.hugeAddr(), uint64(1+w.r.Intn(2))*hostarch.HugePageSize)
	default:
		return "copy", w.copy()
	}
}

// copy writes a random pattern and reads it back.
func (w *stressOps) copy() error {
	addr := w.addr()
	src := make([]byte, 1+w.r.Intn(2*hostarch.PageSize))
	w.r.Read(src)
	n, err := w.as.CopyOut(addr, src)
	if err != nil {
		return err
	}
	dst := make([]byte, n)
	if _, err := w.as.CopyIn(addr, dst); err != nil {
		return err
	}
	if !bytes.Equal(src[:n], dst) {
		return fmt.Errorf("read back different bytes at %v", addr)
	}
	return nil
}

// writeStressResults prints a table of results followed by outcome totals.
func writeStressResults(out io.Writer, results []stressResult) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tSEED\tOPS\tREGIONS\tRESIDENT\tHUGE\tTABLES\tINVALIDATIONS\tABORTED")
	totals := make(map[string]int)
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
			r.Worker, r.Seed, r.Ops, r.Usage.Regions, r.Usage.ResidentNormal, r.Usage.ResidentHuge,
			r.Usage.TablePages, r.Usage.TLBInvalidations, r.Aborted)
		for k, v := range r.Outcomes {
			totals[k] += v
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w = tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "\nOUTCOME\tCOUNT")
	for _, k := range keys {
		fmt.Fprintln(w, k+"\t"+strconv.Itoa(totals[k]))
	}
	return w.Flush()
}
