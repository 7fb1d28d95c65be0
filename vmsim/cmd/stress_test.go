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
	"errors"
	"regexp"
	"testing"

	"gvisor.dev/addrspace/pkg/config"
	"gvisor.dev/addrspace/pkg/hostarch"
	"gvisor.dev/addrspace/pkg/mm"
	"gvisor.dev/addrspace/vmsim/scenario"
)

func testConfig() *config.Config {
	conf := config.Default()
	conf.NormalFrames = 8192
	conf.HugeFrames = 16
	conf.Stress.Workers = 2
	conf.Stress.Ops = 300
	conf.Stress.Window = 8 * hostarch.HugePageSize
	return conf
}

func TestStress(t *testing.T) {
	conf := testConfig()
	results, err := runStress(context.Background(), conf)
	if err != nil {
		t.Fatalf("runStress failed: %v", err)
	}
	if len(results) != conf.Stress.Workers {
		t.Fatalf("got %d results, want %d", len(results), conf.Stress.Workers)
	}
	for i, r := range results {
		if r.Worker != i || r.Seed != conf.Stress.Seed+int64(i) {
			t.Errorf("result %d: worker %d seed %d", i, r.Worker, r.Seed)
		}
		if !r.Aborted && r.Ops != conf.Stress.Ops {
			t.Errorf("worker %d ran %d ops, want %d", i, r.Ops, conf.Stress.Ops)
		}
		total := 0
		for _, n := range r.Outcomes {
			total += n
		}
		if total != r.Ops {
			t.Errorf("worker %d: %d outcomes for %d ops", i, total, r.Ops)
		}
	}
}

func TestStressArgumentErrorsAreKnown(t *testing.T) {
	conf := testConfig()
	as, err := newAddressSpace(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer as.Destroy()

	start := hostarch.Addr(conf.MinAddr) + hostarch.HugePageSize
	if _, err := as.MMap(mm.MMapOpts{Addr: start, Length: 4 * hostarch.PageSize, Perms: hostarch.ReadWrite, Fixed: true}); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	for _, test := range []struct {
		name string
		op   func() error
	}{
		{
			name: "fixed map over a region",
			op: func() error {
				_, err := as.MMap(mm.MMapOpts{Addr: start + hostarch.PageSize, Length: hostarch.PageSize, Perms: hostarch.Read, Fixed: true})
				return err
			},
		},
		{
			name: "make_huge rounding to nothing",
			op: func() error {
				_, err := as.MakeHuge(start+hostarch.PageSize, hostarch.HugePageSize, hostarch.ReadWrite, false)
				return err
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := test.op()
			if err == nil {
				t.Fatalf("operation succeeded, want an argument error")
			}
			kind := scenario.ErrorKind(err)
			if kind != "invalid_argument" {
				t.Errorf("got %s, want invalid_argument", kind)
			}
			if _, ok := knownOutcomes[kind]; !ok {
				t.Errorf("outcome %s would stop a stress worker", kind)
			}
		})
	}
}

func TestStressIsDeterministic(t *testing.T) {
	conf := testConfig()
	conf.Stress.Workers = 1
	a, err := stressWorker(context.Background(), conf.Clone(), 3)
	if err != nil {
		t.Fatal(err)
	}
	b, err := stressWorker(context.Background(), conf.Clone(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if a.Ops != b.Ops || a.Usage != b.Usage {
		t.Errorf("same seed gave different runs: %+v vs %+v", a, b)
	}
}

func TestStressCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runStress(ctx, testConfig()); !errors.Is(err, context.Canceled) {
		t.Errorf("runStress with a cancelled context = %v, want %v", err, context.Canceled)
	}
}

func TestStressWindowMustFit(t *testing.T) {
	conf := testConfig()
	conf.Stress.Window = uint64(conf.MaxAddr - conf.MinAddr)
	if _, err := stressWorker(context.Background(), conf, 0); err == nil {
		t.Errorf("stressWorker accepted a window larger than the layout")
	}
}

func TestWriteStressResults(t *testing.T) {
	var buf bytes.Buffer
	results := []stressResult{
		{Worker: 0, Seed: 1, Ops: 2, Outcomes: map[string]int{"map: ok": 1, "fault: unmapped": 1}},
		{Worker: 1, Seed: 2, Ops: 1, Outcomes: map[string]int{"map: ok": 1}, Aborted: true},
	}
	if err := writeStressResults(&buf, results); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`(?m)^WORKER +SEED`, `(?m)^1 +2 +1 .* true$`, `(?m)^map: ok +2$`, `(?m)^fault: unmapped +1$`} {
		if !regexp.MustCompile(want).MatchString(out) {
			t.Errorf("output does not match %q:\n%s", want, out)
		}
	}
}
