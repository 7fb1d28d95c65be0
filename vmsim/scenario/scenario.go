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
// Package scenario runs scripted sequences of address space operations
// described in YAML.
//
// A scenario looks like:
//
//	name: collapse
//	steps:
//	  - op: map
//	    length: 0x400000
//	    perms: rw
//	    save: buf
//	  - op: write
//	    addr: $buf+0x1000
//	    data: hello
//	  - op: make_huge
//	    addr: $buf
//	    length: 0x400000
//	    perms: rw
//	  - op: read
//	    addr: $buf+0x1000
//	    length: 5
//	    want: hello
//
// Every step has an expected outcome, "ok" unless expect names an error
// kind. Running stops at the first step whose outcome differs.
package scenario

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
	"gvisor.dev/addrspace/pkg/errors/linuxerr"
	"gvisor.dev/addrspace/pkg/hostarch"
	"gvisor.dev/addrspace/pkg/log"
	"gvisor.dev/addrspace/pkg/mm"
)

// Number is an unsigned integer that may be written in decimal, hex (0x),
// octal (0o) or binary (0b).
type Number uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *Number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	v, err := strconv.ParseUint(node.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid number %q", node.Line, node.Value)
	}
	*n = Number(v)
	return nil
}

// Step is a single operation.
type Step struct {
	// Op is one of map, unmap, fault, make_huge, break_huge, write, read,
	// zero, maps, usage and check.
	Op string `yaml:"op"`

	// Addr is an address expression: a number, "$name", or "$name+offset"
	// where name was saved by an earlier step.
	Addr string `yaml:"addr,omitempty"`

	Length Number `yaml:"length,omitempty"`
	Perms  string `yaml:"perms,omitempty"`
	Fixed  bool   `yaml:"fixed,omitempty"`
	Force  bool   `yaml:"force,omitempty"`

	// Code is the fault code for fault steps.
	Code Number `yaml:"code,omitempty"`

	// Data is the payload of write steps.
	Data string `yaml:"data,omitempty"`

	// Want is the expected output of read and maps steps.
	Want *string `yaml:"want,omitempty"`

	// Save names the address returned by map and make_huge steps.
	Save string `yaml:"save,omitempty"`

	// Expect is the expected error kind. Empty means "ok".
	Expect string `yaml:"expect,omitempty"`
}

// Scenario is a named list of steps.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Parse decodes a scenario. Unknown fields are an error.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", s.Name)
	}
	for i, st := range s.Steps {
		if _, ok := ops[st.Op]; !ok {
			return nil, fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
		if st.Expect != "" {
			if _, ok := errorKinds[st.Expect]; !ok {
				return nil, fmt.Errorf("step %d: unknown error kind %q", i, st.Expect)
			}
		}
	}
	return &s, nil
}

// ParseFile decodes the scenario at path.
func ParseFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// errorKinds names the errors a step may expect. "ok" maps to nil.
var errorKinds = map[string]error{
	"ok":                   nil,
	"invalid_argument":     linuxerr.EINVAL,
	"out_of_memory":        linuxerr.ENOMEM,
	"out_of_space":         mm.ErrOutOfSpace,
	"unmapped":             mm.ErrUnmapped,
	"protection_violation": mm.ErrProtectionViolation,
	"already_huge":         mm.ErrAlreadyHuge,
	"no_mapping":           mm.ErrNoMapping,
	"protection_mismatch":  mm.ErrProtectionMismatch,
	"aborted":              mm.ErrAborted,
}

// ErrorKind returns the name errorKinds gives err, or err's text if it has
// none.
func ErrorKind(err error) string {
	for name, e := range errorKinds {
		if e == err {
			return name
		}
	}
	return err.Error()
}

// Runner executes scenarios against one address space. Saved names persist
// across scenarios run by the same Runner.
type Runner struct {
	mm  *mm.MemoryManager
	out io.Writer
	env map[string]hostarch.Addr
}

// NewRunner returns a Runner that operates on m and writes the output of
// maps and usage steps, and a line per step, to out.
func NewRunner(m *mm.MemoryManager, out io.Writer) *Runner {
	return &Runner{
		mm:  m,
		out: out,
		env: make(map[string]hostarch.Addr),
	}
}

// Lookup returns the address saved under name.
func (r *Runner) Lookup(name string) (hostarch.Addr, bool) {
	a, ok := r.env[name]
	return a, ok
}

// Run executes every step of s in order.
func (r *Runner) Run(s *Scenario) error {
	log.Debugf("Running scenario %q, %d steps", s.Name, len(s.Steps))
	for i := range s.Steps {
		if err := r.step(i, &s.Steps[i]); err != nil {
			return fmt.Errorf("scenario %q: step %d (%s): %w", s.Name, i, s.Steps[i].Op, err)
		}
	}
	return nil
}

func (r *Runner) step(i int, st *Step) error {
	addr, err := r.resolve(st.Addr)
	if err != nil {
		return err
	}
	res, opErr := ops[st.Op](r, addr, st)
	if res.mismatch != "" {
		return fmt.Errorf("unexpected output: %s", res.mismatch)
	}
	want := st.Expect
	if want == "" {
		want = "ok"
	}
	got := "ok"
	if opErr != nil {
		got = ErrorKind(opErr)
	}
	fmt.Fprintf(r.out, "%d: %s %s -> %s\n", i, st.Op, addr, got)
	if got != want {
		return fmt.Errorf("got %s, want %s", got, want)
	}
	if st.Save != "" && opErr == nil {
		r.env[st.Save] = res.addr
	}
	return nil
}

// resolve evaluates an address expression.
func (r *Runner) resolve(expr string) (hostarch.Addr, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, nil
	}
	var base hostarch.Addr
	if strings.HasPrefix(expr, "$") {
		name, off, hasOff := strings.Cut(expr[1:], "+")
		name = strings.TrimSpace(name)
		a, ok := r.env[name]
		if !ok {
			return 0, fmt.Errorf("undefined name %q", name)
		}
		if !hasOff {
			return a, nil
		}
		base, expr = a, strings.TrimSpace(off)
	}
	v, err := strconv.ParseUint(expr, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address expression %q", expr)
	}
	return base + hostarch.Addr(v), nil
}

// result is what a step produced besides its error.
type result struct {
	// addr is saved under Step.Save.
	addr hostarch.Addr

	// mismatch describes output that differs from Step.Want.
	mismatch string
}

type opFunc func(r *Runner, addr hostarch.Addr, st *Step) (result, error)

var ops = map[string]opFunc{
	"map":        (*Runner).doMap,
	"unmap":      (*Runner).doUnmap,
	"fault":      (*Runner).doFault,
	"make_huge":  (*Runner).doMakeHuge,
	"break_huge": (*Runner).doBreakHuge,
	"write":      (*Runner).doWrite,
	"read":       (*Runner).doRead,
	"zero":       (*Runner).doZero,
	"maps":       (*Runner).doMaps,
	"usage":      (*Runner).doUsage,
	"check":      (*Runner).doCheck,
}

// parsePerms parses Step.Perms. An empty string is passed through as no
// access so that the address space reports the argument error.
func parsePerms(s string) (hostarch.AccessType, error) {
	if s == "" {
		return hostarch.NoAccess, nil
	}
	return hostarch.ParseAccessType(s)
}

func (r *Runner) doMap(addr hostarch.Addr, st *Step) (result, error) {
	perms, err := parsePerms(st.Perms)
	if err != nil {
		return result{}, err
	}
	a, err := r.mm.MMap(mm.MMapOpts{
		Addr:   addr,
		Length: uint64(st.Length),
		Perms:  perms,
		Fixed:  st.Fixed,
	})
	return result{addr: a}, err
}

func (r *Runner) doUnmap(addr hostarch.Addr, st *Step) (result, error) {
	return result{}, r.mm.MUnmap(addr, uint64(st.Length))
}

func (r *Runner) doFault(addr hostarch.Addr, st *Step) (result, error) {
	return result{}, r.mm.HandleFault(addr, mm.FaultCode(st.Code))
}

func (r *Runner) doMakeHuge(addr hostarch.Addr, st *Step) (result, error) {
	perms, err := parsePerms(st.Perms)
	if err != nil {
		return result{}, err
	}
	a, err := r.mm.MakeHuge(addr, uint64(st.Length), perms, st.Force)
	return result{addr: a}, err
}

func (r *Runner) doBreakHuge(addr hostarch.Addr, st *Step) (result, error) {
	return result{}, r.mm.BreakHuge(addr, uint64(st.Length))
}

func (r *Runner) doWrite(addr hostarch.Addr, st *Step) (result, error) {
	_, err := r.mm.CopyOut(addr, []byte(st.Data))
	return result{}, err
}

func (r *Runner) doRead(addr hostarch.Addr, st *Step) (result, error) {
	buf := make([]byte, st.Length)
	n, err := r.mm.CopyIn(addr, buf)
	if err == nil && st.Want != nil && string(buf[:n]) != *st.Want {
		return result{mismatch: fmt.Sprintf("read %q, want %q", buf[:n], *st.Want)}, nil
	}
	return result{}, err
}

func (r *Runner) doZero(addr hostarch.Addr, st *Step) (result, error) {
	_, err := r.mm.ZeroOut(addr, int(st.Length))
	return result{}, err
}

func (r *Runner) doMaps(_ hostarch.Addr, st *Step) (result, error) {
	var buf bytes.Buffer
	if err := r.mm.WriteMaps(&buf); err != nil {
		return result{}, err
	}
	if _, err := r.out.Write(buf.Bytes()); err != nil {
		return result{}, err
	}
	if st.Want != nil && buf.String() != *st.Want {
		return result{mismatch: fmt.Sprintf("maps:\n%s\nwant:\n%s", buf.String(), *st.Want)}, nil
	}
	return result{}, nil
}

func (r *Runner) doUsage(hostarch.Addr, *Step) (result, error) {
	u := r.mm.Usage()
	_, err := fmt.Fprintf(r.out, "regions %d, mapped %#x normal %#x huge, resident %d normal %d huge, %d table pages, %d invalidations\n",
		u.Regions, u.MappedNormal, u.MappedHuge, u.ResidentNormal, u.ResidentHuge, u.TablePages, u.TLBInvalidations)
	return result{}, err
}

func (r *Runner) doCheck(hostarch.Addr, *Step) (result, error) {
	return result{}, r.mm.CheckInvariants()
}
