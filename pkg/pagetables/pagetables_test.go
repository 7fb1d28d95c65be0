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
package pagetables

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/addrspace/pkg/hostarch"
	"gvisor.dev/addrspace/pkg/pgalloc"
)

const base = hostarch.Addr(0x180000000)

type testEnv struct {
	mf  *pgalloc.MemoryFile
	tlb *SoftTLB
	pt  *PageTables
}

func newTestEnv(t *testing.T, normal, huge uint64) *testEnv {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{NormalFrames: normal, HugeFrames: huge})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	tlb := NewSoftTLB()
	pt, err := New(mf, mf, tlb)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testEnv{mf: mf, tlb: tlb, pt: pt}
}

// install faults in a normal page at addr filled with fill.
func (e *testEnv) install(t *testing.T, addr hostarch.Addr, write bool, fill byte) hostarch.FrameNumber {
	t.Helper()
	fn, err := e.mf.AllocNormalFrame()
	if err != nil {
		t.Fatalf("AllocNormalFrame failed: %v", err)
	}
	copy(e.mf.MapFrame(fn, hostarch.PageSize), bytes.Repeat([]byte{fill}, hostarch.PageSize))
	if err := e.pt.Install(addr, fn, write); err != nil {
		t.Fatalf("Install(%v) failed: %v", addr, err)
	}
	return fn
}

func TestLevels(t *testing.T) {
	addr := hostarch.Addr(0x0000_7fab_cdef_1234)
	for _, test := range []struct {
		level Level
		shift uint
		index int
	}{
		{LevelPTE, 12, int(addr>>12) & 511},
		{LevelPMD, 21, int(addr>>21) & 511},
		{LevelPUD, 30, int(addr>>30) & 511},
		{LevelPGD, 39, int(addr>>39) & 511},
	} {
		if got := test.level.Shift(); got != test.shift {
			t.Errorf("%v.Shift() = %d, want %d", test.level, got, test.shift)
		}
		if got := test.level.Index(addr); got != test.index {
			t.Errorf("%v.Index(%v) = %d, want %d", test.level, addr, got, test.index)
		}
	}
	if got := LevelPMD.Size(); got != hostarch.HugePageSize {
		t.Errorf("LevelPMD.Size() = %d, want %d", got, hostarch.HugePageSize)
	}
}

func TestPTEEncoding(t *testing.T) {
	var p PTE
	if p.Valid() {
		t.Fatalf("zero PTE is valid")
	}
	p.set(0x1234, true, true)
	if !p.Valid() || !p.Writable() || !p.IsHuge() {
		t.Errorf("set(0x1234, true, true) = %#x, want present, writable and huge", uint64(p))
	}
	if p&user == 0 {
		t.Errorf("set did not set the user bit: %#x", uint64(p))
	}
	if got := p.Frame(); got != 0x1234 {
		t.Errorf("Frame() = %v, want pfn(0x1234)", got)
	}
	if got, want := uint64(p), uint64(0x1234<<12|0x87); got != want {
		t.Errorf("raw entry = %#x, want %#x", got, want)
	}
	p.Clear()
	if p.Valid() {
		t.Errorf("Clear left entry valid")
	}
}

func TestInstallCreatesTablesAndUnlinkReclaims(t *testing.T) {
	e := newTestEnv(t, 64, 0)
	baseline := e.mf.Usage()

	fn := e.install(t, base+0x3000, true, 0xab)
	if diff := cmp.Diff(Usage{TablePages: 4, NormalPages: 1}, e.pt.Usage()); diff != "" {
		t.Errorf("Usage after Install mismatch (-want +got):\n%s", diff)
	}

	tr, ok := e.pt.Lookup(base + 0x3123)
	if !ok {
		t.Fatalf("Lookup after Install failed")
	}
	if diff := cmp.Diff(Translation{Frame: fn, Writable: true}, tr); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}
	if _, ok := e.pt.Lookup(base + 0x4000); ok {
		t.Errorf("Lookup of neighbouring page succeeded")
	}

	if !e.pt.Unlink(base+0x3000, LevelPTE) {
		t.Fatalf("Unlink returned false")
	}
	if e.pt.Unlink(base+0x3000, LevelPTE) {
		t.Errorf("second Unlink returned true")
	}
	if diff := cmp.Diff(Usage{TablePages: 1}, e.pt.Usage()); diff != "" {
		t.Errorf("Usage after Unlink mismatch (-want +got):\n%s", diff)
	}
	if !e.pt.entries(e.pt.Root()).empty() {
		t.Errorf("root still has present entries after the last page was unlinked")
	}
	e.pt.Release()
	if diff := cmp.Diff(baseline.NormalInUse-1, e.mf.Usage().NormalInUse); diff != "" {
		t.Errorf("frames leaked (-want +got):\n%s", diff)
	}
}

func TestReclaimKeepsSharedTables(t *testing.T) {
	e := newTestEnv(t, 64, 0)
	e.install(t, base, false, 1)
	e.install(t, base+hostarch.PageSize, false, 2)
	e.install(t, base+hostarch.HugePageSize, false, 3)

	e.pt.Unlink(base, LevelPTE)
	if got := e.pt.Usage().TablePages; got != 5 {
		t.Errorf("TablePages after unlinking one of two neighbours = %d, want 5", got)
	}
	e.pt.Unlink(base+hostarch.PageSize, LevelPTE)
	if got := e.pt.Usage().TablePages; got != 4 {
		t.Errorf("TablePages after emptying one PTE table = %d, want 4", got)
	}
	e.pt.Unlink(base+hostarch.HugePageSize, LevelPTE)
	if got := e.pt.Usage().TablePages; got != 1 {
		t.Errorf("TablePages after unlinking everything = %d, want 1", got)
	}
}

func TestWriteUpgradesIntermediates(t *testing.T) {
	e := newTestEnv(t, 64, 0)
	e.install(t, base, false, 0)
	if tr, _ := e.pt.Lookup(base); tr.Writable {
		t.Errorf("read-only page translated writable")
	}
	pmd, _, _ := e.pt.Walk(base, LevelPMD, false, false)
	if pmd.Writable() {
		t.Errorf("PMD entry writable after read-only install")
	}

	e.install(t, base+hostarch.PageSize, true, 0)
	if tr, _ := e.pt.Lookup(base + hostarch.PageSize); !tr.Writable {
		t.Errorf("writable page translated read-only")
	}
	if tr, _ := e.pt.Lookup(base); tr.Writable {
		t.Errorf("read-only leaf became writable")
	}
	if !pmd.Writable() {
		t.Errorf("PMD entry did not gain the writable bit")
	}
}

func TestUnlinkInvalidatesTLB(t *testing.T) {
	e := newTestEnv(t, 64, 0)
	e.install(t, base, true, 0)
	tr, _ := e.pt.Lookup(base)
	e.tlb.Insert(base, tr)
	before := e.tlb.Invalidations()

	e.pt.Unlink(base, LevelPTE)
	if _, ok := e.tlb.Lookup(base); ok {
		t.Errorf("TLB still translates %v after Unlink", base)
	}
	if got := e.tlb.Invalidations() - before; got != 1 {
		t.Errorf("Unlink issued %d invalidations, want 1", got)
	}
}

func TestUnlinkRange(t *testing.T) {
	e := newTestEnv(t, 64, 0)
	for _, off := range []hostarch.Addr{0, 0x5000, hostarch.HugePageSize + 0x1000, 3 * hostarch.HugePageSize} {
		e.install(t, base+off, true, 0)
	}
	e.pt.UnlinkRange(hostarch.AddrRange{Start: base, End: base + 2*hostarch.HugePageSize}, LevelPTE)

	if got := e.pt.Usage().NormalPages; got != 1 {
		t.Errorf("NormalPages after UnlinkRange = %d, want 1", got)
	}
	if _, ok := e.pt.Lookup(base + 3*hostarch.HugePageSize); !ok {
		t.Errorf("page outside the range was unlinked")
	}
}

func TestInstallHugeAndUnlink(t *testing.T) {
	e := newTestEnv(t, 64, 2)
	hfn, err := e.mf.AllocHugeFrame()
	if err != nil {
		t.Fatalf("AllocHugeFrame failed: %v", err)
	}
	if err := e.pt.InstallHuge(base+0x1234, hfn, true); err != nil {
		t.Fatalf("InstallHuge failed: %v", err)
	}
	if got := e.pt.Usage().TablePages; got != 3 {
		t.Errorf("TablePages with one huge page = %d, want 3", got)
	}
	tr, ok := e.pt.Lookup(base + 0x5123)
	if !ok || !tr.Huge {
		t.Fatalf("Lookup = %+v, %t, want a huge translation", tr, ok)
	}
	fn, off := tr.Locate(base + 0x5123)
	if fn != hfn.Add(5) || off != 0x123 {
		t.Errorf("Locate = %v, %#x, want %v, 0x123", fn, off, hfn.Add(5))
	}

	if e.pt.Unlink(base, LevelPTE) {
		t.Errorf("Unlink at LevelPTE removed a huge page")
	}
	if !e.pt.Unlink(base, LevelPMD) {
		t.Fatalf("Unlink at LevelPMD failed")
	}
	if e.mf.IsAllocated(hfn) {
		t.Errorf("huge frame not freed")
	}
	if got := e.pt.Usage().TablePages; got != 1 {
		t.Errorf("TablePages after unlinking the huge page = %d, want 1", got)
	}
}

func TestCollapse(t *testing.T) {
	e := newTestEnv(t, 64, 1)
	fn0 := e.install(t, base, false, 0x11)
	e.install(t, base+7*hostarch.PageSize, false, 0x77)
	for _, a := range []hostarch.Addr{base, base + 7*hostarch.PageSize} {
		tr, _ := e.pt.Lookup(a)
		e.tlb.Insert(a, tr)
	}

	huge, err := e.pt.Collapse(base, true)
	if err != nil || !huge {
		t.Fatalf("Collapse = %t, %v, want true, nil", huge, err)
	}
	if e.mf.IsAllocated(fn0) {
		t.Errorf("normal frame %v not freed by Collapse", fn0)
	}
	if got := e.tlb.Cached(hostarch.AddrRange{Start: base, End: base + hostarch.HugePageSize}); len(got) != 0 {
		t.Errorf("stale TLB entries after Collapse: %v", got)
	}
	if diff := cmp.Diff(Usage{TablePages: 3, HugePages: 1}, e.pt.Usage()); diff != "" {
		t.Errorf("Usage after Collapse mismatch (-want +got):\n%s", diff)
	}

	tr, ok := e.pt.Lookup(base)
	if !ok || !tr.Huge || !tr.Writable {
		t.Fatalf("Lookup after Collapse = %+v, %t", tr, ok)
	}
	mem := e.mf.MapFrame(tr.Frame, hostarch.HugePageSize)
	for _, test := range []struct {
		page int
		want byte
	}{
		{0, 0x11},
		{1, 0},
		{7, 0x77},
		{511, 0},
	} {
		if got := mem[test.page*hostarch.PageSize+100]; got != test.want {
			t.Errorf("page %d of huge frame holds %#x, want %#x", test.page, got, test.want)
		}
	}
}

func TestCollapseNothingMapped(t *testing.T) {
	e := newTestEnv(t, 64, 1)
	huge, err := e.pt.Collapse(base, false)
	if err != nil || huge {
		t.Errorf("Collapse of unmapped chunk = %t, %v, want false, nil", huge, err)
	}
	if got := e.mf.Usage().HugeInUse; got != 0 {
		t.Errorf("Collapse of unmapped chunk allocated %d huge frames", got)
	}
}

func TestCollapseOutOfHugeFrames(t *testing.T) {
	e := newTestEnv(t, 64, 0)
	e.install(t, base, true, 0x5a)
	before := e.pt.Usage()
	if _, err := e.pt.Collapse(base, true); err == nil {
		t.Fatalf("Collapse without huge frames succeeded")
	}
	if diff := cmp.Diff(before, e.pt.Usage()); diff != "" {
		t.Errorf("failed Collapse changed usage (-want +got):\n%s", diff)
	}
	if tr, ok := e.pt.Lookup(base); !ok || tr.Huge {
		t.Errorf("failed Collapse changed the mapping: %+v, %t", tr, ok)
	}
}

func TestSplit(t *testing.T) {
	e := newTestEnv(t, 1024, 1)
	hfn, err := e.mf.AllocHugeFrame()
	if err != nil {
		t.Fatalf("AllocHugeFrame failed: %v", err)
	}
	mem := e.mf.MapFrame(hfn, hostarch.HugePageSize)
	for i := 0; i < hostarch.PagesPerHugePage; i++ {
		mem[i*hostarch.PageSize] = byte(i)
	}
	if err := e.pt.InstallHuge(base, hfn, false); err != nil {
		t.Fatalf("InstallHuge failed: %v", err)
	}
	tr, _ := e.pt.Lookup(base)
	e.tlb.Insert(base, tr)

	ok, err := e.pt.Split(base)
	if err != nil || !ok {
		t.Fatalf("Split = %t, %v, want true, nil", ok, err)
	}
	if e.mf.IsAllocated(hfn) {
		t.Errorf("huge frame not freed by Split")
	}
	if _, ok := e.tlb.Lookup(base); ok {
		t.Errorf("huge translation still cached after Split")
	}
	for i := 0; i < hostarch.PagesPerHugePage; i++ {
		a := base + hostarch.Addr(i*hostarch.PageSize)
		tr, ok := e.pt.Lookup(a)
		if !ok || tr.Huge || tr.Writable {
			t.Fatalf("Lookup(%v) after Split = %+v, %t", a, tr, ok)
		}
		if got := e.mf.MapFrame(tr.Frame, hostarch.PageSize)[0]; got != byte(i) {
			t.Errorf("page %d holds %#x after Split, want %#x", i, got, byte(i))
		}
	}
	if diff := cmp.Diff(Usage{TablePages: 4, NormalPages: hostarch.PagesPerHugePage}, e.pt.Usage()); diff != "" {
		t.Errorf("Usage after Split mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitOutOfMemoryLeavesHugePage(t *testing.T) {
	e := newTestEnv(t, 64, 1)
	hfn, err := e.mf.AllocHugeFrame()
	if err != nil {
		t.Fatalf("AllocHugeFrame failed: %v", err)
	}
	if err := e.pt.InstallHuge(base, hfn, true); err != nil {
		t.Fatalf("InstallHuge failed: %v", err)
	}
	inUse := e.mf.Usage().NormalInUse
	if _, err := e.pt.Split(base); err == nil {
		t.Fatalf("Split with 64 normal frames succeeded")
	}
	if got := e.mf.Usage().NormalInUse; got != inUse {
		t.Errorf("failed Split leaked frames: %d in use, want %d", got, inUse)
	}
	if tr, ok := e.pt.Lookup(base); !ok || !tr.Huge || tr.Frame != hfn {
		t.Errorf("failed Split changed the mapping: %+v, %t", tr, ok)
	}
}

func TestWalkOutOfMemoryReclaims(t *testing.T) {
	// Room for the root and two tables: the PTE table cannot be allocated.
	e := newTestEnv(t, 4, 0)
	if _, _, err := e.pt.Walk(base, LevelPTE, true, true); err == nil {
		t.Fatalf("Walk with an exhausted pool succeeded")
	}
	if diff := cmp.Diff(Usage{TablePages: 1}, e.pt.Usage()); diff != "" {
		t.Errorf("failed Walk left tables behind (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	e := newTestEnv(t, 64, 1)
	e.install(t, base, true, 0)
	hfn, err := e.mf.AllocHugeFrame()
	if err != nil {
		t.Fatalf("AllocHugeFrame failed: %v", err)
	}
	if err := e.pt.InstallHuge(base+hostarch.HugePageSize, hfn, true); err != nil {
		t.Fatalf("InstallHuge failed: %v", err)
	}
	tr, _ := e.pt.Lookup(base)
	e.tlb.Insert(base, tr)

	e.pt.Release()
	if diff := cmp.Diff(pgalloc.Usage{NormalTotal: 63, HugeTotal: 1}, e.mf.Usage()); diff != "" {
		t.Errorf("Release leaked frames (-want +got):\n%s", diff)
	}
	if got := e.tlb.Len(); got != 0 {
		t.Errorf("TLB holds %d entries after Release", got)
	}
}
