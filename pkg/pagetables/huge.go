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
	"fmt"

	"gvisor.dev/addrspace/pkg/hostarch"
)

// Collapse converts the normal pages mapped in the huge page at addr into
// a single huge page.
//
// Each present normal page is copied into a newly allocated huge frame at
// the same offset, then freed and invalidated. The PTE table is freed and the
// PMD entry becomes a huge leaf, writable iff write. Pages that were never
// faulted in stay zero in the huge frame. If no normal page is present no
// huge frame is allocated and the PMD entry is simply cleared.
//
// Collapse either succeeds or leaves the page table unchanged. It returns
// true if a huge page was installed.
//
// Preconditions: addr is huge-page aligned.
func (p *PageTables) Collapse(addr hostarch.Addr, write bool) (bool, error) {
	checkHugeAligned("Collapse", addr)
	pmd, l, err := p.Walk(addr, LevelPMD, false, write)
	if err != nil {
		return false, err
	}
	if l != LevelPMD || !pmd.Valid() {
		return false, nil
	}
	if pmd.IsHuge() {
		if write {
			pmd.makeWritable()
		} else {
			*pmd &^= writable
			p.tlb.Invalidate(addr, hostarch.HugePageSize)
		}
		return true, nil
	}

	table := pmd.Frame()
	ptes := p.entries(table)
	if ptes.empty() {
		pmd.Clear()
		p.freeTable(table)
		p.prune(addr)
		return false, nil
	}

	hfn, err := p.alloc.AllocHugeFrame()
	if err != nil {
		return false, err
	}
	dst := p.mem.MapFrame(hfn, hostarch.HugePageSize)
	for i := range ptes {
		entry := &ptes[i]
		if !entry.Valid() {
			continue
		}
		off := uint64(i) << hostarch.PageShift
		copy(dst[off:off+hostarch.PageSize], p.mem.MapFrame(entry.Frame(), hostarch.PageSize))
		p.alloc.FreeNormalFrame(entry.Frame())
		p.usage.NormalPages--
		entry.Clear()
		p.tlb.Invalidate(addr+hostarch.Addr(off), hostarch.PageSize)
	}
	p.freeTable(table)
	pmd.set(hfn, write, true)
	p.usage.HugePages++
	return true, nil
}

// Split converts the huge page at addr into PagesPerHugePage normal pages
// with the same contents and permissions.
//
// All frames are allocated before anything is modified, so Split either
// succeeds or leaves the page table unchanged. It returns false if no huge
// page is mapped at addr.
//
// Preconditions: addr is huge-page aligned.
func (p *PageTables) Split(addr hostarch.Addr) (bool, error) {
	checkHugeAligned("Split", addr)
	pmd, l, _ := p.Walk(addr, LevelPMD, false, false)
	if l != LevelPMD || !pmd.Valid() {
		return false, nil
	}
	if !pmd.IsHuge() {
		return false, nil
	}

	table, err := p.newTable()
	if err != nil {
		return false, err
	}
	var frames [hostarch.PagesPerHugePage]hostarch.FrameNumber
	for i := range frames {
		fn, err := p.alloc.AllocNormalFrame()
		if err != nil {
			for _, f := range frames[:i] {
				p.alloc.FreeNormalFrame(f)
			}
			p.freeTable(table)
			return false, err
		}
		frames[i] = fn
	}

	hfn := pmd.Frame()
	write := pmd.Writable()
	src := p.mem.MapFrame(hfn, hostarch.HugePageSize)
	ptes := p.entries(table)
	for i, fn := range frames {
		off := uint64(i) << hostarch.PageShift
		copy(p.mem.MapFrame(fn, hostarch.PageSize), src[off:off+hostarch.PageSize])
		ptes[i].set(fn, write, false)
	}
	p.alloc.FreeHugeFrame(hfn)
	pmd.setTable(table, write)
	p.usage.HugePages--
	p.usage.NormalPages += hostarch.PagesPerHugePage
	p.tlb.Invalidate(addr, hostarch.HugePageSize)
	return true, nil
}

// checkHugeAligned panics if addr cannot start a huge page.
func checkHugeAligned(op string, addr hostarch.Addr) {
	if !addr.IsHugePageAligned() {
		panic(fmt.Sprintf("%s(%v): address is not huge-page aligned", op, addr))
	}
}
