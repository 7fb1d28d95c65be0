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
// Package pagetables implements a four-level radix page table over
// simulated physical memory.
//
// Table pages are ordinary normal frames obtained from a FrameAllocator and
// accessed through a PhysicalMemory identity map. Intermediate tables are
// created on demand and reclaimed as soon as they hold no present entry, so
// a page table with no leaves consists of the root alone.
package pagetables

import (
	"fmt"
	"unsafe"

	"gvisor.dev/addrspace/pkg/hostarch"
)

// FrameAllocator hands out zeroed physical frames.
type FrameAllocator interface {
	// AllocNormalFrame allocates one zeroed normal frame.
	AllocNormalFrame() (hostarch.FrameNumber, error)

	// AllocHugeFrame allocates one zeroed, huge-aligned huge frame.
	AllocHugeFrame() (hostarch.FrameNumber, error)

	// FreeNormalFrame releases a frame returned by AllocNormalFrame.
	FreeNormalFrame(hostarch.FrameNumber)

	// FreeHugeFrame releases a frame returned by AllocHugeFrame.
	FreeHugeFrame(hostarch.FrameNumber)
}

// PhysicalMemory gives the kernel a view of physical frames.
type PhysicalMemory interface {
	// MapFrame returns size bytes of physical memory starting at fn.
	MapFrame(fn hostarch.FrameNumber, size uint64) []byte
}

// TLB is a translation cache that must be told about every removed or
// downgraded translation.
type TLB interface {
	// Invalidate drops any cached translation for the page of the given
	// size starting at addr.
	Invalidate(addr hostarch.Addr, size uint64)

	// Flush drops every cached translation.
	Flush()
}

// Usage counts the frames owned by a PageTables.
type Usage struct {
	// TablePages is the number of table pages, including the root.
	TablePages uint64

	// NormalPages is the number of mapped normal data frames.
	NormalPages uint64

	// HugePages is the number of mapped huge data frames.
	HugePages uint64
}

// PageTables is a four-level page table.
//
// PageTables is not safe for concurrent use; its owner serializes access.
type PageTables struct {
	alloc FrameAllocator
	mem   PhysicalMemory
	tlb   TLB

	// root is the PGD table page. It is InvalidFrame after Release.
	root hostarch.FrameNumber

	usage Usage
}

// New returns a page table with an empty root.
func New(alloc FrameAllocator, mem PhysicalMemory, tlb TLB) (*PageTables, error) {
	root, err := alloc.AllocNormalFrame()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		alloc: alloc,
		mem:   mem,
		tlb:   tlb,
		root:  root,
		usage: Usage{TablePages: 1},
	}, nil
}

// Root returns the frame holding the PGD.
func (p *PageTables) Root() hostarch.FrameNumber {
	return p.root
}

// Usage returns frame counts.
func (p *PageTables) Usage() Usage {
	return p.usage
}

// entries returns the table held in fn.
func (p *PageTables) entries(fn hostarch.FrameNumber) *PTEs {
	b := p.mem.MapFrame(fn, hostarch.PageSize)
	return (*PTEs)(unsafe.Pointer(&b[0]))
}

func (p *PageTables) newTable() (hostarch.FrameNumber, error) {
	fn, err := p.alloc.AllocNormalFrame()
	if err != nil {
		return hostarch.InvalidFrame, err
	}
	p.usage.TablePages++
	return fn, nil
}

func (p *PageTables) freeTable(fn hostarch.FrameNumber) {
	p.alloc.FreeNormalFrame(fn)
	p.usage.TablePages--
}

// Walk descends from the root towards the entry for addr at level and
// returns the entry where it stopped together with that entry's level.
//
// The walk stops early, returning a shallower level, at a huge entry or, if
// create is false, at an entry that is not present. If create is true,
// missing intermediate tables are allocated and linked present and user,
// and writable when write is true. When write is true every present
// intermediate entry on the path gains the writable bit; it never loses it.
//
// Walk fails only when create is true and a table page cannot be allocated,
// in which case any tables created by this walk are reclaimed.
func (p *PageTables) Walk(addr hostarch.Addr, level Level, create, write bool) (*PTE, Level, error) {
	table := p.root
	for l := LevelPGD; ; l-- {
		entry := &p.entries(table)[l.Index(addr)]
		if l == level {
			return entry, l, nil
		}
		if !entry.Valid() {
			if !create {
				return entry, l, nil
			}
			fn, err := p.newTable()
			if err != nil {
				p.prune(addr)
				return nil, l, err
			}
			entry.setTable(fn, write)
		} else if entry.IsHuge() {
			return entry, l, nil
		} else if write && !entry.Writable() {
			entry.makeWritable()
		}
		table = entry.Frame()
	}
}

// Install maps the normal page containing addr to fn.
//
// Preconditions: No huge page covers addr.
func (p *PageTables) Install(addr hostarch.Addr, fn hostarch.FrameNumber, write bool) error {
	entry, l, err := p.Walk(addr, LevelPTE, true, write)
	if err != nil {
		return err
	}
	if l != LevelPTE {
		panic(fmt.Sprintf("Install(%v): huge page mapped at %v", addr, l))
	}
	if !entry.Valid() {
		p.usage.NormalPages++
	}
	entry.set(fn, write, false)
	return nil
}

// InstallHuge maps the huge page containing addr to the huge frame fn.
//
// Preconditions: No PTE table exists for the huge page containing addr.
func (p *PageTables) InstallHuge(addr hostarch.Addr, fn hostarch.FrameNumber, write bool) error {
	entry, l, err := p.Walk(addr, LevelPMD, true, write)
	if err != nil {
		return err
	}
	if l != LevelPMD || (entry.Valid() && !entry.IsHuge()) {
		panic(fmt.Sprintf("InstallHuge(%v): conflicting table at %v", addr, l))
	}
	if !entry.Valid() {
		p.usage.HugePages++
	}
	entry.set(fn, write, true)
	return nil
}

// Unlink removes the leaf at level (LevelPTE for a normal page, LevelPMD for
// a huge page) covering addr, invalidates its translation, frees its data
// frame, and reclaims any tables left empty. It returns false if no such
// leaf exists.
func (p *PageTables) Unlink(addr hostarch.Addr, level Level) bool {
	entry, l, _ := p.Walk(addr, level, false, false)
	if l != level || !entry.Valid() {
		return false
	}
	if (level == LevelPMD) != entry.IsHuge() {
		return false
	}
	fn := entry.Frame()
	entry.Clear()
	size := level.Size()
	p.tlb.Invalidate(hostarch.Addr(uint64(addr)&^(size-1)), size)
	if level == LevelPMD {
		p.alloc.FreeHugeFrame(fn)
		p.usage.HugePages--
	} else {
		p.alloc.FreeNormalFrame(fn)
		p.usage.NormalPages--
	}
	p.prune(addr)
	return true
}

// UnlinkRange unlinks every leaf at level within ar, skipping spans whose
// tables do not exist.
//
// Preconditions: ar is aligned to level.Size().
func (p *PageTables) UnlinkRange(ar hostarch.AddrRange, level Level) {
	for addr := ar.Start; addr < ar.End; {
		entry, l, _ := p.Walk(addr, level, false, false)
		if l == level && entry.Valid() {
			p.Unlink(addr, level)
		}
		next := hostarch.Addr((uint64(addr) | (l.Size() - 1)) + 1)
		if next <= addr {
			return
		}
		addr = next
	}
}

// prune frees the tables on the path to addr that hold no present entry,
// from the bottom up. The root is never freed.
func (p *PageTables) prune(addr hostarch.Addr) {
	// path[l] is the entry at level l that links the table below it.
	var path [LevelPGD + 1]*PTE
	bottom := LevelPGD + 1
	table := p.root
	for l := LevelPGD; l > LevelPTE; l-- {
		entry := &p.entries(table)[l.Index(addr)]
		if !entry.Valid() || entry.IsHuge() {
			break
		}
		path[l] = entry
		bottom = l
		table = entry.Frame()
	}
	for l := bottom; l <= LevelPGD; l++ {
		entry := path[l]
		if !p.entries(entry.Frame()).empty() {
			return
		}
		fn := entry.Frame()
		entry.Clear()
		p.freeTable(fn)
	}
}

// Translation is the result of a successful Lookup.
type Translation struct {
	// Frame is the data frame of the leaf: a normal frame, or the first
	// frame of a huge frame.
	Frame hostarch.FrameNumber

	// Writable is true iff every level on the path allows writes.
	Writable bool

	// Huge is true iff the leaf is a huge page.
	Huge bool
}

// Size returns the size of the page mapped by t.
func (t Translation) Size() uint64 {
	if t.Huge {
		return hostarch.HugePageSize
	}
	return hostarch.PageSize
}

// Locate returns the normal frame holding addr and addr's offset within it.
//
// Preconditions: t translates the page containing addr.
func (t Translation) Locate(addr hostarch.Addr) (hostarch.FrameNumber, uint64) {
	if t.Huge {
		return t.Frame.Add(addr.HugePageOffset() >> hostarch.PageShift), addr.PageOffset()
	}
	return t.Frame, addr.PageOffset()
}

// Lookup translates addr the way the MMU would, without modifying anything.
func (p *PageTables) Lookup(addr hostarch.Addr) (Translation, bool) {
	table := p.root
	w := true
	for l := LevelPGD; ; l-- {
		entry := &p.entries(table)[l.Index(addr)]
		if !entry.Valid() {
			return Translation{}, false
		}
		w = w && entry.Writable()
		if l == LevelPTE || entry.IsHuge() {
			return Translation{
				Frame:    entry.Frame(),
				Writable: w,
				Huge:     entry.IsHuge(),
			}, true
		}
		table = entry.Frame()
	}
}

// Release frees every table page and data frame, including the root, and
// flushes the TLB. p must not be used afterwards.
func (p *PageTables) Release() {
	if !p.root.IsValid() {
		return
	}
	p.releaseTable(p.root, LevelPGD)
	p.root = hostarch.InvalidFrame
	p.tlb.Flush()
}

func (p *PageTables) releaseTable(fn hostarch.FrameNumber, l Level) {
	entries := p.entries(fn)
	for i := range entries {
		entry := &entries[i]
		if !entry.Valid() {
			continue
		}
		switch {
		case l == LevelPTE:
			p.alloc.FreeNormalFrame(entry.Frame())
			p.usage.NormalPages--
		case entry.IsHuge():
			p.alloc.FreeHugeFrame(entry.Frame())
			p.usage.HugePages--
		default:
			p.releaseTable(entry.Frame(), l-1)
		}
		entry.Clear()
	}
	p.freeTable(fn)
}
