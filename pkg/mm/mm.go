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
// Package mm provides the address space of one simulated process.
//
// A MemoryManager tracks which virtual ranges are mapped (the region list),
// backs them lazily with physical frames when they are faulted in, and moves
// ranges between normal (4KB) and huge (2MB) pages on request.
//
// Lock order:
//
//	MemoryManager.mu
//	  pgalloc.MemoryFile.mu
//	  pagetables.SoftTLB.mu
package mm

import (
	"fmt"
	"sync"
	"time"

	"gvisor.dev/addrspace/pkg/hostarch"
	"gvisor.dev/addrspace/pkg/log"
	"gvisor.dev/addrspace/pkg/pagetables"
)

// Granularity is the page size backing a region.
type Granularity int

const (
	// Normal regions are backed by 4KB pages.
	Normal Granularity = iota

	// Huge regions are backed by 2MB pages.
	Huge
)

// String implements fmt.Stringer.String.
func (g Granularity) String() string {
	switch g {
	case Normal:
		return "normal"
	case Huge:
		return "huge"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// PageSize returns the size of the pages backing a region of granularity g.
func (g Granularity) PageSize() uint64 {
	if g == Huge {
		return hostarch.HugePageSize
	}
	return hostarch.PageSize
}

// Layout is the mappable range of an address space.
type Layout struct {
	// MinAddr is the lowest mappable address. The page at MinAddr is
	// reserved as the floor region by the first MMap.
	MinAddr hostarch.Addr

	// MaxAddr is the exclusive upper bound of the mappable range.
	MaxAddr hostarch.Addr
}

// Valid returns an error if l cannot be used.
func (l Layout) Valid() error {
	if l.MinAddr == 0 || !l.MinAddr.IsPageAligned() || !l.MaxAddr.IsPageAligned() {
		return fmt.Errorf("layout bounds %v-%v must be non-zero and page aligned", l.MinAddr, l.MaxAddr)
	}
	if l.MaxAddr <= l.MinAddr+hostarch.PageSize {
		return fmt.Errorf("layout %v-%v leaves no mappable space", l.MinAddr, l.MaxAddr)
	}
	return nil
}

func (l Layout) contains(ar hostarch.AddrRange) bool {
	return l.MinAddr <= ar.Start && ar.End <= l.MaxAddr
}

// Memory is the physical memory an address space draws frames from.
// *pgalloc.MemoryFile implements Memory.
type Memory interface {
	pagetables.FrameAllocator
	pagetables.PhysicalMemory
}

// MemoryManager implements a process address space.
type MemoryManager struct {
	layout Layout
	mem    Memory
	tlb    *pagetables.SoftTLB

	// faultLog reports rejected faults without flooding the log when a
	// process keeps retrying.
	faultLog log.Logger

	// mu serializes all operations on the address space.
	mu sync.Mutex

	// vmas is the region list.
	//
	// +checklocks:mu
	vmas vmaList

	// pt maps the resident pages of vmas.
	//
	// +checklocks:mu
	pt *pagetables.PageTables

	// aborted is set when an operation failed after partially moving
	// pages between granularities, or after Release. All further
	// operations fail with ErrAborted.
	//
	// +checklocks:mu
	aborted bool

	// released is set by Release.
	//
	// +checklocks:mu
	released bool
}

// NewMemoryManager returns an empty address space over layout, drawing
// frames from mem.
func NewMemoryManager(mem Memory, layout Layout) (*MemoryManager, error) {
	if err := layout.Valid(); err != nil {
		return nil, err
	}
	tlb := pagetables.NewSoftTLB()
	pt, err := pagetables.New(mem, mem, tlb)
	if err != nil {
		return nil, fmt.Errorf("allocating root page table: %w", err)
	}
	return &MemoryManager{
		layout:   layout,
		mem:      mem,
		tlb:      tlb,
		faultLog: log.BasicRateLimitedLogger(time.Second),
		vmas:     newVMAList(),
		pt:       pt,
	}, nil
}

// Layout returns the mappable range of mm.
func (mm *MemoryManager) Layout() Layout {
	return mm.layout
}

// TLB returns the translation cache of mm.
func (mm *MemoryManager) TLB() *pagetables.SoftTLB {
	return mm.tlb
}

// Release frees every frame owned by mm. mm must not be used afterwards
// except for further calls to Release, which are no-ops.
func (mm *MemoryManager) Release() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return
	}
	mm.pt.Release()
	mm.vmas.clear()
	mm.released = true
	mm.aborted = true
}

// checkLiveLocked returns ErrAborted if mm can no longer be used.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) checkLiveLocked() error {
	if mm.aborted {
		return ErrAborted
	}
	return nil
}

// abortLocked marks mm unusable after err left the region list and the page
// table out of step.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) abortLocked(op string, err error) error {
	log.Warningf("%s failed mid-copy, aborting address space: %v", op, err)
	mm.aborted = true
	return err
}

// Aborted returns true if mm has been aborted or released.
func (mm *MemoryManager) Aborted() bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.aborted
}

// ensureSentinelLocked reserves the floor region on first use.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) ensureSentinelLocked() {
	if mm.vmas.len() != 0 {
		return
	}
	mm.vmas.insertRaw(&vma{
		start:    mm.layout.MinAddr,
		end:      mm.layout.MinAddr + hostarch.PageSize,
		sentinel: true,
	})
}

// Regions returns the mapped regions in address order. The floor region is
// not included.
func (mm *MemoryManager) Regions() []Region {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.vmas.snapshot()
}

// CheckInvariants returns an error if the region list is not sorted,
// non-overlapping, aligned and fully coalesced.
func (mm *MemoryManager) CheckInvariants() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.vmas.checkInvariants(mm.layout.MinAddr, mm.layout.MaxAddr)
}

// Usage summarizes the memory attributed to an address space.
type Usage struct {
	// Regions is the number of mapped regions.
	Regions int

	// MappedNormal and MappedHuge are the bytes mapped at each
	// granularity.
	MappedNormal uint64
	MappedHuge   uint64

	// ResidentNormal and ResidentHuge count faulted-in pages.
	ResidentNormal uint64
	ResidentHuge   uint64

	// TablePages counts page table pages, including the root.
	TablePages uint64

	// TLBInvalidations counts translation cache invalidations so far.
	TLBInvalidations uint64
}

// Usage returns current usage figures.
func (mm *MemoryManager) Usage() Usage {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var u Usage
	mm.vmas.each(func(v *vma) {
		if v.sentinel {
			return
		}
		u.Regions++
		if v.gran == Huge {
			u.MappedHuge += v.addrRange().Length()
		} else {
			u.MappedNormal += v.addrRange().Length()
		}
	})
	pu := mm.pt.Usage()
	u.ResidentNormal = pu.NormalPages
	u.ResidentHuge = pu.HugePages
	u.TablePages = pu.TablePages
	u.TLBInvalidations = mm.tlb.Invalidations()
	return u
}
