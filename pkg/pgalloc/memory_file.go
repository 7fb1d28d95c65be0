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

// Package pgalloc contains the physical frame allocator used by address
// spaces, along with the identity mapping through which the kernel reaches
// the contents of any frame.
//
// Physical memory is simulated by one anonymous host mapping. Normal frames
// occupy the low part of it and huge frames, each PagesPerHugePage normal
// frames long and huge-page aligned, occupy the rest. Frame numbers are
// offsets into that mapping in units of hostarch.PageSize.
package pgalloc

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/addrspace/pkg/errors/linuxerr"
	"gvisor.dev/addrspace/pkg/hostarch"
	"gvisor.dev/addrspace/pkg/log"
)

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// NormalFrames is the number of normal frames, including the reserved
	// frame 0. It must be at least 2.
	NormalFrames uint64

	// HugeFrames is the number of huge frames. It may be 0.
	HugeFrames uint64
}

// Usage reports frame pool occupancy.
type Usage struct {
	// NormalInUse is the number of allocated normal frames.
	NormalInUse uint64

	// NormalTotal is the number of allocatable normal frames.
	NormalTotal uint64

	// HugeInUse is the number of allocated huge frames.
	HugeInUse uint64

	// HugeTotal is the number of allocatable huge frames.
	HugeTotal uint64
}

// MemoryFile is a simulated physical memory with a frame allocator.
//
// MemoryFile is safe for concurrent use; address spaces sharing one
// MemoryFile share nothing else.
type MemoryFile struct {
	// mapping is the host mapping backing all frames. It is immutable
	// between NewMemoryFile and Destroy.
	mapping []byte

	// hugeBase is the frame number of the first huge frame.
	hugeBase hostarch.FrameNumber

	mu sync.Mutex

	// normal tracks normal frames; slot i is frame i. Slot 0 is reserved
	// so that no valid frame is numbered 0.
	//
	// +checklocks:mu
	normal frameBitmap

	// huge tracks huge frames; slot i is frame hugeBase + i*PagesPerHugePage.
	//
	// +checklocks:mu
	huge frameBitmap

	// destroyed is set by Destroy.
	//
	// +checklocks:mu
	destroyed bool
}

// NewMemoryFile creates a MemoryFile with the given pool sizes.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.NormalFrames < 2 {
		return nil, fmt.Errorf("need at least 2 normal frames, got %d", opts.NormalFrames)
	}
	if opts.NormalFrames > math.MaxUint32 || opts.HugeFrames > math.MaxUint32 {
		return nil, fmt.Errorf("pool too large: %d normal, %d huge frames", opts.NormalFrames, opts.HugeFrames)
	}
	hugeBase := (opts.NormalFrames + hostarch.PagesPerHugePage - 1) &^ (hostarch.PagesPerHugePage - 1)
	size := hugeBase*hostarch.PageSize + opts.HugeFrames*hostarch.HugePageSize
	if size > math.MaxInt {
		return nil, fmt.Errorf("memory file size %d overflows", size)
	}
	m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of physical memory: %w", size, err)
	}
	f := &MemoryFile{
		mapping:  m,
		hugeBase: hostarch.FrameNumber(hugeBase),
		normal:   newFrameBitmap(uint32(opts.NormalFrames)),
		huge:     newFrameBitmap(uint32(opts.HugeFrames)),
	}
	f.normal.add(0)
	log.Debugf("Physical memory: %d normal frames, %d huge frames (%d bytes)", opts.NormalFrames, opts.HugeFrames, size)
	return f, nil
}

// Destroy releases the host mapping. The MemoryFile must not be used after
// Destroy returns.
func (f *MemoryFile) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil
	}
	f.destroyed = true
	return unix.Munmap(f.mapping)
}

// AllocNormalFrame allocates one zeroed normal frame. It returns
// linuxerr.ENOMEM when the pool is exhausted.
func (f *MemoryFile) AllocNormalFrame() (hostarch.FrameNumber, error) {
	f.mu.Lock()
	slot, ok := f.normal.allocate()
	f.mu.Unlock()
	if !ok {
		return hostarch.InvalidFrame, linuxerr.ENOMEM
	}
	fn := hostarch.FrameNumber(slot)
	clear(f.MapFrame(fn, hostarch.PageSize))
	return fn, nil
}

// AllocHugeFrame allocates one zeroed huge frame. It returns linuxerr.ENOMEM
// when the pool is exhausted.
func (f *MemoryFile) AllocHugeFrame() (hostarch.FrameNumber, error) {
	f.mu.Lock()
	slot, ok := f.huge.allocate()
	f.mu.Unlock()
	if !ok {
		return hostarch.InvalidFrame, linuxerr.ENOMEM
	}
	fn := f.hugeBase.Add(uint64(slot) * hostarch.PagesPerHugePage)
	clear(f.MapFrame(fn, hostarch.HugePageSize))
	return fn, nil
}

// FreeNormalFrame returns fn to the normal pool.
//
// Preconditions: fn was returned by AllocNormalFrame and not freed since.
func (f *MemoryFile) FreeNormalFrame(fn hostarch.FrameNumber) {
	if fn == 0 || fn >= f.hugeBase || uint64(fn) >= uint64(f.normal.size) {
		panic(fmt.Sprintf("FreeNormalFrame(%v): not a normal frame", fn))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.normal.remove(uint32(fn)) {
		panic(fmt.Sprintf("FreeNormalFrame(%v): frame is not allocated", fn))
	}
}

// FreeHugeFrame returns fn to the huge pool.
//
// Preconditions: fn was returned by AllocHugeFrame and not freed since.
func (f *MemoryFile) FreeHugeFrame(fn hostarch.FrameNumber) {
	slot, ok := f.hugeSlot(fn)
	if !ok {
		panic(fmt.Sprintf("FreeHugeFrame(%v): not a huge frame", fn))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.huge.remove(slot) {
		panic(fmt.Sprintf("FreeHugeFrame(%v): frame is not allocated", fn))
	}
}

func (f *MemoryFile) hugeSlot(fn hostarch.FrameNumber) (uint32, bool) {
	if fn < f.hugeBase || !fn.IsHugeAligned() {
		return 0, false
	}
	slot := uint64(fn-f.hugeBase) / hostarch.PagesPerHugePage
	if slot >= uint64(f.huge.size) {
		return 0, false
	}
	return uint32(slot), true
}

// IsAllocated returns true if fn is currently allocated, as either a normal
// frame or the first frame of a huge frame.
func (f *MemoryFile) IsAllocated(fn hostarch.FrameNumber) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn < f.hugeBase {
		return fn != 0 && uint64(fn) < uint64(f.normal.size) && f.normal.isSet(uint32(fn))
	}
	slot, ok := f.hugeSlot(fn)
	return ok && f.huge.isSet(slot)
}

// MapFrame returns the kernel view of size bytes of physical memory starting
// at fn. It panics if the range falls outside physical memory.
func (f *MemoryFile) MapFrame(fn hostarch.FrameNumber, size uint64) []byte {
	off := fn.PhysicalAddress()
	end := off + size
	if end < off || end > uint64(len(f.mapping)) {
		panic(fmt.Sprintf("MapFrame(%v, %d): outside physical memory of %d bytes", fn, size, len(f.mapping)))
	}
	return f.mapping[off:end:end]
}

// Usage returns the current pool occupancy.
func (f *MemoryFile) Usage() Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Usage{
		NormalInUse: uint64(f.normal.numOnes) - 1,
		NormalTotal: uint64(f.normal.size) - 1,
		HugeInUse:   uint64(f.huge.numOnes),
		HugeTotal:   uint64(f.huge.size),
	}
}
