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
package mm

import (
	"gvisor.dev/addrspace/pkg/errors/linuxerr"
	"gvisor.dev/addrspace/pkg/hostarch"
	"gvisor.dev/addrspace/pkg/log"
	"gvisor.dev/addrspace/pkg/pagetables"
)

// MMapOpts specifies a request to MMap.
type MMapOpts struct {
	// Addr is the placement hint, or the exact address if Fixed is set.
	// 0 means no hint.
	Addr hostarch.Addr

	// Length is the length of the mapping in bytes. It is rounded up to a
	// whole number of pages.
	Length uint64

	// Perms is the permission of the new region. It must not be empty.
	Perms hostarch.AccessType

	// Fixed requires the mapping to be placed exactly at Addr.
	Fixed bool
}

// MMap reserves a new normal region and returns its start. No physical
// memory is allocated until the region is faulted in.
func (mm *MemoryManager) MMap(opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 || !opts.Perms.Any() {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLiveLocked(); err != nil {
		return 0, err
	}
	mm.ensureSentinelLocked()

	var ar hostarch.AddrRange
	if opts.Fixed {
		if opts.Addr == 0 || !opts.Addr.IsPageAligned() {
			return 0, linuxerr.EINVAL
		}
		ar, ok = opts.Addr.ToRange(length)
		if !ok || !mm.layout.contains(ar) || !mm.vmas.isFree(ar) {
			return 0, linuxerr.EINVAL
		}
	} else {
		var err error
		if ar, err = mm.findAvailableLocked(opts.Addr, length); err != nil {
			return 0, err
		}
	}

	mm.vmas.insert(ar, opts.Perms, Normal)
	log.Debugf("MMap %v %v", ar, opts.Perms)
	return ar.Start, nil
}

// findAvailableLocked places length bytes at the page-aligned hint if that
// range is free and mappable, and otherwise at the lowest free range above
// the floor region.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findAvailableLocked(hint hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if hint != 0 {
		if start, ok := hint.RoundUp(); ok {
			if ar, ok := start.ToRange(length); ok && mm.layout.contains(ar) && mm.vmas.isFree(ar) {
				return ar, nil
			}
		}
	}
	start, ok := mm.vmas.findGap(mm.layout.MinAddr, mm.layout.MaxAddr, length)
	if !ok {
		return hostarch.AddrRange{}, ErrOutOfSpace
	}
	return hostarch.AddrRange{Start: start, End: start + hostarch.Addr(length)}, nil
}

// MUnmap removes every mapping in the page-rounded range [addr,
// addr+length). Huge regions lose whole huge pages: the part of the range
// inside a huge region is rounded out to huge page boundaries. Unmapping an
// unmapped range is not an error.
func (mm *MemoryManager) MUnmap(addr hostarch.Addr, length uint64) error {
	if length == 0 {
		return linuxerr.EINVAL
	}
	end, ok := addr.AddLength(length)
	if !ok {
		return linuxerr.EINVAL
	}
	end, ok = end.RoundUp()
	if !ok {
		return linuxerr.EINVAL
	}
	ar := hostarch.AddrRange{Start: addr.RoundDown(), End: end}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLiveLocked(); err != nil {
		return err
	}
	for _, v := range mm.vmas.overlapping(ar) {
		if v.sentinel {
			continue
		}
		cut := ar.Intersect(v.addrRange())
		level := pagetables.LevelPTE
		if v.gran == Huge {
			if out, ok := cut.HugeRoundOut(); ok {
				cut = out.Intersect(v.addrRange())
			}
			level = pagetables.LevelPMD
		}
		removed := mm.vmas.carve(v, cut)
		mm.pt.UnlinkRange(removed, level)
		log.Debugf("MUnmap %v from %v region", removed, v.gran)
	}
	return nil
}
