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
)

// MakeHuge converts the mapped range [addr, addr+length), rounded inward to
// huge page boundaries, into one huge region with the given permissions and
// returns the rounded start.
//
// Every region in the rounded range must be normal, the range must have no
// holes, and unless force is set every region must already have perms.
// These conditions are checked before anything is modified. Resident normal
// pages are copied into huge pages at the same offsets; the rest of each
// huge page is zero.
func (mm *MemoryManager) MakeHuge(addr hostarch.Addr, length uint64, perms hostarch.AccessType, force bool) (hostarch.Addr, error) {
	if !perms.Any() {
		return 0, linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	ar, ok = ar.HugeRoundIn()
	if !ok {
		return 0, linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLiveLocked(); err != nil {
		return 0, err
	}

	cursor := ar.Start
	for _, v := range mm.vmas.overlapping(ar) {
		if v.sentinel {
			continue
		}
		if v.start > cursor {
			return 0, ErrNoMapping
		}
		if v.gran == Huge {
			return 0, ErrAlreadyHuge
		}
		if !force && v.perms != perms {
			return 0, ErrProtectionMismatch
		}
		cursor = v.end
	}
	if cursor < ar.End {
		return 0, ErrNoMapping
	}

	mm.vmas.splitAt(ar.Start)
	mm.vmas.splitAt(ar.End)
	for _, v := range mm.vmas.overlapping(ar) {
		mm.vmas.carve(v, ar)
	}
	mm.vmas.insertRaw(&vma{start: ar.Start, end: ar.End, perms: perms, gran: Huge})

	for page := ar.Start; page < ar.End; page += hostarch.HugePageSize {
		if _, err := mm.pt.Collapse(page, perms.Write); err != nil {
			mm.vmas.mergeAdjacent()
			return 0, mm.abortLocked("MakeHuge", err)
		}
	}
	mm.vmas.mergeAdjacent()
	log.Debugf("MakeHuge %v %v", ar, perms)
	return ar.Start, nil
}

// BreakHuge converts every huge region in [addr, addr+length) back into
// normal pages with the same contents and permissions. Both bounds must be
// huge page aligned. Normal and unmapped parts of the range are left alone.
func (mm *MemoryManager) BreakHuge(addr hostarch.Addr, length uint64) error {
	if length == 0 {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(length)
	if !ok || !ar.IsHugePageAligned() {
		return linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLiveLocked(); err != nil {
		return err
	}

	mm.vmas.splitAt(ar.Start)
	mm.vmas.splitAt(ar.End)
	for _, v := range mm.vmas.overlapping(ar) {
		if v.gran != Huge {
			continue
		}
		for page := v.start; page < v.end; page += hostarch.HugePageSize {
			if _, err := mm.pt.Split(page); err != nil {
				// The pages split so far are normal; describe them that way.
				if page > v.start {
					mm.vmas.splitAt(page)
					v.gran = Normal
				}
				mm.vmas.mergeAdjacent()
				return mm.abortLocked("BreakHuge", err)
			}
		}
		v.gran = Normal
	}
	mm.vmas.mergeAdjacent()
	log.Debugf("BreakHuge %v", ar)
	return nil
}
