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
	"fmt"
	"strings"

	"gvisor.dev/addrspace/pkg/hostarch"
	"gvisor.dev/addrspace/pkg/log"
)

// FaultCode is the error code pushed by the MMU on a page fault.
type FaultCode uint32

// Fault code bits.
const (
	// FaultPresent is set when the faulting page was present.
	FaultPresent FaultCode = 1 << 0

	// FaultWrite is set for write accesses.
	FaultWrite FaultCode = 1 << 1

	// FaultUser is set for accesses from user mode.
	FaultUser FaultCode = 1 << 2

	// unsatisfiable is exactly a user write to a present page. Lazy
	// allocation cannot help, so such faults are rejected before any
	// lookup. Codes with further bits set are handled normally.
	unsatisfiable = FaultPresent | FaultWrite | FaultUser
)

// Write returns true if c describes a write access.
func (c FaultCode) Write() bool {
	return c&FaultWrite != 0
}

// String implements fmt.Stringer.String.
func (c FaultCode) String() string {
	var parts []string
	if c&FaultPresent != 0 {
		parts = append(parts, "present")
	}
	if c&FaultWrite != 0 {
		parts = append(parts, "write")
	}
	if c&FaultUser != 0 {
		parts = append(parts, "user")
	}
	if rest := c &^ (FaultPresent | FaultWrite | FaultUser); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%#x", uint32(c))
	}
	return fmt.Sprintf("%#x(%s)", uint32(c), strings.Join(parts, "|"))
}

// HandleFault handles a page fault at addr.
//
// Only the page containing addr is populated: one zeroed normal frame for a
// normal region, or one zeroed huge frame covering the huge page containing
// addr for a huge region. A fault on a page that is already present and
// permitted succeeds without allocating.
func (mm *MemoryManager) HandleFault(addr hostarch.Addr, code FaultCode) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.handleFaultLocked(addr, code)
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) handleFaultLocked(addr hostarch.Addr, code FaultCode) error {
	if code == unsatisfiable {
		mm.faultLog.Warningf("Rejected fault at %v: code %v", addr, code)
		return ErrProtectionViolation
	}
	if err := mm.checkLiveLocked(); err != nil {
		return err
	}
	v := mm.vmas.find(addr)
	if v == nil || v.sentinel {
		mm.faultLog.Warningf("Fault at unmapped address %v: code %v", addr, code)
		return ErrUnmapped
	}
	if code.Write() && !v.perms.Write {
		mm.faultLog.Warningf("Write fault at %v in read-only region %v", addr, v.region())
		return ErrProtectionViolation
	}

	if tr, ok := mm.pt.Lookup(addr); ok {
		if tr.Huge != (v.gran == Huge) {
			panic(fmt.Sprintf("page at %v mapped as huge=%t in %v region", addr, tr.Huge, v.gran))
		}
		return nil
	}

	// Intermediate tables are linked writable for writable regions so that
	// a page first faulted in by a read can later be written.
	write := v.perms.Write || code.Write()
	if v.gran == Huge {
		return mm.faultHugeLocked(addr.HugeRoundDown(), write)
	}
	return mm.faultNormalLocked(addr.RoundDown(), write)
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) faultNormalLocked(page hostarch.Addr, write bool) error {
	fn, err := mm.mem.AllocNormalFrame()
	if err != nil {
		return err
	}
	if err := mm.pt.Install(page, fn, write); err != nil {
		mm.mem.FreeNormalFrame(fn)
		return err
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Faulted in %v at %v", fn, page)
	}
	return nil
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) faultHugeLocked(page hostarch.Addr, write bool) error {
	fn, err := mm.mem.AllocHugeFrame()
	if err != nil {
		return err
	}
	if err := mm.pt.InstallHuge(page, fn, write); err != nil {
		mm.mem.FreeHugeFrame(fn)
		return err
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Faulted in huge %v at %v", fn, page)
	}
	return nil
}

// translateLocked returns the kernel view of user memory from addr to the
// end of its page, faulting the page in first if needed.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) translateLocked(addr hostarch.Addr, write bool) ([]byte, error) {
	for retried := false; ; retried = true {
		tr, ok := mm.tlb.Lookup(addr)
		if !ok {
			tr, ok = mm.pt.Lookup(addr)
			if ok {
				mm.tlb.Insert(addr, tr)
			}
		}
		if ok && (!write || tr.Writable) {
			fn, off := tr.Locate(addr)
			return mm.mem.MapFrame(fn, hostarch.PageSize)[off:], nil
		}
		if retried {
			return nil, ErrUnmapped
		}
		code := FaultUser
		if ok {
			code |= FaultPresent
		}
		if write {
			code |= FaultWrite
		}
		if err := mm.handleFaultLocked(addr, code); err != nil {
			return nil, err
		}
	}
}
