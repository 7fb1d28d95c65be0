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

// Bits in page table entries.
const (
	present  PTE = 1 << 0
	writable PTE = 1 << 1
	user     PTE = 1 << 2
	huge     PTE = 1 << 7

	addressMask PTE = 0x000ffffffffff000
)

// entriesPerPage is the number of entries in every table page.
const entriesPerPage = 512

// PTE is a page table entry at any level.
type PTE uint64

// PTEs is one table page.
type PTEs [entriesPerPage]PTE

// Valid returns true iff this entry is present.
func (p *PTE) Valid() bool {
	return *p&present != 0
}

// IsHuge returns true iff this entry maps a huge page. Only PMD entries may
// be huge.
func (p *PTE) IsHuge() bool {
	return *p&huge != 0
}

// Writable returns true iff this entry allows writes through it.
func (p *PTE) Writable() bool {
	return *p&writable != 0
}

// Frame returns the frame this entry points at: a child table page or a
// data frame.
func (p *PTE) Frame() hostarch.FrameNumber {
	return hostarch.FrameNumber((*p & addressMask) >> hostarch.PageShift)
}

// Clear clears this entry.
func (p *PTE) Clear() {
	*p = 0
}

// set installs a present user entry pointing at fn.
func (p *PTE) set(fn hostarch.FrameNumber, write, isHuge bool) {
	v := PTE(fn.PhysicalAddress())&addressMask | present | user
	if write {
		v |= writable
	}
	if isHuge {
		v |= huge
	}
	*p = v
}

// setTable links a child table page. A table entry never loses the writable
// bit once it has it.
func (p *PTE) setTable(fn hostarch.FrameNumber, write bool) {
	p.set(fn, write, false)
}

// makeWritable sets the writable bit.
func (p *PTE) makeWritable() {
	*p |= writable
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return "none"
	}
	w := "ro"
	if p.Writable() {
		w = "rw"
	}
	if p.IsHuge() {
		return fmt.Sprintf("%v %s huge", p.Frame(), w)
	}
	return fmt.Sprintf("%v %s", p.Frame(), w)
}

// empty returns true iff no entry in the table is present.
func (t *PTEs) empty() bool {
	for i := range t {
		if t[i].Valid() {
			return false
		}
	}
	return true
}

// Level is a page table level. Levels are ordered from the leaf upwards so
// that Level(n).Shift() == PageShift + 9*n.
type Level int

// Page table levels.
const (
	LevelPTE Level = iota
	LevelPMD
	LevelPUD
	LevelPGD
)

// Shift returns the binary log of the span of one entry at l.
func (l Level) Shift() uint {
	return hostarch.PageShift + 9*uint(l)
}

// Size returns the span of one entry at l.
func (l Level) Size() uint64 {
	return 1 << l.Shift()
}

// Index returns the index of addr's entry within a table at l.
func (l Level) Index(addr hostarch.Addr) int {
	return int(uint64(addr)>>l.Shift()) & (entriesPerPage - 1)
}

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case LevelPTE:
		return "PTE"
	case LevelPMD:
		return "PMD"
	case LevelPUD:
		return "PUD"
	case LevelPGD:
		return "PGD"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}
