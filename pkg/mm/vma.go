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

	"github.com/google/btree"
	"gvisor.dev/addrspace/pkg/hostarch"
)

// vma is one region of the address space.
type vma struct {
	start hostarch.Addr
	end   hostarch.Addr
	perms hostarch.AccessType
	gran  Granularity

	// sentinel is set on the floor region that keeps placement away from
	// the bottom of the mappable range. It is never coalesced, carved, or
	// reported.
	sentinel bool
}

func (v *vma) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

// mergeable returns true if v and o may be coalesced when adjacent.
func (v *vma) mergeable(o *vma) bool {
	return !v.sentinel && !o.sentinel && v.perms == o.perms && v.gran == o.gran
}

func (v *vma) region() Region {
	return Region{Start: v.start, End: v.end, Perms: v.perms, Granularity: v.gran}
}

// Region describes one mapped region.
type Region struct {
	Start       hostarch.Addr
	End         hostarch.Addr
	Perms       hostarch.AccessType
	Granularity Granularity
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %v %v", uint64(r.Start), uint64(r.End), r.Perms, r.Granularity)
}

// vmaList is the ordered set of regions of one address space, keyed by start
// address.
type vmaList struct {
	tree *btree.BTreeG[*vma]
}

func newVMAList() vmaList {
	return vmaList{
		tree: btree.NewG[*vma](8, func(a, b *vma) bool { return a.start < b.start }),
	}
}

func key(addr hostarch.Addr) *vma {
	return &vma{start: addr}
}

// find returns the region containing addr, or nil.
func (l *vmaList) find(addr hostarch.Addr) *vma {
	var found *vma
	l.tree.DescendLessOrEqual(key(addr), func(v *vma) bool {
		if addr < v.end {
			found = v
		}
		return false
	})
	return found
}

// overlapping returns the regions that overlap ar, in address order.
func (l *vmaList) overlapping(ar hostarch.AddrRange) []*vma {
	var vs []*vma
	if v := l.find(ar.Start); v != nil {
		vs = append(vs, v)
	}
	if ar.Start == ^hostarch.Addr(0) {
		return vs
	}
	l.tree.AscendRange(key(ar.Start+1), key(ar.End), func(v *vma) bool {
		vs = append(vs, v)
		return true
	})
	return vs
}

// isFree returns true if no region overlaps ar.
func (l *vmaList) isFree(ar hostarch.AddrRange) bool {
	return len(l.overlapping(ar)) == 0
}

// insert adds [ar.Start, ar.End) with the given attributes, extending an
// abutting compatible neighbour instead of adding a node where possible. It
// returns the region that now covers ar.
//
// Preconditions: ar is non-empty and overlaps no region.
func (l *vmaList) insert(ar hostarch.AddrRange, perms hostarch.AccessType, gran Granularity) *vma {
	nv := &vma{start: ar.Start, end: ar.End, perms: perms, gran: gran}
	var prev, next *vma
	if ar.Start > 0 {
		if v := l.find(ar.Start - 1); v != nil && v.end == ar.Start && v.mergeable(nv) {
			prev = v
		}
	}
	if v, ok := l.tree.Get(key(ar.End)); ok && v.mergeable(nv) {
		next = v
	}
	switch {
	case prev != nil && next != nil:
		l.tree.Delete(next)
		prev.end = next.end
		return prev
	case prev != nil:
		prev.end = ar.End
		return prev
	case next != nil:
		l.tree.Delete(next)
		next.start = ar.Start
		l.tree.ReplaceOrInsert(next)
		return next
	default:
		l.tree.ReplaceOrInsert(nv)
		return nv
	}
}

// insertRaw adds v without coalescing.
func (l *vmaList) insertRaw(v *vma) {
	if _, dup := l.tree.ReplaceOrInsert(v); dup {
		panic(fmt.Sprintf("region at %v inserted twice", v.start))
	}
}

// carve removes cut from v and returns the range actually removed. v is
// deleted, shrunk from either side, or split in two depending on how cut
// overlaps it.
func (l *vmaList) carve(v *vma, cut hostarch.AddrRange) hostarch.AddrRange {
	cut = cut.Intersect(v.addrRange())
	if cut.Length() == 0 {
		return cut
	}
	switch {
	case cut.Start == v.start && cut.End == v.end:
		l.tree.Delete(v)
	case cut.Start == v.start:
		l.tree.Delete(v)
		v.start = cut.End
		l.tree.ReplaceOrInsert(v)
	case cut.End == v.end:
		v.end = cut.Start
	default:
		right := &vma{start: cut.End, end: v.end, perms: v.perms, gran: v.gran}
		v.end = cut.Start
		l.insertRaw(right)
	}
	return cut
}

// splitAt splits the region strictly containing addr, if any, so that addr
// becomes a region boundary. The two halves are not coalesced.
func (l *vmaList) splitAt(addr hostarch.Addr) {
	v := l.find(addr)
	if v == nil || v.start == addr {
		return
	}
	right := &vma{start: addr, end: v.end, perms: v.perms, gran: v.gran, sentinel: v.sentinel}
	v.end = addr
	l.insertRaw(right)
}

// mergeAdjacent coalesces every pair of abutting regions with equal
// attributes.
func (l *vmaList) mergeAdjacent() {
	var (
		prev *vma
		dead []*vma
	)
	l.tree.Ascend(func(v *vma) bool {
		if prev != nil && prev.end == v.start && prev.mergeable(v) {
			prev.end = v.end
			dead = append(dead, v)
			return true
		}
		prev = v
		return true
	})
	for _, v := range dead {
		l.tree.Delete(v)
	}
}

// findGap returns the lowest address at or above min at which length bytes
// fit below max without overlapping a region.
func (l *vmaList) findGap(min, max hostarch.Addr, length uint64) (hostarch.Addr, bool) {
	start := min
	found := false
	l.tree.Ascend(func(v *vma) bool {
		if v.end <= start {
			return true
		}
		if end, ok := start.AddLength(length); ok && end <= v.start {
			found = true
			return false
		}
		start = v.end
		return true
	})
	if found {
		return start, true
	}
	end, ok := start.AddLength(length)
	return start, ok && end <= max
}

// snapshot returns the user-visible regions in address order.
func (l *vmaList) snapshot() []Region {
	var rs []Region
	l.tree.Ascend(func(v *vma) bool {
		if !v.sentinel {
			rs = append(rs, v.region())
		}
		return true
	})
	return rs
}

// each calls f for every region in address order.
func (l *vmaList) each(f func(v *vma)) {
	l.tree.Ascend(func(v *vma) bool {
		f(v)
		return true
	})
}

// len returns the number of regions, including the sentinel.
func (l *vmaList) len() int {
	return l.tree.Len()
}

// clear removes every region.
func (l *vmaList) clear() {
	l.tree.Clear(false)
}

// checkInvariants returns an error describing the first violated list
// invariant within [min, max).
func (l *vmaList) checkInvariants(min, max hostarch.Addr) error {
	var (
		prev *vma
		err  error
	)
	l.tree.Ascend(func(v *vma) bool {
		switch {
		case v.start >= v.end:
			err = fmt.Errorf("empty or inverted region %v", v.region())
		case !v.addrRange().IsPageAligned():
			err = fmt.Errorf("misaligned region %v", v.region())
		case v.gran == Huge && !v.addrRange().IsHugePageAligned():
			err = fmt.Errorf("huge region %v is not huge-page aligned", v.region())
		case v.start < min || v.end > max:
			err = fmt.Errorf("region %v outside [%v, %v)", v.region(), min, max)
		case prev != nil && prev.end > v.start:
			err = fmt.Errorf("regions %v and %v overlap", prev.region(), v.region())
		case prev != nil && prev.end == v.start && prev.mergeable(v):
			err = fmt.Errorf("regions %v and %v were not coalesced", prev.region(), v.region())
		}
		prev = v
		return err == nil
	})
	return err
}
