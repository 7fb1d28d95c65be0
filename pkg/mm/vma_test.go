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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/addrspace/pkg/hostarch"
)

const (
	pg   = hostarch.PageSize
	hpg  = hostarch.HugePageSize
	base = hostarch.Addr(0x180000000)
)

func rng(start, end hostarch.Addr) hostarch.AddrRange {
	return hostarch.AddrRange{Start: start, End: end}
}

func TestInsertCoalesces(t *testing.T) {
	for _, test := range []struct {
		name    string
		inserts []Region
		want    []Region
	}{
		{
			name: "extend left",
			inserts: []Region{
				{base, base + pg, hostarch.ReadWrite, Normal},
				{base + pg, base + 2*pg, hostarch.ReadWrite, Normal},
			},
			want: []Region{{base, base + 2*pg, hostarch.ReadWrite, Normal}},
		},
		{
			name: "absorb right",
			inserts: []Region{
				{base + pg, base + 2*pg, hostarch.ReadWrite, Normal},
				{base, base + pg, hostarch.ReadWrite, Normal},
			},
			want: []Region{{base, base + 2*pg, hostarch.ReadWrite, Normal}},
		},
		{
			name: "three way",
			inserts: []Region{
				{base, base + pg, hostarch.Read, Normal},
				{base + 2*pg, base + 3*pg, hostarch.Read, Normal},
				{base + pg, base + 2*pg, hostarch.Read, Normal},
			},
			want: []Region{{base, base + 3*pg, hostarch.Read, Normal}},
		},
		{
			name: "different perms",
			inserts: []Region{
				{base, base + pg, hostarch.Read, Normal},
				{base + pg, base + 2*pg, hostarch.ReadWrite, Normal},
			},
			want: []Region{
				{base, base + pg, hostarch.Read, Normal},
				{base + pg, base + 2*pg, hostarch.ReadWrite, Normal},
			},
		},
		{
			name: "different granularity",
			inserts: []Region{
				{base, base + hpg, hostarch.Read, Huge},
				{base + hpg, base + hpg + pg, hostarch.Read, Normal},
			},
			want: []Region{
				{base, base + hpg, hostarch.Read, Huge},
				{base + hpg, base + hpg + pg, hostarch.Read, Normal},
			},
		},
		{
			name: "not abutting",
			inserts: []Region{
				{base, base + pg, hostarch.Read, Normal},
				{base + 2*pg, base + 3*pg, hostarch.Read, Normal},
			},
			want: []Region{
				{base, base + pg, hostarch.Read, Normal},
				{base + 2*pg, base + 3*pg, hostarch.Read, Normal},
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			l := newVMAList()
			for _, r := range test.inserts {
				l.insert(rng(r.Start, r.End), r.Perms, r.Granularity)
			}
			if diff := cmp.Diff(test.want, l.snapshot()); diff != "" {
				t.Errorf("regions mismatch (-want +got):\n%s", diff)
			}
			if err := l.checkInvariants(base, base+hpg*2); err != nil {
				t.Errorf("checkInvariants: %v", err)
			}
		})
	}
}

func TestSentinelNeverCoalesces(t *testing.T) {
	l := newVMAList()
	l.insertRaw(&vma{start: base, end: base + pg, sentinel: true})
	l.insert(rng(base+pg, base+2*pg), hostarch.NoAccess, Normal)
	if got := l.len(); got != 2 {
		t.Errorf("len = %d, want 2: the floor region merged with a neighbour", got)
	}
	if diff := cmp.Diff([]Region{{base + pg, base + 2*pg, hostarch.NoAccess, Normal}}, l.snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestCarve(t *testing.T) {
	orig := rng(base+4*pg, base+8*pg)
	for _, test := range []struct {
		name    string
		cut     hostarch.AddrRange
		removed hostarch.AddrRange
		want    []hostarch.AddrRange
	}{
		{
			name:    "full",
			cut:     rng(base, base+16*pg),
			removed: orig,
		},
		{
			name:    "left",
			cut:     rng(base+2*pg, base+5*pg),
			removed: rng(base+4*pg, base+5*pg),
			want:    []hostarch.AddrRange{rng(base+5*pg, base+8*pg)},
		},
		{
			name:    "right",
			cut:     rng(base+7*pg, base+9*pg),
			removed: rng(base+7*pg, base+8*pg),
			want:    []hostarch.AddrRange{rng(base+4*pg, base+7*pg)},
		},
		{
			name:    "middle",
			cut:     rng(base+5*pg, base+6*pg),
			removed: rng(base+5*pg, base+6*pg),
			want:    []hostarch.AddrRange{rng(base+4*pg, base+5*pg), rng(base+6*pg, base+8*pg)},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			l := newVMAList()
			v := l.insert(orig, hostarch.ReadWrite, Normal)
			if got := l.carve(v, test.cut); got != test.removed {
				t.Errorf("carve removed %v, want %v", got, test.removed)
			}
			var got []hostarch.AddrRange
			for _, r := range l.snapshot() {
				got = append(got, rng(r.Start, r.End))
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("remaining ranges mismatch (-want +got):\n%s", diff)
			}
			for _, r := range test.want {
				if l.find(r.Start) == nil || l.find(r.End-1) == nil {
					t.Errorf("find cannot locate remaining range %v", r)
				}
			}
		})
	}
}

func TestSplitAtAndMerge(t *testing.T) {
	l := newVMAList()
	l.insert(rng(base, base+3*hpg), hostarch.ReadWrite, Normal)
	l.splitAt(base + hpg)
	l.splitAt(base + 2*hpg)
	l.splitAt(base + 2*hpg)
	if got := l.len(); got != 3 {
		t.Fatalf("len after two splits = %d, want 3", got)
	}
	if err := l.checkInvariants(base, base+3*hpg); err == nil {
		t.Errorf("checkInvariants accepted uncoalesced neighbours")
	}
	l.mergeAdjacent()
	want := []Region{{base, base + 3*hpg, hostarch.ReadWrite, Normal}}
	if diff := cmp.Diff(want, l.snapshot()); diff != "" {
		t.Errorf("regions after merge mismatch (-want +got):\n%s", diff)
	}
}

func TestFindGap(t *testing.T) {
	l := newVMAList()
	l.insertRaw(&vma{start: base, end: base + pg, sentinel: true})
	l.insert(rng(base+pg, base+3*pg), hostarch.Read, Normal)
	l.insert(rng(base+5*pg, base+6*pg), hostarch.Read, Normal)
	max := base + 10*pg
	for _, test := range []struct {
		length uint64
		want   hostarch.Addr
		ok     bool
	}{
		{pg, base + 3*pg, true},
		{2 * pg, base + 3*pg, true},
		{3 * pg, base + 6*pg, true},
		{4 * pg, base + 6*pg, true},
		{5 * pg, 0, false},
	} {
		got, ok := l.findGap(base, max, test.length)
		if ok != test.ok || (ok && got != test.want) {
			t.Errorf("findGap(%#x) = %v, %t, want %v, %t", test.length, got, ok, test.want, test.ok)
		}
	}
}

func TestOverlapping(t *testing.T) {
	l := newVMAList()
	l.insert(rng(base, base+2*pg), hostarch.Read, Normal)
	l.insert(rng(base+3*pg, base+4*pg), hostarch.Read, Normal)
	l.insert(rng(base+5*pg, base+6*pg), hostarch.Read, Normal)
	var got []hostarch.Addr
	for _, v := range l.overlapping(rng(base+pg, base+5*pg)) {
		got = append(got, v.start)
	}
	if diff := cmp.Diff([]hostarch.Addr{base, base + 3*pg}, got); diff != "" {
		t.Errorf("overlapping mismatch (-want +got):\n%s", diff)
	}
	if !l.isFree(rng(base+2*pg, base+3*pg)) {
		t.Errorf("isFree reported an overlap in a gap")
	}
}
