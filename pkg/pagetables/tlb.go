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
	"sync"

	"gvisor.dev/addrspace/pkg/hostarch"
)

// SoftTLB is a software translation cache. Entries are keyed by the base
// address of the page they translate, normal or huge.
type SoftTLB struct {
	mu sync.Mutex

	// +checklocks:mu
	entries map[hostarch.Addr]Translation

	// +checklocks:mu
	invalidations uint64
}

var _ TLB = (*SoftTLB)(nil)

// NewSoftTLB returns an empty SoftTLB.
func NewSoftTLB() *SoftTLB {
	return &SoftTLB{entries: make(map[hostarch.Addr]Translation)}
}

// Lookup returns the cached translation for the page containing addr.
func (t *SoftTLB) Lookup(addr hostarch.Addr) (Translation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.entries[addr.RoundDown()]; ok && !tr.Huge {
		return tr, true
	}
	if tr, ok := t.entries[addr.HugeRoundDown()]; ok && tr.Huge {
		return tr, true
	}
	return Translation{}, false
}

// Insert caches tr as the translation for the page containing addr.
func (t *SoftTLB) Insert(addr hostarch.Addr, tr Translation) {
	key := addr.RoundDown()
	if tr.Huge {
		key = addr.HugeRoundDown()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = tr
}

// Invalidate implements TLB.Invalidate.
func (t *SoftTLB) Invalidate(addr hostarch.Addr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, addr)
	t.invalidations++
}

// Flush implements TLB.Flush.
func (t *SoftTLB) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

// Len returns the number of cached translations.
func (t *SoftTLB) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Invalidations returns the number of Invalidate calls so far.
func (t *SoftTLB) Invalidations() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.invalidations
}

// Cached returns the base addresses of all cached translations that
// overlap ar.
func (t *SoftTLB) Cached(ar hostarch.AddrRange) []hostarch.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	var addrs []hostarch.Addr
	for base, tr := range t.entries {
		if end, ok := base.AddLength(tr.Size()); ok && ar.Overlaps(hostarch.AddrRange{Start: base, End: end}) {
			addrs = append(addrs, base)
		}
	}
	return addrs
}
