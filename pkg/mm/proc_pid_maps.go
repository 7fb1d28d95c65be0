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
	"bytes"
	"fmt"
	"io"
)

// WriteMaps writes one /proc/[pid]/maps style line per region to w, in
// address order. The floor region is omitted.
func (mm *MemoryManager) WriteMaps(w io.Writer) error {
	mm.mu.Lock()
	var b bytes.Buffer
	mm.vmas.each(func(v *vma) {
		if v.sentinel {
			return
		}
		mm.vmaMapsEntryLocked(&b, v)
	})
	mm.mu.Unlock()
	_, err := w.Write(b.Bytes())
	return err
}

// vmaMapsEntryLocked appends the maps entry for v, including the trailing
// newline.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) vmaMapsEntryLocked(b *bytes.Buffer, v *vma) {
	// Every mapping is private and anonymous.
	fmt.Fprintf(b, "%08x-%08x %sp %s\n", uint64(v.start), uint64(v.end), v.perms, v.gran)
}

// String implements fmt.Stringer.String.
func (mm *MemoryManager) String() string {
	var b bytes.Buffer
	mm.WriteMaps(&b)
	return b.String()
}
