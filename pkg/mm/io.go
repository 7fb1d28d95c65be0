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
)

// CopyOut copies src to user memory at addr, faulting pages in as needed. It
// returns the number of bytes copied, which is less than len(src) only if
// err is non-nil.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return mm.withUserMemory(addr, len(src), true, func(dst []byte, done int) {
		copy(dst, src[done:])
	})
}

// CopyIn copies user memory at addr into dst, faulting pages in as needed.
// It returns the number of bytes copied, which is less than len(dst) only if
// err is non-nil.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return mm.withUserMemory(addr, len(dst), false, func(src []byte, done int) {
		copy(dst[done:], src)
	})
}

// ZeroOut zeroes n bytes of user memory at addr.
func (mm *MemoryManager) ZeroOut(addr hostarch.Addr, n int) (int, error) {
	return mm.withUserMemory(addr, n, true, func(dst []byte, _ int) {
		clear(dst)
	})
}

// withUserMemory calls f with successive page-bounded windows of user memory
// covering [addr, addr+n).
func (mm *MemoryManager) withUserMemory(addr hostarch.Addr, n int, write bool, f func(b []byte, done int)) (int, error) {
	if n < 0 {
		return 0, linuxerr.EINVAL
	}
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return 0, linuxerr.EFAULT
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.checkLiveLocked(); err != nil {
		return 0, err
	}
	done := 0
	for done < n {
		b, err := mm.translateLocked(addr+hostarch.Addr(done), write)
		if err != nil {
			return done, err
		}
		if len(b) > n-done {
			b = b[:n-done]
		}
		f(b, done)
		done += len(b)
	}
	return done, nil
}
