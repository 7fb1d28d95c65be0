// Copyright 2021 The gVisor Authors.
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

package pgalloc

import (
	"math/bits"
)

// frameBitmap tracks which slots of a frame pool are in use. Bit i set means
// slot i is allocated.
type frameBitmap struct {
	// numOnes is the number of allocated slots.
	numOnes uint32

	// size is the number of usable slots; bits at or above size stay unset.
	size uint32

	// next is where the search for a free slot starts. Slots below next
	// are not necessarily allocated.
	next uint32

	// bitBlock holds the bits. Each word holds 64 entries.
	bitBlock []uint64
}

func newFrameBitmap(size uint32) frameBitmap {
	return frameBitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// firstZero returns the first unset slot in [start, size).
func (b *frameBitmap) firstZero(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			slot := uint32(bits.TrailingZeros64(^w) + i*64)
			if slot >= b.size {
				return 0, false
			}
			return slot, true
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// allocate marks and returns a free slot, searching from the last
// allocation point and wrapping around once.
func (b *frameBitmap) allocate() (uint32, bool) {
	slot, ok := b.firstZero(b.next)
	if !ok {
		slot, ok = b.firstZero(0)
		if !ok {
			return 0, false
		}
	}
	b.add(slot)
	b.next = slot + 1
	return slot, true
}

// add marks slot i allocated.
func (b *frameBitmap) add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		b.bitBlock[blockNum] |= mask
		b.numOnes++
	}
}

// remove marks slot i free. It returns false if the slot was not allocated.
func (b *frameBitmap) remove(i uint32) bool {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		return false
	}
	b.bitBlock[blockNum] &^= mask
	b.numOnes--
	return true
}

// isSet returns true if slot i is allocated.
func (b *frameBitmap) isSet(i uint32) bool {
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}
