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

package hostarch

import (
	"fmt"
	"math"
)

// FrameNumber identifies a physical page by its index in normal-page units.
// A huge frame is identified by the number of its first normal page.
type FrameNumber uint64

// InvalidFrame is never returned by a frame allocator.
const InvalidFrame = FrameNumber(math.MaxUint64)

// IsValid returns true if f is not InvalidFrame.
func (f FrameNumber) IsValid() bool {
	return f != InvalidFrame
}

// PhysicalAddress returns the physical address of the first byte of f.
func (f FrameNumber) PhysicalAddress() uint64 {
	return uint64(f) << PageShift
}

// IsHugeAligned returns true if f can start a huge frame.
func (f FrameNumber) IsHugeAligned() bool {
	return uint64(f)%PagesPerHugePage == 0
}

// Add returns the frame n normal pages after f.
func (f FrameNumber) Add(n uint64) FrameNumber {
	return f + FrameNumber(n)
}

// String implements fmt.Stringer.String.
func (f FrameNumber) String() string {
	if !f.IsValid() {
		return "pfn(invalid)"
	}
	return fmt.Sprintf("pfn(%#x)", uint64(f))
}
