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
	"golang.org/x/sys/unix"
	"gvisor.dev/addrspace/pkg/errors"
)

// Errors returned by MemoryManager operations, in addition to
// linuxerr.EINVAL for malformed arguments and linuxerr.ENOMEM when physical
// frames run out.
var (
	// ErrOutOfSpace is returned by MMap when no gap fits the request.
	ErrOutOfSpace = errors.New(unix.ENOMEM, "no free virtual range is large enough")

	// ErrUnmapped is returned for a fault or access outside every region.
	ErrUnmapped = errors.New(unix.EFAULT, "address is not mapped")

	// ErrProtectionViolation is returned for an access the region does not
	// permit.
	ErrProtectionViolation = errors.New(unix.EACCES, "access not permitted")

	// ErrAlreadyHuge is returned by MakeHuge when part of the range is
	// already backed by huge pages.
	ErrAlreadyHuge = errors.New(unix.EEXIST, "range is already huge")

	// ErrNoMapping is returned by MakeHuge when the range has a hole.
	ErrNoMapping = errors.New(unix.ENXIO, "range is not fully mapped")

	// ErrProtectionMismatch is returned by MakeHuge when a region in the
	// range has other permissions than requested.
	ErrProtectionMismatch = errors.New(unix.EPERM, "range has mismatched permissions")

	// ErrAborted is returned by every operation on an address space that
	// was aborted or released.
	ErrAborted = errors.New(unix.EFAULT, "address space aborted")
)
