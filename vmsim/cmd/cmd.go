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
// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"fmt"
	"os"

	"gvisor.dev/addrspace/pkg/config"
	"gvisor.dev/addrspace/pkg/log"
	"gvisor.dev/addrspace/pkg/mm"
	"gvisor.dev/addrspace/pkg/pgalloc"
)

// Fatalf logs to stderr and the debug log, then exits with code 128.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "vmsim: %s\n", msg)
	os.Exit(128)
}

// addressSpace is a MemoryManager together with the physical memory it
// owns.
type addressSpace struct {
	*mm.MemoryManager
	mf *pgalloc.MemoryFile
}

// newAddressSpace creates an address space backed by fresh physical memory
// sized by conf.
func newAddressSpace(conf *config.Config) (*addressSpace, error) {
	mf, err := pgalloc.NewMemoryFile(conf.MemoryFileOpts())
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	m, err := mm.NewMemoryManager(mf, conf.Layout())
	if err != nil {
		mf.Destroy()
		return nil, err
	}
	return &addressSpace{MemoryManager: m, mf: mf}, nil
}

// Destroy releases the address space and its physical memory.
func (as *addressSpace) Destroy() {
	as.Release()
	as.mf.Destroy()
}
