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

package hostarch

import (
	"bytes"
	"fmt"
	"strings"
)

// AccessType specifies memory access types. This is used for
// setting mapping permissions, as well as communicating faults.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool
}

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. and can be relied on as such.
func (a AccessType) String() string {
	var buf bytes.Buffer
	if a.Read {
		buf.WriteString("r")
	} else {
		buf.WriteString("-")
	}
	if a.Write {
		buf.WriteString("w")
	} else {
		buf.WriteString("-")
	}
	if a.Execute {
		buf.WriteString("x")
	} else {
		buf.WriteString("-")
	}
	return buf.String()
}

// Any returns true if any of the accesses are set.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

// SupersetOf returns true if the access types in a are a superset of the
// access types in other.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	if !a.Execute && other.Execute {
		return false
	}
	return true
}

// Union returns access types set in either a or other.
func (a AccessType) Union(other AccessType) AccessType {
	return AccessType{
		Read:    a.Read || other.Read,
		Write:   a.Write || other.Write,
		Execute: a.Execute || other.Execute,
	}
}

// Prot returns the PROT_* style bitmask for a: read 0x1, write 0x2, exec 0x4.
func (a AccessType) Prot() uint32 {
	var prot uint32
	if a.Read {
		prot |= 0x1
	}
	if a.Write {
		prot |= 0x2
	}
	if a.Execute {
		prot |= 0x4
	}
	return prot
}

// AccessTypeFromProt is the inverse of AccessType.Prot. ok is false if prot
// carries bits other than read, write and exec.
func AccessTypeFromProt(prot uint32) (AccessType, bool) {
	if prot&^0x7 != 0 {
		return AccessType{}, false
	}
	return AccessType{
		Read:    prot&0x1 != 0,
		Write:   prot&0x2 != 0,
		Execute: prot&0x4 != 0,
	}, true
}

// ParseAccessType parses the "rwx" form produced by String, as well as the
// short forms "r", "rw", "rx" and "rwx".
func ParseAccessType(s string) (AccessType, error) {
	var at AccessType
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return AccessType{}, fmt.Errorf("invalid access type %q", s)
		}
	}
	if !at.Any() {
		return AccessType{}, fmt.Errorf("empty access type %q", s)
	}
	return at, nil
}

// Convenient access types.
var (
	NoAccess  = AccessType{}
	Read      = AccessType{Read: true}
	Write     = AccessType{Write: true}
	Execute   = AccessType{Execute: true}
	ReadWrite = AccessType{Read: true, Write: true}
	AnyAccess = AccessType{Read: true, Write: true, Execute: true}
)
