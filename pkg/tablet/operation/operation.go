// Copyright 2024 BasaltDB, Inc.
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

package operation

import (
	"fmt"
)

// Type classifies a tablet operation. The set is closed: every member needs
// a name slot in typeNames and an in-flight gauge slot in trackerMetrics,
// both sized by NumTypes.
type Type int

// Operation types.
const (
	TypeWrite Type = iota
	TypeAlterSchema
	TypeUpdateTransaction
	TypeSnapshot
	TypeTruncate

	// NumTypes is the number of operation types.
	NumTypes
)

// typeNames uses an indexed array literal so that adding a Type member
// without a name here fails to compile.
var typeNames = [NumTypes]string{
	TypeWrite:             "write",
	TypeAlterSchema:       "alter_schema",
	TypeUpdateTransaction: "update_transaction",
	TypeSnapshot:          "snapshot",
	TypeTruncate:          "truncate",
}

func init() {
	for tp, name := range typeNames {
		if name == "" {
			panic(fmt.Sprintf("missing name for operation type %d", tp))
		}
	}
}

func (t Type) String() string {
	if t < 0 || t >= NumTypes {
		return fmt.Sprintf("unknown(%d)", int(t))
	}
	return typeNames[t]
}

// Driver is the handle for one in-flight operation, from the moment the
// tablet accepts it until it is durably complete. The Tracker keys its
// pending map on the Driver value itself, so implementations must be
// pointers and a Driver must be released with the same value it was added
// with.
type Driver interface {
	// OperationType returns the operation's category, fixed at construction.
	OperationType() Type
	// RequestSize returns the estimated memory footprint in bytes, derived
	// from the serialized request. The Tracker snapshots it at Add time and
	// never consults it again.
	RequestSize() int64
	// TabletID names the owning tablet, "" if not known (e.g. unit tests).
	TabletID() string
	// String returns a human-readable description for diagnostics.
	String() string
}
