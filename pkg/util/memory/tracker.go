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

package memory

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// Tracker is used to track memory usage of a server subsystem. It contains
// an optional limit and can be arranged into a tree such that the
// consumption tracked by a Tracker is also tracked by its ancestors. The
// main idea comes from Apache Impala:
//
// https://github.com/cloudera/Impala/blob/cdh5-trunk/be/src/runtime/mem-tracker.h
//
// Unconditional accounting goes through "Consume()"; admission-control
// callers use "TryConsume()", which reserves against this tracker and every
// ancestor or leaves the whole tree untouched. A typical sequence of calls
// for a single Tracker is:
// 1. tracker.SetBytesLimit() / tracker.AttachTo()
// 2. tracker.TryConsume() / tracker.Consume() / tracker.BytesConsumed()
//
// NOTE: Only "BytesConsumed()", "Consume()", "TryConsume()" and "AttachTo()"
// are thread-safe. Other operations on a Tracker tree are not.
type Tracker struct {
	mu struct {
		sync.Mutex
		// The children memory trackers.
		children []*Tracker
	}
	parMu struct {
		sync.Mutex
		parent *Tracker // The parent memory tracker.
	}

	label         string // Label of this "Tracker".
	bytesConsumed int64  // Consumed bytes.
	bytesLimit    int64  // bytesLimit <= 0 means no limit.
	maxConsumed   int64  // max number of bytes consumed during execution.
}

// NewTracker creates a memory tracker.
//  1. "label" is the label used in the usage string.
//  2. "bytesLimit <= 0" means no limit.
func NewTracker(label string, bytesLimit int64) *Tracker {
	return &Tracker{
		label:      label,
		bytesLimit: bytesLimit,
	}
}

// SetBytesLimit sets the bytes limit for this tracker.
// "bytesLimit <= 0" means no limit.
func (t *Tracker) SetBytesLimit(bytesLimit int64) {
	atomic.StoreInt64(&t.bytesLimit, bytesLimit)
}

// GetBytesLimit gets the bytes limit for this tracker.
// "bytesLimit <= 0" means no limit.
func (t *Tracker) GetBytesLimit() int64 {
	return atomic.LoadInt64(&t.bytesLimit)
}

// Label gets the label of a Tracker.
func (t *Tracker) Label() string {
	return t.label
}

// AttachTo attaches this memory tracker as a child to another Tracker. If it
// already has a parent, this function will remove it from the old parent.
// Its consumed memory usage is used to update all its ancestors.
func (t *Tracker) AttachTo(parent *Tracker) {
	oldParent := t.getParent()
	if oldParent != nil {
		oldParent.remove(t)
	}
	parent.mu.Lock()
	parent.mu.children = append(parent.mu.children, t)
	parent.mu.Unlock()

	t.setParent(parent)
	parent.Consume(t.BytesConsumed())
}

// Detach de-attaches the tracker child from its parent, then sets its parent
// property as nil.
func (t *Tracker) Detach() {
	parent := t.getParent()
	if parent == nil {
		return
	}
	parent.remove(t)
}

func (t *Tracker) remove(oldChild *Tracker) {
	found := false
	t.mu.Lock()
	for i, child := range t.mu.children {
		if child == oldChild {
			t.mu.children = append(t.mu.children[:i], t.mu.children[i+1:]...)
			found = true
			break
		}
	}
	t.mu.Unlock()
	if found {
		oldChild.setParent(nil)
		t.Consume(-oldChild.BytesConsumed())
	}
}

// Consume is used to consume a memory usage. "bs" can be a negative value,
// which means this is a memory release operation. The consumption is
// propagated to every ancestor regardless of limits.
func (t *Tracker) Consume(bs int64) {
	if bs == 0 {
		return
	}
	for tracker := t; tracker != nil; tracker = tracker.getParent() {
		atomic.AddInt64(&tracker.bytesConsumed, bs)
		tracker.updateMaxConsumed()
	}
}

// TryConsume attempts to reserve "bs" bytes against this tracker and every
// ancestor. If the reservation would push any tracker in the chain strictly
// above its limit, the whole reservation is rolled back and false is
// returned, leaving consumption unchanged. "bs <= 0" always succeeds.
func (t *Tracker) TryConsume(bs int64) bool {
	if bs <= 0 {
		return true
	}
	for tracker := t; tracker != nil; tracker = tracker.getParent() {
		consumed := atomic.AddInt64(&tracker.bytesConsumed, bs)
		limit := tracker.GetBytesLimit()
		if limit > 0 && consumed > limit {
			// Roll back everything from the leaf up to and including the
			// tracker that went over.
			for rollback := t; ; rollback = rollback.getParent() {
				atomic.AddInt64(&rollback.bytesConsumed, -bs)
				if rollback == tracker {
					break
				}
			}
			return false
		}
		tracker.updateMaxConsumed()
	}
	return true
}

// Release returns "bs" bytes to this tracker and all its ancestors. The
// caller must not release more than it consumed.
func (t *Tracker) Release(bs int64) {
	t.Consume(-bs)
}

func (t *Tracker) updateMaxConsumed() {
	for {
		maxNow := atomic.LoadInt64(&t.maxConsumed)
		consumed := atomic.LoadInt64(&t.bytesConsumed)
		if consumed <= maxNow || atomic.CompareAndSwapInt64(&t.maxConsumed, maxNow, consumed) {
			break
		}
	}
}

// BytesConsumed returns the consumed memory usage value in bytes.
func (t *Tracker) BytesConsumed() int64 {
	return atomic.LoadInt64(&t.bytesConsumed)
}

// MaxConsumed returns max number of bytes consumed during execution.
func (t *Tracker) MaxConsumed() int64 {
	return atomic.LoadInt64(&t.maxConsumed)
}

// String returns the string representation of this Tracker tree.
func (t *Tracker) String() string {
	buffer := bytes.NewBufferString("\n")
	t.toString("", buffer)
	return buffer.String()
}

func (t *Tracker) toString(indent string, buffer *bytes.Buffer) {
	fmt.Fprintf(buffer, "%s\"%s\"{\n", indent, t.label)
	if limit := t.GetBytesLimit(); limit > 0 {
		fmt.Fprintf(buffer, "%s  \"quota\": %s\n", indent, FormatBytes(limit))
	}
	fmt.Fprintf(buffer, "%s  \"consumed\": %s\n", indent, FormatBytes(t.BytesConsumed()))

	t.mu.Lock()
	for _, child := range t.mu.children {
		child.toString(indent+"  ", buffer)
	}
	t.mu.Unlock()
	buffer.WriteString(indent + "}\n")
}

func (t *Tracker) getParent() *Tracker {
	t.parMu.Lock()
	defer t.parMu.Unlock()
	return t.parMu.parent
}

func (t *Tracker) setParent(parent *Tracker) {
	t.parMu.Lock()
	defer t.parMu.Unlock()
	t.parMu.parent = parent
}

const (
	byteSizeGB = int64(1 << 30)
	byteSizeMB = int64(1 << 20)
	byteSizeKB = int64(1 << 10)
	byteSizeBB = int64(1)
)

// BytesToString converts the memory consumption to a readable string.
func BytesToString(numBytes int64) string {
	gb := float64(numBytes) / float64(byteSizeGB)
	if gb > 1 {
		return fmt.Sprintf("%v GB", gb)
	}

	mb := float64(numBytes) / float64(byteSizeMB)
	if mb > 1 {
		return fmt.Sprintf("%v MB", mb)
	}

	kb := float64(numBytes) / float64(byteSizeKB)
	if kb > 1 {
		return fmt.Sprintf("%v KB", kb)
	}

	return fmt.Sprintf("%v Bytes", numBytes)
}

// FormatBytes uses to format bytes, this function will prune precision before format bytes.
func FormatBytes(numBytes int64) string {
	if numBytes <= byteSizeKB {
		return BytesToString(numBytes)
	}
	unit, unitStr := getByteUnit(numBytes)
	if unit == byteSizeBB {
		return BytesToString(numBytes)
	}
	v := float64(numBytes) / float64(unit)
	decimal := 1
	if numBytes%unit == 0 {
		decimal = 0
	} else if v < 10 {
		decimal = 2
	}
	return fmt.Sprintf("%v %s", strconv.FormatFloat(v, 'f', decimal, 64), unitStr)
}

func getByteUnit(b int64) (int64, string) {
	if b > byteSizeGB {
		return byteSizeGB, "GB"
	} else if b > byteSizeMB {
		return byteSizeMB, "MB"
	} else if b > byteSizeKB {
		return byteSizeKB, "KB"
	}
	return byteSizeBB, "Bytes"
}
