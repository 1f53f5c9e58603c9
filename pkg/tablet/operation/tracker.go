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
	"math"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/basaltdb/basalt/pkg/metrics"
	"github.com/basaltdb/basalt/pkg/util/logutil"
	"github.com/basaltdb/basalt/pkg/util/memory"
)

// Errors returned by the Tracker. Both are recoverable by the caller:
// ErrMemoryExceeded should be surfaced to the originating client as a
// retryable failure, ErrWaitTimedOut lets a shutdown path retry or escalate.
var (
	ErrMemoryExceeded = errors.New("operation memory consumption exceeded the limit")
	ErrWaitTimedOut   = errors.New("timed out waiting for all operations to finish")
)

const (
	waitInitialInterval = 250 * time.Microsecond
	waitMaxInterval     = time.Second
	waitComplainEvery   = time.Second

	rejectionLogInterval = time.Second
)

// fpMockMemoryExceeded forces the admission rejection path. Evaluated at
// runtime, so failpoint.Enable works without a source rewrite.
const fpMockMemoryExceeded = "github.com/basaltdb/basalt/pkg/tablet/operation/mockOperationMemoryExceeded"

type opState struct {
	memoryFootprint int64
}

type trackerMetrics struct {
	allInflight prometheus.Gauge
	inflight    [NumTypes]prometheus.Gauge
	rejections  prometheus.Counter
}

func newTrackerMetrics(tabletID string) *trackerMetrics {
	m := &trackerMetrics{
		allInflight: metrics.AllOperationsInflightGauge.WithLabelValues(tabletID),
		rejections:  metrics.OperationMemoryRejectionsCounter.WithLabelValues(tabletID),
	}
	for tp := TypeWrite; tp < NumTypes; tp++ {
		m.inflight[tp] = metrics.OperationsInflightGauge.WithLabelValues(tabletID, tp.String())
	}
	return m
}

// Tracker registers every operation a tablet has accepted but not yet
// finished, and bounds the memory those operations may hold. Request
// handling goroutines call Add and Release concurrently; shutdown and
// barrier paths call WaitForAllToFinish.
//
// Instrumentation and memory tracking are separate optional setup calls.
// Without them Add and Release still keep the pending set correct, only the
// accounting side is skipped.
type Tracker struct {
	mu struct {
		sync.Mutex
		pending map[Driver]opState
	}

	memTracker *memory.Tracker
	metrics    *trackerMetrics

	// Unix nanos of the last memory-pressure warning, for throttling.
	lastRejectionLog atomic.Int64
}

// NewTracker creates an empty operation tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.mu.pending = make(map[Driver]opState)
	return t
}

// StartInstrumentation attaches the in-flight gauges and the rejection
// counter for the given tablet. Idempotent, optional.
func (t *Tracker) StartInstrumentation(tabletID string) {
	if t.metrics != nil {
		return
	}
	t.metrics = newTrackerMetrics(tabletID)
}

// StartMemoryTracking creates this tracker's memory budget as a child of
// parent with the given byte limit. A limit of -1 disables operation memory
// tracking entirely: Add never reserves and can never be rejected for
// resource reasons. Idempotent, optional.
func (t *Tracker) StartMemoryTracking(parent *memory.Tracker, limitBytes int64) {
	if t.memTracker != nil || limitBytes == -1 {
		return
	}
	t.memTracker = memory.NewTracker("operation_tracker", limitBytes)
	if parent != nil {
		t.memTracker.AttachTo(parent)
	}
}

// MemTracker returns the tracker's memory budget, nil if memory tracking was
// never started.
func (t *Tracker) MemTracker() *memory.Tracker {
	return t.memTracker
}

// Add admits driver into the pending set. If the operation memory budget
// (or any ancestral tracker) is saturated, the operation is rejected with
// ErrMemoryExceeded and nothing is reserved; the caller must not call
// Release for a rejected operation. Adding a driver that is already tracked
// is a programming error and terminates the process.
func (t *Tracker) Add(driver Driver) error {
	footprint := driver.RequestSize()
	if footprint < 0 {
		// A corrupt size estimate must not turn into a phantom reservation
		// when the operation is released.
		footprint = 0
	}
	if t.memTracker != nil {
		reserved := t.memTracker.TryConsume(footprint)
		if _, err := failpoint.Eval(fpMockMemoryExceeded); err == nil && reserved {
			t.memTracker.Release(footprint)
			reserved = false
		}
		if !reserved {
			return t.rejectForMemory(driver)
		}
	}

	t.incrementCounters(driver)

	// Cache the footprint so we need not consult the request again; it may
	// be gone by the time the operation is released.
	st := opState{memoryFootprint: footprint}
	t.mu.Lock()
	_, dup := t.mu.pending[driver]
	if !dup {
		t.mu.pending[driver] = st
	}
	t.mu.Unlock()
	if dup {
		logutil.BgLogger().Fatal("operation is already tracked",
			zap.Stringer("operation", driver))
	}
	return nil
}

func (t *Tracker) rejectForMemory(driver Driver) error {
	if t.metrics != nil {
		t.metrics.rejections.Inc()
	}

	tabletID := driver.TabletID()
	if tabletID == "" {
		tabletID = "(unknown)"
	}
	err := errors.Annotatef(ErrMemoryExceeded,
		"tablet %s operation memory consumption (%d) has exceeded its limit (%d) "+
			"or the limit of an ancestral tracker",
		tabletID, t.memTracker.BytesConsumed(), t.memTracker.GetBytesLimit())
	if t.shouldLogRejection(time.Now()) {
		logutil.BgLogger().Warn("operation rejected under memory pressure", zap.Error(err))
	}
	return err
}

// shouldLogRejection throttles the memory-pressure warning to at most one
// per second across all rejections.
func (t *Tracker) shouldLogRejection(now time.Time) bool {
	last := t.lastRejectionLog.Load()
	if now.UnixNano()-last < rejectionLogInterval.Nanoseconds() {
		return false
	}
	return t.lastRejectionLog.CompareAndSwap(last, now.UnixNano())
}

func (t *Tracker) incrementCounters(driver Driver) {
	if t.metrics == nil {
		return
	}
	t.metrics.allInflight.Inc()
	t.metrics.inflight[driver.OperationType()].Inc()
}

func (t *Tracker) decrementCounters(driver Driver) {
	if t.metrics == nil {
		return
	}
	t.metrics.allInflight.Dec()
	t.metrics.inflight[driver.OperationType()].Dec()
}

// Release removes driver from the pending set and returns its recorded
// footprint to the memory budget. Every successfully added operation must be
// released exactly once; releasing an unknown or already released driver is
// a programming error and terminates the process.
func (t *Tracker) Release(driver Driver) {
	t.decrementCounters(driver)

	t.mu.Lock()
	st, ok := t.mu.pending[driver]
	if ok {
		delete(t.mu.pending, driver)
	}
	t.mu.Unlock()
	if !ok {
		logutil.BgLogger().Fatal("released operation is not tracked",
			zap.Stringer("operation", driver))
	}

	if t.memTracker != nil {
		t.memTracker.Release(st.memoryFootprint)
	}
}

// PendingOperations returns a point-in-time copy of the tracked drivers. The
// copy may be stale relative to Add and Release calls racing with the
// caller's iteration; it is meant for diagnostics and draining, not for
// correctness-critical counting.
func (t *Tracker) PendingOperations() []Driver {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]Driver, 0, len(t.mu.pending))
	for driver := range t.mu.pending {
		ops = append(ops, driver)
	}
	return ops
}

// NumPending returns the current size of the pending set. Test and
// diagnostic use only.
func (t *Tracker) NumPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mu.pending)
}

// WaitForAllToFinish waits indefinitely until every tracked operation has
// been released.
func (t *Tracker) WaitForAllToFinish() {
	if err := t.WaitForAllToFinishTimeout(time.Duration(math.MaxInt64)); err != nil {
		logutil.BgLogger().Fatal("unbounded wait for operations failed", zap.Error(err))
	}
}

// WaitForAllToFinishTimeout polls until the pending set is empty or timeout
// elapses, returning ErrWaitTimedOut in the latter case. New operations may
// still be admitted while a wait is in progress; callers needing a true
// barrier must stop admission first.
func (t *Tracker) WaitForAllToFinishTimeout(timeout time.Duration) error {
	interval := waitInitialInterval
	complaints := 0
	start := time.Now()
	for {
		pending := t.PendingOperations()
		if len(pending) == 0 {
			return nil
		}

		elapsed := time.Since(start)
		if elapsed > timeout {
			return errors.Annotatef(ErrWaitTimedOut,
				"%d operations pending, waited for %s", len(pending), elapsed)
		}
		if int(elapsed/waitComplainEvery) > complaints {
			complaints++
			logutil.BgLogger().Warn("still waiting for operations to finish",
				zap.Int("pending", len(pending)),
				zap.Duration("elapsed", elapsed))
			for _, driver := range pending {
				logutil.BgLogger().Info("pending operation", zap.Stringer("operation", driver))
			}
		}
		time.Sleep(interval)
		interval = min(interval*5/4, waitMaxInterval)
	}
}

// Close tears the tracker down. Closing with operations still pending is a
// programming error (a leaked reservation or a dangling operation) and
// terminates the process.
func (t *Tracker) Close() {
	t.mu.Lock()
	pending := len(t.mu.pending)
	t.mu.Unlock()
	if pending != 0 {
		logutil.BgLogger().Fatal("operation tracker closed with operations still pending",
			zap.Int("pending", pending))
	}
	if t.memTracker != nil {
		t.memTracker.Detach()
	}
}
