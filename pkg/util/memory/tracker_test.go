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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConsume(t *testing.T) {
	tracker := NewTracker("tracker", -1)
	require.Equal(t, int64(0), tracker.BytesConsumed())

	tracker.Consume(100)
	require.Equal(t, int64(100), tracker.BytesConsumed())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tracker.Consume(10)
		}()
		go func() {
			defer wg.Done()
			tracker.Consume(-10)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(100), tracker.BytesConsumed())
}

func TestTryConsume(t *testing.T) {
	tracker := NewTracker("tracker", 100)

	// A reservation that exactly reaches the limit succeeds.
	require.True(t, tracker.TryConsume(100))
	require.Equal(t, int64(100), tracker.BytesConsumed())

	// Anything more is rejected and leaves consumption unchanged.
	require.False(t, tracker.TryConsume(1))
	require.Equal(t, int64(100), tracker.BytesConsumed())

	tracker.Release(100)
	require.Equal(t, int64(0), tracker.BytesConsumed())

	// A single reservation over the limit fails up front.
	require.False(t, tracker.TryConsume(101))
	require.Equal(t, int64(0), tracker.BytesConsumed())

	// Zero limit means no limit.
	unlimited := NewTracker("unlimited", 0)
	require.True(t, unlimited.TryConsume(1<<40))
}

func TestTryConsumeAncestorLimit(t *testing.T) {
	parent := NewTracker("parent", 100)
	child := NewTracker("child", -1)
	child.AttachTo(parent)

	require.True(t, child.TryConsume(60))
	require.Equal(t, int64(60), parent.BytesConsumed())

	// The child itself is unlimited but the parent is saturated; the
	// reservation must roll back on both.
	require.False(t, child.TryConsume(50))
	require.Equal(t, int64(60), child.BytesConsumed())
	require.Equal(t, int64(60), parent.BytesConsumed())

	child.Release(60)
	require.Equal(t, int64(0), parent.BytesConsumed())
}

func TestAttachAndDetach(t *testing.T) {
	oldParent := NewTracker("old parent", -1)
	newParent := NewTracker("new parent", -1)
	child := NewTracker("child", -1)

	child.AttachTo(oldParent)
	child.Consume(100)
	require.Equal(t, int64(100), oldParent.BytesConsumed())

	child.AttachTo(newParent)
	require.Equal(t, int64(0), oldParent.BytesConsumed())
	require.Equal(t, int64(100), newParent.BytesConsumed())

	child.Detach()
	require.Equal(t, int64(0), newParent.BytesConsumed())
	require.Equal(t, int64(100), child.BytesConsumed())
}

func TestMaxConsumed(t *testing.T) {
	tracker := NewTracker("tracker", -1)

	tracker.Consume(100)
	tracker.Consume(-100)
	tracker.Consume(30)
	require.Equal(t, int64(30), tracker.BytesConsumed())
	require.Equal(t, int64(100), tracker.MaxConsumed())
	tracker.Consume(-30)
}

func TestConcurrentTryConsume(t *testing.T) {
	tracker := NewTracker("tracker", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if tracker.TryConsume(10) {
					tracker.Release(10)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(0), tracker.BytesConsumed())
	require.LessOrEqual(t, tracker.MaxConsumed(), tracker.GetBytesLimit())
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "0 Bytes", FormatBytes(0))
	require.Equal(t, "1024 Bytes", FormatBytes(1024))
	require.Equal(t, "1.50 KB", FormatBytes(1536))
	require.Equal(t, "2 KB", FormatBytes(2048))
	require.Equal(t, "3 MB", FormatBytes(3<<20))
}
