// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	t.Cleanup(r.Close)
	return r
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(1, func() {}))
	err := r.Register(1, func() {})
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
	assert.Equal(t, 1, r.Len())

	// the identity can be registered again once fired
	require.True(t, r.FireAndRemove(1))
	require.NoError(t, r.Register(1, func() {}))
}

func TestRegistryFireAndRemoveRunsAtMostOnce(t *testing.T) {
	r := newTestRegistry(t)

	var calls atomic.Int32
	require.NoError(t, r.Register(7, func() { calls.Add(1) }))

	assert.True(t, r.FireAndRemove(7))
	assert.False(t, r.FireAndRemove(7))
	assert.False(t, r.FireAndRemove(8), "unknown identity is a no-op")

	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, r.Len())
	assert.Zero(t, r.Pending())
}

func TestRegistryNeverRunsCallbackInline(t *testing.T) {
	r := newTestRegistry(t)

	block := make(chan struct{})
	ran := make(chan struct{})
	require.NoError(t, r.Register(1, func() {
		<-block
		close(ran)
	}))

	// would deadlock if the callback ran on this goroutine
	r.FireAndRemove(1)
	assert.Equal(t, int64(1), r.Pending())

	close(block)
	<-ran
}

func TestRegistryRunsCallbacksInFiringOrder(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var order []uint64
	for id := range uint64(5) {
		require.NoError(t, r.Register(id, func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}))
	}
	for _, id := range []uint64{3, 0, 4, 1, 2} {
		r.FireAndRemove(id)
	}
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, []uint64{3, 0, 4, 1, 2}, order)
}

func TestRegistryRecoversPanickingCallback(t *testing.T) {
	r := newTestRegistry(t)

	var after atomic.Bool
	require.NoError(t, r.Register(1, func() { panic("boom") }))
	require.NoError(t, r.Register(2, func() { after.Store(true) }))
	r.FireAndRemove(1)
	r.FireAndRemove(2)

	require.NoError(t, r.Flush(context.Background()))
	assert.True(t, after.Load(), "release loop survives a panicking callback")
}

func TestRegistryFlushHonoursContext(t *testing.T) {
	r := newTestRegistry(t)

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, r.Register(1, func() { <-block }))
	r.FireAndRemove(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Flush(ctx), context.DeadlineExceeded)
}

func TestRegistryCloseDrainsAndKeepsReleasing(t *testing.T) {
	r := NewRegistry(nil)

	var calls atomic.Int32
	for id := range uint64(3) {
		require.NoError(t, r.Register(id, func() { calls.Add(1) }))
	}
	r.FireAndRemove(0)
	r.FireAndRemove(1)
	r.Close()
	assert.Equal(t, int32(2), calls.Load(), "queued callbacks run before Close returns")

	r.FireAndRemove(2)
	require.Eventually(t, func() bool {
		return calls.Load() == 3
	}, time.Second, time.Millisecond)

	r.Close()
	assert.NoError(t, r.Flush(context.Background()))
}
