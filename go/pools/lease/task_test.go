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
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/multigres/pglease/go/pools/connpool"
)

type mockConnection struct {
	closed atomic.Bool
}

func (m *mockConnection) IsClosed() bool { return m.closed.Load() }

func (m *mockConnection) Close() error {
	m.closed.Store(true)
	return nil
}

var errDialRefused = errors.New("connection refused")

type testEnv struct {
	pool     *connpool.Pool[*mockConnection]
	registry *Registry
	source   *Source[*mockConnection]
	fail     atomic.Bool
}

func newTestEnv(t *testing.T, capacity int64) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.pool = connpool.NewPool[*mockConnection](&connpool.Config{Name: "lease-test", Capacity: capacity})
	env.pool.Open(context.Background(), func(ctx context.Context) (*mockConnection, error) {
		if env.fail.Load() {
			return nil, errDialRefused
		}
		return &mockConnection{}, nil
	})
	env.registry = NewRegistry(nil)
	env.source = NewSource(env.pool, env.registry, nil)
	t.Cleanup(func() {
		env.registry.Close()
		env.pool.Close()
	})
	return env
}

// settle waits for queued releases to reach the pool.
func (env *testEnv) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, env.registry.Flush(context.Background()))
}

func TestCurrentWithoutTask(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.source.Current(context.Background())
	assert.ErrorIs(t, err, ErrNoTask)

	// a task of another source is not ours
	other := NewSource(env.pool, env.registry, nil)
	ctx, cancel := other.WithTask(context.Background())
	defer cancel()
	_, err = env.source.Current(ctx)
	assert.ErrorIs(t, err, ErrNoTask)
}

func TestTaskIsLazy(t *testing.T) {
	env := newTestEnv(t, 1)

	err := env.source.Run(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, env.pool.Stats().Active, "a task that never touches the database never dials")
	assert.Equal(t, int64(1), env.source.Stats().Tasks)
	assert.Zero(t, env.source.Stats().Acquired)
}

func TestSameTaskSameConnection(t *testing.T) {
	env := newTestEnv(t, 4)

	err := env.source.Run(context.Background(), func(ctx context.Context) error {
		first, err := env.source.Current(ctx)
		require.NoError(t, err)

		derived, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		g, gctx := errgroup.WithContext(derived)
		for range 8 {
			g.Go(func() error {
				l, err := env.source.Current(gctx)
				if err != nil {
					return err
				}
				assert.Same(t, first, l)
				assert.Equal(t, first.ID(), l.ID())
				return nil
			})
		}
		return g.Wait()
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.source.Stats().Acquired)
}

func TestRunReleasesOnReturn(t *testing.T) {
	env := newTestEnv(t, 1)

	var taskCtx context.Context
	var lease *Lease[*mockConnection]
	err := env.source.Run(context.Background(), func(ctx context.Context) error {
		taskCtx = ctx
		var err error
		lease, err = env.source.Current(ctx)
		return err
	})
	require.NoError(t, err)

	assert.True(t, lease.Released())
	assert.Equal(t, ReleaseTaskEnd, lease.Reason())
	_, err = lease.Conn()
	assert.ErrorIs(t, err, ErrLeaseReleased)

	_, err = env.source.Current(taskCtx)
	assert.ErrorIs(t, err, ErrTaskEnded)

	env.settle(t)
	stats := env.pool.Stats()
	assert.Equal(t, int64(0), stats.InUse)
	assert.Equal(t, int64(1), stats.Idle)
	assert.Equal(t, int64(1), env.source.Stats().ReleasedTaskEnd)
	assert.Zero(t, env.source.Stats().Active)
}

func TestRunReleasesOnPanic(t *testing.T) {
	env := newTestEnv(t, 1)

	assert.Panics(t, func() {
		_ = env.source.Run(context.Background(), func(ctx context.Context) error {
			_, err := env.source.Current(ctx)
			require.NoError(t, err)
			panic("handler blew up")
		})
	})

	env.settle(t)
	assert.Equal(t, int64(0), env.pool.Stats().InUse)
}

func TestCancelReleases(t *testing.T) {
	env := newTestEnv(t, 1)

	ctx, cancel := env.source.WithTask(context.Background())
	l, err := env.source.Current(ctx)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		return l.Released() && env.registry.Pending() == 0 && env.pool.Stats().InUse == 0
	}, time.Second, time.Millisecond)
}

func TestParentCancelReleases(t *testing.T) {
	env := newTestEnv(t, 1)

	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := env.source.WithTask(parent)
	defer cancel()
	_, err := env.source.Current(ctx)
	require.NoError(t, err)

	cancelParent()
	require.Eventually(t, func() bool {
		return env.pool.Stats().InUse == 0
	}, time.Second, time.Millisecond)
}

// leaseAndAbandon starts a task, borrows a connection and drops every
// reference to the task without ending it.
//
//go:noinline
func leaseAndAbandon(t *testing.T, env *testEnv, parent context.Context) uint64 {
	ctx, _ := env.source.WithTask(parent)
	l, err := env.source.Current(ctx)
	require.NoError(t, err)
	return l.ID()
}

func TestAbandonedTaskIsReclaimed(t *testing.T) {
	env := newTestEnv(t, 1)

	id := leaseAndAbandon(t, env, context.Background())
	assert.Equal(t, int64(1), env.pool.Stats().InUse)

	require.Eventually(t, func() bool {
		runtime.GC()
		return env.source.Stats().ReleasedReclaimed == 1 &&
			env.registry.Pending() == 0 &&
			env.pool.Stats().InUse == 0
	}, 5*time.Second, 10*time.Millisecond)

	// the reclaimed connection is reused by the next task
	err := env.source.Run(context.Background(), func(ctx context.Context) error {
		l, err := env.source.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, l.ID())
		return nil
	})
	require.NoError(t, err)
}

func TestAbandonedTaskUnderLiveParentIsReclaimed(t *testing.T) {
	env := newTestEnv(t, 1)
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaseAndAbandon(t, env, parent)
	assert.Equal(t, int64(1), env.pool.Stats().InUse)

	require.Eventually(t, func() bool {
		runtime.GC()
		return env.source.Stats().ReleasedReclaimed == 1 &&
			env.registry.Pending() == 0 &&
			env.pool.Stats().InUse == 0
	}, 5*time.Second, 10*time.Millisecond)

	// the parent ending later must not release anything twice
	cancel()
	require.NoError(t, env.registry.Flush(context.Background()))
	stats := env.source.Stats()
	assert.Equal(t, int64(1), stats.ReleasedReclaimed)
	assert.Zero(t, stats.ReleasedTaskEnd)
	assert.Zero(t, env.pool.Stats().Misuse)
}

func TestFailedBindReturnsConnection(t *testing.T) {
	env := newTestEnv(t, 1)
	// the pool numbers connections from 1
	require.NoError(t, env.registry.Register(1, func() {}))

	err := env.source.Run(context.Background(), func(ctx context.Context) error {
		_, err := env.source.Current(ctx)
		return err
	})
	require.ErrorIs(t, err, ErrDuplicateRegistration)
	require.NoError(t, env.registry.Flush(context.Background()))

	stats := env.pool.Stats()
	assert.Zero(t, stats.InUse)
	assert.Equal(t, int64(1), stats.Idle)
	assert.Zero(t, env.source.Stats().Active)

	// the slot is usable once the stale entry is gone
	env.registry.FireAndRemove(1)
	err = env.source.Run(context.Background(), func(ctx context.Context) error {
		_, err := env.source.Current(ctx)
		return err
	})
	assert.NoError(t, err)
}

func TestReclaimedConnectionWakesWaiter(t *testing.T) {
	env := newTestEnv(t, 1)

	id := leaseAndAbandon(t, env, context.Background())

	got := make(chan uint64, 1)
	go func() {
		_ = env.source.Run(context.Background(), func(ctx context.Context) error {
			l, err := env.source.Current(ctx)
			if err != nil {
				return err
			}
			got <- l.ID()
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		return env.pool.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, <-got)
}

func TestCopiedLeasePointersReleaseOnce(t *testing.T) {
	env := newTestEnv(t, 2)

	ctx, cancel := env.source.WithTask(context.Background())
	l, err := env.source.Current(ctx)
	require.NoError(t, err)
	copies := []*Lease[*mockConnection]{l, l, l}

	cancel()
	env.source.end(ctx.Value(taskKey{env.source}).(*slot[*mockConnection]))
	for _, c := range copies {
		env.source.teardown(c.state, ReleaseReclaimed)
	}
	require.Eventually(t, func() bool {
		return env.registry.Pending() == 0 && env.pool.Stats().InUse == 0
	}, time.Second, time.Millisecond)
	env.settle(t)

	stats := env.source.Stats()
	assert.Equal(t, int64(1), stats.ReleasedTaskEnd+stats.ReleasedReclaimed)
	assert.Zero(t, env.pool.Stats().Misuse, "connection must be put back exactly once")
	assert.Equal(t, int64(1), env.pool.Stats().Idle)
}

// Three tasks against two connections: A and B lease immediately, C waits
// until A ends and then gets A's connection.
func TestThirdTaskWaitsForFirstToEnd(t *testing.T) {
	env := newTestEnv(t, 2)
	bg := context.Background()

	ctxA, endA := env.source.WithTask(bg)
	ctxB, endB := env.source.WithTask(bg)
	defer endB()

	a, err := env.source.Current(ctxA)
	require.NoError(t, err)
	b, err := env.source.Current(ctxB)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	cDone := make(chan uint64, 1)
	go func() {
		_ = env.source.Run(bg, func(ctx context.Context) error {
			l, err := env.source.Current(ctx)
			if err != nil {
				return err
			}
			cDone <- l.ID()
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		return env.pool.Stats().Waiting == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(2), env.pool.Stats().InUse)

	endA()
	select {
	case id := <-cDone:
		assert.Equal(t, a.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("C was not woken after A ended")
	}
	assert.LessOrEqual(t, env.pool.Stats().Active, int64(2))
}

func TestCancelWhileWaitingLeaksNothing(t *testing.T) {
	env := newTestEnv(t, 1)

	holder, endHolder := env.source.WithTask(context.Background())
	_, err := env.source.Current(holder)
	require.NoError(t, err)

	ctx, cancel := env.source.WithTask(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := env.source.Current(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return env.pool.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	endHolder()
	require.Eventually(t, func() bool {
		s := env.pool.Stats()
		return s.InUse == 0 && s.Waiting == 0 && s.Idle == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), env.source.Stats().Acquired)
}

func TestConnectorFailureSurfacesAndLeaksNothing(t *testing.T) {
	env := newTestEnv(t, 1)
	env.fail.Store(true)

	err := env.source.Run(context.Background(), func(ctx context.Context) error {
		_, err := env.source.Current(ctx)
		return err
	})
	var connErr *connpool.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, errDialRefused)

	stats := env.pool.Stats()
	assert.Zero(t, stats.InUse)
	assert.Zero(t, stats.Active)
	assert.Zero(t, env.registry.Len())
}

func TestConcurrentTasksNeverShareConnection(t *testing.T) {
	const capacity = 3
	env := newTestEnv(t, capacity)

	var mu sync.Mutex
	owners := make(map[uint64]int)
	var peak int

	g := new(errgroup.Group)
	for task := range 64 {
		g.Go(func() error {
			return env.source.Run(context.Background(), func(ctx context.Context) error {
				l, err := env.source.Current(ctx)
				if err != nil {
					return err
				}
				mu.Lock()
				if owner, busy := owners[l.ID()]; busy {
					mu.Unlock()
					t.Errorf("connection %d leased by task %d and %d", l.ID(), owner, task)
					return nil
				}
				owners[l.ID()] = task
				peak = max(peak, len(owners))
				mu.Unlock()

				again, err := env.source.Current(ctx)
				if err != nil {
					return err
				}
				assert.Equal(t, l.ID(), again.ID())
				time.Sleep(time.Millisecond)

				// ownership ends before Run tears the task down
				mu.Lock()
				delete(owners, l.ID())
				mu.Unlock()
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	env.settle(t)

	assert.LessOrEqual(t, peak, capacity)
	stats := env.pool.Stats()
	assert.Zero(t, stats.InUse)
	assert.LessOrEqual(t, stats.Active, int64(capacity))
	assert.Equal(t, int64(64), env.source.Stats().ReleasedTaskEnd)
}

func TestResetRunsBeforeConnectionReturns(t *testing.T) {
	env := newTestEnv(t, 1)

	var resets atomic.Int32
	env.source = NewSource(env.pool, env.registry, &SourceConfig[*mockConnection]{
		Reset: func(ctx context.Context, conn *mockConnection) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			resets.Add(1)
			return nil
		},
	})

	require.NoError(t, env.source.Run(context.Background(), func(ctx context.Context) error {
		_, err := env.source.Current(ctx)
		return err
	}))
	env.settle(t)

	assert.Equal(t, int32(1), resets.Load())
	assert.Equal(t, int64(1), env.pool.Stats().Idle)
}

func TestFailedResetDropsConnection(t *testing.T) {
	env := newTestEnv(t, 1)
	env.source = NewSource(env.pool, env.registry, &SourceConfig[*mockConnection]{
		Reset: func(context.Context, *mockConnection) error {
			return errors.New("rollback failed")
		},
	})

	var conn *mockConnection
	require.NoError(t, env.source.Run(context.Background(), func(ctx context.Context) error {
		l, err := env.source.Current(ctx)
		if err != nil {
			return err
		}
		conn, err = l.Conn()
		return err
	}))
	env.settle(t)

	assert.True(t, conn.IsClosed())
	stats := env.pool.Stats()
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Idle)
}
