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
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/multigres/pglease/go/pools/connpool"
)

// DefaultResetTimeout bounds SourceConfig.Reset when no timeout is set.
const DefaultResetTimeout = 5 * time.Second

// SourceConfig holds optional settings for a Source.
type SourceConfig[C connpool.Connection] struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Reset, if set, runs on the release loop before a connection goes back
	// to the pool. A connection whose reset fails is closed instead.
	Reset func(ctx context.Context, conn C) error

	// ResetTimeout bounds a single Reset call.
	ResetTimeout time.Duration
}

// Source hands out task-scoped leases on connections from one pool.
type Source[C connpool.Connection] struct {
	pool         *connpool.Pool[C]
	registry     *Registry
	logger       *slog.Logger
	reset        func(ctx context.Context, conn C) error
	resetTimeout time.Duration

	tasks             atomic.Int64
	acquired          atomic.Int64
	releasedTaskEnd   atomic.Int64
	releasedReclaimed atomic.Int64
}

// NewSource creates a lease source for pool. Releases go through registry.
// cfg may be nil.
func NewSource[C connpool.Connection](pool *connpool.Pool[C], registry *Registry, cfg *SourceConfig[C]) *Source[C] {
	if cfg == nil {
		cfg = &SourceConfig[C]{}
	}
	s := &Source[C]{
		pool:         pool,
		registry:     registry,
		logger:       cfg.Logger,
		reset:        cfg.Reset,
		resetTimeout: cfg.ResetTimeout,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.resetTimeout <= 0 {
		s.resetTimeout = DefaultResetTimeout
	}
	return s
}

// taskKey is unique per source so that tasks of different sources can nest.
type taskKey struct {
	source any
}

// slot is the task-local storage of one task.
type slot[C connpool.Connection] struct {
	mu      sync.Mutex
	lease   *Lease[C]
	cleanup runtime.Cleanup
	ended   bool
}

// WithTask starts a new task and returns its context. The task ends, and its
// lease is released, when cancel is called or ctx is done. A task context
// that is dropped without either is reclaimed by the garbage collector.
//
// Contexts derived from the returned one belong to the same task. Calling
// WithTask on a task context starts a new, independent task.
func (s *Source[C]) WithTask(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sl := &slot[C]{}
	// A live parent keeps the AfterFunc reachable, so it must not keep the
	// slot (and with it the lease) alive.
	ws := weak.Make(sl)
	context.AfterFunc(ctx, func() {
		if sl := ws.Value(); sl != nil {
			s.end(sl)
		}
	})
	s.tasks.Add(1)
	return context.WithValue(ctx, taskKey{s}, sl), cancel
}

// Run runs fn as a task. The task ends when fn returns or panics.
func (s *Source[C]) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := s.WithTask(ctx)
	defer cancel()
	defer s.end(ctx.Value(taskKey{s}).(*slot[C]))
	return fn(ctx)
}

// Current returns the lease of the task that ctx belongs to, borrowing a
// connection from the pool on first use. Pool errors are returned unchanged.
func (s *Source[C]) Current(ctx context.Context) (*Lease[C], error) {
	sl, ok := ctx.Value(taskKey{s}).(*slot[C])
	if !ok {
		return nil, ErrNoTask
	}

	// Held across the pool wait so concurrent callers in one task share a
	// single acquisition, and so task teardown observes the bound lease.
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.ended {
		return nil, ErrTaskEnded
	}
	if sl.lease != nil {
		return sl.lease, nil
	}

	pooled, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	st := &leaseState{id: pooled.ID()}
	if err := s.registry.Register(st.id, func() { s.giveBack(pooled) }); err != nil {
		s.logger.ErrorContext(ctx, "cannot bind lease", "conn_id", st.id, "error", err)
		s.pool.Put(pooled)
		return nil, err
	}

	l := &Lease[C]{pooled: pooled, state: st}
	sl.cleanup = runtime.AddCleanup(l, s.reclaim, st)
	sl.lease = l
	s.acquired.Add(1)
	s.logger.DebugContext(ctx, "leased connection", "pool", s.pool.Name, "conn_id", st.id)
	return l, nil
}

// giveBack returns a released connection to the pool. Runs on the release
// loop.
func (s *Source[C]) giveBack(pooled *connpool.Pooled[C]) {
	if s.reset != nil && !pooled.Conn.IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), s.resetTimeout)
		err := s.reset(ctx, pooled.Conn)
		cancel()
		if err != nil {
			s.logger.Warn("closing connection that failed to reset", "pool", s.pool.Name, "conn_id", pooled.ID(), "error", err)
			pooled.Conn.Close()
		}
	}
	s.pool.Put(pooled)
}

func (s *Source[C]) reclaim(st *leaseState) {
	s.teardown(st, ReleaseReclaimed)
}

// end tears down a task slot. Safe to call more than once.
func (s *Source[C]) end(sl *slot[C]) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.ended {
		return
	}
	sl.ended = true
	if sl.lease == nil {
		return
	}
	sl.cleanup.Stop()
	s.teardown(sl.lease.state, ReleaseTaskEnd)
}

func (s *Source[C]) teardown(st *leaseState, reason ReleaseReason) {
	if !st.released.CompareAndSwap(false, true) {
		return
	}
	st.reason.Store(int32(reason))
	switch reason {
	case ReleaseTaskEnd:
		s.releasedTaskEnd.Add(1)
	case ReleaseReclaimed:
		s.releasedReclaimed.Add(1)
	}
	s.registry.FireAndRemove(st.id)
}

// Stats returns lease statistics.
func (s *Source[C]) Stats() Stats {
	acquired := s.acquired.Load()
	taskEnd := s.releasedTaskEnd.Load()
	reclaimed := s.releasedReclaimed.Load()
	return Stats{
		Tasks:             s.tasks.Load(),
		Active:            acquired - taskEnd - reclaimed,
		Acquired:          acquired,
		ReleasedTaskEnd:   taskEnd,
		ReleasedReclaimed: reclaimed,
		PendingReleases:   s.registry.Pending(),
	}
}

// Stats contains lease statistics.
type Stats struct {
	Tasks             int64 `json:"tasks" yaml:"tasks"`
	Active            int64 `json:"active" yaml:"active"` // Leases bound to live tasks
	Acquired          int64 `json:"acquired" yaml:"acquired"`
	ReleasedTaskEnd   int64 `json:"released_task_end" yaml:"released_task_end"`
	ReleasedReclaimed int64 `json:"released_reclaimed" yaml:"released_reclaimed"`
	PendingReleases   int64 `json:"pending_releases" yaml:"pending_releases"`
}
