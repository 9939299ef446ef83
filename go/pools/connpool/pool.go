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

package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/pglease/go/tools/timer"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolNotOpen is returned by Get before Open has been called.
	ErrPoolNotOpen = errors.New("pool is not open")

	// ErrPoolExhaustedTimeout is returned when a Get waited longer than the
	// configured WaitTimeout for a connection.
	ErrPoolExhaustedTimeout = errors.New("timeout waiting for connection")
)

// ConnectionError is returned by Get when the connector fails to dial.
// The capacity reserved for the dial is given back before it is returned.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "failed to create connection: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

const (
	// DefaultCapacity is used when Config.Capacity is not positive.
	DefaultCapacity = 100

	minEvictInterval = 10 * time.Millisecond
)

// Config holds configuration for the connection pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// Capacity is the maximum number of open connections, borrowed or idle.
	// If 0, defaults to DefaultCapacity.
	Capacity int64

	// IdleTimeout is how long a connection can be idle before being closed.
	// If 0, connections are never closed due to idle time.
	IdleTimeout time.Duration

	// WaitTimeout bounds how long Get waits for a connection when the pool is
	// at capacity. If 0, Get waits until its context is done.
	WaitTimeout time.Duration

	// ConnectionCount records connection counts by state. Optional.
	ConnectionCount ConnectionCount

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pool is a bounded pool of connections.
//
// Get hands out an idle connection when there is one, dials a new one while
// under capacity, and otherwise queues the caller. Queued callers are served
// in arrival order, either with a connection returned by Put or with the
// capacity freed by a closed or evicted connection.
type Pool[C Connection] struct {
	// Name is used in logs and metrics.
	Name string

	capacity    int64
	idleTimeout atomic.Int64
	waitTimeout atomic.Int64
	connCount   ConnectionCount
	logger      *slog.Logger

	connect Connector[C]
	evictor *timer.PeriodicRunner
	ctx     context.Context

	nextID atomic.Uint64
	misuse atomic.Int64

	// mu protects everything below.
	mu       sync.Mutex
	idle     connStack[C]
	wait     waitlist[C]
	opened   bool
	closed   bool
	closeCh  chan struct{}
	active   int64 // open or dialing connections
	borrowed int64 // connections owned by callers, including dials in progress

	waitCount       int64
	waitTime        time.Duration
	idleClosed      int64
	connectFailures int64
}

// NewPool creates a new connection pool. Open must be called before Get.
func NewPool[C Connection](cfg *Config) *Pool[C] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool[C]{
		Name:      cfg.Name,
		capacity:  cfg.Capacity,
		connCount: cfg.ConnectionCount,
		logger:    logger,
		closeCh:   make(chan struct{}),
		evictor:   timer.NewPeriodicRunner(evictInterval(cfg.IdleTimeout)),
	}
	p.idleTimeout.Store(int64(cfg.IdleTimeout))
	p.waitTimeout.Store(int64(cfg.WaitTimeout))
	p.wait.init()
	return p
}

// Open installs the connector and starts idle eviction. The context bounds
// the lifetime of the background eviction worker.
func (p *Pool[C]) Open(ctx context.Context, connect Connector[C]) {
	p.mu.Lock()
	p.connect = connect
	p.ctx = ctx
	p.opened = true
	p.mu.Unlock()

	if p.IdleTimeout() > 0 {
		p.evictor.Start(ctx, p.closeIdleResources)
	}
}

// Capacity returns the maximum number of open connections.
func (p *Pool[C]) Capacity() int64 {
	return p.capacity
}

// IdleTimeout returns the current idle timeout.
func (p *Pool[C]) IdleTimeout() time.Duration {
	return time.Duration(p.idleTimeout.Load())
}

// SetIdleTimeout changes the idle timeout. A non-positive value disables
// idle eviction.
func (p *Pool[C]) SetIdleTimeout(d time.Duration) {
	p.idleTimeout.Store(int64(d))
	if d <= 0 {
		p.evictor.Stop()
		return
	}
	p.evictor.SetInterval(evictInterval(d))

	p.mu.Lock()
	running := p.opened && !p.closed
	ctx := p.ctx
	p.mu.Unlock()
	if running {
		p.evictor.Start(ctx, p.closeIdleResources)
	}
}

// WaitTimeout returns the current wait timeout.
func (p *Pool[C]) WaitTimeout() time.Duration {
	return time.Duration(p.waitTimeout.Load())
}

// SetWaitTimeout changes how long Get waits at capacity. Zero waits forever.
func (p *Pool[C]) SetWaitTimeout(d time.Duration) {
	p.waitTimeout.Store(int64(d))
}

// Get returns a connection from the pool, dialing a new one if the pool is
// under capacity and otherwise waiting for one to be returned.
//
// A Get that is cancelled or times out while waiting leaves the pool as it
// found it. Dial failures are returned as *ConnectionError.
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	p.mu.Lock()
	if !p.opened {
		p.mu.Unlock()
		return nil, ErrPoolNotOpen
	}
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		conn, ok := p.idle.Pop()
		if !ok {
			break
		}
		if conn.Conn.IsClosed() {
			// closed behind our back while idle; its slot is ours now
			p.active--
			conn.state.Store(int32(StateClosed))
			p.connCount.Add(ctx, -1, p.Name, stateIdle)
			continue
		}
		conn.state.Store(int32(StateInUse))
		p.borrowed++
		p.mu.Unlock()

		p.connCount.Add(ctx, -1, p.Name, stateIdle)
		p.connCount.Add(ctx, 1, p.Name, stateUsed)
		return conn, nil
	}

	if p.active < p.capacity {
		p.active++
		p.borrowed++
		p.mu.Unlock()
		return p.dial(ctx)
	}

	return p.waitForConn(ctx)
}

// dial creates a new connection on a capacity slot already owned by the caller.
func (p *Pool[C]) dial(ctx context.Context) (*Pooled[C], error) {
	conn, err := p.connect(ctx)
	if err != nil {
		p.mu.Lock()
		p.connectFailures++
		p.releaseSlotLocked(true)
		p.mu.Unlock()

		p.logger.WarnContext(ctx, "failed to create pooled connection", "pool", p.Name, "error", err)
		return nil, &ConnectionError{Err: err}
	}

	pooled := &Pooled[C]{
		id:   p.nextID.Add(1),
		pool: p,
		Conn: conn,
	}
	pooled.timeUsed.update()
	pooled.state.Store(int32(StateInUse))

	p.connCount.Add(ctx, 1, p.Name, stateUsed)
	p.logger.DebugContext(ctx, "created pooled connection", "pool", p.Name, "conn_id", pooled.id)
	return pooled, nil
}

// waitForConn queues the caller until a connection or a capacity slot is
// handed over. Must be called with p.mu held; returns with it released.
func (p *Pool[C]) waitForConn(ctx context.Context) (*Pooled[C], error) {
	p.waitCount++
	elem := p.wait.enqueue()
	closeCh := p.closeCh
	p.mu.Unlock()

	start := time.Now()
	var timeout <-chan time.Time
	if d := p.WaitTimeout(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	var err error
	select {
	case conn := <-elem.Value.ready:
		p.wait.release(elem)
		p.recordWait(start)
		if conn != nil {
			return conn, nil
		}
		return p.dial(ctx)
	case <-ctx.Done():
		err = context.Cause(ctx)
	case <-timeout:
		err = ErrPoolExhaustedTimeout
	case <-closeCh:
		err = ErrPoolClosed
	}

	p.mu.Lock()
	removed := p.wait.remove(elem)
	p.waitTime += time.Since(start)
	p.mu.Unlock()

	if !removed {
		// A handover raced with our wakeup. We are no longer interested,
		// so give it straight back.
		p.giveBack(<-elem.Value.ready)
	}
	p.wait.release(elem)
	return nil, err
}

func (p *Pool[C]) recordWait(start time.Time) {
	p.mu.Lock()
	p.waitTime += time.Since(start)
	p.mu.Unlock()
}

// giveBack returns a handover that its waiter abandoned.
func (p *Pool[C]) giveBack(conn *Pooled[C]) {
	if conn != nil {
		p.Put(conn)
		return
	}
	p.mu.Lock()
	p.releaseSlotLocked(true)
	p.mu.Unlock()
}

// releaseSlotLocked frees the capacity held by a connection that is gone.
// If somebody is waiting, the slot is handed to them instead so that they
// can dial. Must be called with p.mu held.
func (p *Pool[C]) releaseSlotLocked(borrowed bool) {
	if !p.closed && p.wait.handover(nil) {
		if !borrowed {
			p.borrowed++
		}
		return
	}
	if borrowed {
		p.borrowed--
	}
	p.active--
}

// Put returns a connection to the pool. The oldest waiter, if any, receives
// it directly. A closed connection is dropped and its capacity freed.
//
// Putting a connection that is not borrowed from this pool is a bug: it
// panics in pooldebug builds and is logged and ignored otherwise.
func (p *Pool[C]) Put(conn *Pooled[C]) {
	if conn == nil {
		return
	}
	if conn.pool != p || !conn.state.CompareAndSwap(int32(StateInUse), int32(StateIdle)) {
		p.misused(conn)
		return
	}
	ctx := context.Background()

	if conn.Conn.IsClosed() {
		conn.state.Store(int32(StateClosed))
		p.mu.Lock()
		p.releaseSlotLocked(true)
		p.mu.Unlock()

		p.connCount.Add(ctx, -1, p.Name, stateUsed)
		p.logger.Debug("dropped closed connection", "pool", p.Name, "conn_id", conn.id)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.active--
		p.borrowed--
		p.mu.Unlock()

		conn.state.Store(int32(StateClosed))
		conn.Conn.Close()
		p.connCount.Add(ctx, -1, p.Name, stateUsed)
		return
	}

	conn.timeUsed.update()
	if p.wait.waiting() > 0 {
		conn.state.Store(int32(StateInUse))
		p.wait.handover(conn)
		p.mu.Unlock()
		return
	}

	p.borrowed--
	p.idle.Push(conn)
	p.mu.Unlock()

	p.connCount.Add(ctx, -1, p.Name, stateUsed)
	p.connCount.Add(ctx, 1, p.Name, stateIdle)
}

func (p *Pool[C]) misused(conn *Pooled[C]) {
	if debugRelease {
		panic(fmt.Sprintf("connpool %q: release of connection %d in state %s", p.Name, conn.id, conn.State()))
	}
	p.misuse.Add(1)
	p.logger.Error("ignoring invalid connection release", "pool", p.Name, "conn_id", conn.id, "state", conn.State().String())
}

// closeIdleResources closes idle connections that have not been used for
// longer than the idle timeout. Borrowed connections are never touched.
func (p *Pool[C]) closeIdleResources(ctx context.Context) {
	timeout := p.IdleTimeout()
	if timeout <= 0 {
		return
	}
	now := monotonicNow()

	p.mu.Lock()
	expired := p.idle.RemoveIf(func(conn *Pooled[C]) bool {
		return conn.timeUsed.expired(now, timeout)
	})
	for range expired {
		p.idleClosed++
		p.releaseSlotLocked(false)
	}
	p.mu.Unlock()

	for _, conn := range expired {
		conn.state.Store(int32(StateClosed))
		conn.Conn.Close()
		p.connCount.Add(ctx, -1, p.Name, stateIdle)
		p.logger.DebugContext(ctx, "closed idle connection", "pool", p.Name, "conn_id", conn.id, "idle", conn.IdleTime())
	}
}

// Close closes all idle connections and fails pending and future Gets.
// Borrowed connections are closed when they are put back.
func (p *Pool[C]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closeCh)

	var idle []*Pooled[C]
	for {
		conn, ok := p.idle.Pop()
		if !ok {
			break
		}
		p.active--
		idle = append(idle, conn)
	}
	p.mu.Unlock()

	p.evictor.Stop()

	ctx := context.Background()
	for _, conn := range idle {
		conn.state.Store(int32(StateClosed))
		conn.Conn.Close()
		p.connCount.Add(ctx, -1, p.Name, stateIdle)
	}
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Capacity:        p.capacity,
		Active:          p.active,
		InUse:           p.borrowed,
		Idle:            int64(p.idle.Len()),
		Waiting:         int64(p.wait.waiting()),
		WaitCount:       p.waitCount,
		WaitTime:        p.waitTime,
		IdleClosed:      p.idleClosed,
		ConnectFailures: p.connectFailures,
		Misuse:          p.misuse.Load(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Capacity        int64         `json:"capacity" yaml:"capacity"`
	Active          int64         `json:"active" yaml:"active"`                     // Open connections, including dials in progress
	InUse           int64         `json:"in_use" yaml:"in_use"`                     // Connections owned by callers
	Idle            int64         `json:"idle" yaml:"idle"`                         // Connections available in pool
	Waiting         int64         `json:"waiting" yaml:"waiting"`                   // Callers currently queued
	WaitCount       int64         `json:"wait_count" yaml:"wait_count"`             // Gets that had to queue
	WaitTime        time.Duration `json:"wait_time" yaml:"wait_time"`               // Total time spent queued
	IdleClosed      int64         `json:"idle_closed" yaml:"idle_closed"`           // Connections closed by idle eviction
	ConnectFailures int64         `json:"connect_failures" yaml:"connect_failures"` // Failed dials
	Misuse          int64         `json:"misuse" yaml:"misuse"`                     // Rejected releases
}

func evictInterval(idleTimeout time.Duration) time.Duration {
	if idleTimeout <= 0 {
		return time.Second
	}
	return max(idleTimeout/4, minEvictInterval)
}
