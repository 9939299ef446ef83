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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// ErrDuplicateRegistration is returned by Register when a release callback is
// already registered for a connection. It means two leases wrap the same
// pooled connection, which is a bug in lease binding.
var ErrDuplicateRegistration = errors.New("release callback already registered")

// Registry maps pooled connection IDs to the callbacks that return them to
// their pool.
//
// Entries do not reference the lease that created them, so a callback can
// still run after its lease has been garbage collected. Firing an entry never
// runs the callback inline: callbacks are queued and run in order by a
// dedicated release loop, which keeps pool mutations out of runtime cleanup
// functions and context teardown hooks.
type Registry struct {
	entries *xsync.Map[uint64, func()]
	logger  *slog.Logger

	pending atomic.Int64

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	stopped chan struct{}
}

// NewRegistry creates a registry and starts its release loop. Close stops it.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries: xsync.NewMap[uint64, func()](),
		logger:  logger,
		stopped: make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	return r
}

// Register stores the release callback for a connection.
func (r *Registry) Register(id uint64, release func()) error {
	if _, loaded := r.entries.LoadOrStore(id, release); loaded {
		return fmt.Errorf("%w: connection %d", ErrDuplicateRegistration, id)
	}
	return nil
}

// FireAndRemove removes the entry for a connection and queues its callback on
// the release loop. It is a no-op when there is no entry, so repeated
// teardowns of the same lease release the connection at most once.
//
// FireAndRemove never blocks on the callback and is safe to call from a
// runtime cleanup.
func (r *Registry) FireAndRemove(id uint64) bool {
	release, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return false
	}
	r.enqueue(release)
	return true
}

func (r *Registry) enqueue(fn func()) {
	r.pending.Add(1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		// The loop is gone; run on a fresh goroutine so the caller still
		// never executes the callback itself.
		go func() {
			defer r.pending.Add(-1)
			r.run(fn)
		}()
		return
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	r.cond.Signal()
}

func (r *Registry) loop() {
	defer close(r.stopped)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			r.run(fn)
			r.pending.Add(-1)
		}
	}
}

func (r *Registry) run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("release callback panicked", "panic", p)
		}
	}()
	fn()
}

// Len returns the number of registered callbacks.
func (r *Registry) Len() int {
	return r.entries.Size()
}

// Pending returns the number of fired callbacks that have not finished.
func (r *Registry) Pending() int64 {
	return r.pending.Load()
}

// Flush waits until every callback fired before the call has run.
func (r *Registry) Flush(ctx context.Context) error {
	done := make(chan struct{})
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.stopped
		return nil
	}
	r.queue = append(r.queue, func() { close(done) })
	r.pending.Add(1)
	r.mu.Unlock()
	r.cond.Signal()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Close runs the callbacks already queued and stops the release loop.
// Callbacks fired afterwards run on their own goroutine.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
	<-r.stopped
}
