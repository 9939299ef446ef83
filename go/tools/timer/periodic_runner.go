// Copyright 2019 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

// Package timer provides PeriodicRunner for running callbacks at regular intervals.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner runs a callback at regular intervals.
//
// The next run is only scheduled once the current one returns, so a slow
// callback delays the following run instead of overlapping with it. Stop
// cancels the callback context and waits for an in-flight run.
//
//	runner := timer.NewPeriodicRunner(time.Second)
//	runner.Start(ctx, func(ctx context.Context) { ... })
//	defer runner.Stop()
type PeriodicRunner struct {
	mu       sync.Mutex
	interval time.Duration
	running  bool
	gen      uint64 // bumped by Start so stale timers from a previous run exit
	cancel   context.CancelFunc
	ctx      context.Context
	timer    *time.Timer
	callback func(ctx context.Context)
	wg       sync.WaitGroup
}

// NewPeriodicRunner creates a stopped runner with the given interval.
func NewPeriodicRunner(interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{interval: interval}
}

// Start begins running callback every interval. The callback context is
// derived from ctx and cancelled by Stop. Returns false if already running.
func (r *PeriodicRunner) Start(ctx context.Context, callback func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}
	r.running = true
	r.gen++
	r.callback = callback
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.schedule()
	return true
}

// Stop halts the runner and waits for any in-flight callback. Idempotent.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.ctx, r.cancel, r.callback = nil, nil, nil
	r.mu.Unlock()

	r.wg.Wait()
}

// Running reports whether the runner is started.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Interval returns the current interval.
func (r *PeriodicRunner) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// SetInterval changes the interval. A pending run is rescheduled so the new
// interval applies right away.
func (r *PeriodicRunner) SetInterval(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.interval = interval
	if r.running && r.timer != nil && r.timer.Stop() {
		r.schedule()
	}
}

// schedule arms the timer for the current run. Must hold r.mu.
func (r *PeriodicRunner) schedule() {
	gen := r.gen
	r.timer = time.AfterFunc(r.interval, func() { r.execute(gen) })
}

func (r *PeriodicRunner) execute(gen uint64) {
	r.mu.Lock()
	if !r.running || r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	defer r.wg.Done()

	callback, ctx := r.callback, r.ctx
	r.mu.Unlock()

	callback(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && r.gen == gen {
		r.schedule()
	}
}
