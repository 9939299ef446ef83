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

package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicRunnerStartStop(t *testing.T) {
	called := make(chan struct{}, 10)

	runner := NewPeriodicRunner(time.Millisecond)
	assert.False(t, runner.Running())

	started := runner.Start(t.Context(), func(_ context.Context) {
		select {
		case called <- struct{}{}:
		default:
		}
	})
	require.True(t, started)
	assert.True(t, runner.Running())

	<-called

	runner.Stop()
	assert.False(t, runner.Running())

	// Stop is idempotent
	runner.Stop()
}

func TestPeriodicRunnerStartTwice(t *testing.T) {
	runner := NewPeriodicRunner(time.Hour)
	defer runner.Stop()

	assert.True(t, runner.Start(t.Context(), func(context.Context) {}))
	assert.False(t, runner.Start(t.Context(), func(context.Context) {}))
}

func TestPeriodicRunnerStopWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	var finished atomic.Bool

	runner := NewPeriodicRunner(time.Millisecond)
	runner.Start(t.Context(), func(_ context.Context) {
		select {
		case <-started:
			return
		default:
			close(started)
		}
		<-proceed
		finished.Store(true)
	})

	<-started

	stopped := make(chan struct{})
	go func() {
		runner.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a callback was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	<-stopped
	assert.True(t, finished.Load())
}

func TestPeriodicRunnerCallbackContextCancelledOnStop(t *testing.T) {
	ctxCh := make(chan context.Context, 1)

	runner := NewPeriodicRunner(time.Millisecond)
	runner.Start(t.Context(), func(ctx context.Context) {
		select {
		case ctxCh <- ctx:
		default:
		}
	})

	ctx := <-ctxCh
	runner.Stop()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestPeriodicRunnerSetInterval(t *testing.T) {
	var runs atomic.Int32

	runner := NewPeriodicRunner(time.Hour)
	runner.Start(t.Context(), func(context.Context) { runs.Add(1) })
	defer runner.Stop()

	runner.SetInterval(time.Millisecond)
	assert.Equal(t, time.Millisecond, runner.Interval())

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
}
