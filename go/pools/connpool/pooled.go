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
	"fmt"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a pooled connection.
type State int32

const (
	// StateIdle connections sit in the pool waiting to be borrowed.
	StateIdle State = iota
	// StateInUse connections are borrowed by exactly one caller.
	StateInUse
	// StateClosed connections have left the pool for good.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Pooled wraps a connection with metadata for pool management.
// The pool owns every Pooled; callers only borrow them between Get and Put.
type Pooled[C Connection] struct {
	// next is the next element in the idle stack.
	// Only accessed while holding the pool's mutex.
	next *Pooled[C]

	id    uint64
	state atomic.Int32

	// timeUsed is the monotonic time when this connection was last
	// returned to the pool. Used for idle timeout tracking.
	timeUsed timestamp

	pool *Pool[C]

	// Conn is the underlying connection.
	Conn C
}

// ID returns the pool-unique identity of this connection.
func (p *Pooled[C]) ID() uint64 {
	return p.id
}

// State returns the current lifecycle state.
func (p *Pooled[C]) State() State {
	return State(p.state.Load())
}

// IdleTime returns how long ago the connection was last returned to the pool.
func (p *Pooled[C]) IdleTime() time.Duration {
	return p.timeUsed.elapsed()
}
