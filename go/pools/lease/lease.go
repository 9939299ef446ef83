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

// Package lease binds pooled connections to logical tasks.
//
// A task is a context tree created by Source.WithTask or Source.Run. The
// first call to Source.Current within a task borrows a connection from the
// pool; every later call in the same task, from any goroutine holding a
// context derived from it, gets the same Lease. The connection goes back to
// the pool exactly once when the task ends or, if the task context is simply
// dropped, when the Lease is garbage collected.
package lease

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/multigres/pglease/go/pools/connpool"
)

var (
	// ErrNoTask is returned by Current when the context does not belong to
	// a task of the source.
	ErrNoTask = errors.New("context is not bound to a task")

	// ErrTaskEnded is returned by Current after the task has ended.
	ErrTaskEnded = errors.New("task has ended")

	// ErrLeaseReleased is returned when using a lease whose task has ended.
	ErrLeaseReleased = errors.New("lease has been released")
)

// ReleaseReason tells why a lease was released.
type ReleaseReason int32

const (
	// ReleaseTaskEnd means the task context was cancelled or Run returned.
	ReleaseTaskEnd ReleaseReason = iota + 1
	// ReleaseReclaimed means the lease was garbage collected while its task
	// was never explicitly ended.
	ReleaseReclaimed
)

func (r ReleaseReason) String() string {
	switch r {
	case ReleaseTaskEnd:
		return "task_end"
	case ReleaseReclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("ReleaseReason(%d)", int32(r))
	}
}

// Lease is a task's exclusive borrow of one pooled connection.
//
// A Lease has no release method. It is released when its task ends or when
// it becomes unreachable, whichever is observed first.
type Lease[C connpool.Connection] struct {
	pooled *connpool.Pooled[C]
	state  *leaseState
}

// leaseState is shared between a Lease and its teardown paths. It must never
// point back at the Lease, otherwise the Lease would stay reachable from its
// own cleanup and never be collected.
type leaseState struct {
	id       uint64
	released atomic.Bool
	reason   atomic.Int32
}

// ID returns the identity of the leased connection.
func (l *Lease[C]) ID() uint64 {
	return l.state.id
}

// Conn returns the leased connection. Callers must not keep it beyond the
// operation at hand.
func (l *Lease[C]) Conn() (C, error) {
	if l.state.released.Load() {
		var zero C
		return zero, ErrLeaseReleased
	}
	return l.pooled.Conn, nil
}

// Released reports whether the lease has been torn down.
func (l *Lease[C]) Released() bool {
	return l.state.released.Load()
}

// Reason returns why the lease was released, or 0 while it is live.
func (l *Lease[C]) Reason() ReleaseReason {
	return ReleaseReason(l.state.reason.Load())
}
