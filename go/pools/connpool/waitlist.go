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
	"sync"

	"github.com/multigres/pglease/go/tools/list"
)

// waiter represents a client waiting for a connection in the waitlist.
type waiter[C Connection] struct {
	// ready receives exactly one handover. A nil connection hands over a
	// capacity slot instead: the waiter owns it and must dial.
	ready chan *Pooled[C]
	// queued is true while the waiter is linked in the waitlist.
	queued bool
}

// waitlist is the FIFO queue of suspended Get calls. The longest waiting
// client is always served first so no client starves under contention.
//
// waitlist is not synchronized: all access happens under the pool mutex.
// Handovers are sent on a buffered channel, so handing over never blocks.
type waitlist[C Connection] struct {
	nodes sync.Pool
	list  list.List[waiter[C]]
}

func (wl *waitlist[C]) init() {
	wl.nodes.New = func() any {
		return &list.Element[waiter[C]]{
			Value: waiter[C]{ready: make(chan *Pooled[C], 1)},
		}
	}
	wl.list.Init()
}

// enqueue adds a new waiter at the back of the list.
func (wl *waitlist[C]) enqueue() *list.Element[waiter[C]] {
	elem := wl.nodes.Get().(*list.Element[waiter[C]])
	elem.Value.queued = true
	wl.list.PushBackValue(elem)
	return elem
}

// remove unlinks elem if it is still queued. Returns false if a handover
// has already been sent to it.
func (wl *waitlist[C]) remove(elem *list.Element[waiter[C]]) bool {
	if !elem.Value.queued {
		return false
	}
	elem.Value.queued = false
	wl.list.Remove(elem)
	return true
}

// release returns a drained element to the free list.
func (wl *waitlist[C]) release(elem *list.Element[waiter[C]]) {
	wl.nodes.Put(elem)
}

// handover sends conn (or a capacity slot when conn is nil) to the oldest
// waiter. Returns false if nobody is waiting.
func (wl *waitlist[C]) handover(conn *Pooled[C]) bool {
	front := wl.list.Front()
	if front == nil {
		return false
	}
	front.Value.queued = false
	wl.list.Remove(front)
	front.Value.ready <- conn
	return true
}

func (wl *waitlist[C]) waiting() int {
	return wl.list.Len()
}
