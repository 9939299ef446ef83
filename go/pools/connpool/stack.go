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

// connStack is a LIFO stack of idle connections. Reusing the most recently
// returned connection first keeps the warm connections busy and lets the
// cold ones at the bottom age out through idle eviction.
//
// connStack is not synchronized: all access happens under the pool mutex.
type connStack[C Connection] struct {
	top   *Pooled[C]
	count int
}

// Push adds a connection to the top of the stack.
func (s *connStack[C]) Push(conn *Pooled[C]) {
	conn.next = s.top
	s.top = conn
	s.count++
}

// Pop removes and returns the connection from the top of the stack.
// Returns nil and false if the stack is empty.
func (s *connStack[C]) Pop() (*Pooled[C], bool) {
	if s.top == nil {
		return nil, false
	}
	conn := s.top
	s.top = conn.next
	s.count--
	conn.next = nil
	return conn, true
}

// Len returns the number of connections in the stack.
func (s *connStack[C]) Len() int {
	return s.count
}

// RemoveIf unlinks every connection for which remove returns true and
// returns them. The relative order of the remaining connections is kept.
func (s *connStack[C]) RemoveIf(remove func(*Pooled[C]) bool) []*Pooled[C] {
	var removed []*Pooled[C]
	link := &s.top
	for conn := s.top; conn != nil; {
		next := conn.next
		if remove(conn) {
			*link = next
			conn.next = nil
			s.count--
			removed = append(removed, conn)
		} else {
			link = &conn.next
		}
		conn = next
	}
	return removed
}
