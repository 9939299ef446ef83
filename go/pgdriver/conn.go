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

package pgdriver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/multigres/pglease/go/common/mterrors"
)

// Conn is one physical connection as used by the driver. Implementations
// need not be safe for concurrent use.
type Conn interface {
	// Query runs sql and reads the whole result.
	Query(ctx context.Context, sql string, args ...any) (*Result, error)
	// Exec runs sql and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Prepare creates a named prepared statement.
	Prepare(ctx context.Context, name, sql string) error
	// QueryPrepared runs a statement created by Prepare.
	QueryPrepared(ctx context.Context, name string, args ...any) (*Result, error)
	IsClosed() bool
	Close() error
}

// Connector dials a new connection.
type Connector func(ctx context.Context) (Conn, error)

// session is the pooled unit: a connection plus the per-connection state the
// driver tracks for whichever task currently leases it.
type session struct {
	Conn

	// mu serializes operations issued by goroutines of the same task.
	mu sync.Mutex

	txDepth      int
	rollbackOnly bool
	manualCommit bool // autocommit off
	isolation    IsolationLevel

	prepared map[string]string // sql -> statement name
	stmtSeq  int

	// fatal is set once the server reports a FATAL or PANIC error, after
	// which it has ended the session.
	fatal atomic.Bool
}

func newSession(c Conn) *session {
	return &session{Conn: c, prepared: make(map[string]string)}
}

// observe marks the session closed when err is a fatal server error.
func (s *session) observe(err error) error {
	if diag, ok := mterrors.Diagnose(err); ok && diag.IsFatal() {
		s.fatal.Store(true)
	}
	return err
}

func (s *session) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	res, err := s.Conn.Query(ctx, sql, args...)
	return res, s.observe(err)
}

func (s *session) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	n, err := s.Conn.Exec(ctx, sql, args...)
	return n, s.observe(err)
}

func (s *session) Prepare(ctx context.Context, name, sql string) error {
	return s.observe(s.Conn.Prepare(ctx, name, sql))
}

func (s *session) QueryPrepared(ctx context.Context, name string, args ...any) (*Result, error) {
	res, err := s.Conn.QueryPrepared(ctx, name, args...)
	return res, s.observe(err)
}

// IsClosed also reports a session the server has terminated, so the pool
// drops it instead of handing it to the next task.
func (s *session) IsClosed() bool {
	return s.fatal.Load() || s.Conn.IsClosed()
}

// queryPrepared prepares sql on first use on this connection.
// Must hold s.mu.
func (s *session) queryPrepared(ctx context.Context, sql string, args []any) (*Result, error) {
	name, ok := s.prepared[sql]
	if !ok {
		if err := s.prepare(ctx, sql); err != nil {
			return nil, err
		}
		name = s.prepared[sql]
	}
	return s.QueryPrepared(ctx, name, args...)
}

// Must hold s.mu.
func (s *session) prepare(ctx context.Context, sql string) error {
	if _, ok := s.prepared[sql]; ok {
		return nil
	}
	s.stmtSeq++
	name := fmt.Sprintf("pglease_%d", s.stmtSeq)
	if err := s.Prepare(ctx, name, sql); err != nil {
		return err
	}
	s.prepared[sql] = name
	return nil
}

// resetSession rolls back a transaction left open by the previous task and
// restores autocommit and the default isolation level.
func resetSession(ctx context.Context, s *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualCommit = false
	if s.txDepth > 0 {
		s.txDepth = 0
		s.rollbackOnly = false
		if _, err := s.Exec(ctx, "ROLLBACK"); err != nil {
			return err
		}
	}
	if s.isolation != IsolationReadCommitted {
		if err := s.setIsolation(ctx, IsolationReadCommitted); err != nil {
			return err
		}
	}
	return nil
}
