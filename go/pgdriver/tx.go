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
	"errors"
	"fmt"
)

func savepointName(depth int) string {
	return fmt.Sprintf("PGLEASE_%d", depth)
}

// BeginTransaction starts a transaction on the task's connection. Nested
// calls create savepoints.
func (d *Driver) BeginTransaction(ctx context.Context) error {
	return d.withSession(ctx, func(s *session) error {
		if s.txDepth == 0 {
			return s.begin(ctx)
		}
		if _, err := s.Exec(ctx, "SAVEPOINT "+savepointName(s.txDepth)); err != nil {
			return err
		}
		s.txDepth++
		return nil
	})
}

// Commit commits the innermost transaction or releases its savepoint.
func (d *Driver) Commit(ctx context.Context) error {
	return d.withSession(ctx, func(s *session) error {
		switch {
		case s.txDepth == 0:
			return ErrNoActiveTransaction
		case s.txDepth == 1 && s.rollbackOnly:
			if err := s.endTx(ctx, "ROLLBACK"); err != nil {
				return errors.Join(ErrCommitFailedRollbackOnly, err)
			}
			return ErrCommitFailedRollbackOnly
		case s.txDepth == 1:
			return s.endTx(ctx, "COMMIT")
		default:
			s.txDepth--
			_, err := s.Exec(ctx, "RELEASE SAVEPOINT "+savepointName(s.txDepth))
			return err
		}
	})
}

// Rollback rolls back the innermost transaction or to its savepoint.
func (d *Driver) Rollback(ctx context.Context) error {
	return d.withSession(ctx, func(s *session) error {
		switch {
		case s.txDepth == 0:
			return ErrNoActiveTransaction
		case s.txDepth == 1:
			return s.endTx(ctx, "ROLLBACK")
		default:
			s.txDepth--
			_, err := s.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointName(s.txDepth))
			return err
		}
	})
}

// endTx ends the outermost transaction with sql. With autocommit off a new
// transaction is started right away. Must hold s.mu.
func (s *session) endTx(ctx context.Context, sql string) error {
	s.txDepth = 0
	s.rollbackOnly = false
	if _, err := s.Exec(ctx, sql); err != nil {
		return err
	}
	if s.manualCommit {
		return s.begin(ctx)
	}
	return nil
}

// Must hold s.mu.
func (s *session) begin(ctx context.Context) error {
	if _, err := s.Exec(ctx, "BEGIN"); err != nil {
		return err
	}
	s.txDepth = 1
	return nil
}

// SetAutoCommit switches autocommit mode on the task's connection. With
// autocommit off the connection is always inside a transaction: one is
// started now, and every outermost Commit or Rollback starts the next.
//
// Changing the mode commits an open transaction, savepoints included. If
// that transaction is marked rollback-only it is rolled back instead,
// ErrCommitFailedRollbackOnly is returned and autocommit is left on.
func (d *Driver) SetAutoCommit(ctx context.Context, on bool) error {
	return d.withSession(ctx, func(s *session) error {
		manual := !on
		if s.manualCommit == manual {
			return nil
		}
		s.manualCommit = false
		if s.txDepth > 0 {
			if s.rollbackOnly {
				if err := s.endTx(ctx, "ROLLBACK"); err != nil {
					return errors.Join(ErrCommitFailedRollbackOnly, err)
				}
				return ErrCommitFailedRollbackOnly
			}
			if err := s.endTx(ctx, "COMMIT"); err != nil {
				return err
			}
		}
		s.manualCommit = manual
		if manual {
			return s.begin(ctx)
		}
		return nil
	})
}

// IsAutoCommit reports whether the task's connection is in autocommit mode.
func (d *Driver) IsAutoCommit(ctx context.Context) (bool, error) {
	var on bool
	err := d.withSession(ctx, func(s *session) error {
		on = !s.manualCommit
		return nil
	})
	return on, err
}

// IsolationLevel is a transaction isolation level.
type IsolationLevel int

// The zero value is READ COMMITTED, the PostgreSQL default.
const (
	IsolationReadCommitted IsolationLevel = iota
	IsolationReadUncommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationReadCommitted:
		return "READ COMMITTED"
	case IsolationReadUncommitted:
		return "READ UNCOMMITTED"
	case IsolationRepeatableRead:
		return "REPEATABLE READ"
	case IsolationSerializable:
		return "SERIALIZABLE"
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(l))
}

// Must hold s.mu.
func (s *session) setIsolation(ctx context.Context, level IsolationLevel) error {
	if _, err := s.Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL "+level.String()); err != nil {
		return err
	}
	s.isolation = level
	return nil
}

// SetTransactionIsolation sets the isolation level of transactions started
// later on the task's connection. It is reset when the task ends.
func (d *Driver) SetTransactionIsolation(ctx context.Context, level IsolationLevel) error {
	if level < IsolationReadCommitted || level > IsolationSerializable {
		return fmt.Errorf("invalid isolation level %d", int(level))
	}
	return d.withSession(ctx, func(s *session) error {
		return s.setIsolation(ctx, level)
	})
}

// TransactionIsolation returns the isolation level set on the task's
// connection.
func (d *Driver) TransactionIsolation(ctx context.Context) (IsolationLevel, error) {
	var level IsolationLevel
	err := d.withSession(ctx, func(s *session) error {
		level = s.isolation
		return nil
	})
	return level, err
}

// Transactional runs fn in a transaction, committing when it returns nil and
// rolling back when it returns an error or panics.
func (d *Driver) Transactional(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := d.BeginTransaction(ctx); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = d.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := d.Rollback(ctx); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return
		}
		err = d.Commit(ctx)
	}()
	return fn(ctx)
}

// IsTransactionActive reports whether the task's connection is inside a
// transaction.
func (d *Driver) IsTransactionActive(ctx context.Context) (bool, error) {
	n, err := d.TransactionNestingLevel(ctx)
	return n > 0, err
}

// TransactionNestingLevel returns how many transactions are open on the
// task's connection, counting savepoints.
func (d *Driver) TransactionNestingLevel(ctx context.Context) (int, error) {
	var n int
	err := d.withSession(ctx, func(s *session) error {
		n = s.txDepth
		return nil
	})
	return n, err
}

// SetRollbackOnly marks the current transaction so that its outermost
// commit rolls back instead.
func (d *Driver) SetRollbackOnly(ctx context.Context) error {
	return d.withSession(ctx, func(s *session) error {
		if s.txDepth == 0 {
			return ErrNoActiveTransaction
		}
		s.rollbackOnly = true
		return nil
	})
}

// IsRollbackOnly reports whether the current transaction is marked
// rollback-only.
func (d *Driver) IsRollbackOnly(ctx context.Context) (bool, error) {
	var rb bool
	err := d.withSession(ctx, func(s *session) error {
		if s.txDepth == 0 {
			return ErrNoActiveTransaction
		}
		rb = s.rollbackOnly
		return nil
	})
	return rb, err
}

// CreateSavepoint creates a named savepoint.
func (d *Driver) CreateSavepoint(ctx context.Context, name string) error {
	_, err := d.Exec(ctx, "SAVEPOINT "+QuoteIdentifier(name))
	return err
}

// ReleaseSavepoint releases a named savepoint.
func (d *Driver) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := d.Exec(ctx, "RELEASE SAVEPOINT "+QuoteIdentifier(name))
	return err
}

// RollbackSavepoint rolls back to a named savepoint.
func (d *Driver) RollbackSavepoint(ctx context.Context, name string) error {
	_, err := d.Exec(ctx, "ROLLBACK TO SAVEPOINT "+QuoteIdentifier(name))
	return err
}
