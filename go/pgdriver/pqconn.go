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
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/lib/pq"
)

// pqConn drives a lib/pq connection through the database/sql/driver
// interfaces directly, without a database/sql pool of its own.
type pqConn struct {
	conn   driver.Conn
	stmts  map[string]driver.Stmt
	closed atomic.Bool
}

func dialPq(connString string) Connector {
	return func(ctx context.Context) (Conn, error) {
		connector, err := pq.NewConnector(connString)
		if err != nil {
			return nil, err
		}
		conn, err := connector.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return &pqConn{conn: conn, stmts: make(map[string]driver.Stmt)}, nil
	}
}

func (c *pqConn) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	q, ok := c.conn.(driver.QueryerContext)
	if !ok {
		return nil, errors.New("pq connection does not support QueryContext")
	}
	named, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, sql, named)
	if err != nil {
		return nil, c.check(err)
	}
	return c.collect(rows)
}

func (c *pqConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	e, ok := c.conn.(driver.ExecerContext)
	if !ok {
		return 0, errors.New("pq connection does not support ExecContext")
	}
	named, err := namedValues(args)
	if err != nil {
		return 0, err
	}
	res, err := e.ExecContext(ctx, sql, named)
	if err != nil {
		return 0, c.check(err)
	}
	return res.RowsAffected()
}

func (c *pqConn) Prepare(ctx context.Context, name, sql string) error {
	p, ok := c.conn.(driver.ConnPrepareContext)
	if !ok {
		return errors.New("pq connection does not support PrepareContext")
	}
	stmt, err := p.PrepareContext(ctx, sql)
	if err != nil {
		return c.check(err)
	}
	c.stmts[name] = stmt
	return nil
}

func (c *pqConn) QueryPrepared(ctx context.Context, name string, args ...any) (*Result, error) {
	stmt, ok := c.stmts[name]
	if !ok {
		return nil, fmt.Errorf("prepared statement %q does not exist", name)
	}
	q, ok := stmt.(driver.StmtQueryContext)
	if !ok {
		return nil, errors.New("pq statement does not support QueryContext")
	}
	named, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, named)
	if err != nil {
		return nil, c.check(err)
	}
	return c.collect(rows)
}

func (c *pqConn) IsClosed() bool {
	if c.closed.Load() {
		return true
	}
	if v, ok := c.conn.(driver.Validator); ok && !v.IsValid() {
		return true
	}
	return false
}

func (c *pqConn) Close() error {
	c.closed.Store(true)
	for name, stmt := range c.stmts {
		_ = stmt.Close()
		delete(c.stmts, name)
	}
	return c.conn.Close()
}

// check marks the connection closed when pq reports it unusable.
func (c *pqConn) check(err error) error {
	if errors.Is(err, driver.ErrBadConn) {
		c.closed.Store(true)
	}
	return err
}

func (c *pqConn) collect(rows driver.Rows) (*Result, error) {
	defer rows.Close()

	columns := rows.Columns()
	dest := make([]driver.Value, len(columns))
	var values [][]any
	for {
		if err := rows.Next(dest); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, c.check(err)
		}
		row := make([]any, len(dest))
		for i, v := range dest {
			if b, ok := v.([]byte); ok {
				v = append([]byte(nil), b...)
			}
			row[i] = v
		}
		values = append(values, row)
	}
	return NewResult(columns, values, int64(len(values))), nil
}

func namedValues(args []any) ([]driver.NamedValue, error) {
	named := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		v, err := driver.DefaultParameterConverter.ConvertValue(arg)
		if err != nil {
			return nil, fmt.Errorf("argument $%d: %w", i+1, err)
		}
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named, nil
}
