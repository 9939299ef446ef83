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
	"time"

	"github.com/jackc/pgx/v5"
)

const closeTimeout = 5 * time.Second

// pgxConn is the default backend.
type pgxConn struct {
	conn *pgx.Conn
}

func dialPgx(connString string) Connector {
	return func(ctx context.Context) (Conn, error) {
		cfg, err := pgx.ParseConfig(connString)
		if err != nil {
			return nil, err
		}
		conn, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &pgxConn{conn: conn}, nil
	}
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectPgxRows(rows)
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Prepare(ctx context.Context, name, sql string) error {
	_, err := c.conn.Prepare(ctx, name, sql)
	return err
}

// QueryPrepared relies on pgx running a prepared statement when given its
// name in place of SQL text.
func (c *pgxConn) QueryPrepared(ctx context.Context, name string, args ...any) (*Result, error) {
	return c.Query(ctx, name, args...)
}

func (c *pgxConn) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *pgxConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.conn.Close(ctx)
}

func collectPgxRows(rows pgx.Rows) (*Result, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = fd.Name
	}

	var values [][]any
	for rows.Next() {
		row, err := rows.Values()
		if err != nil {
			return nil, err
		}
		values = append(values, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewResult(columns, values, rows.CommandTag().RowsAffected()), nil
}
