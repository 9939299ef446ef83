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
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeConn records statements and answers queries from a script shared by
// every connection of a fakeServer.
type fakeConn struct {
	id     int
	server *fakeServer
	closed atomic.Bool

	mu       sync.Mutex
	log      []string
	prepared map[string]string
}

func (c *fakeConn) record(sql string) {
	c.mu.Lock()
	c.log = append(c.log, sql)
	c.mu.Unlock()
	c.server.record(c.id, sql)
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	c.record(sql)
	return c.server.answer(c, sql, args)
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	c.record(sql)
	res, err := c.server.answer(c, sql, args)
	if err != nil {
		return 0, err
	}
	return res.RowCount(), nil
}

func (c *fakeConn) Prepare(ctx context.Context, name, sql string) error {
	c.record("PREPARE " + name + " AS " + sql)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared[name] = sql
	return nil
}

func (c *fakeConn) QueryPrepared(ctx context.Context, name string, args ...any) (*Result, error) {
	c.mu.Lock()
	sql, ok := c.prepared[name]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("prepared statement %q does not exist", name)
	}
	c.record("EXECUTE " + name)
	return c.server.answer(c, sql, args)
}

func (c *fakeConn) IsClosed() bool { return c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeServer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	handler func(c *fakeConn, sql string, args []any) (*Result, error)
	global  []string
}

func (s *fakeServer) connect(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &fakeConn{id: len(s.conns) + 1, server: s, prepared: make(map[string]string)}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeServer) record(id int, sql string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = append(s.global, fmt.Sprintf("%d: %s", id, sql))
}

func (s *fakeServer) answer(c *fakeConn, sql string, args []any) (*Result, error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		if res, err := h(c, sql, args); res != nil || err != nil {
			return res, err
		}
	}
	return NewResult(nil, nil, 0), nil
}

func (s *fakeServer) setHandler(h func(c *fakeConn, sql string, args []any) (*Result, error)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *fakeServer) dialed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) conn(i int) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

// connOf returns the fake connection the task of ctx currently holds.
func connOf(t *testing.T, d *Driver, ctx context.Context) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.NoError(t, d.withSession(ctx, func(s *session) error {
		c = s.Conn.(*fakeConn)
		return nil
	}))
	return c
}

func newTestDriver(t *testing.T, maxConns int64) (*Driver, *fakeServer) {
	t.Helper()
	server := &fakeServer{}
	d, err := New(Config{
		Database:      "app",
		DriverOptions: DriverOptions{MaxConnections: maxConns},
	}, WithConnector(server.connect))
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, server
}

func stmts(sqls ...string) []string { return sqls }

func hasPrefix(sql, prefix string) bool {
	return strings.HasPrefix(strings.TrimSpace(sql), prefix)
}
