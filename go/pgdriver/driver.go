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

// Package pgdriver is a PostgreSQL client facade for code running many
// concurrent tasks over a small connection pool.
//
// Each task gets one connection the first time it touches the database and
// keeps it until the task ends, so session state such as transactions and
// prepared statements behaves as on a dedicated connection:
//
//	err := drv.Run(ctx, func(ctx context.Context) error {
//		return drv.Transactional(ctx, func(ctx context.Context) error {
//			_, err := drv.Exec(ctx, "UPDATE accounts SET balance = balance - $1 WHERE id = $2", 10, 1)
//			return err
//		})
//	})
//
// No method keeps a connection beyond the call.
package pgdriver

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/metric"

	"github.com/multigres/pglease/go/pools/connpool"
	"github.com/multigres/pglease/go/pools/lease"
)

// Option configures a Driver.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	connector Connector
	meter     metric.Meter
	fs        afero.Fs
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithConnector replaces the backend selected by Config.Driver.
func WithConnector(connector Connector) Option {
	return func(o *options) { o.connector = connector }
}

// WithMeter records pool connection counts on meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithFs sets the filesystem the password file is read from.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// Driver runs queries on the connection leased by the calling task.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	pool     *connpool.Pool[*session]
	registry *lease.Registry
	source   *lease.Source[*session]
}

// New creates a driver. No connection is opened until a task first needs one.
func New(cfg Config, opts ...Option) (*Driver, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.fs == nil {
		o.fs = afero.NewOsFs()
	}

	cfg.applyDefaults()
	if err := cfg.resolvePassword(o.fs); err != nil {
		return nil, fmt.Errorf("reading password file: %w", err)
	}

	connect := o.connector
	if connect == nil {
		switch cfg.Driver {
		case DriverPgx:
			connect = dialPgx(cfg.ConnString())
		case DriverPq:
			connect = dialPq(cfg.ConnString())
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
		}
	}

	var connCount connpool.ConnectionCount
	if o.meter != nil {
		var err error
		if connCount, err = connpool.NewConnectionCount(o.meter); err != nil {
			return nil, fmt.Errorf("creating connection metrics: %w", err)
		}
	}

	d := &Driver{cfg: cfg, logger: o.logger}
	d.pool = connpool.NewPool[*session](&connpool.Config{
		Name:            cfg.poolName(),
		Capacity:        cfg.DriverOptions.MaxConnections,
		IdleTimeout:     cfg.poolIdleTimeout(),
		WaitTimeout:     cfg.DriverOptions.WaitTimeout,
		ConnectionCount: connCount,
		Logger:          o.logger,
	})
	d.pool.Open(context.Background(), func(ctx context.Context) (*session, error) {
		c, err := connect(ctx)
		if err != nil {
			return nil, err
		}
		return newSession(c), nil
	})
	d.registry = lease.NewRegistry(o.logger)
	d.source = lease.NewSource(d.pool, d.registry, &lease.SourceConfig[*session]{
		Logger: o.logger,
		Reset:  resetSession,
	})

	o.logger.Info("pgdriver ready",
		"pool", d.pool.Name,
		"driver", cfg.Driver,
		"max_connections", cfg.DriverOptions.MaxConnections,
		"idle_timeout", cfg.DriverOptions.IdleTimeout,
	)
	return d, nil
}

// Config returns the effective configuration.
func (d *Driver) Config() Config {
	return d.cfg
}

// Logger returns the driver's logger.
func (d *Driver) Logger() *slog.Logger {
	return d.logger
}

// WithTask starts a task. Its connection, if it takes one, is released when
// cancel is called or ctx is done.
func (d *Driver) WithTask(ctx context.Context) (context.Context, context.CancelFunc) {
	return d.source.WithTask(ctx)
}

// Run runs fn as a task and releases its connection when fn returns.
func (d *Driver) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return d.source.Run(ctx, fn)
}

// SetIdleTimeout changes the pool idle timeout. Negative disables eviction.
func (d *Driver) SetIdleTimeout(timeout time.Duration) {
	d.pool.SetIdleTimeout(max(timeout, 0))
}

// SetWaitTimeout changes how long a task waits for a connection.
func (d *Driver) SetWaitTimeout(timeout time.Duration) {
	d.pool.SetWaitTimeout(timeout)
}

// withSession runs fn on the task's connection, serialized with other
// goroutines of the same task.
func (d *Driver) withSession(ctx context.Context, fn func(s *session) error) error {
	l, err := d.source.Current(ctx)
	if err != nil {
		return translate(err)
	}
	s, err := l.Conn()
	if err != nil {
		return translate(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// The task may have ended while this goroutine waited for the session.
	if l.Released() {
		return translate(lease.ErrLeaseReleased)
	}
	return translate(fn(s))
}

// Query runs sql with positional arguments ($1, $2, ...).
func (d *Driver) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	var res *Result
	err := d.withSession(ctx, func(s *session) error {
		var err error
		res, err = s.Query(ctx, sql, args...)
		return err
	})
	return res, err
}

// Exec runs sql and returns the number of affected rows.
func (d *Driver) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	var n int64
	err := d.withSession(ctx, func(s *session) error {
		var err error
		n, err = s.Exec(ctx, sql, args...)
		return err
	})
	return n, err
}

// FetchAssociative returns the first row keyed by column name.
func (d *Driver) FetchAssociative(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	row, ok := res.FetchAssociative()
	if !ok {
		return nil, ErrNoRows
	}
	return row, nil
}

// FetchNumeric returns the first row.
func (d *Driver) FetchNumeric(ctx context.Context, sql string, args ...any) ([]any, error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	row, ok := res.FetchNumeric()
	if !ok {
		return nil, ErrNoRows
	}
	return row, nil
}

// FetchOne returns the first column of the first row.
func (d *Driver) FetchOne(ctx context.Context, sql string, args ...any) (any, error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	v, ok := res.FetchOne()
	if !ok {
		return nil, ErrNoRows
	}
	return v, nil
}

// FetchAllAssociative returns every row keyed by column name.
func (d *Driver) FetchAllAssociative(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return res.FetchAllAssociative(), nil
}

// FetchAllNumeric returns every row.
func (d *Driver) FetchAllNumeric(ctx context.Context, sql string, args ...any) ([][]any, error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return res.FetchAllNumeric(), nil
}

// FetchFirstColumn returns the first column of every row.
func (d *Driver) FetchFirstColumn(ctx context.Context, sql string, args ...any) ([]any, error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return res.FetchFirstColumn(), nil
}

// FetchAllKeyValue maps the first column to the second.
func (d *Driver) FetchAllKeyValue(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return res.FetchAllKeyValue()
}

// FetchAllAssociativeIndexed maps the first column to the remaining columns.
func (d *Driver) FetchAllAssociativeIndexed(ctx context.Context, sql string, args ...any) (map[string]map[string]any, error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return res.FetchAllAssociativeIndexed()
}

// IterateNumeric runs sql and yields its rows. The result is read in full
// before the first row is yielded, so the connection is free while the
// caller iterates.
func (d *Driver) IterateNumeric(ctx context.Context, sql string, args ...any) (iter.Seq[[]any], error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return res.IterateNumeric(), nil
}

// IterateAssociative runs sql and yields its rows keyed by column name.
func (d *Driver) IterateAssociative(ctx context.Context, sql string, args ...any) (iter.Seq[map[string]any], error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return res.IterateAssociative(), nil
}

// IterateColumn runs sql and yields the first column of its rows.
func (d *Driver) IterateColumn(ctx context.Context, sql string, args ...any) (iter.Seq[any], error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return res.IterateColumn(), nil
}

// IterateKeyValue runs sql and yields the first column with the second.
func (d *Driver) IterateKeyValue(ctx context.Context, sql string, args ...any) (iter.Seq2[string, any], error) {
	res, err := d.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return res.IterateKeyValue()
}

// Prepare prepares sql on the task's connection and returns a statement
// that can be executed from any task.
func (d *Driver) Prepare(ctx context.Context, sql string) (*Statement, error) {
	err := d.withSession(ctx, func(s *session) error {
		return s.prepare(ctx, sql)
	})
	if err != nil {
		return nil, err
	}
	return &Statement{d: d, sql: sql}, nil
}

// PrepareAndExecute runs sql as a prepared statement, preparing it on the
// task's connection on first use.
func (d *Driver) PrepareAndExecute(ctx context.Context, sql string, args ...any) (*Result, error) {
	var res *Result
	err := d.withSession(ctx, func(s *session) error {
		var err error
		res, err = s.queryPrepared(ctx, sql, args)
		return err
	})
	return res, err
}

// Stats contains driver statistics.
type Stats struct {
	Pool   connpool.PoolStats `json:"pool" yaml:"pool"`
	Leases lease.Stats        `json:"leases" yaml:"leases"`
}

// Stats returns pool and lease statistics.
func (d *Driver) Stats() Stats {
	return Stats{
		Pool:   d.pool.Stats(),
		Leases: d.source.Stats(),
	}
}

// Flush waits until connections of tasks that already ended are back in
// the pool.
func (d *Driver) Flush(ctx context.Context) error {
	return d.registry.Flush(ctx)
}

// Close waits for pending releases and closes the pool. Connections still
// leased are closed when their tasks end.
func (d *Driver) Close() {
	d.registry.Close()
	d.pool.Close()
	d.logger.Info("pgdriver closed", "pool", d.pool.Name)
}
