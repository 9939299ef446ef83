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
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"

	"github.com/multigres/pglease/go/tools/pgpass"
)

const (
	// DefaultPort is the PostgreSQL port used when none is configured.
	DefaultPort = 5432
	// DefaultMaxConnections bounds the pool when max_connections is unset.
	DefaultMaxConnections = 100
	// DefaultIdleTimeout is how long a connection may sit idle when
	// idle_timeout is unset.
	DefaultIdleTimeout = 60 * time.Second

	DriverPgx = "pgx"
	DriverPq  = "pq"
)

// Config describes the database endpoint and the pool in front of it.
type Config struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	ApplicationName string `mapstructure:"application_name"`

	// Driver selects the client library: "pgx" (default) or "pq".
	Driver string `mapstructure:"driver"`

	// PassFile is consulted for the password when Password is empty.
	PassFile string `mapstructure:"passfile"`

	DriverOptions DriverOptions `mapstructure:"driverOptions"`
}

// DriverOptions tunes the connection pool.
type DriverOptions struct {
	// MaxConnections caps open connections. Defaults to DefaultMaxConnections.
	MaxConnections int64 `mapstructure:"max_connections"`

	// IdleTimeout closes connections idle for longer. Defaults to
	// DefaultIdleTimeout; negative disables idle eviction.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// WaitTimeout bounds how long a task waits for a connection when the
	// pool is exhausted. Zero waits until the task's context is done.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// ParseParams decodes a connection parameter map such as
//
//	{"host": "db", "dbname": "app", "driverOptions": {"max_connections": 10, "idle_timeout": 30}}
//
// Numbers are converted from strings as needed. Durations accept Go duration
// strings or a number of seconds.
func ParseParams(params map[string]any) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       secondsToDurationHook,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(params); err != nil {
		return Config{}, fmt.Errorf("invalid connection params: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func secondsToDurationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	return data, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Driver == "" {
		c.Driver = DriverPgx
	}
	if c.DriverOptions.MaxConnections <= 0 {
		c.DriverOptions.MaxConnections = DefaultMaxConnections
	}
	if c.DriverOptions.IdleTimeout == 0 {
		c.DriverOptions.IdleTimeout = DefaultIdleTimeout
	}
}

// poolIdleTimeout maps the config convention onto the pool's, where zero
// disables eviction.
func (c *Config) poolIdleTimeout() time.Duration {
	return max(c.DriverOptions.IdleTimeout, 0)
}

func (c *Config) poolName() string {
	if c.ApplicationName != "" {
		return c.ApplicationName
	}
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
}

// ConnString renders the config as a postgres:// URL accepted by both
// backends.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if c.ApplicationName != "" {
		q.Set("application_name", c.ApplicationName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// resolvePassword fills Password from PassFile when it is empty. A missing
// file or entry is not an error.
func (c *Config) resolvePassword(fsys afero.Fs) error {
	if c.Password != "" || c.PassFile == "" {
		return nil
	}
	pw, err := pgpass.Lookup(fsys, c.PassFile, c.Host, strconv.Itoa(c.Port), c.Database, c.User)
	switch {
	case err == nil:
		c.Password = pw
		return nil
	case errors.Is(err, pgpass.ErrNoEntry), errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return err
	}
}
