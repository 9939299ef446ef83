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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParamsDefaults(t *testing.T) {
	cfg, err := ParseParams(map[string]any{"dbname": "app"})
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DriverPgx, cfg.Driver)
	assert.Equal(t, int64(DefaultMaxConnections), cfg.DriverOptions.MaxConnections)
	assert.Equal(t, DefaultIdleTimeout, cfg.DriverOptions.IdleTimeout)
	assert.Zero(t, cfg.DriverOptions.WaitTimeout)
}

func TestParseParamsDriverOptions(t *testing.T) {
	cfg, err := ParseParams(map[string]any{
		"host":   "db.internal",
		"port":   "6432",
		"dbname": "app",
		"driver": "pq",
		"driverOptions": map[string]any{
			"max_connections": "10",
			"idle_timeout":    30,
			"wait_timeout":    "250ms",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6432, cfg.Port)
	assert.Equal(t, DriverPq, cfg.Driver)
	assert.Equal(t, int64(10), cfg.DriverOptions.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.DriverOptions.IdleTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.DriverOptions.WaitTimeout)
}

func TestParseParamsIdleTimeout(t *testing.T) {
	tests := []struct {
		in   any
		want time.Duration
	}{
		{1.5, 1500 * time.Millisecond},
		{"2", 2 * time.Second},
		{"1m", time.Minute},
		{-1, -time.Second},
	}
	for _, tt := range tests {
		cfg, err := ParseParams(map[string]any{"driverOptions": map[string]any{"idle_timeout": tt.in}})
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, cfg.DriverOptions.IdleTimeout, "%v", tt.in)
	}

	_, err := ParseParams(map[string]any{"driverOptions": map[string]any{"idle_timeout": "soon"}})
	assert.Error(t, err)
}

func TestNegativeIdleTimeoutDisablesEviction(t *testing.T) {
	cfg := Config{DriverOptions: DriverOptions{IdleTimeout: -time.Second}}
	cfg.applyDefaults()
	assert.Equal(t, -time.Second, cfg.DriverOptions.IdleTimeout)
	assert.Zero(t, cfg.poolIdleTimeout())
}

func TestConnString(t *testing.T) {
	cfg := Config{
		Host:            "db",
		User:            "svc",
		Password:        "p@ss",
		Database:        "app",
		SSLMode:         "require",
		ApplicationName: "worker",
	}
	cfg.applyDefaults()
	assert.Equal(t, "postgres://svc:p%40ss@db:5432/app?application_name=worker&sslmode=require", cfg.ConnString())
	assert.Equal(t, "worker", cfg.poolName())

	cfg.ApplicationName = ""
	assert.Equal(t, "db:5432/app", cfg.poolName())
}
