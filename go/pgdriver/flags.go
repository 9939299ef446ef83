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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PGLEASE_PG_HOST.
const EnvPrefix = "PGLEASE"

const (
	keyConfigFile      = "config-file"
	keyHost            = "pg-host"
	keyPort            = "pg-port"
	keyUser            = "pg-user"
	keyPassword        = "pg-password"
	keyDatabase        = "pg-database"
	keySSLMode         = "pg-sslmode"
	keyPassFile        = "pg-passfile"
	keyDriver          = "pg-driver"
	keyApplicationName = "application-name"
	keyMaxConnections  = "max-connections"
	keyIdleTimeout     = "idle-timeout"
	keyWaitTimeout     = "wait-timeout"
)

// ConfigFlags binds Config to command line flags, PGLEASE_* environment
// variables and an optional config file, in that order of precedence.
type ConfigFlags struct {
	v  *viper.Viper
	fs afero.Fs
}

// NewConfigFlags registers defaults on v. The config file is read from fs,
// or the OS filesystem when fs is nil.
func NewConfigFlags(v *viper.Viper, fs afero.Fs) *ConfigFlags {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyHost, "localhost")
	v.SetDefault(keyPort, DefaultPort)
	v.SetDefault(keyDriver, DriverPgx)
	v.SetDefault(keyMaxConnections, DefaultMaxConnections)
	v.SetDefault(keyIdleTimeout, DefaultIdleTimeout)
	v.SetDefault(keyWaitTimeout, time.Duration(0))
	return &ConfigFlags{v: v, fs: fs}
}

// RegisterFlags registers the connection and pool flags.
func (f *ConfigFlags) RegisterFlags(fs *pflag.FlagSet) {
	fs.String(keyConfigFile, "", "Path to a YAML/JSON/TOML config file using the flag names as keys")
	fs.String(keyHost, f.v.GetString(keyHost), "PostgreSQL host")
	fs.Int(keyPort, f.v.GetInt(keyPort), "PostgreSQL port")
	fs.String(keyUser, "", "PostgreSQL user")
	fs.String(keyPassword, "", "PostgreSQL password (prefer the password file)")
	fs.String(keyDatabase, "", "PostgreSQL database")
	fs.String(keySSLMode, "", "SSL mode passed to the client library")
	fs.String(keyPassFile, "", "Password file consulted when no password is set")
	fs.String(keyDriver, f.v.GetString(keyDriver), "Client library: pgx or pq")
	fs.String(keyApplicationName, "", "application_name reported to the server")
	fs.Int64(keyMaxConnections, f.v.GetInt64(keyMaxConnections), "Maximum open connections")
	fs.Duration(keyIdleTimeout, f.v.GetDuration(keyIdleTimeout), "Close connections idle for longer than this (negative disables)")
	fs.Duration(keyWaitTimeout, f.v.GetDuration(keyWaitTimeout), "Fail tasks that wait longer than this for a connection (0 waits forever)")
	_ = f.v.BindPFlags(fs)
}

// Load reads the config file, if one is set, and returns the resulting
// Config with defaults applied.
func (f *ConfigFlags) Load() (Config, error) {
	if path := f.v.GetString(keyConfigFile); path != "" {
		f.v.SetFs(f.fs)
		f.v.SetConfigFile(path)
		if err := f.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	cfg := Config{
		Host:            f.v.GetString(keyHost),
		Port:            f.v.GetInt(keyPort),
		User:            f.v.GetString(keyUser),
		Password:        f.v.GetString(keyPassword),
		Database:        f.v.GetString(keyDatabase),
		SSLMode:         f.v.GetString(keySSLMode),
		ApplicationName: f.v.GetString(keyApplicationName),
		Driver:          f.v.GetString(keyDriver),
		PassFile:        f.v.GetString(keyPassFile),
		DriverOptions: DriverOptions{
			MaxConnections: f.v.GetInt64(keyMaxConnections),
			IdleTimeout:    f.v.GetDuration(keyIdleTimeout),
			WaitTimeout:    f.v.GetDuration(keyWaitTimeout),
		},
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Apply pushes the settings that can change at runtime to d.
func (f *ConfigFlags) Apply(d *Driver) {
	d.SetIdleTimeout(f.v.GetDuration(keyIdleTimeout))
	d.SetWaitTimeout(f.v.GetDuration(keyWaitTimeout))
}

// Watch reapplies idle-timeout and wait-timeout to d whenever the config
// file changes. Other settings need a restart.
func (f *ConfigFlags) Watch(d *Driver, logger *slog.Logger) {
	if f.v.GetString(keyConfigFile) == "" {
		return
	}
	f.v.OnConfigChange(func(e fsnotify.Event) {
		f.Apply(d)
		logger.Info("config file changed",
			"file", e.Name,
			"op", e.Op.String(),
			keyIdleTimeout, f.v.GetDuration(keyIdleTimeout),
			keyWaitTimeout, f.v.GetDuration(keyWaitTimeout),
		)
	})
	f.v.WatchConfig()
}
