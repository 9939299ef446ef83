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

// Package servenv holds process-level setup shared by the pglease commands.
package servenv

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	keyLogLevel  = "log-level"
	keyLogFormat = "log-format"
	keyLogOutput = "log-output"
)

// Logger builds the process logger from the log-level, log-format and
// log-output settings.
type Logger struct {
	v  *viper.Viper
	fs afero.Fs

	level slog.LevelVar

	loggerOnce sync.Once
	loggerMu   sync.Mutex
	logger     *slog.Logger
	closer     io.Closer

	// Hooks for customizing logging behavior
	hooksMu            sync.Mutex
	loggingSetupHooks  []func(*slog.Logger)
	loggingChangeHooks []func(*slog.Logger)
}

// NewLogger registers the logging defaults on v. File outputs are opened on
// fs, or the OS filesystem when fs is nil.
func NewLogger(v *viper.Viper, fs afero.Fs) *Logger {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "json")
	v.SetDefault(keyLogOutput, "stdout")
	return &Logger{v: v, fs: fs}
}

// RegisterFlags registers logging-related command line flags.
// This must be called before flags are parsed.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String(keyLogLevel, lg.v.GetString(keyLogLevel), "Log level (debug, info, warn, error)")
	fs.String(keyLogFormat, lg.v.GetString(keyLogFormat), "Log format (json, text)")
	fs.String(keyLogOutput, lg.v.GetString(keyLogOutput), "Log output (stdout, stderr, or file path)")
	for _, key := range []string{keyLogLevel, keyLogFormat, keyLogOutput} {
		_ = lg.v.BindPFlag(key, fs.Lookup(key))
	}
}

// OnLoggingSetup registers a callback to run once the logger is created.
func (lg *Logger) OnLoggingSetup(f func(*slog.Logger)) {
	lg.hooksMu.Lock()
	defer lg.hooksMu.Unlock()
	lg.loggingSetupHooks = append(lg.loggingSetupHooks, f)
}

// OnLoggingChange registers a callback to run when the log level changes.
func (lg *Logger) OnLoggingChange(f func(*slog.Logger)) {
	lg.hooksMu.Lock()
	defer lg.hooksMu.Unlock()
	lg.loggingChangeHooks = append(lg.loggingChangeHooks, f)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging creates the logger and installs it as the slog default.
// Later calls return the same logger.
func (lg *Logger) SetupLogging() *slog.Logger {
	lg.loggerOnce.Do(func() {
		levelStr := lg.v.GetString(keyLogLevel)
		lg.level.Set(ParseLevel(levelStr))

		outputStr := lg.v.GetString(keyLogOutput)
		output, err := lg.openOutput(outputStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log output %q, using stdout: %v\n", outputStr, err)
			output = os.Stdout
		}

		opts := &slog.HandlerOptions{Level: &lg.level}
		formatStr := lg.v.GetString(keyLogFormat)
		var handler slog.Handler
		if strings.EqualFold(formatStr, "text") {
			handler = slog.NewTextHandler(output, opts)
		} else {
			handler = slog.NewJSONHandler(output, opts)
		}

		newLogger := slog.New(handler)
		slog.SetDefault(newLogger)

		lg.loggerMu.Lock()
		lg.logger = newLogger
		lg.loggerMu.Unlock()

		lg.fireHooks(false, newLogger)

		newLogger.Info("logging initialized",
			"level", levelStr,
			"format", formatStr,
			"output", outputStr,
		)
	})
	return lg.GetLogger()
}

func (lg *Logger) openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	file, err := lg.fs.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg.closer = file
	return file, nil
}

// SetLevel changes the log level of an already configured logger.
func (lg *Logger) SetLevel(level string) {
	lg.v.Set(keyLogLevel, level)
	lg.level.Set(ParseLevel(level))
	lg.fireHooks(true, lg.GetLogger())
}

// Level returns the active log level.
func (lg *Logger) Level() slog.Level {
	return lg.level.Level()
}

// GetLogger returns the configured logger, or slog.Default() before
// SetupLogging.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.loggerMu.Lock()
	defer lg.loggerMu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

// Close closes a file output, if any.
func (lg *Logger) Close() error {
	if lg.closer == nil {
		return nil
	}
	return lg.closer.Close()
}

func (lg *Logger) fireHooks(change bool, l *slog.Logger) {
	lg.hooksMu.Lock()
	registered := lg.loggingSetupHooks
	if change {
		registered = lg.loggingChangeHooks
	}
	hooks := make([]func(*slog.Logger), len(registered))
	copy(hooks, registered)
	lg.hooksMu.Unlock()

	for _, hook := range hooks {
		hook(l)
	}
}
