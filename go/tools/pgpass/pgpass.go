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

// Package pgpass reads PostgreSQL password files.
//
// Each line is hostname:port:database:username:password. Any of the first
// four fields may be "*". A literal ':' or '\' inside a field is escaped
// with a backslash.
package pgpass

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrNoEntry is returned by Lookup when no line matches.
var ErrNoEntry = errors.New("no matching .pgpass entry")

// Entry is one line of a password file.
type Entry struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

func (e Entry) matches(host, port, database, user string) bool {
	return field(e.Host, host) && field(e.Port, port) && field(e.Database, database) && field(e.User, user)
}

func field(pattern, value string) bool {
	return pattern == "*" || pattern == value
}

// DefaultPath returns $PGPASSFILE, or ~/.pgpass.
func DefaultPath() string {
	if p := os.Getenv("PGPASSFILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pgpass")
}

// Parse reads a password file, checking that it is not readable by group
// or others. Malformed lines are skipped.
func Parse(fs afero.Fs, path string) ([]Entry, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("invalid .pgpass file permissions: must be 0600 or stricter (current: %04o)", info.Mode().Perm())
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := split(line)
		if len(parts) != 5 {
			continue
		}
		entries = append(entries, Entry{
			Host:     parts[0],
			Port:     parts[1],
			Database: parts[2],
			User:     parts[3],
			Password: parts[4],
		})
	}
	return entries, scanner.Err()
}

// Lookup returns the password of the first entry matching the connection
// parameters.
func Lookup(fs afero.Fs, path, host, port, database, user string) (string, error) {
	entries, err := Parse(fs, path)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.matches(host, port, database, user) {
			return e.Password, nil
		}
	}
	return "", fmt.Errorf("%w for %s@%s:%s/%s", ErrNoEntry, user, host, port, database)
}

func split(line string) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(parts, cur.String())
}
