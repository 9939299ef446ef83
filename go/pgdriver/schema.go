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
	"maps"
	"slices"
	"strings"

	"github.com/lib/pq"

	"github.com/multigres/pglease/go/common/mterrors"
)

// Quote returns value as a SQL string literal.
func Quote(value string) string {
	return pq.QuoteLiteral(value)
}

// QuoteIdentifier quotes an identifier. Dotted names such as
// "schema.table" are quoted part by part.
func QuoteIdentifier(identifier string) string {
	parts := strings.Split(identifier, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// Quote returns value as a SQL string literal.
func (d *Driver) Quote(value string) string {
	return Quote(value)
}

// QuoteIdentifier quotes an identifier.
func (d *Driver) QuoteIdentifier(identifier string) string {
	return QuoteIdentifier(identifier)
}

// ServerVersion returns the server version, or "" if it cannot be read.
func (d *Driver) ServerVersion(ctx context.Context) string {
	v, err := d.FetchOne(ctx, "SHOW server_version")
	if err != nil {
		d.logger.DebugContext(ctx, "cannot read server version", "error", err)
		return ""
	}
	return fmt.Sprint(v)
}

// Database returns the configured database name, asking the server when
// none is configured.
func (d *Driver) Database(ctx context.Context) (string, error) {
	if d.cfg.Database != "" {
		return d.cfg.Database, nil
	}
	v, err := d.FetchOne(ctx, "SELECT CURRENT_DATABASE()")
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// LastInsertID returns the value most recently produced by a sequence in
// the task's session.
func (d *Driver) LastInsertID(ctx context.Context) (int64, error) {
	v, err := d.FetchOne(ctx, "SELECT LASTVAL()")
	if err != nil {
		if mterrors.HasCode(err, mterrors.CodeObjectNotInPrerequisiteState) {
			return 0, fmt.Errorf("%w: %w", ErrNoIdentityValue, err)
		}
		return 0, err
	}
	return toInt64(v)
}

// ListTables returns the tables visible in the current search path.
func (d *Driver) ListTables(ctx context.Context) ([]string, error) {
	values, err := d.FetchFirstColumn(ctx, `SELECT table_name
FROM information_schema.tables
WHERE table_schema = ANY (current_schemas(false)) AND table_type = 'BASE TABLE'
ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	tables := make([]string, len(values))
	for i, v := range values {
		tables[i] = fmt.Sprint(v)
	}
	return tables, nil
}

// Column describes a table column.
type Column struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default,omitempty"`
}

// ListColumns returns the columns of table in ordinal order.
func (d *Driver) ListColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := d.FetchAllNumeric(ctx, `SELECT column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_name = $1 AND table_schema = ANY (current_schemas(false))
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	columns := make([]Column, 0, len(rows))
	for _, row := range rows {
		c := Column{
			Name:     fmt.Sprint(row[0]),
			Type:     fmt.Sprint(row[1]),
			Nullable: fmt.Sprint(row[2]) == "YES",
		}
		if row[3] != nil {
			def := fmt.Sprint(row[3])
			c.Default = &def
		}
		columns = append(columns, c)
	}
	return columns, nil
}

// Insert inserts one row and returns the number of affected rows.
func (d *Driver) Insert(ctx context.Context, table string, data map[string]any) (int64, error) {
	if len(data) == 0 {
		return d.Exec(ctx, "INSERT INTO "+QuoteIdentifier(table)+" DEFAULT VALUES")
	}
	cols := slices.Sorted(maps.Keys(data))
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = QuoteIdentifier(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = data[c]
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdentifier(table), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	return d.Exec(ctx, sql, args...)
}

// Update sets data on the rows matching criteria.
func (d *Driver) Update(ctx context.Context, table string, data, criteria map[string]any) (int64, error) {
	if len(data) == 0 {
		return 0, errors.New("update requires at least one column")
	}
	cols := slices.Sorted(maps.Keys(data))
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(criteria))
	for i, c := range cols {
		args = append(args, data[c])
		sets[i] = fmt.Sprintf("%s = $%d", QuoteIdentifier(c), len(args))
	}
	where, args := whereClause(criteria, args)
	sql := fmt.Sprintf("UPDATE %s SET %s%s", QuoteIdentifier(table), strings.Join(sets, ", "), where)
	return d.Exec(ctx, sql, args...)
}

// Delete removes the rows matching criteria. Empty criteria are rejected.
func (d *Driver) Delete(ctx context.Context, table string, criteria map[string]any) (int64, error) {
	if len(criteria) == 0 {
		return 0, errors.New("delete requires at least one criterion")
	}
	where, args := whereClause(criteria, nil)
	return d.Exec(ctx, "DELETE FROM "+QuoteIdentifier(table)+where, args...)
}

// whereClause renders criteria as equality conditions joined by AND, with
// nil values compared using IS NULL.
func whereClause(criteria map[string]any, args []any) (string, []any) {
	if len(criteria) == 0 {
		return "", args
	}
	cols := slices.Sorted(maps.Keys(criteria))
	conds := make([]string, len(cols))
	for i, c := range cols {
		if criteria[c] == nil {
			conds[i] = QuoteIdentifier(c) + " IS NULL"
			continue
		}
		args = append(args, criteria[c])
		conds[i] = fmt.Sprintf("%s = $%d", QuoteIdentifier(c), len(args))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
