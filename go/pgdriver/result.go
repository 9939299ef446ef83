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
	"iter"
)

// Result is a fully read query result. Fetch methods consume rows in order.
type Result struct {
	columns      []string
	rows         [][]any
	rowsAffected int64
	pos          int
}

// NewResult creates a result from column names and row values.
func NewResult(columns []string, rows [][]any, rowsAffected int64) *Result {
	return &Result{columns: columns, rows: rows, rowsAffected: rowsAffected}
}

// Columns returns the column names.
func (r *Result) Columns() []string {
	return r.columns
}

// ColumnCount returns the number of columns.
func (r *Result) ColumnCount() int {
	return len(r.columns)
}

// ColumnName returns the name of column i.
func (r *Result) ColumnName(i int) (string, error) {
	if i < 0 || i >= len(r.columns) {
		return "", fmt.Errorf("%w: %d", ErrInvalidColumnIndex, i)
	}
	return r.columns[i], nil
}

// RowCount returns the number of rows affected, or returned by a SELECT.
func (r *Result) RowCount() int64 {
	return r.rowsAffected
}

func (r *Result) next() ([]any, bool) {
	if r.pos >= len(r.rows) {
		return nil, false
	}
	row := r.rows[r.pos]
	r.pos++
	return row, true
}

func (r *Result) assoc(row []any) map[string]any {
	m := make(map[string]any, len(row))
	for i, v := range row {
		m[r.columns[i]] = v
	}
	return m
}

// FetchNumeric returns the next row as a slice.
func (r *Result) FetchNumeric() ([]any, bool) {
	return r.next()
}

// FetchAssociative returns the next row keyed by column name.
func (r *Result) FetchAssociative() (map[string]any, bool) {
	row, ok := r.next()
	if !ok {
		return nil, false
	}
	return r.assoc(row), true
}

// FetchOne returns the first column of the next row.
func (r *Result) FetchOne() (any, bool) {
	row, ok := r.next()
	if !ok || len(row) == 0 {
		return nil, false
	}
	return row[0], true
}

// FetchAllNumeric returns the remaining rows.
func (r *Result) FetchAllNumeric() [][]any {
	var out [][]any
	for row, ok := r.next(); ok; row, ok = r.next() {
		out = append(out, row)
	}
	return out
}

// FetchAllAssociative returns the remaining rows keyed by column name.
func (r *Result) FetchAllAssociative() []map[string]any {
	var out []map[string]any
	for row, ok := r.next(); ok; row, ok = r.next() {
		out = append(out, r.assoc(row))
	}
	return out
}

// FetchFirstColumn returns the first column of the remaining rows.
func (r *Result) FetchFirstColumn() []any {
	var out []any
	for row, ok := r.next(); ok; row, ok = r.next() {
		if len(row) > 0 {
			out = append(out, row[0])
		}
	}
	return out
}

// FetchAllKeyValue maps the first column of each remaining row, formatted
// as a string, to its second column.
func (r *Result) FetchAllKeyValue() (map[string]any, error) {
	if len(r.columns) < 2 {
		return nil, ErrKeyValueColumns
	}
	out := make(map[string]any)
	for row, ok := r.next(); ok; row, ok = r.next() {
		out[fmt.Sprint(row[0])] = row[1]
	}
	return out, nil
}

// FetchAllAssociativeIndexed maps the first column of each remaining row to
// the rest of the row keyed by column name.
func (r *Result) FetchAllAssociativeIndexed() (map[string]map[string]any, error) {
	if len(r.columns) < 2 {
		return nil, ErrKeyValueColumns
	}
	out := make(map[string]map[string]any)
	for row, ok := r.next(); ok; row, ok = r.next() {
		rest := make(map[string]any, len(row)-1)
		for i := 1; i < len(row); i++ {
			rest[r.columns[i]] = row[i]
		}
		out[fmt.Sprint(row[0])] = rest
	}
	return out, nil
}

// IterateNumeric yields the remaining rows.
func (r *Result) IterateNumeric() iter.Seq[[]any] {
	return func(yield func([]any) bool) {
		for row, ok := r.next(); ok; row, ok = r.next() {
			if !yield(row) {
				return
			}
		}
	}
}

// IterateAssociative yields the remaining rows keyed by column name.
func (r *Result) IterateAssociative() iter.Seq[map[string]any] {
	return func(yield func(map[string]any) bool) {
		for row := range r.IterateNumeric() {
			if !yield(r.assoc(row)) {
				return
			}
		}
	}
}

// IterateColumn yields the first column of the remaining rows.
func (r *Result) IterateColumn() iter.Seq[any] {
	return func(yield func(any) bool) {
		for row := range r.IterateNumeric() {
			if len(row) > 0 && !yield(row[0]) {
				return
			}
		}
	}
}

// IterateKeyValue yields the first column of each remaining row, formatted
// as a string, with its second column.
func (r *Result) IterateKeyValue() (iter.Seq2[string, any], error) {
	if len(r.columns) < 2 {
		return nil, ErrKeyValueColumns
	}
	return func(yield func(string, any) bool) {
		for row := range r.IterateNumeric() {
			if !yield(fmt.Sprint(row[0]), row[1]) {
				return
			}
		}
	}, nil
}
