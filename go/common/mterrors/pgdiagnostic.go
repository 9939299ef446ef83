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

// Package mterrors carries PostgreSQL diagnostics independently of the
// client library that produced them.
package mterrors

import (
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE codes the driver reacts to.
//
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	// CodeObjectNotInPrerequisiteState is raised by LASTVAL() before any
	// sequence value was generated in the session.
	CodeObjectNotInPrerequisiteState = "55000"
	CodeUniqueViolation              = "23505"
	CodeUndefinedTable               = "42P01"
	CodeSyntaxError                  = "42601"
	CodeQueryCanceled                = "57014"
	CodeAdminShutdown                = "57P01"
)

// PgDiagnostic is a PostgreSQL error or notice.
type PgDiagnostic struct {
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	Schema           string
	Table            string
	Column           string
	DataType         string
	Constraint       string
}

// SQLSTATE returns the PostgreSQL SQLSTATE error code.
func (d *PgDiagnostic) SQLSTATE() string {
	return d.Code
}

// SQLSTATEClass returns the first 2 characters of the SQLSTATE code, which
// identifies the error class ("23" integrity violation, "42" syntax or access
// rule violation, ...). Returns "" for a malformed code.
func (d *PgDiagnostic) SQLSTATEClass() string {
	if len(d.Code) < 2 {
		return ""
	}
	return d.Code[:2]
}

// IsClass returns true if the SQLSTATE code belongs to the specified class.
func (d *PgDiagnostic) IsClass(class string) bool {
	return d.SQLSTATEClass() == class
}

// IsFatal returns true for FATAL and PANIC severities, after which the
// session is gone.
func (d *PgDiagnostic) IsFatal() bool {
	return d.Severity == "FATAL" || d.Severity == "PANIC"
}

// Error returns the PostgreSQL-native primary line: "SEVERITY: message".
func (d *PgDiagnostic) Error() string {
	if d == nil {
		return "ERROR: unknown error"
	}
	return d.Severity + ": " + d.Message
}

// FromPgConn converts a pgx server error.
func FromPgConn(e *pgconn.PgError) *PgDiagnostic {
	if e == nil {
		return nil
	}
	return &PgDiagnostic{
		Severity:         e.Severity,
		Code:             e.Code,
		Message:          e.Message,
		Detail:           e.Detail,
		Hint:             e.Hint,
		Position:         e.Position,
		InternalPosition: e.InternalPosition,
		InternalQuery:    e.InternalQuery,
		Where:            e.Where,
		Schema:           e.SchemaName,
		Table:            e.TableName,
		Column:           e.ColumnName,
		DataType:         e.DataTypeName,
		Constraint:       e.ConstraintName,
	}
}

// FromPq converts a lib/pq server error.
func FromPq(e *pq.Error) *PgDiagnostic {
	if e == nil {
		return nil
	}
	return &PgDiagnostic{
		Severity:         e.Severity,
		Code:             string(e.Code),
		Message:          e.Message,
		Detail:           e.Detail,
		Hint:             e.Hint,
		Position:         atoi32(e.Position),
		InternalPosition: atoi32(e.InternalPosition),
		InternalQuery:    e.InternalQuery,
		Where:            e.Where,
		Schema:           e.Schema,
		Table:            e.Table,
		Column:           e.Column,
		DataType:         e.DataTypeName,
		Constraint:       e.Constraint,
	}
}

// Diagnose extracts the server diagnostic from err, whichever client library
// produced it.
func Diagnose(err error) (*PgDiagnostic, bool) {
	var diag *PgDiagnostic
	if errors.As(err, &diag) {
		return diag, true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return FromPgConn(pgErr), true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return FromPq(pqErr), true
	}
	return nil, false
}

// HasCode reports whether err carries the given SQLSTATE.
func HasCode(err error, code string) bool {
	diag, ok := Diagnose(err)
	return ok && diag.Code == code
}

func atoi32(s string) int32 {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0
	}
	return int32(n)
}
