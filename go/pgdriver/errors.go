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

	"github.com/multigres/pglease/go/common/mterrors"
)

var (
	// ErrNoRows is returned by single-row fetches when the query returned
	// nothing.
	ErrNoRows = errors.New("no rows in result set")

	// ErrNoIdentityValue is returned by LastInsertID when no sequence value
	// has been generated in the session yet.
	ErrNoIdentityValue = errors.New("no identity value was generated by the last statement")

	// ErrNoActiveTransaction is returned by Commit, Rollback and
	// SetRollbackOnly outside a transaction.
	ErrNoActiveTransaction = errors.New("there is no active transaction")

	// ErrCommitFailedRollbackOnly is returned by Commit of an outermost
	// transaction marked rollback-only. The transaction is rolled back.
	ErrCommitFailedRollbackOnly = errors.New("transaction commit failed because the transaction has been marked for rollback only")

	// ErrInvalidColumnIndex is returned for out of range column lookups.
	ErrInvalidColumnIndex = errors.New("invalid column index")

	// ErrKeyValueColumns is returned by key/value fetches on results with
	// fewer than two columns.
	ErrKeyValueColumns = errors.New("key/value fetch requires at least two columns")

	// ErrUnknownDriver is returned by New for an unsupported Config.Driver.
	ErrUnknownDriver = errors.New("unknown driver")
)

// Error is a failed driver operation.
//
// Server errors render as "SQLSTATE[code]: message". Anything else keeps the
// message of the underlying error.
type Error struct {
	// SQLState is empty for client-side failures.
	SQLState   string
	Diagnostic *mterrors.PgDiagnostic
	Err        error
}

func (e *Error) Error() string {
	if e.Diagnostic != nil {
		return fmt.Sprintf("SQLSTATE[%s]: %s", e.SQLState, e.Diagnostic.Message)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// translate wraps err in *Error. Errors that already are one pass through.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	e := &Error{Err: err}
	if diag, ok := mterrors.Diagnose(err); ok {
		e.Diagnostic = diag
		e.SQLState = diag.Code
	}
	return e
}

// SQLState returns the SQLSTATE carried by err, or "".
func SQLState(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.SQLState
	}
	if diag, ok := mterrors.Diagnose(err); ok {
		return diag.Code
	}
	return ""
}
