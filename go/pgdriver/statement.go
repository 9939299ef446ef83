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
	"io"
	"slices"
	"strconv"
	"sync"
)

// ParameterType controls how a bound value is converted before it is sent.
type ParameterType int

const (
	ParamString ParameterType = iota
	ParamInteger
	ParamBoolean
	ParamNull
	ParamBinary
	ParamLargeObject
)

// ErrInvalidParameter is returned by BindValue for a bad position or a value
// that cannot be converted to the requested type.
var ErrInvalidParameter = errors.New("invalid parameter")

// Statement is a prepared query. It holds no connection: each execution
// runs on the connection of the calling task, preparing it there first if
// needed. Bound values are shared by every task using the statement.
type Statement struct {
	d   *Driver
	sql string

	mu     sync.Mutex
	params []any
}

// SQL returns the statement text.
func (st *Statement) SQL() string {
	return st.sql
}

// BindValue sets the parameter at 1-based position pos.
func (st *Statement) BindValue(pos int, value any, typ ParameterType) error {
	if pos < 1 {
		return fmt.Errorf("%w: position %d", ErrInvalidParameter, pos)
	}
	v, err := convertParam(value, typ)
	if err != nil {
		return fmt.Errorf("%w: position %d: %w", ErrInvalidParameter, pos, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for len(st.params) < pos {
		st.params = append(st.params, nil)
	}
	st.params[pos-1] = v
	return nil
}

// Execute runs the statement with a snapshot of the bound values.
func (st *Statement) Execute(ctx context.Context) (*Result, error) {
	st.mu.Lock()
	params := slices.Clone(st.params)
	st.mu.Unlock()
	return st.d.PrepareAndExecute(ctx, st.sql, params...)
}

// Query runs the statement with args, ignoring bound values.
func (st *Statement) Query(ctx context.Context, args ...any) (*Result, error) {
	return st.d.PrepareAndExecute(ctx, st.sql, args...)
}

// Exec runs the statement with args and returns the affected row count.
func (st *Statement) Exec(ctx context.Context, args ...any) (int64, error) {
	res, err := st.Query(ctx, args...)
	if err != nil {
		return 0, err
	}
	return res.RowCount(), nil
}

func convertParam(value any, typ ParameterType) (any, error) {
	if value == nil || typ == ParamNull {
		return nil, nil
	}
	switch typ {
	case ParamString:
		if b, ok := value.([]byte); ok {
			return string(b), nil
		}
		return fmt.Sprint(value), nil
	case ParamInteger:
		return toInt64(value)
	case ParamBoolean:
		return toBool(value)
	case ParamBinary, ParamLargeObject:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		case io.Reader:
			return io.ReadAll(v)
		}
		return nil, fmt.Errorf("cannot use %T as binary", value)
	}
	return value, nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	}
	return 0, fmt.Errorf("cannot use %T as integer", value)
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	}
	n, err := toInt64(value)
	if err != nil {
		return false, fmt.Errorf("cannot use %T as boolean", value)
	}
	return n != 0, nil
}
