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

package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values[T any](l *List[T]) []T {
	var out []T
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	return out
}

func reversed[T any](l *List[T]) []T {
	var out []T
	for e := l.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value)
	}
	return out
}

func TestEmptyList(t *testing.T) {
	l := New[int]()
	require.NotNil(t, l)
	assert.Zero(t, l.Len())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.Back())
}

func TestZeroValueListInitializesLazily(t *testing.T) {
	var l List[string]
	l.PushBack("b")
	l.PushFront("a")
	assert.Equal(t, []string{"a", "b"}, values(&l))

	l.Init()
	assert.Zero(t, l.Len())
	assert.Nil(t, l.Front())
}

func TestPushOrder(t *testing.T) {
	l := New[int]()
	two := l.PushBack(2)
	one := l.PushFront(1)
	l.PushBack(3)

	assert.Same(t, one, l.Front())
	assert.Same(t, two, one.Next())
	assert.Equal(t, []int{1, 2, 3}, values(l))
	assert.Equal(t, []int{3, 2, 1}, reversed(l))
	assert.Nil(t, l.Front().Prev())
	assert.Nil(t, l.Back().Next())
}

func TestRemove(t *testing.T) {
	l := New[int]()
	a := l.PushBack(1)
	b := l.PushBack(2)
	c := l.PushBack(3)

	l.Remove(b)
	assert.Equal(t, []int{1, 3}, values(l))
	assert.Same(t, c, a.Next())
	assert.Nil(t, b.next)
	assert.Nil(t, b.prev)
	assert.Nil(t, b.list)

	l.Remove(a)
	l.Remove(c)
	assert.Zero(t, l.Len())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.Back())
}

func TestRemoveForeignElementPanics(t *testing.T) {
	l1, l2 := New[int](), New[int]()
	e := l1.PushBack(1)
	assert.Panics(t, func() { l2.Remove(e) })

	l1.Remove(e)
	assert.Panics(t, func() { l1.Remove(e) }, "removed twice")
}

func TestPreallocatedElementsAreReusable(t *testing.T) {
	type waiter struct{ ch chan int }

	l := New[waiter]()
	e := &Element[waiter]{Value: waiter{ch: make(chan int, 1)}}

	for i := range 3 {
		if i%2 == 0 {
			l.PushBackValue(e)
		} else {
			l.PushFrontValue(e)
		}
		require.Equal(t, 1, l.Len())
		require.Same(t, e, l.Front())
		l.Front().Value.ch <- i
		l.Remove(e)
		assert.Equal(t, i, <-e.Value.ch)
	}
	assert.Zero(t, l.Len())
}
