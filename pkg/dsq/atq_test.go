// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dsq_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/p2dq-core/pkg/dsq"
)

func TestATQPushPeekPop(t *testing.T) {
	q := dsq.NewATQ(4)
	require.NoError(t, q.Push(10, 100))
	require.NoError(t, q.Push(11, 50))
	require.NoError(t, q.Push(12, 75))

	pid, vtime, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, int32(11), pid)
	require.Equal(t, uint64(50), vtime)

	pid, _, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, int32(11), pid)

	pid, _, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, int32(12), pid)
}

func TestATQCapacity(t *testing.T) {
	q := dsq.NewATQ(2)
	require.NoError(t, q.Push(1, 1))
	require.NoError(t, q.Push(2, 2))
	require.ErrorIs(t, q.Push(3, 3), dsq.ErrATQFull)
}

func TestATQRepushUpdatesVTime(t *testing.T) {
	q := dsq.NewATQ(4)
	require.NoError(t, q.Push(1, 100))
	require.NoError(t, q.Push(1, 5))
	require.Equal(t, 1, q.Len())

	_, vtime, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, uint64(5), vtime)
}

func TestATQRemove(t *testing.T) {
	q := dsq.NewATQ(4)
	require.NoError(t, q.Push(1, 10))
	require.NoError(t, q.Push(2, 20))
	q.Remove(1)
	require.Equal(t, 1, q.Len())

	pid, _, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int32(2), pid)
}

func TestATQEmpty(t *testing.T) {
	q := dsq.NewATQ(1)
	_, _, ok := q.Peek()
	require.False(t, ok)
	_, _, ok = q.Pop()
	require.False(t, ok)
}
