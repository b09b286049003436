// Copyright 2026 The Dingo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tablelock

import (
	"context"
	"testing"
	"time"

	"github.com/NOOB-Orange/dingo/pkg/txnerr"
	"github.com/stretchr/testify/require"
)

func TestRowLocksAreMutuallyCompatible(t *testing.T) {
	m := NewManager()
	a := NewRequest("txn-a", Row)
	b := NewRequest("txn-b", Row)

	require.NoError(t, m.Lock(context.Background(), 1, a))
	require.NoError(t, m.Lock(context.Background(), 1, b))

	a.Release()
	b.Release()
}

func TestTableLockExcludesEverything(t *testing.T) {
	m := NewManager()
	a := NewRequest("txn-a", Row)
	require.NoError(t, m.Lock(context.Background(), 1, a))

	b := NewRequest("txn-b", Table)
	done := make(chan error, 1)
	go func() { done <- m.Lock(context.Background(), 1, b) }()

	select {
	case <-done:
		t.Fatal("table lock must not be granted while a row lock is held")
	case <-time.After(20 * time.Millisecond):
	}

	a.Release()
	require.NoError(t, <-done)
	b.Release()
}

func TestContextTimeoutReturnsLockTimeout(t *testing.T) {
	m := NewManager()
	holder := NewRequest("txn-holder", Table)
	require.NoError(t, m.Lock(context.Background(), 1, holder))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	waiter := NewRequest("txn-waiter", Table)
	err := m.Lock(ctx, 1, waiter)
	require.Error(t, err)
	require.Equal(t, txnerr.LockTimeout, txnerr.KindOf(err))

	holder.Release()
}

func TestRowRequestDoesNotJumpAheadOfTableLockWithNothingQueuedAheadOfIt(t *testing.T) {
	m := NewManager()
	holder := NewRequest("txn-holder", Row)
	require.NoError(t, m.Lock(context.Background(), 1, holder))

	ddl := NewRequest("txn-ddl", Table)
	ddlDone := make(chan error, 1)
	go func() { ddlDone <- m.Lock(context.Background(), 1, ddl) }()
	time.Sleep(10 * time.Millisecond) // let ddl enqueue behind holder, alone in the queue

	dml := NewRequest("txn-dml", Row)
	dmlDone := make(chan error, 1)
	go func() { dmlDone <- m.Lock(context.Background(), 1, dml) }()
	time.Sleep(10 * time.Millisecond) // let dml enqueue

	holder.Release()

	// ddl has nothing ahead of it in the queue, so dml must not jump it:
	// strict FIFO grants ddl first.
	select {
	case err := <-ddlDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued table lock never granted")
	}

	select {
	case <-dmlDone:
		t.Fatal("row request must not jump ahead of a table lock with nothing queued ahead of it")
	case <-time.After(20 * time.Millisecond):
	}

	ddl.Release()
	require.NoError(t, <-dmlDone)
	dml.Release()
}

func TestRowRequestJumpsAheadOfTableLockAlreadyQueuedBehindARow(t *testing.T) {
	m := NewManager()
	holder := NewRequest("txn-holder", Table)
	require.NoError(t, m.Lock(context.Background(), 1, holder))

	firstRow := NewRequest("txn-row-1", Row)
	firstRowDone := make(chan error, 1)
	go func() { firstRowDone <- m.Lock(context.Background(), 1, firstRow) }()
	time.Sleep(10 * time.Millisecond) // let firstRow enqueue behind holder

	ddl := NewRequest("txn-ddl", Table)
	ddlDone := make(chan error, 1)
	go func() { ddlDone <- m.Lock(context.Background(), 1, ddl) }()
	time.Sleep(10 * time.Millisecond) // queue is now [firstRow, ddl]

	secondRow := NewRequest("txn-row-2", Row)
	secondRowDone := make(chan error, 1)
	go func() { secondRowDone <- m.Lock(context.Background(), 1, secondRow) }()
	time.Sleep(10 * time.Millisecond) // let secondRow enqueue while firstRow is still queued ahead of ddl

	holder.Release()

	// ddl is queued behind firstRow, so secondRow may join firstRow's
	// batch ahead of it; ddl still waits for both rows to release.
	require.NoError(t, <-firstRowDone)
	require.NoError(t, <-secondRowDone, "row request must jump ahead of a table lock already queued behind another row")

	select {
	case <-ddlDone:
		t.Fatal("table lock must not be granted while the row batch ahead of it still holds")
	case <-time.After(20 * time.Millisecond):
	}

	firstRow.Release()
	secondRow.Release()
	require.NoError(t, <-ddlDone)
	ddl.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager()
	req := NewRequest("txn-a", Row)
	require.NoError(t, m.Lock(context.Background(), 1, req))

	require.NotPanics(t, func() {
		req.Release()
		req.Release()
	})
}
