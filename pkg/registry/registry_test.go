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

package registry

import (
	"testing"

	"github.com/NOOB-Orange/dingo/pkg/txn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandle struct {
	id        txn.ID
	connID    uint64
	cancelled int
	released  int
}

func (f *fakeHandle) ID() txn.ID           { return f.id }
func (f *fakeHandle) ConnectionID() uint64 { return f.connID }
func (f *fakeHandle) Cancel()              { f.cancelled++ }
func (f *fakeHandle) ReleaseWaiters()      { f.released++ }

func TestRegisterAndLookup(t *testing.T) {
	r := New(zap.NewNop())
	h := &fakeHandle{id: txn.ID{ServerID: 1, StartTS: 2, Seq: 3}, connID: 10}
	r.Register(h)

	got, ok := r.Lookup(h.id)
	require.True(t, ok)
	require.Same(t, h, got)
}

func TestUnregisterRemovesFromBothIndexes(t *testing.T) {
	r := New(zap.NewNop())
	h := &fakeHandle{id: txn.ID{ServerID: 1, StartTS: 2, Seq: 3}, connID: 10}
	r.Register(h)
	r.Unregister(h)

	_, ok := r.Lookup(h.id)
	require.False(t, ok)

	r.KillConnection(10) // must not panic on an empty connection bucket
	require.Equal(t, 0, h.cancelled)
}

func TestKillQueryCancelsOnlyOwnConnection(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeHandle{id: txn.ID{ServerID: 1, StartTS: 1, Seq: 1}, connID: 10}
	b := &fakeHandle{id: txn.ID{ServerID: 1, StartTS: 2, Seq: 2}, connID: 20}
	r.Register(a)
	r.Register(b)

	r.KillQuery(10)

	require.Equal(t, 1, a.cancelled)
	require.Equal(t, 0, b.cancelled)
}

func TestKillQueryDoesNotReleaseWaiters(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeHandle{id: txn.ID{ServerID: 1, StartTS: 1, Seq: 1}, connID: 10}
	r.Register(a)

	r.KillQuery(10)

	require.Equal(t, 1, a.cancelled)
	require.Equal(t, 0, a.released, "kill-query must not wake table-lock waiters, only kill-connection does")
}

func TestKillConnectionCancelsEveryTxnOnThatConnection(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeHandle{id: txn.ID{ServerID: 1, StartTS: 1, Seq: 1}, connID: 10}
	b := &fakeHandle{id: txn.ID{ServerID: 1, StartTS: 2, Seq: 2}, connID: 10}
	r.Register(a)
	r.Register(b)

	r.KillConnection(10)

	require.Equal(t, 1, a.cancelled)
	require.Equal(t, 1, b.cancelled)
}

func TestKillConnectionAlsoReleasesWaiters(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeHandle{id: txn.ID{ServerID: 1, StartTS: 1, Seq: 1}, connID: 10}
	r.Register(a)

	r.KillConnection(10)

	require.Equal(t, 1, a.cancelled)
	require.Equal(t, 1, a.released)
}
