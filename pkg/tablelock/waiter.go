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

// Package tablelock implements the per-connection table-lock waiter
// used to serialize DDL against running DML (spec.md §4.5): a fair
// per-table FIFO granting row locks (mutually compatible with each
// other) and table locks (mutually exclusive with everything).
//
// Grounded on the teacher's lockservice/waiter.go channel-based waiter,
// scoped down from row-level deadlock-aware locking (out of scope: the
// KV store owns row locks) to table-level DDL/DML serialization.
package tablelock

import (
	"context"
	"sync"

	"github.com/NOOB-Orange/dingo/pkg/txnerr"
)

// Kind is the requested lock's granularity.
type Kind uint8

const (
	Row Kind = iota
	Table
)

// Request is one caller's table-lock request, per the "pair of
// completable futures" design note (spec.md §9). The grant side is
// signalled by Manager.Lock returning nil (internally, through a
// per-wait channel the manager closes; the grant field is not used for
// it); the release side is the released channel, closed by Release
// once the caller's hold is over.
type Request struct {
	TxnID string
	Kind  Kind

	grant    chan struct{}
	released chan struct{}
	queued   *sync.Once
}

// NewRequest builds a Request ready to be handed to Manager.Lock.
func NewRequest(txnID string, kind Kind) *Request {
	return &Request{
		TxnID:    txnID,
		Kind:     kind,
		grant:    make(chan struct{}),
		released: make(chan struct{}),
		queued:   &sync.Once{},
	}
}

// Release signals, by closing the released channel, that the caller no
// longer needs the lock; later calls are no-ops. The coordinator wires
// this to fire when the transaction's finished signal fires, so every
// exit path (commit, rollback, cancel, connection drop) releases the
// lock (spec.md §4.5).
func (r *Request) Release() {
	r.queued.Do(func() { close(r.released) })
}

type waitEntry struct {
	req        *Request
	grantedSig chan struct{}
}

type tableState struct {
	mu      sync.Mutex
	holders []*waitEntry // currently granted
	queue   []*waitEntry // FIFO of pending requests
}

// Manager grants table-lock requests per table, protected by a
// per-table lock so unrelated tables never contend (spec.md §5).
type Manager struct {
	mu     sync.Mutex
	tables map[uint64]*tableState
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{tables: make(map[uint64]*tableState)}
}

func (m *Manager) table(tableID uint64) *tableState {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableID]
	if !ok {
		t = &tableState{}
		m.tables[tableID] = t
	}
	return t
}

func compatible(a, b Kind) bool {
	return a == Row && b == Row
}

// Lock enqueues req against tableID's FIFO and blocks until granted,
// ctx is done, or the request times out. The caller must arrange for
// req.Release to be called on every exit path.
//
// Fairness follows spec.md §4.5: strict FIFO, except a row-lock
// request may jump ahead of a queued table-lock only if that
// table-lock is itself already queued behind another row-lock.
// This allows read/DML batching to continue joining a group of rows
// that has already started waiting, without ever letting a fresh row
// request leapfrog a table-lock that is sitting at (or leading) the
// queue, which would starve that DDL indefinitely.
func (m *Manager) Lock(ctx context.Context, tableID uint64, req *Request) error {
	t := m.table(tableID)
	entry := &waitEntry{req: req, grantedSig: make(chan struct{})}

	t.mu.Lock()
	if canGrantLocked(t, req.Kind) {
		t.holders = append(t.holders, entry)
		t.mu.Unlock()
		m.watchRelease(t, entry)
		return nil
	}
	insertFairLocked(t, entry)
	t.mu.Unlock()

	select {
	case <-entry.grantedSig:
		m.watchRelease(t, entry)
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		removeFromQueueLocked(t, entry)
		t.mu.Unlock()
		select {
		case <-entry.grantedSig:
			// granted concurrently with the timeout; honor the grant
			// and let the caller's eventual Release clean it up.
			m.watchRelease(t, entry)
			return nil
		default:
		}
		return txnerr.NewLockTimeout("Lock wait timeout exceeded")
	}
}

// canGrantLocked reports whether kind can be granted immediately given
// the current holders, with no pending queue ahead of it.
func canGrantLocked(t *tableState, kind Kind) bool {
	if len(t.queue) > 0 {
		return false
	}
	for _, h := range t.holders {
		if !compatible(h.req.Kind, kind) {
			return false
		}
	}
	return true
}

// insertFairLocked appends entry to the queue, applying the row-ahead-
// of-blocked-table-lock exception from spec.md §4.5: a row request
// may only jump ahead of a queued table-lock that is itself already
// sitting behind another row request. The first table-lock reached
// with no row ahead of it is the front of the line and stops the
// scan; nothing may jump past it, and FIFO holds from there on.
func insertFairLocked(t *tableState, entry *waitEntry) {
	if entry.req.Kind == Row {
		rowSeen := false
		for i, q := range t.queue {
			if q.req.Kind == Row {
				rowSeen = true
				continue
			}
			if rowSeen {
				t.queue = append(t.queue[:i], append([]*waitEntry{entry}, t.queue[i:]...)...)
				return
			}
			break
		}
	}
	t.queue = append(t.queue, entry)
}

func removeFromQueueLocked(t *tableState, entry *waitEntry) {
	for i, q := range t.queue {
		if q == entry {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}

// watchRelease spawns the goroutine that waits for the caller's
// Release signal and then frees the held slot, waking the next
// eligible waiters.
func (m *Manager) watchRelease(t *tableState, entry *waitEntry) {
	go func() {
		<-entry.req.released
		t.mu.Lock()
		for i, h := range t.holders {
			if h == entry {
				t.holders = append(t.holders[:i], t.holders[i+1:]...)
				break
			}
		}
		m.promoteLocked(t)
		t.mu.Unlock()
	}()
}

// promoteLocked grants as many queued requests at the head of the
// queue as are mutually compatible, preserving FIFO order.
func (m *Manager) promoteLocked(t *tableState) {
	for len(t.queue) > 0 {
		head := t.queue[0]
		if !canGrantAlongsideLocked(t, head.req.Kind) {
			return
		}
		t.queue = t.queue[1:]
		t.holders = append(t.holders, head)
		close(head.grantedSig)
	}
}

func canGrantAlongsideLocked(t *tableState, kind Kind) bool {
	for _, h := range t.holders {
		if !compatible(h.req.Kind, kind) {
			return false
		}
	}
	return true
}
