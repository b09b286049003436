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

// Package registry implements the process-wide (but env-scoped) table
// mapping a transaction id to its coordinator handle, plus the
// kill-query/kill-connection cancellation surface (spec.md §4.6).
//
// Grounded on DingoDB's TransactionManager.register/unregister and
// matrixone's frontend.RoutineManager.kill two-level cancellation.
package registry

import (
	"sync"

	"github.com/NOOB-Orange/dingo/pkg/txn"
	"go.uber.org/zap"
)

// Handle is the minimal surface the registry needs from a coordinator
// to cancel it; the coordinator package implements this.
type Handle interface {
	ID() txn.ID
	ConnectionID() uint64
	Cancel()

	// ReleaseWaiters completes the transaction's finished signal
	// without otherwise closing it, waking anything currently blocked
	// on one of its table-lock requests (spec.md §4.6).
	ReleaseWaiters()
}

// Registry is a mutexed map, matching the teacher's preference for
// explicit mutexed maps with typed helper methods over sync.Map
// (see lockservice's activeTxnHolder).
type Registry struct {
	mu     sync.Mutex
	byTxn  map[string]Handle
	byConn map[uint64]map[string]Handle
	logger *zap.Logger
}

// New returns an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		byTxn:  make(map[string]Handle),
		byConn: make(map[uint64]map[string]Handle),
		logger: logger,
	}
}

func key(id txn.ID) string {
	return string(id.EncodeBytes())
}

// Register adds h for exactly its lifetime [new -> close]
// (spec.md §3 invariant).
func (r *Registry) Register(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(h.ID())
	r.byTxn[k] = h
	conn := r.byConn[h.ConnectionID()]
	if conn == nil {
		conn = make(map[string]Handle)
		r.byConn[h.ConnectionID()] = conn
	}
	conn[k] = h
	if r.logger != nil {
		r.logger.Debug("txn registered", zap.Stringer("txn", h.ID()))
	}
}

// Unregister removes h. Always called from close, after cleanup.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(h.ID())
	delete(r.byTxn, k)
	if conn := r.byConn[h.ConnectionID()]; conn != nil {
		delete(conn, k)
		if len(conn) == 0 {
			delete(r.byConn, h.ConnectionID())
		}
	}
	if r.logger != nil {
		r.logger.Debug("txn unregistered", zap.Stringer("txn", h.ID()))
	}
}

// Lookup returns the handle registered for id, if any.
func (r *Registry) Lookup(id txn.ID) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byTxn[key(id)]
	return h, ok
}

// KillQuery cancels every in-flight statement on connID without
// touching the owning transaction's eventual commit/rollback decision
// beyond what Cancel triggers in the state machine (spec.md §4.6).
func (r *Registry) KillQuery(connID uint64) {
	r.mu.Lock()
	handles := snapshotConn(r.byConn[connID])
	r.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// KillConnection cancels every transaction owned by connID and, unlike
// KillQuery, also releases anything that transaction currently has
// queued on a table lock, instead of waiting for the owning goroutine
// to notice the cancel flag and eventually reach Close() on its own
// schedule (spec.md §4.6: a connection-level kill must additionally
// "complete finished_future exceptionally; wake waiters").
func (r *Registry) KillConnection(connID uint64) {
	r.mu.Lock()
	handles := snapshotConn(r.byConn[connID])
	r.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
		h.ReleaseWaiters()
	}
}

func snapshotConn(conn map[string]Handle) []Handle {
	out := make([]Handle, 0, len(conn))
	for _, h := range conn {
		out = append(out, h)
	}
	return out
}
