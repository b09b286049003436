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

// Package kvadapter defines the typed RPC contract to the sharded MVCC
// key-value store (SPEC_FULL.md §6). It is a contract, not a wire
// format: the transport and the store's server-side implementation are
// out of this module's scope (spec.md §1 non-goals).
package kvadapter

import (
	"context"

	"github.com/NOOB-Orange/dingo/pkg/txn"
)

// PrewriteRequest carries everything txn_prewrite needs for one
// participant partition.
type PrewriteRequest struct {
	StartTS     uint64
	PrimaryKey  txn.Key
	Mutations   []txn.Mutation
	LockTTL     uint64
	ForUpdateTS uint64 // 0 for optimistic
}

// CommitRequest carries everything txn_commit needs.
type CommitRequest struct {
	StartTS  uint64
	CommitTS uint64
	Keys     []txn.Key
}

// PessimisticLockRequest carries everything txn_pessimistic_lock needs.
type PessimisticLockRequest struct {
	StartTS     uint64
	ForUpdateTS uint64
	Keys        []txn.Key
	LockTTL     uint64
}

// PessimisticRollbackRequest carries everything
// txn_pessimistic_rollback needs.
type PessimisticRollbackRequest struct {
	StartTS     uint64
	ForUpdateTS uint64
	Keys        []txn.Key
}

// HeartbeatRequest carries everything txn_heartbeat needs.
type HeartbeatRequest struct {
	StartTS    uint64
	PrimaryKey txn.Key
	NewTTL     uint64
}

// BatchRollbackRequest carries everything txn_batch_rollback needs.
type BatchRollbackRequest struct {
	StartTS uint64
	Keys    []txn.Key
}

// Adapter is the typed RPC surface the coordinator drives 2PC against.
// Every method returns a *txnerr.Error of one of WriteConflict,
// DuplicateEntry, RegionSplit, CommitTSExpired, LockTimeout or
// StoreUnavailable on failure, per SPEC_FULL.md §6/§7.
type Adapter interface {
	// Prewrite writes intents with lock records (phase 1 of 2PC).
	Prewrite(ctx context.Context, partition txn.Key, req PrewriteRequest) error
	// Commit resolves the given keys' locks into committed versions.
	// The bool result is false (with nil error) if the store reports
	// the commit was not applied within the adapter's own deadline and
	// the caller should treat it as "not yet committed, retry or give up".
	Commit(ctx context.Context, partition txn.Key, req CommitRequest) (bool, error)
	// PessimisticLock acquires for-update locks on the given rows.
	PessimisticLock(ctx context.Context, partition txn.Key, req PessimisticLockRequest) error
	// PessimisticRollback releases for-update locks without committing.
	PessimisticRollback(ctx context.Context, partition txn.Key, req PessimisticRollbackRequest) error
	// Heartbeat extends a pessimistic primary lock's TTL.
	Heartbeat(ctx context.Context, partition txn.Key, req HeartbeatRequest) error
	// BatchRollback rolls back prewritten-but-uncommitted keys.
	BatchRollback(ctx context.Context, partition txn.Key, req BatchRollbackRequest) error
	// ResolvePartition re-resolves the partition owning key after a
	// RegionSplit error. Out-of-scope metadata/routing service, used
	// only through this contract per spec.md §1.
	ResolvePartition(ctx context.Context, key txn.Key) (txn.Key, error)
}
