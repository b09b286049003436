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

// Package testkv provides a deterministic, in-memory fake of
// kvadapter.Adapter and tso.Client for coordinator tests.
//
// Grounded on the teacher's pkg/txn/client/client_test.go fake TxnSender
// (a mutexed in-memory map standing in for the real RPC transport),
// generalized from matrixone's single-key operator responses to this
// module's per-partition prewrite/commit/lock contract.
package testkv

import (
	"context"
	"fmt"
	"sync"

	"github.com/NOOB-Orange/dingo/pkg/kvadapter"
	"github.com/NOOB-Orange/dingo/pkg/tso"
	"github.com/NOOB-Orange/dingo/pkg/txn"
	"github.com/NOOB-Orange/dingo/pkg/txnerr"
)

type versionedValue struct {
	startTS  uint64
	commitTS uint64 // 0 while only prewritten, not yet committed
	value    []byte
	op       txn.Op
}

type lockRecord struct {
	startTS     uint64
	forUpdateTS uint64
	primary     txn.Key
	ttlMillis   uint64
	pessimistic bool
}

// Store is a fake single-region MVCC key-value store: every key lives
// in one lock/version chain, with no real region boundaries. Tests
// that need RegionSplit/CommitTSExpired behavior configure Store's
// Inject* hooks instead of simulating real sharding.
type Store struct {
	mu sync.Mutex

	locks    map[string]lockRecord
	versions map[string][]versionedValue

	// InjectPrewriteErr, if non-nil, is consulted before every
	// Prewrite call and, if it returns a non-nil error, that error is
	// returned instead of performing the write. Used to simulate
	// RegionSplit/CommitTSExpired/WriteConflict deterministically.
	InjectPrewriteErr func(req kvadapter.PrewriteRequest) error
	InjectCommitErr   func(req kvadapter.CommitRequest) error

	heartbeats        int
	rollbacks         int
	resolvePartitions int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		locks:    make(map[string]lockRecord),
		versions: make(map[string][]versionedValue),
	}
}

func encodeKey(k txn.Key) string {
	return fmt.Sprintf("%d/%d/%s", k.TableID, k.PartitionID, k.Bytes)
}

// Prewrite implements kvadapter.Adapter.
func (s *Store) Prewrite(ctx context.Context, partition txn.Key, req kvadapter.PrewriteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InjectPrewriteErr != nil {
		if err := s.InjectPrewriteErr(req); err != nil {
			return err
		}
	}

	for _, m := range req.Mutations {
		k := encodeKey(m.Key)
		if existing, ok := s.locks[k]; ok && existing.startTS != req.StartTS {
			return txnerr.NewWriteConflict("key %s locked by another transaction", k)
		}
		if m.Op == txn.OpCheckNotExists || m.Op == txn.OpPutIfAbsent {
			if versions := s.versions[k]; len(versions) > 0 && versions[len(versions)-1].commitTS > 0 {
				return txnerr.NewDuplicateEntry("key %s already exists", k)
			}
		}
		s.locks[k] = lockRecord{
			startTS:     req.StartTS,
			forUpdateTS: req.ForUpdateTS,
			primary:     req.PrimaryKey,
			ttlMillis:   req.LockTTL,
			pessimistic: req.ForUpdateTS > 0,
		}
		s.versions[k] = append(s.versions[k], versionedValue{startTS: req.StartTS, value: m.Value, op: m.Op})
	}
	return nil
}

// Commit implements kvadapter.Adapter.
func (s *Store) Commit(ctx context.Context, partition txn.Key, req kvadapter.CommitRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InjectCommitErr != nil {
		if err := s.InjectCommitErr(req); err != nil {
			return false, err
		}
	}

	for _, key := range req.Keys {
		k := encodeKey(key)
		lock, locked := s.locks[k]
		if !locked {
			versions := s.versions[k]
			if len(versions) > 0 && versions[len(versions)-1].commitTS == req.CommitTS {
				continue // already resolved by a previous call
			}
			return true, nil // store reports nothing to do; treat as success
		}
		if lock.startTS != req.StartTS {
			return false, txnerr.NewStoreUnavailable("commit: lock owner mismatch for %s", k)
		}
		versions := s.versions[k]
		versions[len(versions)-1].commitTS = req.CommitTS
		s.versions[k] = versions
		delete(s.locks, k)
	}
	return true, nil
}

// PessimisticLock implements kvadapter.Adapter.
func (s *Store) PessimisticLock(ctx context.Context, partition txn.Key, req kvadapter.PessimisticLockRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range req.Keys {
		k := encodeKey(key)
		if existing, ok := s.locks[k]; ok && existing.startTS != req.StartTS {
			return txnerr.NewLockTimeout("key %s already locked for-update", k)
		}
		s.locks[k] = lockRecord{
			startTS:     req.StartTS,
			forUpdateTS: req.ForUpdateTS,
			ttlMillis:   req.LockTTL,
			pessimistic: true,
		}
	}
	return nil
}

// PessimisticRollback implements kvadapter.Adapter.
func (s *Store) PessimisticRollback(ctx context.Context, partition txn.Key, req kvadapter.PessimisticRollbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks++
	for _, key := range req.Keys {
		k := encodeKey(key)
		if lock, ok := s.locks[k]; ok && lock.startTS == req.StartTS {
			delete(s.locks, k)
		}
	}
	return nil
}

// Heartbeat implements kvadapter.Adapter.
func (s *Store) Heartbeat(ctx context.Context, partition txn.Key, req kvadapter.HeartbeatRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	k := encodeKey(req.PrimaryKey)
	lock, ok := s.locks[k]
	if !ok || lock.startTS != req.StartTS {
		return txnerr.NewStoreUnavailable("heartbeat: primary lock for %s not found", k)
	}
	lock.ttlMillis = req.NewTTL
	s.locks[k] = lock
	return nil
}

// BatchRollback implements kvadapter.Adapter.
func (s *Store) BatchRollback(ctx context.Context, partition txn.Key, req kvadapter.BatchRollbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range req.Keys {
		k := encodeKey(key)
		if lock, ok := s.locks[k]; ok && lock.startTS == req.StartTS {
			delete(s.locks, k)
		}
		if versions := s.versions[k]; len(versions) > 0 {
			last := versions[len(versions)-1]
			if last.startTS == req.StartTS && last.commitTS == 0 {
				s.versions[k] = versions[:len(versions)-1]
			}
		}
	}
	return nil
}

// ResolvePartition implements kvadapter.Adapter as the identity
// mapping: this fake store has no real sharding.
func (s *Store) ResolvePartition(ctx context.Context, key txn.Key) (txn.Key, error) {
	s.mu.Lock()
	s.resolvePartitions++
	s.mu.Unlock()
	return key, nil
}

// ResolvePartitionCount returns how many ResolvePartition calls
// landed, for tests asserting a RegionSplit retry actually re-resolved.
func (s *Store) ResolvePartitionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvePartitions
}

// HeartbeatCount returns how many Heartbeat calls landed, for tests
// asserting the heartbeat goroutine actually ran.
func (s *Store) HeartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// RollbackCount returns how many PessimisticRollback calls landed.
func (s *Store) RollbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

// IsCommitted reports whether key has a committed version in the
// store, for test assertions.
func (s *Store) IsCommitted(key txn.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.versions[encodeKey(key)]
	if len(versions) == 0 {
		return false
	}
	return versions[len(versions)-1].commitTS > 0
}

// Clock is a deterministic tso.Client for tests: every Now call
// advances it by exactly one.
type Clock struct {
	mu  sync.Mutex
	cur uint64
}

// NewClock returns a Clock seeded at start.
func NewClock(start uint64) *Clock {
	return &Clock{cur: start}
}

// Now implements tso.Client.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur++
	return c.cur
}

var _ tso.Client = (*Clock)(nil)
var _ kvadapter.Adapter = (*Store)(nil)
