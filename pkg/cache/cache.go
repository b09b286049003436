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

// Package cache implements the per-transaction mutation buffer
// ("cache" in spec.md §4.4): an ordered, deduplicated multimap of
// buffered row writes, grouped by partition for prewrite batching.
package cache

import (
	"container/list"

	"github.com/NOOB-Orange/dingo/pkg/txn"
)

type keyTuple struct {
	tableID     uint64
	partitionID uint64
	key         string
}

// Cache is a per-transaction ordered buffer of row mutations. It is
// owned by a single transaction and must only be touched under the
// owning coordinator's lock (SPEC_FULL.md §5).
//
// Iteration order within a partition is insertion order of the first
// write to a key, which is what makes primary-key selection
// deterministic across retries (spec.md §4.4 invariant).
type Cache struct {
	order     *list.List // of *entry, insertion order of first write
	byKey     map[keyTuple]*list.Element
	hadWrites bool // sticky: true once any mutation was ever buffered
}

type entry struct {
	tuple    keyTuple
	mutation txn.Mutation
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		order: list.New(),
		byKey: make(map[keyTuple]*list.Element),
	}
}

func tupleOf(m txn.Mutation) keyTuple {
	return keyTuple{
		tableID:     m.Key.TableID,
		partitionID: m.Key.PartitionID,
		key:         string(m.Key.Bytes),
	}
}

// Put merges m into the buffer using the op-merge rules in
// spec.md §3/txn.MergeOp. At most one live mutation exists per
// (table-id, key) afterward.
func (c *Cache) Put(m txn.Mutation) {
	c.hadWrites = true
	tuple := tupleOf(m)
	if elem, ok := c.byKey[tuple]; ok {
		existing := elem.Value.(*entry)
		merged := existing.mutation
		merged.Op = txn.MergeOp(existing.mutation.Op, m.Op)
		merged.Value = m.Value
		if m.ForUpdateTS > existing.mutation.ForUpdateTS {
			merged.ForUpdateTS = m.ForUpdateTS
		}
		existing.mutation = merged
		return
	}
	elem := c.order.PushBack(&entry{tuple: tuple, mutation: m})
	c.byKey[tuple] = elem
}

// First returns the first mutation ever buffered (insertion order),
// used to select the transaction's primary key. ok is false for an
// empty cache.
func (c *Cache) First() (txn.Mutation, bool) {
	if c.order.Len() == 0 {
		return txn.Mutation{}, false
	}
	return c.order.Front().Value.(*entry).mutation, true
}

// Len returns the number of distinct buffered keys.
func (c *Cache) Len() int {
	return c.order.Len()
}

// HasAny reports whether the buffer holds any mutation, used by the
// state machine to short-circuit empty-transaction commits
// (spec.md §4.1, §4.4 "check_continue").
func (c *Cache) HasAny() bool {
	return c.order.Len() > 0
}

// HasAnyForCleanup is the weaker predicate cleanup uses: a pessimistic
// transaction may have zero prewritten mutations yet still hold
// residual locks that must be rolled back, so cleanup must run even
// when HasAny is false (SPEC_FULL.md §4.4, restoring
// cache.checkCleanContinue from the original source).
func (c *Cache) HasAnyForCleanup(pessimistic bool) bool {
	if c.HasAny() {
		return true
	}
	return pessimistic && c.hadWrites
}

// PartitionGroup is one partition's ordered mutations, for prewrite
// batching (spec.md §4.2 step iv).
type PartitionGroup struct {
	PartitionID uint64
	Mutations   []txn.Mutation
}

// IterByPartition groups all buffered mutations by partition ID,
// preserving within each group the insertion order of the first write
// to each key (spec.md §4.4 invariant).
func (c *Cache) IterByPartition() []PartitionGroup {
	order := make([]uint64, 0)
	groups := make(map[uint64]*PartitionGroup)
	for e := c.order.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		g, ok := groups[ent.tuple.partitionID]
		if !ok {
			g = &PartitionGroup{PartitionID: ent.tuple.partitionID}
			groups[ent.tuple.partitionID] = g
			order = append(order, ent.tuple.partitionID)
		}
		g.Mutations = append(g.Mutations, ent.mutation)
	}
	result := make([]PartitionGroup, 0, len(order))
	for _, pid := range order {
		result = append(result, *groups[pid])
	}
	return result
}

// ExcludingKey returns every buffered mutation except the one matching
// primary, grouped by partition. Used to build the secondary prewrite
// job (spec.md §4.2 step iv).
func (c *Cache) ExcludingKey(primary txn.Key) []PartitionGroup {
	primaryTuple := keyTuple{tableID: primary.TableID, partitionID: primary.PartitionID, key: string(primary.Bytes)}
	order := make([]uint64, 0)
	groups := make(map[uint64]*PartitionGroup)
	for e := c.order.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if ent.tuple == primaryTuple {
			continue
		}
		g, ok := groups[ent.tuple.partitionID]
		if !ok {
			g = &PartitionGroup{PartitionID: ent.tuple.partitionID}
			groups[ent.tuple.partitionID] = g
			order = append(order, ent.tuple.partitionID)
		}
		g.Mutations = append(g.Mutations, ent.mutation)
	}
	result := make([]PartitionGroup, 0, len(order))
	for _, pid := range order {
		result = append(result, *groups[pid])
	}
	return result
}

// AllKeys returns every buffered mutation's key, used to drive
// batch-rollback on abort.
func (c *Cache) AllKeys() []txn.Key {
	keys := make([]txn.Key, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entry).mutation.Key)
	}
	return keys
}

// Drop empties the buffer. Invoked by the cleanup job; O(buffer)
// per spec.md §4.4.
func (c *Cache) Drop() {
	c.order.Init()
	c.byKey = make(map[keyTuple]*list.Element)
}
