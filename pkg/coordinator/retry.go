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

package coordinator

import (
	"context"
	"time"

	"github.com/NOOB-Orange/dingo/pkg/cache"
	"github.com/NOOB-Orange/dingo/pkg/kvadapter"
	"github.com/NOOB-Orange/dingo/pkg/txn"
	"github.com/NOOB-Orange/dingo/pkg/txnerr"
)

// regionSplitBackoff is the fixed retry interval after a RegionSplit
// error, per spec.md §4.7's retry table.
const regionSplitBackoff = 100 * time.Millisecond

// prewritePrimaryLocked issues txn_prewrite for the primary key,
// retrying on CommitTSExpired (refresh commit_ts; here, the start_ts
// side of the RPC never changes, but a stale oracle read is retried
// the same way) and RegionSplit (re-resolve partition, fixed 100ms
// backoff), bounded by lock_wait_timeout. Caller holds mu.
func (c *TxnCore) prewritePrimaryLocked(ctx context.Context, primary txn.Mutation) error {
	deadline := time.Now().Add(deadlineOr(c.cfg.LockWaitTimeout, 50*time.Second))
	partition := primary.Key
	forUpdateTS := primary.ForUpdateTS

	for {
		req := kvadapter.PrewriteRequest{
			StartTS:     c.meta.StartTS,
			PrimaryKey:  primary.Key,
			Mutations:   []txn.Mutation{primary},
			LockTTL:     uint64(c.cfg.LockTTL / time.Millisecond),
			ForUpdateTS: forUpdateTS,
		}
		err := c.env.KV.Prewrite(ctx, partition, req)
		if err == nil {
			return nil
		}
		switch txnerr.KindOf(err) {
		case txnerr.CommitTSExpired:
			if time.Now().After(deadline) {
				return err
			}
			c.log.Debug("prewrite primary: commit_ts expired, retrying")
			continue
		case txnerr.RegionSplit:
			if time.Now().After(deadline) {
				return err
			}
			resolved, rerr := c.env.KV.ResolvePartition(ctx, primary.Key)
			if rerr != nil {
				return rerr
			}
			partition = resolved
			c.log.Debug("prewrite primary: region split, re-resolved partition")
			select {
			case <-time.After(regionSplitBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		default:
			return err
		}
	}
}

// prewriteSecondariesLocked issues txn_prewrite for every partition
// group excluding the primary key, per spec.md §4.2 step iv. Groups
// are prewritten sequentially in cache order; a single group's failure
// aborts the whole prewrite. Caller holds mu.
func (c *TxnCore) prewriteSecondariesLocked(ctx context.Context, primaryKey txn.Key) error {
	groups := c.cache.ExcludingKey(primaryKey)
	for _, g := range groups {
		if err := c.prewriteGroupWithRetry(ctx, g, primaryKey); err != nil {
			return err
		}
	}
	return nil
}

func (c *TxnCore) prewriteGroupWithRetry(ctx context.Context, g cache.PartitionGroup, primaryKey txn.Key) error {
	deadline := time.Now().Add(deadlineOr(c.cfg.LockWaitTimeout, 50*time.Second))
	partition := partitionOf(g)

	for {
		req := kvadapter.PrewriteRequest{
			StartTS:     c.meta.StartTS,
			PrimaryKey:  primaryKey,
			Mutations:   g.Mutations,
			LockTTL:     uint64(c.cfg.LockTTL / time.Millisecond),
			ForUpdateTS: forUpdateTSOf(g.Mutations),
		}
		err := c.env.KV.Prewrite(ctx, partition, req)
		if err == nil {
			return nil
		}
		switch txnerr.KindOf(err) {
		case txnerr.CommitTSExpired:
			if time.Now().After(deadline) {
				return err
			}
			continue
		case txnerr.RegionSplit:
			if time.Now().After(deadline) {
				return err
			}
			resolved, rerr := c.env.KV.ResolvePartition(ctx, g.Mutations[0].Key)
			if rerr != nil {
				return rerr
			}
			partition = resolved
			select {
			case <-time.After(regionSplitBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		default:
			return err
		}
	}
}

// commitPrimaryLocked issues txn_commit for the primary key, with the
// same CommitTSExpired/RegionSplit retry policy as prewrite. Caller
// holds mu; on a CommitTSExpired retry this refreshes c.meta.CommitTS
// directly, which is safe only because the caller holds mu.
func (c *TxnCore) commitPrimaryLocked(ctx context.Context, primaryKey txn.Key) (bool, error) {
	req := kvadapter.CommitRequest{StartTS: c.meta.StartTS, CommitTS: c.meta.CommitTS, Keys: []txn.Key{primaryKey}}
	ok, finalTS, err := c.commitWithRetry(ctx, primaryKey, req)
	c.meta.CommitTS = finalTS
	return ok, err
}

// commitWithRetry is the shared retry-bounded txn_commit call used by
// both the primary commit (synchronous, part of Commit, caller holds
// mu) and the secondary commit (asynchronous, dispatched to
// exec-txnCommit without mu held). It never touches c.meta itself,
// returning the commit_ts actually used so a synchronous caller can
// fold a refresh back into shared state under its own lock.
func (c *TxnCore) commitWithRetry(ctx context.Context, partition txn.Key, req kvadapter.CommitRequest) (bool, uint64, error) {
	deadline := time.Now().Add(deadlineOr(c.cfg.LockWaitTimeout, 50*time.Second))
	for {
		ok, err := c.env.KV.Commit(ctx, partition, req)
		if err == nil {
			return ok, req.CommitTS, nil
		}
		switch txnerr.KindOf(err) {
		case txnerr.CommitTSExpired:
			if time.Now().After(deadline) {
				return false, req.CommitTS, err
			}
			req.CommitTS = c.env.TSO.Now()
			continue
		case txnerr.RegionSplit:
			if time.Now().After(deadline) {
				return false, req.CommitTS, err
			}
			resolved, rerr := c.env.KV.ResolvePartition(ctx, partition)
			if rerr != nil {
				return false, req.CommitTS, rerr
			}
			partition = resolved
			select {
			case <-time.After(regionSplitBackoff):
			case <-ctx.Done():
				return false, req.CommitTS, ctx.Err()
			}
			continue
		default:
			return false, req.CommitTS, err
		}
	}
}

func forUpdateTSOf(mutations []txn.Mutation) uint64 {
	var max uint64
	for _, m := range mutations {
		if m.ForUpdateTS > max {
			max = m.ForUpdateTS
		}
	}
	return max
}
