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
	"fmt"
	"time"

	"github.com/NOOB-Orange/dingo/pkg/kvadapter"
	"github.com/NOOB-Orange/dingo/pkg/txn"
	"go.uber.org/zap"
)

// pessimisticState is the per-transaction state private to the
// pessimistic coordinator: the set of rows whose for-update lock is
// currently held (acquired but possibly not yet buffered for this
// statement) and the background heartbeat's cancel function.
//
// Grounded on spec.md §4.3/§5: a pessimistic transaction's first write
// locks and sets the primary key eagerly, ahead of commit; heartbeat
// then keeps that lock's TTL alive until commit or rollback releases
// it.
type pessimisticState struct {
	acquired         map[string]txn.Key // encoded key -> key, locks currently held
	heartbeatCancel  context.CancelFunc
	heartbeatStopped chan struct{}
}

func newPessimisticState() *pessimisticState {
	return &pessimisticState{acquired: make(map[string]txn.Key)}
}

func acquiredKey(k txn.Key) string {
	return fmt.Sprintf("%d:%s", k.TableID, k.Bytes)
}

func (p *pessimisticState) stopHeartbeat() {
	if p.heartbeatCancel != nil {
		p.heartbeatCancel()
		<-p.heartbeatStopped
		p.heartbeatCancel = nil
	}
}

// Pessimistic wraps a TxnCore with the pessimistic-specific
// per-statement API: every DML write must lock its rows for-update
// before (or as part of) buffering them.
type Pessimistic struct {
	*TxnCore
}

// LockAndBuffer advances for_update_ts and acquires a for-update lock
// on every row in mutations, then buffers them. The transaction's
// first-ever write additionally selects its primary key and starts the
// background heartbeat (spec.md §4.3 "First write").
func (p *Pessimistic) LockAndBuffer(ctx context.Context, mutations []txn.Mutation) error {
	c := p.TxnCore
	ctx, cancel := c.boundByMaxExecutionTime(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkCancelled(); err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}

	forUpdateTS := c.env.TSO.Now()
	if forUpdateTS <= c.meta.ForUpdateTS {
		forUpdateTS = c.meta.ForUpdateTS + 1
	}
	c.meta.ForUpdateTS = forUpdateTS
	for i := range mutations {
		mutations[i].ForUpdateTS = forUpdateTS
	}

	firstWrite := c.meta.PrimaryKey == nil
	if firstWrite {
		primary := mutations[0]
		if err := c.lockRowsWithTimeout(ctx, []txn.Mutation{primary}); err != nil {
			return err
		}
		c.meta.PrimaryKey = &txn.PrimaryKeyRecord{Key: primary.Key, Op: primary.Op, Value: primary.Value}
		c.pess.acquired[acquiredKey(primary.Key)] = primary.Key
		c.buffer([]txn.Mutation{primary})
		c.startHeartbeatLocked()
		mutations = mutations[1:]
	}
	if len(mutations) == 0 {
		return nil
	}

	if err := c.lockRowsWithTimeout(ctx, mutations); err != nil {
		return err
	}
	for _, m := range mutations {
		c.pess.acquired[acquiredKey(m.Key)] = m.Key
	}
	c.buffer(mutations)
	return nil
}

// lockRowsWithTimeout issues txn_pessimistic_lock for every mutation in
// the batch, grouped by partition, bounded by lock_wait_timeout
// (spec.md §4.3, §6). Caller holds mu.
func (c *TxnCore) lockRowsWithTimeout(ctx context.Context, mutations []txn.Mutation) error {
	lockCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.LockWaitTimeout > 0 {
		lockCtx, cancel = context.WithTimeout(ctx, c.cfg.LockWaitTimeout)
		defer cancel()
	}

	byPartition := make(map[uint64][]txn.Mutation)
	order := make([]uint64, 0, 1)
	for _, m := range mutations {
		if _, ok := byPartition[m.Key.PartitionID]; !ok {
			order = append(order, m.Key.PartitionID)
		}
		byPartition[m.Key.PartitionID] = append(byPartition[m.Key.PartitionID], m)
	}

	for _, pid := range order {
		group := byPartition[pid]
		keys := make([]txn.Key, 0, len(group))
		for _, m := range group {
			keys = append(keys, m.Key)
		}
		req := kvadapter.PessimisticLockRequest{
			StartTS:     c.meta.StartTS,
			ForUpdateTS: c.meta.ForUpdateTS,
			Keys:        keys,
			LockTTL:     uint64(c.cfg.LockTTL / time.Millisecond),
		}
		if err := c.env.KV.PessimisticLock(lockCtx, group[0].Key, req); err != nil {
			return err
		}
	}
	return nil
}

// rollbackResidualPessimisticLocksLocked releases acquired-but-unwritten
// locks: rows a statement locked for-update but never buffered a write
// for (spec.md §4.3 "Pessimistic coordinator": a locked row that never
// got a subsequent write still holds a for-update lock that must be
// released before commit, since the store only resolves locks backed
// by a prewritten mutation). Locks on rows that ARE in the mutation
// buffer are left alone here — they are mid-flight toward prewrite/
// commit, not residual — and are only released by Rollback's
// unconditional sweep when the whole transaction aborts. Best-effort:
// every failure is logged, never raised. Caller holds mu.
func (c *TxnCore) rollbackResidualPessimisticLocksLocked(ctx context.Context) {
	if c.pess == nil || len(c.pess.acquired) == 0 {
		return
	}
	buffered := make(map[string]struct{})
	for _, k := range c.cache.AllKeys() {
		buffered[acquiredKey(k)] = struct{}{}
	}

	residual := make(map[string]txn.Key)
	for enc, k := range c.pess.acquired {
		if _, isBuffered := buffered[enc]; !isBuffered {
			residual[enc] = k
		}
	}
	if len(residual) == 0 {
		return
	}
	c.releasePessimisticLocksLocked(ctx, residual)
	for enc := range residual {
		delete(c.pess.acquired, enc)
	}
}

// releaseAllPessimisticLocksLocked unconditionally releases every
// acquired lock, buffered or not, used when the whole transaction
// aborts (spec.md §4.3 "Rollback"). Caller holds mu.
func (c *TxnCore) releaseAllPessimisticLocksLocked(ctx context.Context) {
	if c.pess == nil || len(c.pess.acquired) == 0 {
		return
	}
	c.releasePessimisticLocksLocked(ctx, c.pess.acquired)
	c.pess.acquired = make(map[string]txn.Key)
}

func (c *TxnCore) releasePessimisticLocksLocked(ctx context.Context, keys map[string]txn.Key) {
	byPartition := make(map[uint64][]txn.Key)
	order := make([]uint64, 0, 1)
	for _, k := range keys {
		if _, ok := byPartition[k.PartitionID]; !ok {
			order = append(order, k.PartitionID)
		}
		byPartition[k.PartitionID] = append(byPartition[k.PartitionID], k)
	}
	for _, pid := range order {
		group := byPartition[pid]
		req := kvadapter.PessimisticRollbackRequest{StartTS: c.meta.StartTS, ForUpdateTS: c.meta.ForUpdateTS, Keys: group}
		if err := c.env.KV.PessimisticRollback(ctx, group[0], req); err != nil {
			c.log.Error("pessimistic rollback failed", zap.Error(err))
		}
	}
}

// startHeartbeatLocked launches the background goroutine that keeps
// the primary lock's TTL alive at ~LockTTL/3 cadence (spec.md §4.3,
// §5). It reads only the transaction's immutable fields (txn id,
// primary key, start_ts), so it never touches c.mu. Caller holds mu.
func (c *TxnCore) startHeartbeatLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.pess.heartbeatCancel = cancel
	c.pess.heartbeatStopped = make(chan struct{})

	startTS := c.meta.StartTS
	primary := *c.meta.PrimaryKey
	interval := c.cfg.HeartbeatInterval()
	ttlMillis := uint64(c.cfg.LockTTL / time.Millisecond)
	kv := c.env.KV
	logger := c.log

	go func() {
		defer close(c.pess.heartbeatStopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				req := kvadapter.HeartbeatRequest{StartTS: startTS, PrimaryKey: primary.Key, NewTTL: ttlMillis}
				if err := kv.Heartbeat(ctx, primary.Key, req); err != nil {
					logger.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
}
