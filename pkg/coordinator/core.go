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

// Package coordinator implements the transaction lifecycle
// (START -> PREWRITE -> COMMIT/ROLLBACK -> CLOSE) and its state machine
// (spec.md §4.1), with the optimistic and pessimistic variants in
// optimistic.go/pessimistic.go and the retry policy in retry.go.
//
// TxnCore replaces the teacher-adjacent Java inheritance hierarchy
// (BaseTransaction / OptimisticTransaction / PessimisticTransaction)
// with the tagged-variant design note from spec.md §9: shared state and
// control flow live here, kind-specific behavior is dispatched on
// c.meta.Kind from the handful of places it actually differs (primary
// lock acquisition, residual-lock rollback, heartbeat).
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NOOB-Orange/dingo/pkg/cache"
	"github.com/NOOB-Orange/dingo/pkg/config"
	"github.com/NOOB-Orange/dingo/pkg/env"
	"github.com/NOOB-Orange/dingo/pkg/kvadapter"
	"github.com/NOOB-Orange/dingo/pkg/tablelock"
	"github.com/NOOB-Orange/dingo/pkg/txn"
	"github.com/NOOB-Orange/dingo/pkg/txnerr"
	"go.uber.org/zap"
)

// TxnCore holds everything shared by optimistic and pessimistic
// transactions: metadata, the mutation buffer, the state machine, and
// the wiring to the environment's registry/pools/table-lock manager.
//
// Every field is touched only by the owning connection goroutine while
// holding mu, except meta.Cancelled (atomic) and the immutable fields
// the heartbeat goroutine reads (txn id, primary key, start ts) —
// per spec.md §5's concurrency model.
type TxnCore struct {
	mu sync.Mutex

	meta  txn.Meta
	cache *cache.Cache
	cfg   config.TxnConfig
	env   *env.Environment
	log   *zap.Logger

	connID uint64
	closed bool

	finished     chan struct{}
	finishedOnce sync.Once

	lockReq *tablelock.Request // currently held table lock, if any

	commitDone chan error // secondary-commit completion, for cleanup to await

	pess *pessimisticState // non-nil only for KindPessimistic
}

// New constructs a TxnCore in StatusStart for the given connection and
// kind, with start_ts taken from env.TSO.Now(). A read-only statement
// that needs to pin its snapshot elsewhere should call SetPointStartTS
// and read through ReadTS rather than overriding start_ts itself
// (spec.md §9 "PointStartTS": point-in-time reads never move the
// transaction's own start_ts).
func New(e *env.Environment, cfg config.TxnConfig, connID uint64, kind txn.Kind, autoCommit bool) *TxnCore {
	startTS := e.TSO.Now()
	id := e.Generator.Generate(startTS)
	isolation := cfg.ResolveIsolation(e.Logger)

	meta := txn.Meta{
		ID:         id,
		Isolation:  isolation,
		Kind:       kind,
		AutoCommit: autoCommit,
		StartTS:    startTS,
		Status:     txn.StatusStart,
	}
	meta.NewCancelFlag()

	c := &TxnCore{
		meta:     meta,
		cache:    cache.New(),
		cfg:      cfg,
		env:      e,
		log:      e.Logger.Named("txn").With(zap.Stringer("txn", id)),
		connID:   connID,
		finished: make(chan struct{}),
	}
	if kind == txn.KindPessimistic {
		c.pess = newPessimisticState()
	}
	e.Registry.Register(c)
	c.log.Info("txn created", zap.Stringer("kind", kind))
	return c
}

// ID implements registry.Handle.
func (c *TxnCore) ID() txn.ID { return c.meta.ID }

// ConnectionID implements registry.Handle.
func (c *TxnCore) ConnectionID() uint64 { return c.connID }

// Cancel implements registry.Handle: sets the atomic cancel flag,
// polled at the next checkpoint (spec.md §5 "Cancellation").
func (c *TxnCore) Cancel() {
	c.meta.Cancel()
	c.log.Info("txn cancel requested")
}

// ReleaseWaiters implements registry.Handle: completes the finished
// signal without otherwise closing the transaction, so AcquireTableLock's
// release-wiring fires and any blocked table-lock wait wakes up
// immediately. Used by KillConnection, which must wake waiters rather
// than rely on the owning goroutine eventually reaching Close()
// (spec.md §4.6); Close itself still runs the full shutdown sequence
// and is safe to call afterward since finishedOnce guards the double
// close.
func (c *TxnCore) ReleaseWaiters() {
	c.finishedOnce.Do(func() { close(c.finished) })
}

// SetPointStartTS pins future reads to ts instead of the transaction's
// own start_ts. Honored only by ReadTS, and only under snapshot
// isolation, per meta.PointStartTS's contract (spec.md §9).
func (c *TxnCore) SetPointStartTS(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta.PointStartTS = ts
}

// ReadTS returns the timestamp a read-only statement should read at:
// the pinned PointStartTS when one is set and the transaction runs
// under snapshot isolation, otherwise the transaction's own start_ts.
// Read-committed statements always read at start_ts, since pinning a
// snapshot point only makes sense once repeated reads within the
// transaction are guaranteed to see the same snapshot. A serializable
// session resolves to snapshot isolation, so it honors PointStartTS.
func (c *TxnCore) ReadTS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta.Isolation == txn.SnapshotIsolation && c.meta.PointStartTS != 0 {
		return c.meta.PointStartTS
	}
	return c.meta.StartTS
}

// Status returns the current state-machine state.
func (c *TxnCore) Status() txn.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.Status
}

// Meta returns a snapshot of the transaction's metadata.
func (c *TxnCore) Meta() txn.Meta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// AddSQL appends to the audit trail (spec.md §3 sql_list).
func (c *TxnCore) AddSQL(sql string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta.SQLList = append(c.meta.SQLList, sql)
}

// checkCancelled polls the atomic cancel flag at a checkpoint between
// major phases, per spec.md §5. Caller must hold mu.
func (c *TxnCore) checkCancelled() error {
	if c.meta.Cancelled() {
		return txnerr.NewCancelled("transaction %s has been cancelled", c.meta.ID)
	}
	return nil
}

// AcquireTableLock blocks until a table/row lock is granted or
// lock_wait_timeout elapses, wiring the request's release to fire when
// the transaction finishes on every exit path (spec.md §4.5).
func (c *TxnCore) AcquireTableLock(ctx context.Context, tableID uint64, kind tablelock.Kind) error {
	req := tablelock.NewRequest(c.meta.ID.String(), kind)

	c.mu.Lock()
	c.lockReq = req
	finished := c.finished
	c.mu.Unlock()

	go func() {
		<-finished
		req.Release()
	}()

	lockCtx, cancel := context.WithTimeout(ctx, c.cfg.LockWaitTimeout)
	defer cancel()
	return c.env.TableLocks.Lock(lockCtx, tableID, req)
}

// buffer adds mutations to the cache. Caller holds mu.
// Used directly by the optimistic coordinator; the pessimistic
// coordinator wraps this with per-row locking (pessimistic.go).
func (c *TxnCore) buffer(mutations []txn.Mutation) {
	for _, m := range mutations {
		c.cache.Put(m)
	}
}

// partitionOf returns the Key to route an RPC for a partition group to:
// every mutation in a group shares a partition id but individual keys
// carry the routing bytes, so the first mutation's key is used as the
// partition's representative.
func partitionOf(g cache.PartitionGroup) txn.Key {
	if len(g.Mutations) == 0 {
		return txn.Key{}
	}
	return g.Mutations[0].Key
}

// Commit drives the transaction through PREWRITE -> COMMIT per
// spec.md §4.1/§4.2/§4.3. It returns once the primary key is
// committed; secondary commit is dispatched asynchronously
// (spec.md §4.2 step iv, §9 "async secondary commit").
func (c *TxnCore) Commit(ctx context.Context) error {
	ctx, cancel := c.boundByMaxExecutionTime(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.meta.Status == txn.StatusClose {
		return nil // idempotent after CLOSE
	}
	if c.meta.Status != txn.StatusStart {
		return txnerr.NewTransactionStateError("cannot commit from state %s", c.meta.Status)
	}
	if c.meta.Kind == txn.KindNone {
		return nil
	}
	if err := c.checkCancelled(); err != nil {
		c.meta.Status = txn.StatusCancel
		return err
	}

	if !c.cache.HasAny() {
		c.log.Debug("no data to commit, no-op commit")
		if c.meta.Kind == txn.KindPessimistic {
			c.releaseAllPessimisticLocksLocked(ctx)
		}
		return nil
	}

	c.meta.Status = txn.StatusPreWriteStart
	primary, _ := c.cache.First()
	c.meta.PrimaryKey = &txn.PrimaryKeyRecord{Key: primary.Key, Op: primary.Op, Value: primary.Value}

	if err := c.checkCancelled(); err != nil {
		c.meta.Status = txn.StatusCancel
		return err
	}

	if err := c.prewritePrimaryLocked(ctx, primary); err != nil {
		return c.failPreWriteLocked(ctx, err)
	}
	c.meta.Status = txn.StatusPreWritePrimaryKey

	if primary.Op == txn.OpCheckNotExists {
		c.log.Info("primary op is check-not-exists, skipping secondaries")
		return nil
	}

	if err := c.prewriteSecondariesLocked(ctx, primary.Key); err != nil {
		return c.failPreWriteLocked(ctx, err)
	}
	c.meta.Status = txn.StatusPreWrite

	if c.meta.Kind == txn.KindPessimistic {
		c.rollbackResidualPessimisticLocksLocked(ctx)
	}

	if err := c.checkCancelled(); err != nil {
		c.meta.Status = txn.StatusCancel
		_ = c.rollbackLocked(ctx)
		return err
	}

	c.meta.CommitTS = c.env.TSO.Now()
	ok, err := c.commitPrimaryLocked(ctx, primary.Key)
	if err != nil {
		c.meta.Status = txn.StatusCommitFail
		_ = c.rollbackLocked(ctx)
		return err
	}
	if !ok {
		c.meta.Status = txn.StatusCommitFail
		_ = c.rollbackLocked(ctx)
		return txnerr.NewStoreUnavailable("commit primary key did not complete within lock_timeout")
	}
	c.meta.Status = txn.StatusCommitPrimaryKey
	c.log.Info("primary committed", zap.Uint64("commit_ts", c.meta.CommitTS))

	c.dispatchSecondaryCommitLocked(primary.Key)
	return nil
}

func (c *TxnCore) failPreWriteLocked(ctx context.Context, cause error) error {
	c.meta.Status = txn.StatusPreWriteFail
	switch txnerr.KindOf(cause) {
	case txnerr.WriteConflict:
		if c.meta.Kind == txn.KindOptimistic && c.meta.AutoCommit && c.cfg.TxnRetry {
			// Retry is a statement-replanning concern handled by the
			// caller (spec.md §4.2/§9 open question 1): the coordinator
			// only classifies and surfaces; it does not re-plan SQL.
			c.log.Debug("write conflict eligible for statement retry")
		}
		_ = c.rollbackLocked(ctx)
		return cause
	case txnerr.DuplicateEntry:
		_ = c.rollbackLocked(ctx)
		return cause
	default:
		_ = c.rollbackLocked(ctx)
		return cause
	}
}

// dispatchSecondaryCommitLocked submits the secondary-commit job to the
// exec-txnCommit pool and records a completion channel cleanup can
// await. Caller holds mu.
func (c *TxnCore) dispatchSecondaryCommitLocked(primaryKey txn.Key) {
	done := make(chan error, 1)
	c.commitDone = done
	groups := c.cache.ExcludingKey(primaryKey)
	meta := c.meta

	submitErr := c.env.SubmitCommit(func() {
		err := c.commitSecondaries(context.Background(), meta, groups)
		c.mu.Lock()
		if err != nil {
			c.log.Error("secondary commit failed", zap.Error(err))
		} else if c.meta.Cancelled() {
			c.log.Warn("txn cancelled after primary commit; secondaries committed anyway (store resolves via primary)")
		}
		c.meta.Status = txn.StatusCommit
		c.mu.Unlock()
		done <- err
	})
	if submitErr != nil {
		c.log.Error("failed to submit secondary commit", zap.Error(submitErr))
		c.meta.Status = txn.StatusCommit
		done <- submitErr
	}
}

func (c *TxnCore) commitSecondaries(ctx context.Context, meta txn.Meta, groups []cache.PartitionGroup) error {
	for _, g := range groups {
		keys := make([]txn.Key, 0, len(g.Mutations))
		for _, m := range g.Mutations {
			keys = append(keys, m.Key)
		}
		req := kvadapter.CommitRequest{StartTS: meta.StartTS, CommitTS: meta.CommitTS, Keys: keys}
		if _, _, err := c.commitWithRetry(ctx, partitionOf(g), req); err != nil {
			return fmt.Errorf("commit secondaries on partition %d: %w", g.PartitionID, err)
		}
	}
	return nil
}

// rollbackLocked is the internal rollback invoked as a side effect of
// a failed prewrite/commit. Caller holds mu.
func (c *TxnCore) rollbackLocked(ctx context.Context) error {
	return c.rollback(ctx)
}

// Rollback aborts the transaction, best-effort: every sub-failure is
// logged, never returned, so repeated calls are idempotent and never
// raise (spec.md §8 property 4), even though the KV batch-rollback RPC
// itself may fail.
func (c *TxnCore) Rollback(ctx context.Context) error {
	ctx, cancel := c.boundByMaxExecutionTime(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollback(ctx)
}

func (c *TxnCore) rollback(ctx context.Context) error {
	if c.meta.Status == txn.StatusClose {
		return nil
	}
	if c.meta.Kind == txn.KindNone {
		return nil
	}
	if !c.cache.HasAny() {
		c.log.Debug("rollback: no data to roll back")
		if c.meta.Kind == txn.KindPessimistic {
			c.releaseAllPessimisticLocksLocked(ctx)
		}
		return nil
	}

	keys := c.cache.AllKeys()
	req := kvadapter.BatchRollbackRequest{StartTS: c.meta.StartTS, Keys: keys}
	if len(keys) > 0 {
		if err := c.env.KV.BatchRollback(ctx, keys[0], req); err != nil {
			c.log.Error("batch rollback failed", zap.Error(err))
			c.meta.Status = txn.StatusRollbackFail
		}
	}
	if c.meta.Kind == txn.KindPessimistic {
		c.releaseAllPessimisticLocksLocked(ctx)
	}
	if c.meta.Status != txn.StatusRollbackFail {
		if c.meta.Cancelled() {
			c.meta.Status = txn.StatusCancel
		} else {
			c.meta.Status = txn.StatusRollback
		}
	}
	c.log.Info("txn rolled back", zap.Stringer("status", c.meta.Status))
	return nil
}

// Cleanup drops the local cache, best-effort. It always runs before
// Close returns to the registry (spec.md §4.1/§9), and if a secondary
// commit is in flight it awaits that task's completion first so the
// cache is not dropped out from under a still-running commit job
// (spec.md §9 "cleanup awaits the commit task's completion").
func (c *TxnCore) Cleanup() {
	c.mu.Lock()
	done := c.commitDone
	pessimistic := c.meta.Kind == txn.KindPessimistic
	needsCleanup := c.cache.HasAnyForCleanup(pessimistic)
	noneKind := c.meta.Kind == txn.KindNone
	c.mu.Unlock()

	if noneKind || !needsCleanup {
		return
	}

	submitErr := c.env.SubmitCleanup(func() {
		if done != nil {
			<-done
		}
		c.mu.Lock()
		c.cache.Drop()
		c.mu.Unlock()
	})
	if submitErr != nil {
		c.log.Error("failed to submit cleanup", zap.Error(submitErr))
	}
}

// Close always runs Cleanup first, then unregisters and completes the
// finished signal unconditionally, releasing any table-lock waiters on
// every exit path (spec.md §4.1, §4.5, §5).
func (c *TxnCore) Close() {
	c.Cleanup()

	c.mu.Lock()
	if c.pess != nil {
		c.pess.stopHeartbeat()
	}
	alreadyClosed := c.closed
	c.closed = true
	c.meta.Status = txn.StatusClose
	c.mu.Unlock()

	c.finishedOnce.Do(func() { close(c.finished) })

	if !alreadyClosed {
		c.env.Registry.Unregister(c)
		c.log.Info("txn closed")
	}
}

// boundByMaxExecutionTime applies the session's per-job deadline
// (spec.md §6 max_execution_time) to every RPC and retry loop
// underneath a single Commit/Rollback call, which all select on
// ctx.Done() already. A zero MaxExecutionTime leaves ctx unbounded;
// the cancel func is always safe to defer.
func (c *TxnCore) boundByMaxExecutionTime(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.MaxExecutionTime <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.MaxExecutionTime)
}

// deadlineOr returns d if positive, otherwise a generous fallback so a
// zero lock_wait_timeout doesn't collapse the retry loop's own
// deadline to "now".
func deadlineOr(d time.Duration, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
