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
	"testing"
	"time"

	"github.com/NOOB-Orange/dingo/internal/testkv"
	"github.com/NOOB-Orange/dingo/pkg/config"
	"github.com/NOOB-Orange/dingo/pkg/env"
	"github.com/NOOB-Orange/dingo/pkg/kvadapter"
	"github.com/NOOB-Orange/dingo/pkg/txn"
	"github.com/NOOB-Orange/dingo/pkg/txnerr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEnv(t *testing.T, store *testkv.Store) *env.Environment {
	t.Helper()
	e, err := env.New("test-server", zap.NewNop(), testkv.NewClock(1), store)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func testConfig() config.TxnConfig {
	cfg := config.Default()
	cfg.LockWaitTimeout = 2 * time.Second
	cfg.LockTTL = 30 * time.Millisecond
	return cfg
}

func putMutation(partition uint64, key, value string) txn.Mutation {
	return txn.Mutation{
		Op:    txn.OpPut,
		Key:   txn.Key{TableID: 1, PartitionID: partition, Bytes: []byte(key)},
		Value: []byte(value),
	}
}

func TestOptimisticCommitCommitsPrimaryThenSecondaries(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)

	primary := putMutation(1, "row-1", "a")
	secondary := putMutation(2, "row-2", "b")
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{primary, secondary}))

	require.NoError(t, txnHandle.Commit(context.Background()))
	require.Equal(t, txn.StatusCommitPrimaryKey, txnHandle.Status())
	require.True(t, store.IsCommitted(primary.Key))

	require.Eventually(t, func() bool {
		return store.IsCommitted(secondary.Key)
	}, time.Second, 5*time.Millisecond)

	txnHandle.Close()
	require.Equal(t, txn.StatusClose, txnHandle.Status())
}

func TestOptimisticCommitEmptyTransactionIsNoOp(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)

	require.NoError(t, txnHandle.Commit(context.Background()))
	require.Equal(t, txn.StatusStart, txnHandle.Status())
	txnHandle.Close()
}

func TestOptimisticCommitFromNonStartStateErrors(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{putMutation(1, "row-1", "a")}))
	require.NoError(t, txnHandle.Commit(context.Background()))

	err := txnHandle.Commit(context.Background())
	require.Error(t, err)
	require.Equal(t, txnerr.TransactionStateError, txnerr.KindOf(err))
	txnHandle.Close()
}

func TestOptimisticCommitAfterCloseIsIdempotent(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)
	txnHandle.Close()

	require.NoError(t, txnHandle.Commit(context.Background()))
}

func TestOptimisticWriteConflictRollsBack(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)

	primary := putMutation(1, "row-1", "a")
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{primary}))

	// A second transaction prewrites (and leaves locked) the same key
	// with a different start_ts, so txnHandle's own prewrite collides
	// with an active foreign lock.
	other := StartOptimistic(e, testConfig(), 2, true)
	conflicting := putMutation(1, "row-1", "b")
	require.NoError(t, other.Buffer([]txn.Mutation{conflicting}))
	require.NoError(t, other.prewritePrimaryLocked(context.Background(), conflicting))

	err := txnHandle.Commit(context.Background())
	require.Error(t, err)
	require.Equal(t, txnerr.WriteConflict, txnerr.KindOf(err))
	require.Equal(t, txn.StatusRollback, txnHandle.Status())

	other.Close()
	txnHandle.Close()
}

func TestCancelBeforeCommitAbortsImmediately(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{putMutation(1, "row-1", "a")}))

	txnHandle.Cancel()
	err := txnHandle.Commit(context.Background())
	require.Error(t, err)
	require.Equal(t, txnerr.Cancelled, txnerr.KindOf(err))
	require.Equal(t, txn.StatusCancel, txnHandle.Status())
	txnHandle.Close()
}

func TestPessimisticFirstWriteLocksPrimaryAndHeartbeats(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	cfg := testConfig()
	cfg.LockTTL = 9 * time.Millisecond // heartbeat every ~3ms
	p := StartPessimistic(e, cfg, 1, true)

	first := putMutation(1, "row-1", "a")
	second := putMutation(2, "row-2", "b")
	require.NoError(t, p.LockAndBuffer(context.Background(), []txn.Mutation{first, second}))

	meta := p.Meta()
	require.NotNil(t, meta.PrimaryKey)
	require.Equal(t, first.Key.Bytes, meta.PrimaryKey.Key.Bytes)

	require.Eventually(t, func() bool {
		return store.HeartbeatCount() > 0
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, p.Commit(context.Background()))
	require.Eventually(t, func() bool {
		return store.IsCommitted(second.Key)
	}, time.Second, 5*time.Millisecond)

	p.Close()
}

func TestPessimisticRollbackReleasesResidualLocks(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	p := StartPessimistic(e, testConfig(), 1, true)

	m := putMutation(1, "row-1", "a")
	require.NoError(t, p.LockAndBuffer(context.Background(), []txn.Mutation{m}))

	require.NoError(t, p.Rollback(context.Background()))
	require.Equal(t, txn.StatusRollback, p.Status())
	require.GreaterOrEqual(t, store.RollbackCount(), 1)

	// Idempotent: a second rollback call never raises.
	require.NoError(t, p.Rollback(context.Background()))
	p.Close()
}

func TestRollbackFromStartIsNoOp(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)

	require.NoError(t, txnHandle.Rollback(context.Background()))
	require.Equal(t, txn.StatusStart, txnHandle.Status())
	txnHandle.Close()
}

func TestPrewritePrimaryRetriesOnRegionSplitThenSucceeds(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)

	var calls int
	store.InjectPrewriteErr = func(req kvadapter.PrewriteRequest) error {
		calls++
		if calls == 1 {
			return txnerr.NewRegionSplit("region split during prewrite")
		}
		return nil
	}

	primary := putMutation(1, "row-1", "a")
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{primary}))

	start := time.Now()
	require.NoError(t, txnHandle.Commit(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), regionSplitBackoff)

	require.GreaterOrEqual(t, calls, 2)
	require.GreaterOrEqual(t, store.ResolvePartitionCount(), 1)
	require.True(t, store.IsCommitted(primary.Key))

	txnHandle.Close()
}

func TestCommitPrimaryRetriesOnCommitTSExpiredAndBumpsCommitTS(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)

	primary := putMutation(1, "row-1", "a")
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{primary}))

	var calls int
	var firstAttemptTS uint64
	store.InjectCommitErr = func(req kvadapter.CommitRequest) error {
		calls++
		if calls == 1 {
			firstAttemptTS = req.CommitTS
			return txnerr.NewCommitTSExpired("commit_ts expired")
		}
		return nil
	}

	require.NoError(t, txnHandle.Commit(context.Background()))
	require.GreaterOrEqual(t, calls, 2)
	require.Greater(t, txnHandle.Meta().CommitTS, firstAttemptTS)
	require.True(t, store.IsCommitted(primary.Key))

	txnHandle.Close()
}

// TestCommitPrimaryRetriesOnRegionSplitDuringCommit covers a region
// split discovered while committing the primary key: the store
// returns RegionSplit, the coordinator re-resolves the partition and
// retries after the fixed backoff instead of failing the commit.
func TestCommitPrimaryRetriesOnRegionSplitDuringCommit(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)

	primary := putMutation(1, "row-1", "a")
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{primary}))

	var calls int
	store.InjectCommitErr = func(req kvadapter.CommitRequest) error {
		calls++
		if calls == 1 {
			return txnerr.NewRegionSplit("region split during commit primary")
		}
		return nil
	}

	start := time.Now()
	require.NoError(t, txnHandle.Commit(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), regionSplitBackoff)

	require.GreaterOrEqual(t, store.ResolvePartitionCount(), 1)
	require.True(t, store.IsCommitted(primary.Key))

	txnHandle.Close()
}

func TestPrewritePrimaryDeadlineExceededSurfacesUnderlyingError(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	cfg := testConfig()
	cfg.LockWaitTimeout = 20 * time.Millisecond
	txnHandle := StartOptimistic(e, cfg, 1, true)

	store.InjectPrewriteErr = func(req kvadapter.PrewriteRequest) error {
		return txnerr.NewRegionSplit("region permanently unavailable")
	}

	primary := putMutation(1, "row-1", "a")
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{primary}))

	err := txnHandle.Commit(context.Background())
	require.Error(t, err)
	require.Equal(t, txnerr.RegionSplit, txnerr.KindOf(err))

	txnHandle.Close()
}

func TestMaxExecutionTimeBoundsCommit(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	cfg := testConfig()
	cfg.MaxExecutionTime = 5 * time.Millisecond
	txnHandle := StartOptimistic(e, cfg, 1, true)

	store.InjectPrewriteErr = func(req kvadapter.PrewriteRequest) error {
		return txnerr.NewRegionSplit("region split, store permanently slow to resolve")
	}

	primary := putMutation(1, "row-1", "a")
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{primary}))

	start := time.Now()
	err := txnHandle.Commit(context.Background())
	require.Error(t, err)
	require.Less(t, time.Since(start), regionSplitBackoff)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	txnHandle.Close()
}

func TestReadTSHonorsPointStartTSUnderSnapshotIsolation(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)

	require.Equal(t, txnHandle.Meta().StartTS, txnHandle.ReadTS())

	pinned := txnHandle.Meta().StartTS - 1
	txnHandle.SetPointStartTS(pinned)
	require.Equal(t, pinned, txnHandle.ReadTS())

	txnHandle.Close()
}

func TestReadTSIgnoresPointStartTSOutsideSnapshotIsolation(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	cfg := testConfig()
	cfg.TransactionIsolation = config.ReadUncommitted
	txnHandle := StartOptimistic(e, cfg, 1, true)

	txnHandle.SetPointStartTS(txnHandle.Meta().StartTS - 1)
	require.Equal(t, txnHandle.Meta().StartTS, txnHandle.ReadTS())

	txnHandle.Close()
}

func TestCheckNotExistsPrimarySkipsSecondaries(t *testing.T) {
	store := testkv.New()
	e := newTestEnv(t, store)
	txnHandle := StartOptimistic(e, testConfig(), 1, true)

	primary := txn.Mutation{Op: txn.OpCheckNotExists, Key: txn.Key{TableID: 1, PartitionID: 1, Bytes: []byte("u1")}}
	secondary := putMutation(2, "row-2", "b")
	require.NoError(t, txnHandle.Buffer([]txn.Mutation{primary, secondary}))

	require.NoError(t, txnHandle.Commit(context.Background()))
	require.Equal(t, txn.StatusPreWritePrimaryKey, txnHandle.Status())

	time.Sleep(20 * time.Millisecond)
	require.False(t, store.IsCommitted(secondary.Key))
	txnHandle.Close()
}
