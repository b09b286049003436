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

// Package config holds the session-variable surface the coordinator
// reads, per SPEC_FULL.md §4.0.2 / spec.md §6.
package config

import (
	"time"

	"github.com/NOOB-Orange/dingo/pkg/txn"
	"go.uber.org/zap"
)

// TxnMode selects the default transaction kind when a session starts a
// transaction without specifying one explicitly.
type TxnMode uint8

const (
	ModeOptimistic TxnMode = iota
	ModePessimistic
)

// TxnConfig is the session-variable configuration a connection hands
// to a new coordinator. Grounded on DingoDB's TransactionConfig
// (BaseTransaction.transactionConfig / getLockTimeOut()).
type TxnConfig struct {
	// TxnMode: default txn type when none set.
	TxnMode TxnMode
	// LockWaitTimeout: table-lock wait deadline, default 50s.
	LockWaitTimeout time.Duration
	// MaxExecutionTime: per-job deadline, 0 = unbounded.
	MaxExecutionTime time.Duration
	// TxnRetry: enables statement-level auto retry on write-conflict
	// when AutoCommit is set.
	TxnRetry bool
	// TxnRetryCnt: bound on retries.
	TxnRetryCnt int
	// TransactionIsolation as requested by the session; stricter than
	// SnapshotIsolation silently degrades (SPEC_FULL.md §9 item 3).
	TransactionIsolation RequestedIsolation
	// LockTTL: pessimistic lock TTL; heartbeat cadence is LockTTL/3,
	// restoring a feature present in the original source but dropped
	// from the distilled spec (SPEC_FULL.md §4.0.2).
	LockTTL time.Duration
}

// RequestedIsolation mirrors the four SQL isolation levels a session
// may request; all degrade to one of the coordinator's two supported
// levels.
type RequestedIsolation uint8

const (
	ReadUncommitted RequestedIsolation = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// Default returns the session-variable defaults from spec.md §6.
func Default() TxnConfig {
	return TxnConfig{
		TxnMode:              ModeOptimistic,
		LockWaitTimeout:      50 * time.Second,
		MaxExecutionTime:     0,
		TxnRetry:             false,
		TxnRetryCnt:          0,
		TransactionIsolation: RepeatableRead,
		LockTTL:              3 * time.Second,
	}
}

// HeartbeatInterval is the cadence at which a pessimistic primary
// lock's TTL is extended, per spec.md §4.3 ("~TTL/3 cadence").
func (c TxnConfig) HeartbeatInterval() time.Duration {
	return c.LockTTL / 3
}

// ResolveIsolation maps the requested session isolation level onto the
// coordinator's two supported levels, logging a Debug line on every
// call that degrades a level stricter than snapshot isolation
// (SPEC_FULL.md §9 item 3: degrade, don't reject).
func (c TxnConfig) ResolveIsolation(logger *zap.Logger) txn.IsolationLevel {
	switch c.TransactionIsolation {
	case ReadUncommitted, ReadCommitted:
		return txn.ReadCommitted
	case RepeatableRead:
		return txn.SnapshotIsolation
	case Serializable:
		if logger != nil {
			logger.Debug("isolation level degraded to snapshot-isolation",
				zap.String("requested", "SERIALIZABLE"))
		}
		return txn.SnapshotIsolation
	default:
		return txn.SnapshotIsolation
	}
}
