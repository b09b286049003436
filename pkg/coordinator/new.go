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
	"github.com/NOOB-Orange/dingo/pkg/config"
	"github.com/NOOB-Orange/dingo/pkg/env"
	"github.com/NOOB-Orange/dingo/pkg/txn"
)

// StartOptimistic begins a new optimistic transaction on connID.
func StartOptimistic(e *env.Environment, cfg config.TxnConfig, connID uint64, autoCommit bool) *Optimistic {
	return &Optimistic{TxnCore: New(e, cfg, connID, txn.KindOptimistic, autoCommit)}
}

// StartPessimistic begins a new pessimistic transaction on connID.
func StartPessimistic(e *env.Environment, cfg config.TxnConfig, connID uint64, autoCommit bool) *Pessimistic {
	return &Pessimistic{TxnCore: New(e, cfg, connID, txn.KindPessimistic, autoCommit)}
}

// StartNone begins a no-op transaction handle: every statement runs
// autocommit and Commit/Rollback/Close are all no-ops beyond bookkeeping.
// Used for sessions outside an explicit transaction (spec.md §4.1's
// "Kind == None" branch).
func StartNone(e *env.Environment, cfg config.TxnConfig, connID uint64) *TxnCore {
	return New(e, cfg, connID, txn.KindNone, true)
}

// StartByMode begins a transaction using the session's configured
// default kind (spec.md §6 tx_mode), returning the shared *TxnCore
// surface. Callers that need the kind-specific per-statement API
// should call StartOptimistic/StartPessimistic directly instead.
func StartByMode(e *env.Environment, cfg config.TxnConfig, connID uint64, autoCommit bool) *TxnCore {
	switch cfg.TxnMode {
	case config.ModePessimistic:
		return StartPessimistic(e, cfg, connID, autoCommit).TxnCore
	default:
		return StartOptimistic(e, cfg, connID, autoCommit).TxnCore
	}
}
