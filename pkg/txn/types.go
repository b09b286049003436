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

package txn

import "sync/atomic"

// Op identifies the kind of a single-key mutation.
type Op uint8

const (
	OpPut Op = iota
	OpDelete
	OpCheckNotExists
	OpPutIfAbsent
	OpLock
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCheckNotExists:
		return "check-not-exists"
	case OpPutIfAbsent:
		return "put-if-absent"
	case OpLock:
		return "lock"
	default:
		return "unknown"
	}
}

// MergeOp implements the op-merge rule from SPEC_FULL.md §3: a later
// write to the same key supersedes an earlier one, except for a small
// set of combinations that must be remembered rather than overwritten.
//
//	delete . put              = delete
//	put . delete               = put
//	check-not-exists . put     = put-if-absent
//
// All other combinations simply take the later op.
func MergeOp(earlier, later Op) Op {
	switch {
	case earlier == OpDelete && later == OpPut:
		return OpDelete
	case earlier == OpPut && later == OpDelete:
		return OpPut
	case earlier == OpCheckNotExists && later == OpPut:
		return OpPutIfAbsent
	default:
		return later
	}
}

// Key identifies a single row within a table's partition.
type Key struct {
	TableID     uint64
	PartitionID uint64
	Bytes       []byte
}

// Mutation is a single buffered row write, per SPEC_FULL.md §3.
type Mutation struct {
	Op          Op
	Key         Key
	Value       []byte
	ForUpdateTS uint64 // pessimistic only; 0 if not applicable
}

// PrimaryKeyRecord is the transaction's chosen primary: the first
// mutation buffered. PartitionID may be refreshed on region split.
type PrimaryKeyRecord struct {
	Key   Key
	Op    Op
	Value []byte
}

// IsolationLevel is the coordinator-facing isolation level; stricter
// session levels degrade to SnapshotIsolation (see SPEC_FULL.md §9).
type IsolationLevel uint8

const (
	ReadCommitted IsolationLevel = iota
	SnapshotIsolation
)

// Kind is the tagged variant replacing the teacher's class hierarchy
// (BaseTransaction / OptimisticTransaction / PessimisticTransaction),
// per the design note in spec.md §9.
type Kind uint8

const (
	KindNone Kind = iota
	KindOptimistic
	KindPessimistic
)

func (k Kind) String() string {
	switch k {
	case KindOptimistic:
		return "optimistic"
	case KindPessimistic:
		return "pessimistic"
	default:
		return "none"
	}
}

// Status is the transaction state machine's state, per SPEC_FULL.md §4.1.
type Status uint8

const (
	StatusStart Status = iota
	StatusPreWriteStart
	StatusPreWritePrimaryKey
	StatusPreWrite
	StatusPreWriteFail
	StatusCommitPrimaryKey
	StatusCommit
	StatusCommitFail
	StatusRollback
	StatusRollbackFail
	StatusCancel
	StatusClose
)

func (s Status) String() string {
	switch s {
	case StatusStart:
		return "START"
	case StatusPreWriteStart:
		return "PRE_WRITE_START"
	case StatusPreWritePrimaryKey:
		return "PRE_WRITE_PRIMARY_KEY"
	case StatusPreWrite:
		return "PRE_WRITE"
	case StatusPreWriteFail:
		return "PRE_WRITE_FAIL"
	case StatusCommitPrimaryKey:
		return "COMMIT_PRIMARY_KEY"
	case StatusCommit:
		return "COMMIT"
	case StatusCommitFail:
		return "COMMIT_FAIL"
	case StatusRollback:
		return "ROLLBACK"
	case StatusRollbackFail:
		return "ROLLBACK_FAIL"
	case StatusCancel:
		return "CANCEL"
	case StatusClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Meta is the transaction handle's metadata, per SPEC_FULL.md §3.
// Mutated only by the owning connection goroutine, except Cancel
// (atomic) and the heartbeat's read of the immutable fields.
type Meta struct {
	ID             ID
	Isolation      IsolationLevel
	Kind           Kind
	AutoCommit     bool
	StartTS        uint64
	PointStartTS   uint64 // pinned read snapshot; set via TxnCore.SetPointStartTS, read via TxnCore.ReadTS, honored only under SnapshotIsolation
	ForUpdateTS    uint64 // pessimistic only, monotonically non-decreasing
	CommitTS       uint64 // set at COMMIT_PRIMARY_KEY
	PrimaryKey     *PrimaryKeyRecord
	Status         Status
	SQLList        []string
	cancelled      *atomic.Bool
}

// NewCancelFlag installs a fresh cancel flag on m. Called once by the
// coordinator constructor; a Meta zero value has a nil flag until then.
func (m *Meta) NewCancelFlag() {
	m.cancelled = &atomic.Bool{}
}

// Cancel sets the atomic cancel flag. Safe to call concurrently with
// the owning goroutine's work, and safe across the value copies Meta()
// snapshots hand out, since the flag itself is a shared pointer.
func (m *Meta) Cancel() {
	if m.cancelled != nil {
		m.cancelled.Store(true)
	}
}

// Cancelled reports whether Cancel has been called.
func (m *Meta) Cancelled() bool {
	return m.cancelled != nil && m.cancelled.Load()
}
