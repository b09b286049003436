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

// Package txnerr defines the typed error taxonomy surfaced by the
// transaction coordinator and its KV adapter.
package txnerr

import "fmt"

// Kind classifies an Error so callers and the retry engine can dispatch
// on error category without string matching.
type Kind uint16

const (
	// Unknown is the zero value; never constructed deliberately.
	Unknown Kind = iota
	// WriteConflict: optimistic prewrite collided with a concurrently
	// committed write. May be auto-retried per the retry engine.
	WriteConflict
	// DuplicateEntry: unique constraint or CheckNotExists violated.
	// Always rolls back, never retriable.
	DuplicateEntry
	// LockTimeout: a pessimistic lock or table-lock wait exceeded its
	// deadline.
	LockTimeout
	// Cancelled: an operator kill observed at a checkpoint.
	Cancelled
	// TransactionStateError: API misuse, e.g. commit from a non-START
	// state. Indicates a programmer error in the caller.
	TransactionStateError
	// StoreUnavailable: a non-retriable RPC failure after exhausting
	// local retries.
	StoreUnavailable
	// RegionSplit: the store rebalanced a partition mid-RPC. The retry
	// engine retries it; once its lock_wait_timeout deadline has passed
	// the last RegionSplit error is returned to the caller as is, not
	// converted to StoreUnavailable.
	RegionSplit
	// CommitTSExpired: the chosen commit timestamp is no longer usable.
	// Handled like RegionSplit: retried, then returned as is once the
	// retry deadline has passed.
	CommitTSExpired
	// DeadlineExceeded: an operation deadline elapsed. No code in this
	// module constructs it: an expired max_execution_time surfaces as
	// the context's own error, and an expired retry deadline as the last
	// store error.
	DeadlineExceeded
)

func (k Kind) String() string {
	switch k {
	case WriteConflict:
		return "WriteConflict"
	case DuplicateEntry:
		return "DuplicateEntry"
	case LockTimeout:
		return "LockTimeout"
	case Cancelled:
		return "Cancelled"
	case TransactionStateError:
		return "TransactionStateError"
	case StoreUnavailable:
		return "StoreUnavailable"
	case RegionSplit:
		return "RegionSplit"
	case CommitTSExpired:
		return "CommitTSExpired"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	default:
		return "Unknown"
	}
}

// Error is the coordinator's typed error. It is deliberately small:
// no MySQL error-code mapping and no wire marshalling, since the wire
// protocol is out of this module's scope.
type Error struct {
	kind    Kind
	message string
}

func (e *Error) Error() string {
	return e.message
}

// Kind returns the error's classification.
func (e *Error) Kind() Kind {
	return e.kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

func NewWriteConflict(format string, args ...any) *Error {
	return newError(WriteConflict, format, args...)
}

func NewDuplicateEntry(format string, args ...any) *Error {
	return newError(DuplicateEntry, format, args...)
}

func NewLockTimeout(format string, args ...any) *Error {
	return newError(LockTimeout, format, args...)
}

func NewCancelled(format string, args ...any) *Error {
	return newError(Cancelled, format, args...)
}

func NewTransactionStateError(format string, args ...any) *Error {
	return newError(TransactionStateError, format, args...)
}

func NewStoreUnavailable(format string, args ...any) *Error {
	return newError(StoreUnavailable, format, args...)
}

func NewRegionSplit(format string, args ...any) *Error {
	return newError(RegionSplit, format, args...)
}

func NewCommitTSExpired(format string, args ...any) *Error {
	return newError(CommitTSExpired, format, args...)
}

func NewDeadlineExceeded(format string, args ...any) *Error {
	return newError(DeadlineExceeded, format, args...)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.kind == kind
}

// KindOf returns the Kind of err, or Unknown if err is not a *Error.
func KindOf(err error) Kind {
	e, ok := err.(*Error)
	if !ok {
		return Unknown
	}
	return e.kind
}
