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

// Package tso defines the timestamp-oracle contract used by the
// coordinator (SPEC_FULL.md §6): a strictly monotonic 64-bit timestamp
// source. The real oracle is a separate, out-of-scope service; this
// package only carries the client-side contract plus a monotonic
// in-process implementation for tests and single-node deployments.
package tso

import (
	"sync/atomic"
	"time"
)

// Client returns strictly monotonic 64-bit timestamps within a
// process, per SPEC_FULL.md §6.
type Client interface {
	Now() uint64
}

// clock is grounded on the teacher's HLCClock (pkg/txn/clock/hlc.go),
// trimmed to the plain monotonic contract the spec calls for: the
// physical/logical composite timestamp and clock-uncertainty handling
// are TSO-server internals, out of scope per spec.md's non-goals.
type clock struct {
	last atomic.Uint64
}

// New returns an in-process monotonic TSO client seeded from wall
// clock time, so timestamps it issues compare sensibly against any
// other clock instance started around the same time.
func New() Client {
	c := &clock{}
	c.last.Store(uint64(time.Now().UnixNano()))
	return c
}

func (c *clock) Now() uint64 {
	for {
		prev := c.last.Load()
		next := uint64(time.Now().UnixNano())
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}
