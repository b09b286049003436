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
	"github.com/NOOB-Orange/dingo/pkg/txn"
)

// Optimistic wraps a TxnCore with the optimistic-specific per-statement
// API: writes are buffered locally with no RPC until commit time
// (spec.md §4.2). There is no locking, no primary-key selection, and
// no heartbeat until Commit runs.
type Optimistic struct {
	*TxnCore
}

// Buffer appends mutations to the transaction's local cache, applying
// the op-merge rule for keys already buffered (spec.md §3/§4.2).
func (o *Optimistic) Buffer(mutations []txn.Mutation) error {
	c := o.TxnCore
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkCancelled(); err != nil {
		return err
	}
	c.buffer(mutations)
	return nil
}
