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

// Package txn defines the data model shared by every component of the
// coordinator: transaction identity, metadata, mutations and the
// primary-key record (see SPEC_FULL.md §3). Table-lock requests live in
// package tablelock.
package txn

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync/atomic"
)

// ID identifies a transaction by the (server-id, start-ts, seq) triple
// from SPEC_FULL.md §3.
type ID struct {
	ServerID uint64
	StartTS  uint64
	Seq      uint64
}

func (id ID) String() string {
	return fmt.Sprintf("txn(%d,%d,%d)", id.ServerID, id.StartTS, id.Seq)
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Generator produces unique transaction IDs for a single server. It is
// grounded on the teacher's uuidTxnIDGenerator: a stable fnv64 hash of
// the server's identity composed with a monotonically increasing
// sequence, avoiding any dependency on a UUID library.
type Generator struct {
	serverID uint64
	seq      uint64
}

// NewGenerator builds a Generator for the given server identity string
// (e.g. a node UUID or address), hashed to a stable uint64.
func NewGenerator(serverIdentity string) *Generator {
	h := fnv.New64()
	_, _ = h.Write([]byte(serverIdentity))
	return &Generator{serverID: h.Sum64()}
}

// ServerID returns the generator's stable server identity hash.
func (g *Generator) ServerID() uint64 {
	return g.serverID
}

// Generate returns a new ID for the given start timestamp.
func (g *Generator) Generate(startTS uint64) ID {
	return ID{
		ServerID: g.serverID,
		StartTS:  startTS,
		Seq:      atomic.AddUint64(&g.seq, 1),
	}
}

// EncodeBytes renders id as a fixed 24-byte big-endian key, useful for
// anything that needs a byte-comparable transaction identity (e.g. a
// registry map key variant, or embedding in a lock wait-for record).
func (id ID) EncodeBytes() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], id.ServerID)
	binary.BigEndian.PutUint64(buf[8:16], id.StartTS)
	binary.BigEndian.PutUint64(buf[16:24], id.Seq)
	return buf
}
