// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package partition provides the partition-ownership oracle consumed by
// putAll's bulk routing (spec.md §4.6, §8 scenario 2) (C13). It is a
// pluggable replacement for the cluster membership service named as an
// external collaborator in spec.md §1.
package partition

import "hash/fnv"

// Member identifies a cluster member that can own partitions. The empty
// Member denotes an orphan partition (no owner currently assigned).
type Member string

// Oracle answers partition-ownership questions for a set of keys.
type Oracle interface {
	// OwnerOf returns the member owning key's partition, or "" if the
	// partition is currently orphaned.
	OwnerOf(key []byte) Member
}

// HashRing is a minimal consistent-ish oracle: it hashes each key into a
// fixed number of partitions and assigns partitions to members round
// robin. It exists to drive putAll's per-member sharding (§4.6, §8
// scenario 2) without depending on a real cluster membership service.
type HashRing struct {
	partitions int
	owners     []Member // owners[partition] == "" means orphaned
}

// NewHashRing builds a ring with the given partition count, assigning
// partitions to members round-robin. A nil or empty members list leaves
// every partition orphaned.
func NewHashRing(partitionCount int, members []Member) *HashRing {
	if partitionCount <= 0 {
		partitionCount = 257
	}
	owners := make([]Member, partitionCount)
	if len(members) > 0 {
		for p := range owners {
			owners[p] = members[p%len(members)]
		}
	}
	return &HashRing{partitions: partitionCount, owners: owners}
}

func (h *HashRing) PartitionOf(key []byte) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write(key)
	return int(hasher.Sum32()) % h.partitions
}

func (h *HashRing) OwnerOf(key []byte) Member {
	return h.owners[h.PartitionOf(key)]
}

// SetOwner reassigns a partition's owner; used to simulate membership
// changes and orphaning in tests.
func (h *HashRing) SetOwner(partition int, owner Member) {
	h.owners[partition] = owner
}
