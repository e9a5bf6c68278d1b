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

package partition_test

import (
	"testing"

	"github.com/projectcontour/cachegrpc/internal/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHashRingDefaultsPartitionCount(t *testing.T) {
	h := partition.NewHashRing(0, nil)
	assert.Equal(t, partition.Member(""), h.OwnerOf([]byte("anything")))
}

func TestOwnerOfIsStableForSameKey(t *testing.T) {
	h := partition.NewHashRing(17, []partition.Member{"a", "b", "c"})
	key := []byte("stable-key")
	want := h.OwnerOf(key)
	for i := 0; i < 50; i++ {
		require.Equal(t, want, h.OwnerOf(key))
	}
}

func TestOwnerOfRoundRobinsAcrossMembers(t *testing.T) {
	members := []partition.Member{"a", "b"}
	h := partition.NewHashRing(4, members)

	for p := 0; p < 4; p++ {
		h.SetOwner(p, members[p%len(members)])
	}
	for _, key := range [][]byte{{0}, {1}, {2}, {3}, []byte("arbitrary")} {
		p := h.PartitionOf(key)
		assert.Equal(t, members[p%len(members)], h.OwnerOf(key))
	}
}

func TestSetOwnerCanOrphanAPartition(t *testing.T) {
	h := partition.NewHashRing(8, []partition.Member{"a"})
	p := h.PartitionOf([]byte("x"))
	h.SetOwner(p, "")
	assert.Equal(t, partition.Member(""), h.OwnerOf([]byte("x")))
}
