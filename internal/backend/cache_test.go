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

package backend_test

import (
	"context"
	"testing"

	"github.com/projectcontour/cachegrpc/internal/backend"
	"github.com/projectcontour/cachegrpc/internal/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMap(t *testing.T) *backend.Map {
	t.Helper()
	return backend.NewMap("t", partition.NewHashRing(31, nil))
}

func put(t *testing.T, m *backend.Map, key, value []byte) backend.ProcessorResult {
	t.Helper()
	r, err := m.Invoke(context.Background(), key, backend.Processor{Kind: backend.ProcPut, Value: value})
	require.NoError(t, err)
	return r
}

func TestGetMissingKeyIsNotPresent(t *testing.T) {
	m := newMap(t)
	v, present, err := m.Get(context.Background(), []byte("missing"))
	require.NoError(t, err)
	assert.False(t, present)
	assert.Nil(t, v)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	m := newMap(t)
	put(t, m, []byte("k"), []byte("v1"))

	v, present, err := m.Get(context.Background(), []byte("k"))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, []byte("v1"), v)
}

func TestPutIfAbsentDoesNotOverwrite(t *testing.T) {
	m := newMap(t)
	put(t, m, []byte("k"), []byte("v1"))

	r, err := m.Invoke(context.Background(), []byte("k"), backend.Processor{Kind: backend.ProcPutIfAbsent, Value: []byte("v2")})
	require.NoError(t, err)
	assert.True(t, r.Present)
	assert.Equal(t, []byte("v1"), r.Result)

	v, _, _ := m.Get(context.Background(), []byte("k"))
	assert.Equal(t, []byte("v1"), v)
}

func TestReplaceMappingRequiresMatchingPrevious(t *testing.T) {
	m := newMap(t)
	put(t, m, []byte("k"), []byte("v1"))

	r, err := m.Invoke(context.Background(), []byte("k"), backend.Processor{Kind: backend.ProcReplaceMapping, Previous: []byte("wrong"), Value: []byte("v2")})
	require.NoError(t, err)
	assert.False(t, r.BoolOutcome)

	r, err = m.Invoke(context.Background(), []byte("k"), backend.Processor{Kind: backend.ProcReplaceMapping, Previous: []byte("v1"), Value: []byte("v2")})
	require.NoError(t, err)
	assert.True(t, r.BoolOutcome)

	v, _, _ := m.Get(context.Background(), []byte("k"))
	assert.Equal(t, []byte("v2"), v)
}

func TestRemoveMappingRequiresMatchingValue(t *testing.T) {
	m := newMap(t)
	put(t, m, []byte("k"), []byte("v1"))

	r, err := m.Invoke(context.Background(), []byte("k"), backend.Processor{Kind: backend.ProcRemoveMapping, Value: []byte("wrong")})
	require.NoError(t, err)
	assert.False(t, r.BoolOutcome)

	_, present, _ := m.Get(context.Background(), []byte("k"))
	assert.True(t, present)

	r, err = m.Invoke(context.Background(), []byte("k"), backend.Processor{Kind: backend.ProcRemoveMapping, Value: []byte("v1")})
	require.NoError(t, err)
	assert.True(t, r.BoolOutcome)

	_, present, _ = m.Get(context.Background(), []byte("k"))
	assert.False(t, present)
}

func TestEntrySetAppliesFilterAndComparator(t *testing.T) {
	m := newMap(t)
	put(t, m, []byte("b"), []byte("2"))
	put(t, m, []byte("a"), []byte("1"))
	put(t, m, []byte("c"), []byte("3"))

	var keys [][]byte
	err := m.EntrySet(context.Background(), backend.MatchAll, backend.NaturalOrder, func(e backend.Entry) error {
		keys = append(keys, e.Key)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, []byte("a"), keys[0])
	assert.Equal(t, []byte("b"), keys[1])
	assert.Equal(t, []byte("c"), keys[2])
}

func TestAggregateWithCountAggregator(t *testing.T) {
	m := newMap(t)
	put(t, m, []byte("a"), []byte("v"))
	put(t, m, []byte("b"), []byte("v"))
	put(t, m, []byte("c"), []byte("other"))

	var agg backend.CountAggregator
	err := m.Aggregate(context.Background(), backend.EqualsValueFilter{Value: []byte("v")}, &agg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Count())
}

func TestDestroyedCacheRejectsOperations(t *testing.T) {
	m := newMap(t)
	require.NoError(t, m.Destroy(context.Background()))
	assert.True(t, m.Destroyed())

	_, _, err := m.Get(context.Background(), []byte("k"))
	assert.ErrorIs(t, err, backend.ErrDestroyed)
}

func TestDestroyIsIdempotent(t *testing.T) {
	m := newMap(t)
	require.NoError(t, m.Destroy(context.Background()))
	require.NoError(t, m.Destroy(context.Background()))
}

func TestTruncateEmitsEventWithoutDestroying(t *testing.T) {
	m := newMap(t)
	put(t, m, []byte("k"), []byte("v"))

	var got []backend.EventKind
	m.AddListener(listenerFunc(func(kind backend.EventKind, e backend.Entry, old []byte) {
		got = append(got, kind)
	}))

	require.NoError(t, m.Truncate(context.Background()))
	assert.False(t, m.Destroyed())
	n, _ := m.Size(context.Background())
	assert.Equal(t, int64(0), n)
	assert.Contains(t, got, backend.EventTruncated)
}

func TestRemoveListenerStopsNotifications(t *testing.T) {
	m := newMap(t)
	count := 0
	// A pointer keeps the listener comparable for RemoveListener; func
	// values cannot be compared through an interface.
	f := listenerFunc(func(backend.EventKind, backend.Entry, []byte) { count++ })
	l := &f
	m.AddListener(l)
	put(t, m, []byte("k"), []byte("v1"))
	m.RemoveListener(l)
	put(t, m, []byte("k"), []byte("v2"))
	assert.Equal(t, 1, count)
}

type listenerFunc func(kind backend.EventKind, e backend.Entry, old []byte)

func (f listenerFunc) OnEvent(kind backend.EventKind, e backend.Entry, old []byte) { f(kind, e, old) }
