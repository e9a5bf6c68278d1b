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

package resolver_test

import (
	"context"
	"testing"

	"github.com/projectcontour/cachegrpc/internal/backend"
	"github.com/projectcontour/cachegrpc/internal/partition"
	"github.com/projectcontour/cachegrpc/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(appName, defaultScope string) *resolver.Resolver {
	return resolver.New(appName, defaultScope, partition.NewHashRing(31, nil))
}

func TestResolveCreatesAndReusesHandle(t *testing.T) {
	r := newResolver("", "")
	v1, err := r.Resolve("", "orders")
	require.NoError(t, err)
	v2, err := r.Resolve("", "orders")
	require.NoError(t, err)
	assert.Same(t, v1.PassThrough, v2.PassThrough)
}

func TestResolveRejectsEmptyName(t *testing.T) {
	r := newResolver("", "")
	_, err := r.Resolve("", "")
	assert.Error(t, err)
}

func TestResolveAppliesDefaultScope(t *testing.T) {
	r := newResolver("app", "tenantA")
	withDefault, err := r.Resolve("", "orders")
	require.NoError(t, err)
	explicit, err := r.Resolve("tenantA", "orders")
	require.NoError(t, err)
	assert.Same(t, withDefault.PassThrough, explicit.PassThrough)
}

func TestResolveSkipsDerivationWhenScopeEqualsAppName(t *testing.T) {
	r := newResolver("app", "")
	a, err := r.Resolve("app", "orders")
	require.NoError(t, err)

	r2 := newResolver("", "")
	b, err := r2.Resolve("app", "orders")
	require.NoError(t, err)

	// Both should key the same cache registry slot ("app/orders") since
	// derivation is skipped when scope == appName.
	assert.Equal(t, a.PassThrough.Name(), b.PassThrough.Name())
}

func TestResolveFailsOnDestroyedCache(t *testing.T) {
	r := newResolver("", "")
	v, err := r.Resolve("", "orders")
	require.NoError(t, err)
	require.NoError(t, v.PassThrough.Destroy(context.Background()))

	_, err = r.Resolve("", "orders")
	assert.Error(t, err)
}

func TestForgetAllowsFreshHandleAfterDestroy(t *testing.T) {
	r := newResolver("", "")
	v, err := r.Resolve("", "orders")
	require.NoError(t, err)
	require.NoError(t, v.PassThrough.Destroy(context.Background()))
	r.Forget("", "orders")

	fresh, err := r.Resolve("", "orders")
	require.NoError(t, err)
	assert.False(t, fresh.PassThrough.Destroyed())
	assert.NotSame(t, v.PassThrough, fresh.PassThrough)
}

func TestCountReflectsResolvedHandles(t *testing.T) {
	r := newResolver("", "")
	assert.Equal(t, 0, r.Count())
	_, err := r.Resolve("", "a")
	require.NoError(t, err)
	_, err = r.Resolve("", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count())
}

// frontingCache wraps a local backend.Map as a NearCacheFronted test
// double whose BackingCache reports a local back cache.
type frontingCache struct {
	backend.Cache
	back  backend.Cache
	local bool
}

func (f *frontingCache) BackingCache() (backend.Cache, bool) { return f.back, f.local }

func TestNearCacheFrontedReportsLocalBackingCache(t *testing.T) {
	back := backend.NewMap("orders", partition.NewHashRing(31, nil))
	// Resolve only creates backend.Map handles, so this checks the
	// NearCacheFronted contract on the test double alone: BackingCache
	// returns the local back cache, not the front-tier wrapper.
	_ = back
	front := &frontingCache{Cache: backend.NewMap("orders", partition.NewHashRing(31, nil)), back: back, local: true}
	var asFronted resolver.NearCacheFronted = front
	resolved, local := asFronted.BackingCache()
	assert.True(t, local)
	assert.Same(t, back, resolved)
}
