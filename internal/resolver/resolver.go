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

// Package resolver maps (scope, cacheName) requests to backend cache
// handles (C4), applying container/tenant scope derivation and near-cache
// front-tier bypass (spec.md §4.4, §9).
package resolver

import (
	"fmt"
	"sync"

	"github.com/projectcontour/cachegrpc/internal/backend"
	"github.com/projectcontour/cachegrpc/internal/partition"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// View bundles the two handles spec.md §4.4 describes: a pass-through view
// (raw bytes end-to-end) and a regular view (used where the backend needs
// a typed value, e.g. addIndex's extractor). This proxy never deserializes
// values itself, so both views currently resolve to the same handle; the
// split is kept so a future typed-extractor path has somewhere to live
// without changing callers.
type View struct {
	PassThrough backend.Cache
	Regular     backend.Cache
}

// NearCacheFronted is implemented by a Cache that fronts another,
// storage-enabled Cache on the same node. The resolver bypasses the front
// tier for such caches (spec.md §4.4 rule 3, §9 "Near-cache stripping"):
// leaving it in would double listener delivery and risks spurious
// deserialization on the proxy.
type NearCacheFronted interface {
	backend.Cache
	BackingCache() (backend.Cache, bool) // ok is false when the back cache isn't local
}

// Resolver owns the registry of backend caches for one process. Equal
// (scope, name) pairs always return the same handle (spec.md §3).
type Resolver struct {
	appName      string
	defaultScope string
	oracle       partition.Oracle

	mu     sync.Mutex
	caches map[string]backend.Cache
}

func New(appName, defaultScope string, oracle partition.Oracle) *Resolver {
	return &Resolver{
		appName:      appName,
		defaultScope: defaultScope,
		oracle:       oracle,
		caches:       make(map[string]backend.Cache),
	}
}

// mtName derives the scope used to key the cache registry, applying the
// appName+scope concatenation rule from spec.md §4.4 rule 1: skipped when
// scope is already empty, equal to appName, or equal to the derived
// MT-name itself (spec.md §9 "Scope derivation under multitenancy").
func (r *Resolver) mtName(scope string) string {
	if scope == "" {
		scope = r.defaultScope
	}
	if r.appName == "" || scope == "" || scope == r.appName {
		return scope
	}
	derived := r.appName + scope
	if scope == derived {
		return scope
	}
	return derived
}

// Resolve returns the View for (scope, name), creating the backing cache
// on first use. Equal (scope, name) always yields the same handle.
func (r *Resolver) Resolve(scope, name string) (View, error) {
	if name == "" {
		return View{}, status.Error(codes.InvalidArgument, "cache name must not be empty")
	}

	key := r.mtName(scope) + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.caches[key]
	if !ok {
		c = backend.NewMap(name, r.oracle)
		r.caches[key] = c
	}

	resolved := c
	if nc, ok := c.(NearCacheFronted); ok {
		if back, local := nc.BackingCache(); local {
			resolved = back
		}
	}

	if resolved.Destroyed() {
		return View{}, status.Error(codes.FailedPrecondition, fmt.Sprintf("cache %q is destroyed", name))
	}

	return View{PassThrough: resolved, Regular: resolved}, nil
}

// Count returns the number of backend cache handles currently resolved,
// backing the CachesGauge metric.
func (r *Resolver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.caches)
}

// Forget drops a destroyed cache's handle from the registry so a later
// Resolve for the same name creates a fresh cache instead of reusing the
// destroyed one.
func (r *Resolver) Forget(scope, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caches, r.mtName(scope)+"/"+name)
}
