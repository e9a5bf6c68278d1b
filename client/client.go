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

// Package client implements the client-side cache proxy (C9): a scoped
// registry of cache handles backed by a shared gRPC connection, matching
// the "one proxy instance per client process" shape from spec.md §3.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/projectcontour/cachegrpc/internal/wire"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// defaultEnsureCacheTimeout is used when Dial is called with a zero or
// negative ensureCacheTimeout.
const defaultEnsureCacheTimeout = 30 * time.Second

// Proxy is the client-visible entry point: one per application process,
// fronting a single gRPC connection to the cache access proxy server.
type Proxy struct {
	appName       string
	format        string
	nearCacheSize int
	wc            *wire.Client
	conn          *grpc.ClientConn

	ensureTimeout time.Duration
	inflight      singleflight.Group

	mu     sync.Mutex
	caches map[string]*Cache

	events *eventLoop
}

// Dial connects to target and returns a ready Proxy. appName scopes every
// cache this Proxy resolves, per the resolver's scope-derivation rule
// (spec.md §4.4 rule 1); format names the client's serializer. When
// nearCacheSize is greater than zero, every Cache handle keeps a bounded
// local read cache invalidated by the shared event stream (spec.md §9
// "Near-cache stripping" describes the server side; this is its client
// counterpart). ensureCacheTimeout bounds the per-name lock GetCache
// acquires the first time it resolves a given name (spec.md §4.9 rule 1);
// zero or negative uses defaultEnsureCacheTimeout.
func Dial(ctx context.Context, target, appName, format string, nearCacheSize int, ensureCacheTimeout time.Duration, opts ...grpc.DialOption) (*Proxy, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", target, err)
	}
	if ensureCacheTimeout <= 0 {
		ensureCacheTimeout = defaultEnsureCacheTimeout
	}
	p := &Proxy{
		appName:       appName,
		format:        format,
		nearCacheSize: nearCacheSize,
		wc:            wire.NewClient(conn),
		conn:          conn,
		ensureTimeout: ensureCacheTimeout,
		caches:        make(map[string]*Cache),
	}
	p.events = newEventLoop(p)
	go p.events.run(ctx)
	return p, nil
}

// Close tears down the underlying connection and every handle it issued.
func (p *Proxy) Close() error {
	p.events.stop()
	p.mu.Lock()
	for _, c := range p.caches {
		c.markDeactivated()
	}
	p.caches = nil
	p.mu.Unlock()
	return p.conn.Close()
}

// GetCache returns the (possibly cached) handle for name, creating the
// underlying cache lazily on first use — equivalent handles for the same
// name are always the same *Cache object (spec.md §3). Concurrent first
// calls for the same name dedupe onto a single ensureCache invocation
// (spec.md §4.9 rule 1's per-name lock); ctx governs only this caller's
// wait, not the shared construction, so one caller canceling never aborts
// the handle other waiters are blocked on.
func (p *Proxy) GetCache(ctx context.Context, name string) (*Cache, error) {
	p.mu.Lock()
	if c, ok := p.caches[name]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	ch := p.inflight.DoChan(name, func() (interface{}, error) {
		return p.ensureCache(name)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Cache), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureCache constructs the handle for name, racing the server round trip
// against p.ensureTimeout. A timeout raises a DeadlineExceeded status, the
// TIMEOUT-kind error spec.md §4.9 rule 1 asks for; singleflight.Group in
// GetCache is the "per-name lock" that serializes concurrent callers onto
// one invocation of this method.
func (p *Proxy) ensureCache(name string) (*Cache, error) {
	p.mu.Lock()
	if c, ok := p.caches[name]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.ensureTimeout)
	defer cancel()

	env := wire.Envelope{Scope: p.appName, Cache: name, Format: p.format}
	if _, err := p.wc.IsReady(ctx, &wire.IsReadyRequest{Envelope: env}); err != nil {
		if ctx.Err() != nil {
			return nil, status.Errorf(codes.DeadlineExceeded, "client: ensureCache(%q) timed out after %s", name, p.ensureTimeout)
		}
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.caches[name]; ok {
		return c, nil
	}
	if p.caches == nil {
		p.caches = make(map[string]*Cache)
	}
	c := newCache(p, env)
	p.caches[name] = c
	p.events.subscribe(name)
	return c, nil
}

// forget removes name from the active handle set, called once a cache is
// destroyed locally so a future GetCache resolves a fresh handle.
func (p *Proxy) forget(name string) {
	p.mu.Lock()
	delete(p.caches, name)
	p.mu.Unlock()
}
