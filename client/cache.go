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

package client

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/projectcontour/cachegrpc/internal/wire"
)

// LifecycleEvent names a lifecycle transition a Cache handle delivers to
// its registered listeners, the application-facing counterpart of the
// released/DESTROYED/TRUNCATED notifications spec.md §4.9 rules 2-4
// describe.
type LifecycleEvent int

const (
	// CacheReleased fires when Release is called on this handle locally;
	// no server round trip is involved.
	CacheReleased LifecycleEvent = iota
	// CacheDestroyed fires when the backing cache is destroyed, whether
	// by this handle's own Destroy call or by another client's.
	CacheDestroyed
	// CacheTruncated fires when the backing cache is truncated.
	CacheTruncated
)

// LifecycleListener receives lifecycle notifications for a Cache handle.
type LifecycleListener func(LifecycleEvent)

// Cache is a client handle for a single named backend cache. A Cache is
// deactivated once the server reports it DESTROYED, either because this
// client called Destroy or because another client did.
type Cache struct {
	proxy *Proxy
	env   wire.Envelope

	mu          sync.RWMutex
	deactivated bool
	listeners   []LifecycleListener

	near *lru.Cache[string, []byte] // nil when the proxy was dialed with nearCacheSize <= 0
}

func newCache(p *Proxy, env wire.Envelope) *Cache {
	c := &Cache{proxy: p, env: env}
	if p.nearCacheSize > 0 {
		near, err := lru.New[string, []byte](p.nearCacheSize)
		if err == nil {
			c.near = near
		}
	}
	return c
}

// AddLifecycleListener registers fn to be called whenever this handle is
// released, destroyed, or truncated (spec.md §4.9 rules 2-4). fn runs on
// the goroutine that observes the change: Release calls it on its caller's
// goroutine, and notifications arriving on the events stream call it from
// the event loop goroutine.
func (c *Cache) AddLifecycleListener(fn LifecycleListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Cache) fireLifecycle(ev LifecycleEvent) {
	c.mu.RLock()
	listeners := make([]LifecycleListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Release deactivates this handle locally without destroying the backing
// cache server-side, firing CacheReleased to any registered listeners
// (spec.md §4.9 rule 2).
func (c *Cache) Release() {
	if err := c.checkActive(); err != nil {
		return
	}
	c.markDeactivated()
	c.proxy.forget(c.env.Cache)
	c.fireLifecycle(CacheReleased)
}

func (c *Cache) markDeactivated() {
	c.mu.Lock()
	c.deactivated = true
	c.mu.Unlock()
	c.invalidateAll()
}

// invalidateKey drops key from the near cache, called when an Updated or
// Deleted event arrives for this cache (spec.md §9 "Near-cache stripping").
func (c *Cache) invalidateKey(key []byte) {
	if c.near != nil {
		c.near.Remove(string(key))
	}
}

// invalidateAll clears the near cache entirely, called on TRUNCATED,
// DESTROYED, or handle deactivation.
func (c *Cache) invalidateAll() {
	if c.near != nil {
		c.near.Purge()
	}
}

func (c *Cache) checkActive() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deactivated {
		return ErrDeactivated
	}
	return nil
}

// ErrDeactivated is returned by every Cache method once the handle has been
// released, its Proxy closed, or its backing cache destroyed. A truncation
// clears the near cache but leaves the handle active.
var ErrDeactivated = deactivatedError{}

type deactivatedError struct{}

func (deactivatedError) Error() string { return "client: cache handle deactivated" }

func (c *Cache) Get(ctx context.Context, key []byte) (value []byte, present bool, err error) {
	if err := c.checkActive(); err != nil {
		return nil, false, err
	}
	if c.near != nil {
		if v, ok := c.near.Get(string(key)); ok {
			return v, true, nil
		}
	}
	resp, err := c.proxy.wc.Get(ctx, &wire.GetRequest{Envelope: c.env, Key: key})
	if err != nil {
		return nil, false, err
	}
	if c.near != nil && resp.Value.Present {
		c.near.Add(string(key), resp.Value.Value)
	}
	return resp.Value.Value, resp.Value.Present, nil
}

func (c *Cache) Put(ctx context.Context, key, value []byte, ttlMillis int64) (previous []byte, present bool, err error) {
	if err := c.checkActive(); err != nil {
		return nil, false, err
	}
	resp, err := c.proxy.wc.Put(ctx, &wire.PutRequest{Envelope: c.env, Key: key, Value: value, TTLMillis: ttlMillis})
	if err != nil {
		return nil, false, err
	}
	c.invalidateKey(key)
	return resp.Previous.Value, resp.Previous.Present, nil
}

func (c *Cache) PutIfAbsent(ctx context.Context, key, value []byte, ttlMillis int64) (previous []byte, present bool, err error) {
	if err := c.checkActive(); err != nil {
		return nil, false, err
	}
	resp, err := c.proxy.wc.PutIfAbsent(ctx, &wire.PutIfAbsentRequest{Envelope: c.env, Key: key, Value: value, TTLMillis: ttlMillis})
	if err != nil {
		return nil, false, err
	}
	c.invalidateKey(key)
	return resp.Previous.Value, resp.Previous.Present, nil
}

// PutAll applies entries via partition-aware bulk routing on the server
// (spec.md §4.6, §8 scenario 2) and returns the keys that failed.
func (c *Cache) PutAll(ctx context.Context, entries []wire.EntryResult, ttlMillis int64) ([]wire.PutAllFailure, error) {
	if err := c.checkActive(); err != nil {
		return nil, err
	}
	resp, err := c.proxy.wc.PutAll(ctx, &wire.PutAllRequest{Envelope: c.env, Entries: entries, TTLMillis: ttlMillis})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		c.invalidateKey(e.Key)
	}
	return resp.Failed, nil
}

func (c *Cache) Remove(ctx context.Context, key []byte) (previous []byte, present bool, err error) {
	if err := c.checkActive(); err != nil {
		return nil, false, err
	}
	resp, err := c.proxy.wc.Remove(ctx, &wire.RemoveRequest{Envelope: c.env, Key: key})
	if err != nil {
		return nil, false, err
	}
	c.invalidateKey(key)
	return resp.Previous.Value, resp.Previous.Present, nil
}

func (c *Cache) RemoveMapping(ctx context.Context, key, value []byte) (bool, error) {
	if err := c.checkActive(); err != nil {
		return false, err
	}
	resp, err := c.proxy.wc.RemoveMapping(ctx, &wire.RemoveMappingRequest{Envelope: c.env, Key: key, Value: value})
	if err != nil {
		return false, err
	}
	c.invalidateKey(key)
	return resp.Removed, nil
}

func (c *Cache) Replace(ctx context.Context, key, value []byte) (previous []byte, present bool, err error) {
	if err := c.checkActive(); err != nil {
		return nil, false, err
	}
	resp, err := c.proxy.wc.Replace(ctx, &wire.ReplaceRequest{Envelope: c.env, Key: key, Value: value})
	if err != nil {
		return nil, false, err
	}
	c.invalidateKey(key)
	return resp.Previous.Value, resp.Previous.Present, nil
}

func (c *Cache) ReplaceMapping(ctx context.Context, key, previous, next []byte) (bool, error) {
	if err := c.checkActive(); err != nil {
		return false, err
	}
	resp, err := c.proxy.wc.ReplaceMapping(ctx, &wire.ReplaceMappingRequest{Envelope: c.env, Key: key, Previous: previous, New: next})
	if err != nil {
		return false, err
	}
	c.invalidateKey(key)
	return resp.Replaced, nil
}

func (c *Cache) ContainsEntry(ctx context.Context, key, value []byte) (bool, error) {
	if err := c.checkActive(); err != nil {
		return false, err
	}
	resp, err := c.proxy.wc.ContainsEntry(ctx, &wire.ContainsEntryRequest{Envelope: c.env, Key: key, Value: value})
	if err != nil {
		return false, err
	}
	return resp.Contains, nil
}

func (c *Cache) ContainsValue(ctx context.Context, value []byte) (bool, error) {
	if err := c.checkActive(); err != nil {
		return false, err
	}
	resp, err := c.proxy.wc.ContainsValue(ctx, &wire.ContainsValueRequest{Envelope: c.env, Value: value})
	if err != nil {
		return false, err
	}
	return resp.Contains, nil
}

func (c *Cache) Clear(ctx context.Context) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	_, err := c.proxy.wc.Clear(ctx, &wire.ClearRequest{Envelope: c.env})
	c.invalidateAll()
	return err
}

func (c *Cache) Truncate(ctx context.Context) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	_, err := c.proxy.wc.Truncate(ctx, &wire.TruncateRequest{Envelope: c.env})
	c.invalidateAll()
	return err
}

// Destroy destroys the backing cache server-side and deactivates this
// handle; subsequent calls on it return ErrDeactivated.
func (c *Cache) Destroy(ctx context.Context) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	_, err := c.proxy.wc.Destroy(ctx, &wire.DestroyRequest{Envelope: c.env})
	c.markDeactivated()
	c.proxy.forget(c.env.Cache)
	c.fireLifecycle(CacheDestroyed)
	return err
}

func (c *Cache) Size(ctx context.Context) (int64, error) {
	if err := c.checkActive(); err != nil {
		return 0, err
	}
	resp, err := c.proxy.wc.Size(ctx, &wire.SizeRequest{Envelope: c.env})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

func (c *Cache) IsEmpty(ctx context.Context) (bool, error) {
	if err := c.checkActive(); err != nil {
		return false, err
	}
	resp, err := c.proxy.wc.IsEmpty(ctx, &wire.IsEmptyRequest{Envelope: c.env})
	if err != nil {
		return false, err
	}
	return resp.Empty, nil
}

// NextPage drives the paged cursor engine (C7): pass the empty cookie on
// the first call, then the returned cookie until Done is true.
func (c *Cache) NextPage(ctx context.Context, cookie []byte, transferBytes int64, entriesNotKeys bool, filter []byte) (*wire.NextPageResponse, error) {
	if err := c.checkActive(); err != nil {
		return nil, err
	}
	return c.proxy.wc.NextPage(ctx, &wire.NextPageRequest{
		Envelope:       c.env,
		Cookie:         cookie,
		TransferBytes:  transferBytes,
		EntriesNotKeys: entriesNotKeys,
		Filter:         filter,
	})
}
