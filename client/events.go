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
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projectcontour/cachegrpc/internal/wire"
	"github.com/sirupsen/logrus"
)

// eventLoop keeps one long-lived Events stream (C8) open per Proxy and
// fans lifecycle/mutation notifications out to the local Cache handles so
// their near caches (see cache.go) stay consistent with the backend.
//
// The stream is reconnected with exponential backoff on failure; every
// cache name the Proxy has resolved is re-subscribed with a match-all
// filter once the new stream is up, so a reconnect never silently drops
// coverage.
type eventLoop struct {
	proxy *Proxy
	log   logrus.FieldLogger

	mu            sync.Mutex
	subscriptions map[string]uint64  // cache name -> filter ID, resent on reconnect
	stream        *wire.EventsStream // open stream, nil between connections
	cancel        context.CancelFunc
	stopped       bool
}

func newEventLoop(p *Proxy) *eventLoop {
	return &eventLoop{
		proxy:         p,
		log:           logrus.StandardLogger(),
		subscriptions: make(map[string]uint64),
	}
}

func (e *eventLoop) subscribe(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscriptions[name]; ok {
		return
	}
	id := uuidUint64()
	e.subscriptions[name] = id
	if e.stream != nil {
		// A failed send also fails the stream's Recv in runOnce, which
		// reconnects and resends every subscription.
		_ = e.stream.Send(&wire.EventClientMessage{
			Subscribe: &wire.SubscribeMessage{FilterID: id, Cache: name, Lite: true},
		})
	}
}

func (e *eventLoop) stop() {
	e.mu.Lock()
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run owns the reconnect loop and blocks until ctx is canceled or Close
// stops the loop.
func (e *eventLoop) run(ctx context.Context) {
	backoff := newBackoff()
	for {
		e.mu.Lock()
		stopped := e.stopped
		e.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.cancel = cancel
		e.mu.Unlock()

		if err := e.runOnce(streamCtx); err != nil && ctx.Err() == nil {
			e.log.WithError(err).Debug("client: events stream lost, reconnecting")
			d := backoff.next()
			select {
			case <-time.After(d):
			case <-ctx.Done():
				cancel()
				return
			}
			cancel()
			continue
		}
		cancel()
		backoff.reset()
		if ctx.Err() != nil {
			return
		}
	}
}

// runOnce opens the stream, subscribes to every known cache, then reads
// until the stream ends or errors.
func (e *eventLoop) runOnce(ctx context.Context) error {
	stream, err := e.proxy.wc.Events(ctx)
	if err != nil {
		return err
	}

	if err := stream.Send(&wire.EventClientMessage{
		Init: &wire.InitMessage{Scope: e.proxy.appName, Format: e.proxy.format},
	}); err != nil {
		return err
	}

	e.mu.Lock()
	for name, id := range e.subscriptions {
		if err := stream.Send(&wire.EventClientMessage{
			Subscribe: &wire.SubscribeMessage{FilterID: id, Cache: name, Lite: true},
		}); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.stream = stream
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.stream = nil
		e.mu.Unlock()
	}()

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		e.dispatch(msg)
	}
}

func (e *eventLoop) dispatch(msg *wire.EventServerMessage) {
	switch {
	case msg.Event != nil:
		e.withCache(msg.Event.Cache, func(c *Cache) {
			switch msg.Event.Kind {
			case wire.EventUpdated, wire.EventDeleted:
				c.invalidateKey(msg.Event.Key)
			}
		})
	case msg.Truncated != nil:
		e.withCache(msg.Truncated.Cache, func(c *Cache) {
			c.invalidateAll()
			c.fireLifecycle(CacheTruncated)
		})
	case msg.Destroyed != nil:
		e.withCache(msg.Destroyed.Cache, func(c *Cache) {
			c.markDeactivated()
			e.proxy.forget(msg.Destroyed.Cache)
			c.fireLifecycle(CacheDestroyed)
		})
	}
}

func (e *eventLoop) withCache(name string, fn func(*Cache)) {
	e.proxy.mu.Lock()
	c, ok := e.proxy.caches[name]
	e.proxy.mu.Unlock()
	if ok {
		fn(c)
	}
}

func uuidUint64() uint64 {
	id := uuid.New()
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}
