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

// Package holder implements the per-request context (C3): a short-lived
// bundle of the resolved cache view and both serializers, discarded once
// the response completes. It owns no cache state of its own (spec.md §3).
package holder

import (
	"context"

	"github.com/projectcontour/cachegrpc/internal/executor"
	"github.com/projectcontour/cachegrpc/internal/resolver"
	"github.com/projectcontour/cachegrpc/internal/serializer"
	"github.com/projectcontour/cachegrpc/internal/wire"
)

// Holder bundles everything a single request needs to bridge client bytes
// to backend bytes and back. Build one with New per request; discard it
// once the response is sent.
type Holder struct {
	Cache  resolver.View
	Bridge *serializer.Bridge
}

// New resolves the cache and builds the format bridge for env, running on
// pool so callers never block their own goroutine doing it (spec.md §4.3
// "Constructed asynchronously on the executor pool").
func New(ctx context.Context, pool *executor.Pool, res *resolver.Resolver, reg *serializer.Registry, env wire.Envelope) *executor.Future[*Holder] {
	return executor.Submit(ctx, pool, func(ctx context.Context) (*Holder, error) {
		view, err := res.Resolve(env.Scope, env.Cache)
		if err != nil {
			return nil, err
		}
		bridge, err := serializer.NewBridge(reg, env.Format)
		if err != nil {
			return nil, err
		}
		return &Holder{Cache: view, Bridge: bridge}, nil
	})
}

// ConvertKeyDown converts a client-format key to backend format. Keys and
// values share the same bridge; this wrapper exists because the source
// treats key conversion as a distinct named step (spec.md §4.3).
func (h *Holder) ConvertKeyDown(clientBytes []byte) ([]byte, error) { return h.Bridge.Down(clientBytes) }

// ConvertDown converts a client-format value to backend format.
func (h *Holder) ConvertDown(clientBytes []byte) ([]byte, error) { return h.Bridge.Down(clientBytes) }

// ConvertUp converts a backend-format value to client format.
func (h *Holder) ConvertUp(backendBytes []byte) ([]byte, error) { return h.Bridge.Up(backendBytes) }

// ToOptionalValue finalizes a (value, present) pair from the backend into
// the client-format Optional envelope used by get/invoke-style responses.
func (h *Holder) ToOptionalValue(value []byte, present bool) (wire.OptionalValue, error) {
	if !present {
		return wire.OptionalValue{}, nil
	}
	up, err := h.ConvertUp(value)
	if err != nil {
		return wire.OptionalValue{}, err
	}
	return wire.OptionalValue{Present: true, Value: up}, nil
}

// ToBytesValue converts a single backend-format byte slice to client
// format, returning nil unchanged (used for processor results that may be
// legitimately absent, e.g. a failed replaceMapping).
func (h *Holder) ToBytesValue(value []byte) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return h.ConvertUp(value)
}

// EntryConsumer adapts a per-entry backend callback into a function that
// converts both key and value to client format before handing them to
// emit. The dispatcher's streaming handlers convert entries themselves and
// do not call it.
func (h *Holder) EntryConsumer(emit func(key, value []byte) error) func(key, value []byte) error {
	return func(key, value []byte) error {
		ck, err := h.ConvertUp(key)
		if err != nil {
			return err
		}
		cv, err := h.ConvertUp(value)
		if err != nil {
			return err
		}
		return emit(ck, cv)
	}
}

// BinaryConsumer adapts a per-key backend callback (keySet/values) into
// client format without a paired value.
func (h *Holder) BinaryConsumer(emit func(b []byte) error) func(b []byte) error {
	return func(b []byte) error {
		cb, err := h.ConvertUp(b)
		if err != nil {
			return err
		}
		return emit(cb)
	}
}
