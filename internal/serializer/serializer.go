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

// Package serializer resolves wire format names to codecs and bridges
// bytes between a client's format and the backend's native format (C2).
package serializer

import (
	"fmt"
	"sync"
)

// Codec encodes and decodes a logical value to and from this format's
// bytes. Implementations must be safe for concurrent use.
type Codec interface {
	Name() string
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Registry resolves format names to Codecs and knows the backend's native
// format, per spec.md §4.2.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	native string
}

// NewRegistry builds a registry whose backend-native format is nativeFormat.
// nativeFormat must be registered via Register before use.
func NewRegistry(nativeFormat string) *Registry {
	return &Registry{
		codecs: make(map[string]Codec),
		native: nativeFormat,
	}
}

func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

func (r *Registry) NativeFormat() string { return r.native }

func (r *Registry) Lookup(format string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[format]
	if !ok {
		return nil, fmt.Errorf("serializer: unknown format %q", format)
	}
	return c, nil
}

// Bridge bridges bytes between a client format and the backend's native
// format. down/up are identity when the formats match, per the §4.2
// contract; otherwise they decode through one codec and encode through the
// other, exactly once.
type Bridge struct {
	client  Codec
	backend Codec
	same    bool
}

// NewBridge resolves clientFormat against the registry and pairs it with
// the backend's native codec.
func NewBridge(reg *Registry, clientFormat string) (*Bridge, error) {
	if clientFormat == "" {
		clientFormat = reg.NativeFormat()
	}
	client, err := reg.Lookup(clientFormat)
	if err != nil {
		return nil, err
	}
	backend, err := reg.Lookup(reg.NativeFormat())
	if err != nil {
		return nil, err
	}
	return &Bridge{client: client, backend: backend, same: clientFormat == reg.NativeFormat()}, nil
}

// Down converts client-format bytes to backend-format bytes.
func (b *Bridge) Down(clientBytes []byte) ([]byte, error) {
	if b.same || clientBytes == nil {
		return clientBytes, nil
	}
	v, err := b.client.Decode(clientBytes)
	if err != nil {
		return nil, fmt.Errorf("decoding client payload: %w", err)
	}
	out, err := b.backend.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encoding backend payload: %w", err)
	}
	return out, nil
}

// Up converts backend-format bytes to client-format bytes.
func (b *Bridge) Up(backendBytes []byte) ([]byte, error) {
	if b.same || backendBytes == nil {
		return backendBytes, nil
	}
	v, err := b.backend.Decode(backendBytes)
	if err != nil {
		return nil, fmt.Errorf("decoding backend payload: %w", err)
	}
	out, err := b.client.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encoding client payload: %w", err)
	}
	return out, nil
}

// ClientFormat reports the resolved client format name.
func (b *Bridge) ClientFormat() string { return b.client.Name() }

// Identity reports whether client and backend formats coincide, so callers
// can short-circuit without calling Down/Up at all.
func (b *Bridge) Identity() bool { return b.same }
